package scheduler

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdberg/couchsync/internal/util"
)

var log = logging.Logger("scheduler")

// Kind is a playback command verb.
type Kind string

const (
	KindUnpause Kind = "Unpause"
	KindPause   Kind = "Pause"
	KindSeek    Kind = "Seek"
	KindStop    Kind = "Stop"
)

// Command is one playback command from the server. EmittedAt is on the
// server clock and marks when the command must take effect locally.
type Command struct {
	GroupID        string    `json:"GroupId"`
	PlaylistItemID string    `json:"PlaylistItemId"`
	When           time.Time `json:"When"`
	PositionTicks  int64     `json:"PositionTicks"`
	Command        Kind      `json:"Command"`
	EmittedAt      time.Time `json:"EmittedAt"`
}

// key identifies a command for duplicate detection and timer bookkeeping.
type key struct {
	emittedAt int64
	position  int64
	kind      Kind
	item      string
}

func (c Command) key() key {
	return key{
		emittedAt: c.EmittedAt.UnixNano(),
		position:  c.PositionTicks,
		kind:      c.Command,
		item:      c.PlaylistItemID,
	}
}

const (
	// defaultMaxDelay is the sanity bound on a computed execution delay.
	// Anything larger means the clock estimate cannot be trusted for this
	// command, so it executes immediately instead.
	defaultMaxDelay = 5 * time.Second

	// executedMemory is how many executed command keys are remembered so a
	// late re-delivery of an applied command is dropped, not reapplied.
	executedMemory = 16
)

// Clock is the slice of the time synchronizer the scheduler needs.
type Clock interface {
	IsStale() bool
	ForceUpdate()
	ToLocal(serverTime time.Time) time.Time
}

// Scheduler executes inbound playback commands at the right local instant.
// It deduplicates against the last stored command, translates the server
// emission time through the clock synchronizer, and arms one-shot timers.
type Scheduler struct {
	clock Clock
	exec  func(Command)

	mu       sync.Mutex
	last     *Command
	timers   map[key]*time.Timer
	executed *util.RingBuffer[key]
	maxDelay time.Duration
}

// New creates a scheduler that calls exec when a command is due.
func New(clock Clock, exec func(Command)) *Scheduler {
	return &Scheduler{
		clock:    clock,
		exec:     exec,
		timers:   make(map[key]*time.Timer),
		executed: util.NewRingBuffer[key](executedMemory),
		maxDelay: defaultMaxDelay,
	}
}

// SetMaxDelay overrides the scheduling sanity bound.
func (s *Scheduler) SetMaxDelay(d time.Duration) {
	s.mu.Lock()
	s.maxDelay = d
	s.mu.Unlock()
}

// IsDuplicate reports whether c matches the last stored command on
// (EmittedAt, PositionTicks, Command, PlaylistItemId). The authoritative
// StateUpdate stream corrects any divergence, so duplicates are never
// re-dispatched.
func (s *Scheduler) IsDuplicate(c Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last != nil && s.last.key() == c.key()
}

// StoreLast records c as the reference for duplicate detection.
func (s *Scheduler) StoreLast(c Command) {
	s.mu.Lock()
	s.last = &c
	s.mu.Unlock()
}

// Schedule arms execution of c at the local instant matching its server
// emission time. A negative delay executes synchronously; a delay beyond the
// sanity bound executes immediately with a warning.
func (s *Scheduler) Schedule(c Command) {
	k := c.key()

	s.mu.Lock()
	if s.wasExecutedLocked(k) {
		s.mu.Unlock()
		log.Debugw("already-executed command dropped", "kind", c.Command, "position", c.PositionTicks)
		return
	}
	maxDelay := s.maxDelay
	s.mu.Unlock()

	if s.clock.IsStale() {
		// Remote time math is about to be trusted; get a fresh sample going.
		log.Infow("clock estimate stale, forcing resync before scheduling")
		s.clock.ForceUpdate()
	}

	target := s.clock.ToLocal(c.EmittedAt)
	delay := time.Until(target)

	switch {
	case delay < 0:
		log.Debugw("command instant already passed, executing now",
			"kind", c.Command, "late", -delay)
		s.execute(c)
	case delay <= maxDelay:
		log.Debugw("command scheduled", "kind", c.Command, "delay", delay)
		s.arm(c, delay)
	default:
		log.Warnw("command delay exceeds sanity bound, executing now",
			"kind", c.Command, "delay", delay, "bound", maxDelay)
		s.execute(c)
	}
}

// arm starts the one-shot timer for c, replacing any previous timer armed
// for the same key.
func (s *Scheduler) arm(c Command, delay time.Duration) {
	k := c.key()
	s.mu.Lock()
	if t, ok := s.timers[k]; ok {
		t.Stop()
	}
	s.timers[k] = time.AfterFunc(delay, func() { s.execute(c) })
	s.mu.Unlock()
}

func (s *Scheduler) execute(c Command) {
	k := c.key()
	s.mu.Lock()
	if t, ok := s.timers[k]; ok {
		t.Stop()
		delete(s.timers, k)
	}
	if s.wasExecutedLocked(k) {
		s.mu.Unlock()
		return
	}
	s.executed.Push(k)
	s.mu.Unlock()

	s.exec(c)
}

func (s *Scheduler) wasExecutedLocked(k key) bool {
	for _, done := range s.executed.Snapshot() {
		if done == k {
			return true
		}
	}
	return false
}

// CancelAll stops every outstanding timer and forgets command history.
// Called when leaving a group or unregistering the player.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	s.last = nil
	s.executed = util.NewRingBuffer[key](executedMemory)
	s.mu.Unlock()
	log.Debugw("all scheduled commands cancelled")
}
