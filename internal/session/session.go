package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdberg/couchsync/internal/api"
	"github.com/mvdberg/couchsync/internal/channel"
	"github.com/mvdberg/couchsync/internal/group"
	"github.com/mvdberg/couchsync/internal/player"
	"github.com/mvdberg/couchsync/internal/scheduler"
	"github.com/mvdberg/couchsync/internal/timesync"
)

var log = logging.Logger("session")

// ErrNoGroup is returned by playback requests made while no group is joined.
var ErrNoGroup = errors.New("no group joined")

const (
	// defaultSeekThreshold is how far the local position may drift from a
	// command's target before a corrective seek is issued. 0.5s.
	defaultSeekThreshold = 500 * time.Millisecond

	// requestTimeout caps outbound requests made from event handlers.
	requestTimeout = 5 * time.Second

	// pingReportInterval is how often the measured round trip is reported to
	// the server while the session is enabled.
	pingReportInterval = 30 * time.Second
)

// Options tune the session. Zero values select the defaults.
type Options struct {
	// SeekThreshold is the minimum position drift that triggers a corrective
	// seek around play/pause commands.
	SeekThreshold time.Duration
	// MaxCommandDelay is the scheduler's sanity bound on computed delays.
	MaxCommandDelay time.Duration
	// ReadyTolerance is the readiness handshake's position tolerance.
	ReadyTolerance time.Duration
	// ReadyTimeout bounds the readiness wait on the local buffer.
	ReadyTimeout time.Duration

	// OnJoined fires after a group is joined or created.
	OnJoined func(groupID string)
	// OnLeft fires after the session leaves or loses its group.
	OnLeft func(groupID string)
}

// Manager is the playback orchestrator: the single owner of the channel,
// clock, scheduler and reconciler. Everything above it (control surface,
// application wiring) talks to this type only.
type Manager struct {
	api   api.Requester
	clock *timesync.Synchronizer
	ch    *channel.Manager
	sched *scheduler.Scheduler
	rec   *group.Reconciler
	opts  Options

	mu             sync.Mutex
	enabled        bool
	groupID        string
	player         player.Capability
	unsubscribe    func()
	applyingRemote bool
	buffering      bool
	seekThreshold  int64 // ticks
	pingStop       chan struct{}
}

// New wires a session manager around the given request client, websocket URL
// and clock synchronizer. The clock's lifecycle stays with the caller.
func New(requester api.Requester, socketURL string, clock *timesync.Synchronizer, opts Options) *Manager {
	if opts.SeekThreshold <= 0 {
		opts.SeekThreshold = defaultSeekThreshold
	}

	m := &Manager{
		api:           requester,
		clock:         clock,
		opts:          opts,
		seekThreshold: player.DurationToTicks(opts.SeekThreshold),
	}

	m.ch = channel.New(socketURL, channel.Callbacks{
		OnMessage: func(f channel.Frame) { m.rec.HandleFrame(f) },
		OnOpen:    func() { clock.ForceUpdate() },
		OnClose:   m.onChannelClose,
	})
	m.sched = scheduler.New(clock, m.applyCommand)
	if opts.MaxCommandDelay > 0 {
		m.sched.SetMaxDelay(opts.MaxCommandDelay)
	}
	m.rec = group.NewReconciler(m.ch, m.sched, requester, group.Hooks{
		PlayItem:  m.playItem,
		Resumed:   func() { log.Infow("group resumed playback") },
		GroupGone: m.onGroupGone,
	})
	if opts.ReadyTolerance > 0 {
		m.rec.SetReadyTolerance(opts.ReadyTolerance)
	}
	if opts.ReadyTimeout > 0 {
		m.rec.SetReadyTimeout(opts.ReadyTimeout)
	}
	return m
}

// ── group lifecycle ──────────────────────────────────────────────────────────

// ListGroups fetches the groups currently open on the server.
func (m *Manager) ListGroups(ctx context.Context) ([]api.GroupInfo, error) {
	return m.api.ListGroups(ctx)
}

// CreateGroup opens a new group and enables the session for it. The server
// joins the creator automatically.
func (m *Manager) CreateGroup(ctx context.Context, name string) (*api.GroupInfo, error) {
	if err := m.enable(ctx); err != nil {
		return nil, err
	}
	g, err := m.api.CreateGroup(ctx, name)
	if err != nil {
		m.disable()
		return nil, fmt.Errorf("create group: %w", err)
	}
	m.setGroupID(g.GroupID)
	log.Infow("group created", "group", g.GroupID, "name", g.GroupName)
	if m.opts.OnJoined != nil {
		m.opts.OnJoined(g.GroupID)
	}
	return g, nil
}

// JoinGroup enables the session and joins an existing group. Any failure
// tears the session back down so it never lingers half-joined.
func (m *Manager) JoinGroup(ctx context.Context, groupID string) error {
	if err := m.enable(ctx); err != nil {
		return err
	}
	if err := m.api.JoinGroup(ctx, groupID); err != nil {
		m.disable()
		return fmt.Errorf("join group: %w", err)
	}
	m.setGroupID(groupID)
	log.Infow("group joined", "group", groupID)
	if m.opts.OnJoined != nil {
		m.opts.OnJoined(groupID)
	}
	return nil
}

// LeaveGroup leaves the current group and disables the session. Teardown
// happens even when the leave request fails.
func (m *Manager) LeaveGroup(ctx context.Context) error {
	err := m.api.LeaveGroup(ctx)
	left := m.currentGroupID()
	m.disable()
	if m.opts.OnLeft != nil && left != "" {
		m.opts.OnLeft(left)
	}
	if err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	return nil
}

// enable connects the channel and marks the session live. Idempotent.
func (m *Manager) enable(ctx context.Context) error {
	m.clock.ForceUpdate()
	if err := m.ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}

	m.mu.Lock()
	already := m.enabled
	m.enabled = true
	if !already {
		m.pingStop = make(chan struct{})
		go m.pingLoop(m.pingStop)
	}
	m.mu.Unlock()
	return nil
}

// disable is the uniform teardown: cancel timers, wipe the group view, close
// the channel.
func (m *Manager) disable() {
	m.mu.Lock()
	m.enabled = false
	m.groupID = ""
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	m.mu.Unlock()

	m.sched.CancelAll()
	m.rec.Clear()
	m.ch.Disconnect()
}

func (m *Manager) setGroupID(id string) {
	m.mu.Lock()
	m.groupID = id
	m.mu.Unlock()
}

func (m *Manager) currentGroupID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupID
}

func (m *Manager) onChannelClose(err error) {
	if err == nil {
		return // deliberate disconnect, teardown already ran
	}
	log.Warnw("channel dropped, disabling session", "err", err)
	left := m.currentGroupID()
	m.disable()
	if m.opts.OnLeft != nil && left != "" {
		m.opts.OnLeft(left)
	}
}

func (m *Manager) onGroupGone(groupID string) {
	log.Warnw("group dissolved by server", "group", groupID)
	m.disable()
	if m.opts.OnLeft != nil {
		m.opts.OnLeft(groupID)
	}
}

// ── player registration ──────────────────────────────────────────────────────

// RegisterPlayer attaches a local playback capability. A previously
// registered player is detached first.
func (m *Manager) RegisterPlayer(p player.Capability) {
	m.UnregisterPlayer()

	unsub := p.Subscribe(player.Events{
		UserPlay:  m.onUserPlay,
		UserPause: m.onUserPause,
		UserSeek:  m.onUserSeek,
		CanPlay:   m.onCanPlay,
		Buffering: m.onBuffering,
		Seeked:    m.onSeeked,
	})

	m.mu.Lock()
	m.player = p
	m.unsubscribe = unsub
	m.mu.Unlock()

	m.rec.SetPlayer(p)
	log.Infow("player registered")
}

// UnregisterPlayer detaches the current player and cancels everything
// scheduled against it.
func (m *Manager) UnregisterPlayer() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.player = nil
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	m.rec.SetPlayer(nil)
	m.sched.CancelAll()
	log.Infow("player unregistered")
}

func (m *Manager) currentPlayer() player.Capability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.player
}

// ── command application (remote → player) ────────────────────────────────────

// applyCommand runs when the scheduler decides a command is due. While it
// runs, local player events are suppressed so the applied command does not
// echo back to the server as a user intent.
func (m *Manager) applyCommand(c scheduler.Command) {
	m.mu.Lock()
	p := m.player
	m.applyingRemote = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.applyingRemote = false
		m.mu.Unlock()
	}()

	if p == nil {
		log.Debugw("command due with no player registered", "kind", c.Command)
		return
	}

	log.Infow("applying command", "kind", c.Command, "position", c.PositionTicks)
	switch c.Command {
	case scheduler.KindUnpause:
		m.seekIfFar(p, c.PositionTicks)
		if err := p.Play(); err != nil {
			log.Warnw("play failed", "err", err)
		}
	case scheduler.KindPause:
		if err := p.Pause(); err != nil {
			log.Warnw("pause failed", "err", err)
		}
		m.seekIfFar(p, c.PositionTicks)
	case scheduler.KindSeek:
		if err := p.SeekTicks(c.PositionTicks); err != nil {
			log.Warnw("seek failed", "err", err)
		}
	case scheduler.KindStop:
		if err := p.Pause(); err != nil {
			log.Warnw("stop failed", "err", err)
		}
		if err := p.SeekTicks(0); err != nil {
			log.Warnw("rewind failed", "err", err)
		}
	default:
		log.Warnw("unknown command kind", "kind", c.Command)
	}
}

// ApplyTunables updates the runtime thresholds, for live config reloads.
// Zero values leave the current setting untouched.
func (m *Manager) ApplyTunables(seekThreshold, maxCommandDelay, readyTolerance, readyTimeout time.Duration) {
	if seekThreshold > 0 {
		m.mu.Lock()
		m.seekThreshold = player.DurationToTicks(seekThreshold)
		m.mu.Unlock()
	}
	if maxCommandDelay > 0 {
		m.sched.SetMaxDelay(maxCommandDelay)
	}
	if readyTolerance > 0 {
		m.rec.SetReadyTolerance(readyTolerance)
	}
	if readyTimeout > 0 {
		m.rec.SetReadyTimeout(readyTimeout)
	}
}

// seekIfFar nudges the player to target only when the drift exceeds the seek
// threshold, so in-sync players are left undisturbed.
func (m *Manager) seekIfFar(p player.Capability, targetTicks int64) {
	m.mu.Lock()
	threshold := m.seekThreshold
	m.mu.Unlock()

	drift := p.PositionTicks() - targetTicks
	if drift < 0 {
		drift = -drift
	}
	if drift <= threshold {
		return
	}
	log.Debugw("correcting drift", "drift_ticks", drift, "target", targetTicks)
	if err := p.SeekTicks(targetTicks); err != nil {
		log.Warnw("corrective seek failed", "err", err)
	}
}

// playItem reacts to a queue update that demands a (re)start of the current
// entry. The simulated player has no media to load, so this is a seek plus
// pause at the start position; the group's state stream decides what happens
// next.
func (m *Manager) playItem(item group.Item, startTicks int64) {
	p := m.currentPlayer()
	if p == nil {
		log.Debugw("queue item with no player registered", "item", item.PlaylistItemID)
		return
	}

	m.mu.Lock()
	m.applyingRemote = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.applyingRemote = false
		m.mu.Unlock()
	}()

	log.Infow("starting queue item", "item", item.PlaylistItemID, "position", startTicks)
	if err := p.Pause(); err != nil {
		log.Warnw("pause before item start failed", "err", err)
	}
	if err := p.SeekTicks(startTicks); err != nil {
		log.Warnw("seek to item start failed", "err", err)
	}
}

// ── user intents (player → server) ───────────────────────────────────────────

// shouldForward reports whether a local player event represents a user
// intent worth sending: session enabled, group joined, and not currently
// replaying a remote command.
func (m *Manager) shouldForward() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled && m.groupID != "" && !m.applyingRemote
}

func (m *Manager) onUserPlay() {
	if !m.shouldForward() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := m.Unpause(ctx); err != nil {
		log.Warnw("unpause request failed", "err", err)
	}
}

func (m *Manager) onUserPause() {
	if !m.shouldForward() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := m.Pause(ctx); err != nil {
		log.Warnw("pause request failed", "err", err)
	}
}

func (m *Manager) onUserSeek(positionTicks int64) {
	if !m.shouldForward() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := m.Seek(ctx, positionTicks); err != nil {
		log.Warnw("seek request failed", "err", err)
	}
}

func (m *Manager) onBuffering() {
	m.mu.Lock()
	m.buffering = true
	enabled := m.enabled && m.groupID != ""
	m.mu.Unlock()
	if !enabled {
		return
	}

	p := m.currentPlayer()
	pos := int64(0)
	if p != nil {
		pos = p.PositionTicks()
	}
	g, _, ok := m.rec.Snapshot()
	item := ""
	if ok {
		item = g.PlayingItemID
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := m.api.Buffering(ctx, true, pos, item); err != nil {
		log.Warnw("buffering report failed", "err", err)
	}
}

func (m *Manager) onCanPlay() {
	m.rec.NotifyCanPlay()

	m.mu.Lock()
	wasBuffering := m.buffering
	m.buffering = false
	enabled := m.enabled && m.groupID != ""
	m.mu.Unlock()
	if !wasBuffering || !enabled {
		return
	}

	p := m.currentPlayer()
	pos := int64(0)
	if p != nil {
		pos = p.PositionTicks()
	}
	g, _, ok := m.rec.Snapshot()
	item := ""
	if ok {
		item = g.PlayingItemID
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := m.api.Buffering(ctx, false, pos, item); err != nil {
		log.Warnw("buffering-end report failed", "err", err)
	}
}

func (m *Manager) onSeeked(int64) {
	// A finished local seek may be exactly what a deferred ready ack was
	// waiting on.
	m.rec.NotifyCanPlay()
}

// ── explicit requests (control surface) ──────────────────────────────────────

// Unpause asks the server to resume the group.
func (m *Manager) Unpause(ctx context.Context) error {
	if m.currentGroupID() == "" {
		return ErrNoGroup
	}
	pos := m.playerPosition()
	m.rec.SetPending(scheduler.KindUnpause, pos)
	if err := m.api.Unpause(ctx); err != nil {
		m.rec.ClearPending()
		return err
	}
	return nil
}

// Pause asks the server to pause the group.
func (m *Manager) Pause(ctx context.Context) error {
	if m.currentGroupID() == "" {
		return ErrNoGroup
	}
	pos := m.playerPosition()
	m.rec.SetPending(scheduler.KindPause, pos)
	if err := m.api.Pause(ctx); err != nil {
		m.rec.ClearPending()
		return err
	}
	return nil
}

// Seek asks the server to move the group to a position.
func (m *Manager) Seek(ctx context.Context, positionTicks int64) error {
	if m.currentGroupID() == "" {
		return ErrNoGroup
	}
	m.rec.SetPending(scheduler.KindSeek, positionTicks)
	if err := m.api.Seek(ctx, positionTicks); err != nil {
		m.rec.ClearPending()
		return err
	}
	return nil
}

// Stop asks the server to stop group playback.
func (m *Manager) Stop(ctx context.Context) error {
	if m.currentGroupID() == "" {
		return ErrNoGroup
	}
	m.rec.SetPending(scheduler.KindStop, 0)
	if err := m.api.Stop(ctx); err != nil {
		m.rec.ClearPending()
		return err
	}
	return nil
}

// QueueItems appends items to the shared queue.
func (m *Manager) QueueItems(ctx context.Context, itemIDs []string, mode api.QueueMode) error {
	if m.currentGroupID() == "" {
		return ErrNoGroup
	}
	return m.api.Queue(ctx, itemIDs, mode)
}

// SetQueue replaces the shared queue.
func (m *Manager) SetQueue(ctx context.Context, itemIDs []string, startPositionTicks int64) error {
	if m.currentGroupID() == "" {
		return ErrNoGroup
	}
	return m.api.SetNewQueue(ctx, itemIDs, startPositionTicks)
}

func (m *Manager) playerPosition() int64 {
	p := m.currentPlayer()
	if p == nil {
		return 0
	}
	return p.PositionTicks()
}

// ── status ───────────────────────────────────────────────────────────────────

// Status is a point-in-time snapshot of the whole session, for the control
// surface.
type Status struct {
	Enabled    bool                  `json:"Enabled"`
	Connected  bool                  `json:"Connected"`
	GroupID    string                `json:"GroupId,omitempty"`
	ClockReady bool                  `json:"ClockReady"`
	ClockStale bool                  `json:"ClockStale"`
	OffsetMs   int64                 `json:"OffsetMs"`
	RoundTrip  int64                 `json:"RoundTripMs"`
	Group      *group.Group          `json:"Group,omitempty"`
	Queue      *group.Queue          `json:"Queue,omitempty"`
	Pending    *group.PendingCommand `json:"Pending,omitempty"`
	Position   int64                 `json:"PositionTicks"`
	Paused     bool                  `json:"Paused"`
}

// Status reports the current session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Enabled: m.enabled,
		GroupID: m.groupID,
	}
	p := m.player
	m.mu.Unlock()

	st.Connected = m.ch.IsConnected()
	st.ClockReady = m.clock.IsReady()
	st.ClockStale = m.clock.IsStale()
	st.OffsetMs = m.clock.Offset().Milliseconds()
	st.RoundTrip = m.clock.RoundTrip().Milliseconds()

	if g, q, ok := m.rec.Snapshot(); ok {
		st.Group = &g
		st.Queue = q
	}
	st.Pending = m.rec.Pending()

	if p != nil {
		st.Position = p.PositionTicks()
		st.Paused = p.Paused()
	} else {
		st.Paused = true
	}
	return st
}

// pingLoop reports the measured round trip while the session is enabled.
func (m *Manager) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.clock.IsReady() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			err := m.api.ReportPing(ctx, m.clock.RoundTrip().Milliseconds())
			cancel()
			if err != nil {
				log.Debugw("ping report failed", "err", err)
			}
		}
	}
}
