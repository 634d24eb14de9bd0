package timesync

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("timesync")

// PingFunc performs one timestamp exchange with the server. It is handed the
// local transmit time and must return the server's receive and transmit
// timestamps. The synchronizer records the local receive time itself, so
// implementations only do the network call.
type PingFunc func(ctx context.Context, requested time.Time) (received, responded time.Time, err error)

const (
	// greedyInterval is the polling cadence during warm-up.
	greedyInterval = 1 * time.Second
	// idleInterval is the polling cadence once warmed up.
	idleInterval = 60 * time.Second
	// greedySamples is how many successful pings end warm-up.
	greedySamples = 3
	// staleAfter is the age past which the estimate is considered stale.
	staleAfter = 30 * time.Second
)

// Synchronizer estimates the offset between the local clock and the
// coordination server's clock from repeated ping exchanges, and converts
// timestamps between the two. The ping transport is injected so the
// synchronizer itself never touches the network.
type Synchronizer struct {
	ping PingFunc

	mu       sync.RWMutex
	est      estimate
	lastAt   time.Time // local receive time of the newest sample
	warmupOK int       // successful pings since last ForceUpdate

	runMu  sync.Mutex
	cancel context.CancelFunc
	kick   chan struct{} // wakes the poll loop for an immediate ping
}

// New creates a synchronizer using the given ping transport.
func New(ping PingFunc) *Synchronizer {
	return &Synchronizer{
		ping: ping,
		kick: make(chan struct{}, 1),
	}
}

// Start begins background polling. It is a no-op if already started.
func (s *Synchronizer) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

// Stop halts background polling. The collected estimate is kept.
func (s *Synchronizer) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// ForceUpdate drops back into greedy polling and triggers an immediate ping.
// Called on (re)join, when the estimate needs to be fresh soon.
func (s *Synchronizer) ForceUpdate() {
	s.mu.Lock()
	s.warmupOK = 0
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) loop(ctx context.Context) {
	timer := time.NewTimer(0) // first ping immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		s.update(ctx)

		s.mu.RLock()
		interval := idleInterval
		if s.warmupOK < greedySamples {
			interval = greedyInterval
		}
		s.mu.RUnlock()
		timer.Reset(interval)
	}
}

// update performs one ping exchange and folds the result into the estimate.
// A failed ping is logged and skipped; it never corrupts the window.
func (s *Synchronizer) update(ctx context.Context) {
	requested := time.Now()
	received, responded, err := s.ping(ctx, requested)
	completed := time.Now()
	if err != nil {
		log.Warnw("time-sync ping failed", "err", err)
		return
	}

	m := Measurement{
		Requested: requested,
		Received:  received,
		Responded: responded,
		Completed: completed,
	}

	s.mu.Lock()
	s.est.insert(m)
	s.lastAt = completed
	s.warmupOK++
	s.mu.Unlock()

	log.Debugw("time-sync sample",
		"offset", m.Offset(), "delay", m.Delay())
}

// IsReady reports whether at least one measurement has been collected.
func (s *Synchronizer) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.est.active()
	return ok
}

// IsStale reports whether the newest measurement is older than 30 seconds
// (or whether there is no measurement at all).
func (s *Synchronizer) IsStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastAt.IsZero() {
		return true
	}
	return time.Since(s.lastAt) > staleAfter
}

// Offset returns the current server-minus-local clock offset estimate.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.est.active()
	if !ok {
		return 0
	}
	return m.Offset()
}

// RoundTrip returns the network delay of the active measurement.
func (s *Synchronizer) RoundTrip() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.est.active()
	if !ok {
		return 0
	}
	return m.Delay()
}

// ToLocal converts a server timestamp to the local clock.
func (s *Synchronizer) ToLocal(serverTime time.Time) time.Time {
	return serverTime.Add(-s.Offset())
}

// ToRemote converts a local timestamp to the server clock.
func (s *Synchronizer) ToRemote(localTime time.Time) time.Time {
	return localTime.Add(s.Offset())
}
