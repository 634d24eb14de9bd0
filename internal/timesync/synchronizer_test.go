package timesync

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeServer builds a PingFunc for a server whose clock runs skew ahead of
// ours. The path is instantaneous so the measured offset equals the skew to
// within the time the synchronizer spends between its two time.Now calls.
func fakeServer(skew time.Duration) PingFunc {
	return func(_ context.Context, requested time.Time) (time.Time, time.Time, error) {
		received := requested.Add(skew)
		return received, received, nil
	}
}

func TestMeasurementOffsetAndDelay(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := Measurement{
		Requested: base,
		Received:  base.Add(50*time.Millisecond + 2*time.Second), // 2s skew, 50ms there
		Responded: base.Add(60*time.Millisecond + 2*time.Second), // 10ms processing
		Completed: base.Add(110 * time.Millisecond),              // 50ms back
	}

	if got := m.Offset(); got != 2*time.Second {
		t.Fatalf("Offset() = %v, want 2s", got)
	}
	if got := m.Delay(); got != 100*time.Millisecond {
		t.Fatalf("Delay() = %v, want 100ms", got)
	}
}

func TestActiveIsMinimumDelay(t *testing.T) {
	e := &estimate{}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(delay time.Duration) Measurement {
		return Measurement{
			Requested: base,
			Received:  base.Add(delay / 2),
			Responded: base.Add(delay / 2),
			Completed: base.Add(delay),
		}
	}

	// Insert 12 samples with descending then ascending delays; only the last
	// 8 may be considered.
	delays := []time.Duration{
		5 * time.Millisecond, // will be evicted
		4 * time.Millisecond, // will be evicted
		3 * time.Millisecond, // will be evicted
		2 * time.Millisecond, // will be evicted
		90 * time.Millisecond,
		80 * time.Millisecond,
		70 * time.Millisecond,
		60 * time.Millisecond,
		50 * time.Millisecond,
		40 * time.Millisecond,
		30 * time.Millisecond,
		20 * time.Millisecond,
	}
	for _, d := range delays {
		e.insert(mk(d))
	}

	if len(e.window) != maxMeasurements {
		t.Fatalf("window size = %d, want %d", len(e.window), maxMeasurements)
	}
	active, ok := e.active()
	if !ok {
		t.Fatal("no active measurement")
	}
	// 2ms was evicted; the best surviving sample is 20ms.
	if got := active.Delay(); got != 20*time.Millisecond {
		t.Fatalf("active delay = %v, want 20ms", got)
	}
}

func TestRoundTripIdentity(t *testing.T) {
	s := New(fakeServer(3*time.Second))
	s.update(context.Background())

	if !s.IsReady() {
		t.Fatal("synchronizer not ready after successful ping")
	}

	at := time.Date(2025, 6, 1, 12, 34, 56, 789, time.UTC)
	if got := s.ToLocal(s.ToRemote(at)); !got.Equal(at) {
		t.Fatalf("ToLocal(ToRemote(t)) = %v, want %v", got, at)
	}
	if got := s.ToRemote(s.ToLocal(at)); !got.Equal(at) {
		t.Fatalf("ToRemote(ToLocal(t)) = %v, want %v", got, at)
	}
}

func TestOffsetTracksSkew(t *testing.T) {
	skew := 1500 * time.Millisecond
	s := New(fakeServer(skew))
	for i := 0; i < 3; i++ {
		s.update(context.Background())
	}

	got := s.Offset()
	if diff := got - skew; diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("Offset() = %v, want ~%v", got, skew)
	}
}

func TestFailedPingIsSkipped(t *testing.T) {
	calls := 0
	ping := func(_ context.Context, requested time.Time) (time.Time, time.Time, error) {
		calls++
		if calls == 1 {
			return time.Time{}, time.Time{}, errors.New("connection refused")
		}
		return requested, requested, nil
	}

	s := New(ping)
	s.update(context.Background())
	if s.IsReady() {
		t.Fatal("failed ping must not produce a sample")
	}

	s.update(context.Background())
	if !s.IsReady() {
		t.Fatal("second ping should have produced a sample")
	}
	if len(s.est.window) != 1 {
		t.Fatalf("window size = %d, want 1", len(s.est.window))
	}
}

func TestStaleness(t *testing.T) {
	s := New(fakeServer(0))
	if !s.IsStale() {
		t.Fatal("empty synchronizer should be stale")
	}

	s.update(context.Background())
	if s.IsStale() {
		t.Fatal("fresh sample should not be stale")
	}

	s.mu.Lock()
	s.lastAt = time.Now().Add(-31 * time.Second)
	s.mu.Unlock()
	if !s.IsStale() {
		t.Fatal("31s old sample should be stale")
	}
}

func TestForceUpdateResetsWarmup(t *testing.T) {
	s := New(fakeServer(0))
	for i := 0; i < greedySamples; i++ {
		s.update(context.Background())
	}

	s.mu.RLock()
	warm := s.warmupOK
	s.mu.RUnlock()
	if warm != greedySamples {
		t.Fatalf("warmupOK = %d, want %d", warm, greedySamples)
	}

	s.ForceUpdate()
	s.mu.RLock()
	warm = s.warmupOK
	s.mu.RUnlock()
	if warm != 0 {
		t.Fatalf("warmupOK after ForceUpdate = %d, want 0", warm)
	}
}
