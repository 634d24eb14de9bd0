package player

import (
	"sync"
	"time"
)

// Simulated is an in-memory playback engine. While playing, its position
// advances with the wall clock. It exists so the client can be exercised end
// to end (demos, tests) without a real media engine behind it.
type Simulated struct {
	mu        sync.Mutex
	playing   bool
	ready     bool
	baseTicks int64     // position when resumedAt was taken
	resumedAt time.Time // wall-clock instant playback last resumed

	subs map[int]Events
	next int
}

// NewSimulated creates a paused, ready simulated player at position zero.
func NewSimulated() *Simulated {
	return &Simulated{
		ready: true,
		subs:  make(map[int]Events),
	}
}

// PositionTicks returns the current playback position.
func (p *Simulated) PositionTicks() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Simulated) positionLocked() int64 {
	if !p.playing {
		return p.baseTicks
	}
	return p.baseTicks + DurationToTicks(time.Since(p.resumedAt))
}

// Paused reports whether playback is paused.
func (p *Simulated) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.playing
}

// CanPlay reports whether the simulated buffer is ready.
func (p *Simulated) CanPlay() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Play resumes playback.
func (p *Simulated) Play() error {
	p.mu.Lock()
	if !p.playing {
		p.resumedAt = time.Now()
		p.playing = true
	}
	p.mu.Unlock()
	return nil
}

// Pause freezes the position.
func (p *Simulated) Pause() error {
	p.mu.Lock()
	if p.playing {
		p.baseTicks = p.positionLocked()
		p.playing = false
	}
	p.mu.Unlock()
	return nil
}

// SeekTicks jumps to the given position and raises Seeked.
func (p *Simulated) SeekTicks(positionTicks int64) error {
	p.mu.Lock()
	p.baseTicks = positionTicks
	p.resumedAt = time.Now()
	subs := p.snapshotLocked()
	p.mu.Unlock()

	for _, ev := range subs {
		if ev.Seeked != nil {
			ev.Seeked(positionTicks)
		}
	}
	return nil
}

// Subscribe registers event callbacks.
func (p *Simulated) Subscribe(ev Events) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ev
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Simulated) snapshotLocked() []Events {
	out := make([]Events, 0, len(p.subs))
	for _, ev := range p.subs {
		out = append(out, ev)
	}
	return out
}

// SetReady flips buffer readiness; turning it on raises CanPlay, turning it
// off raises Buffering.
func (p *Simulated) SetReady(ready bool) {
	p.mu.Lock()
	changed := p.ready != ready
	p.ready = ready
	subs := p.snapshotLocked()
	p.mu.Unlock()

	if !changed {
		return
	}
	for _, ev := range subs {
		if ready && ev.CanPlay != nil {
			ev.CanPlay()
		}
		if !ready && ev.Buffering != nil {
			ev.Buffering()
		}
	}
}

// EmitUserPlay simulates the user pressing play.
func (p *Simulated) EmitUserPlay() {
	p.Play()
	p.mu.Lock()
	subs := p.snapshotLocked()
	p.mu.Unlock()
	for _, ev := range subs {
		if ev.UserPlay != nil {
			ev.UserPlay()
		}
	}
}

// EmitUserPause simulates the user pressing pause.
func (p *Simulated) EmitUserPause() {
	p.Pause()
	p.mu.Lock()
	subs := p.snapshotLocked()
	p.mu.Unlock()
	for _, ev := range subs {
		if ev.UserPause != nil {
			ev.UserPause()
		}
	}
}

// EmitUserSeek simulates the user dragging the position slider.
func (p *Simulated) EmitUserSeek(positionTicks int64) {
	p.mu.Lock()
	p.baseTicks = positionTicks
	p.resumedAt = time.Now()
	subs := p.snapshotLocked()
	p.mu.Unlock()
	for _, ev := range subs {
		if ev.UserSeek != nil {
			ev.UserSeek(positionTicks)
		}
	}
}
