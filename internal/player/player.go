package player

import "time"

// TicksPerSecond is the domain playback-position unit: 10,000,000 ticks
// equal one second.
const TicksPerSecond int64 = 10_000_000

// TicksToDuration converts a tick position to a duration.
func TicksToDuration(ticks int64) time.Duration {
	return time.Duration(ticks * 100) // 1 tick = 100ns
}

// DurationToTicks converts a duration to ticks.
func DurationToTicks(d time.Duration) int64 {
	return int64(d / 100)
}

// TicksToSeconds converts a tick position to fractional seconds.
func TicksToSeconds(ticks int64) float64 {
	return float64(ticks) / float64(TicksPerSecond)
}

// Events is the closed set of callbacks a playback engine can raise toward
// the synchronization core. Slots are optional; nil slots are skipped.
// User* slots fire only for user gestures, never for programmatic calls.
type Events struct {
	UserPlay  func()
	UserPause func()
	UserSeek  func(positionTicks int64)
	CanPlay   func()
	Buffering func()
	Seeked    func(positionTicks int64)
}

// Capability is the minimal contract the synchronization core needs from an
// external playback engine. The core keeps no playback state of its own; it
// only reads and steers the engine through this interface.
type Capability interface {
	// PositionTicks is the current playback position.
	PositionTicks() int64
	// Paused reports whether playback is paused.
	Paused() bool
	// CanPlay reports whether enough media is buffered to resume.
	CanPlay() bool

	Play() error
	Pause() error
	SeekTicks(positionTicks int64) error

	// Subscribe registers event callbacks and returns an unsubscribe
	// function. Multiple subscribers may coexist.
	Subscribe(Events) (unsubscribe func())
}
