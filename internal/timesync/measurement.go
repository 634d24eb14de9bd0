package timesync

import "time"

// Measurement holds the four timestamps of one time-sync round trip with the
// coordination server. Requested and Completed are on the local clock,
// Received and Responded on the server clock.
type Measurement struct {
	Requested time.Time // local transmit
	Received  time.Time // server receive
	Responded time.Time // server transmit
	Completed time.Time // local receive
}

// Offset estimates the server-minus-local clock difference.
func (m Measurement) Offset() time.Duration {
	return (m.Received.Sub(m.Requested) + m.Responded.Sub(m.Completed)) / 2
}

// Delay is the network round-trip time with server processing removed.
func (m Measurement) Delay() time.Duration {
	return m.Completed.Sub(m.Requested) - m.Responded.Sub(m.Received)
}

// maxMeasurements bounds the sliding window the synchronizer keeps.
const maxMeasurements = 8

// estimate is a bounded window of recent measurements. The active measurement
// is always the one with the smallest delay: a sample that spent the least
// time in flight carries the least offset error.
type estimate struct {
	window []Measurement
}

// insert appends a measurement, evicting the oldest when the window is full.
func (e *estimate) insert(m Measurement) {
	if len(e.window) >= maxMeasurements {
		e.window = e.window[1:]
	}
	e.window = append(e.window, m)
}

// active returns the measurement with minimum delay, or false when empty.
func (e *estimate) active() (Measurement, bool) {
	if len(e.window) == 0 {
		return Measurement{}, false
	}
	best := e.window[0]
	for _, m := range e.window[1:] {
		if m.Delay() < best.Delay() {
			best = m
		}
	}
	return best, true
}

// newest returns the most recently inserted measurement, or false when empty.
func (e *estimate) newest() (Measurement, bool) {
	if len(e.window) == 0 {
		return Measurement{}, false
	}
	return e.window[len(e.window)-1], true
}
