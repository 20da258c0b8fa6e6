// Package clock injects the current instant into time-dependent code.
package clock

import "time"

// Clock is the only way the event model reads the current instant.
// Tests and batch callers pass a Fixed clock so every comparison sees the
// same "now".
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always reports the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

// Snapshot freezes c at its current reading.
func Snapshot(c Clock) Fixed {
	return Fixed(c.Now())
}
