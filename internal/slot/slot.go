// Package slot converts between absolute timestamps and the fixed-width
// slot grid used to lay out a single day.
//
// A day is split into slots of MinutesPerSlot wall-clock minutes. Each slot
// is PixelsPerSlot pixels tall, so the pixels-per-minute ratio is a
// configuration constant rather than something measured at runtime.
package slot

import (
	"time"

	"chronicle/internal/clock"
)

const (
	DefaultMinutesPerSlot = 5
	DefaultPixelsPerSlot  = 10

	minutesPerDay = 24 * 60
)

// Grid holds the slot geometry and the timezone used to compute local
// wall-clock positions. The config loader guarantees MinutesPerSlot is
// positive and divides 60; Grid does not re-check it.
type Grid struct {
	MinutesPerSlot int
	PixelsPerSlot  int

	// Location is the display timezone. If nil, time.Local is used.
	Location *time.Location
}

// Default returns the 5 minute / 10 pixel grid in the process local zone.
func Default() Grid {
	return Grid{
		MinutesPerSlot: DefaultMinutesPerSlot,
		PixelsPerSlot:  DefaultPixelsPerSlot,
		Location:       time.Local,
	}
}

func (g Grid) loc() *time.Location {
	if g.Location == nil {
		return time.Local
	}
	return g.Location
}

// SlotsPerDay is the number of slots in a full 24h day.
func (g Grid) SlotsPerDay() int {
	return minutesPerDay / g.MinutesPerSlot
}

// PixelsPerMinute is the integer ratio PixelsPerSlot / MinutesPerSlot.
func (g Grid) PixelsPerMinute() int {
	return g.PixelsPerSlot / g.MinutesPerSlot
}

// PixelsPerDay is the height of a full day column.
func (g Grid) PixelsPerDay() int {
	return g.SlotsPerDay() * g.PixelsPerSlot
}

// SlotsToPixels returns the pixel offset of n slots.
func (g Grid) SlotsToPixels(n int) int {
	return n * g.PixelsPerSlot
}

// TimeToSlots returns the slot offset from the top of the local day that
// contains t. Seconds and sub-seconds are dropped before dividing.
//
// The result is not clamped; callers rendering multi-day spans must treat
// the day boundary themselves.
func (g Grid) TimeToSlots(t time.Time) int {
	local := t.In(g.loc())
	minutes := local.Hour()*60 + local.Minute()
	return minutes / g.MinutesPerSlot
}

// SlotsToTime returns the instant at the given slot of ref's local date,
// in UTC. The offset is applied in wall-clock minutes from local midnight.
//
// SlotsToTime(TimeToSlots(t), t) == t only when t is slot aligned with zero
// seconds.
func (g Grid) SlotsToTime(slot int, ref time.Time) time.Time {
	loc := g.loc()
	day := ref.In(loc)
	local := time.Date(day.Year(), day.Month(), day.Day(), 0, slot*g.MinutesPerSlot, 0, 0, loc)
	return local.UTC()
}

// Today returns the current instant in the grid's timezone. It is the
// reference date SlotsToTime callers used to get implicitly.
func (g Grid) Today(c clock.Clock) time.Time {
	return c.Now().In(g.loc())
}

// SlotsToDuration returns the duration covered by n slots.
func (g Grid) SlotsToDuration(n int) time.Duration {
	return time.Duration(n*g.MinutesPerSlot) * time.Minute
}

// DurationToSlots returns the number of whole slots in d. Minutes and slots
// are both truncated toward zero, so sub-slot remainders are lost.
func (g Grid) DurationToSlots(d time.Duration) int {
	minutes := int(d / time.Minute)
	return minutes / g.MinutesPerSlot
}

// EventToSlots returns the [start, end) slot range of an event. The end
// slot is derived from the duration rather than from the absolute end
// time, so an event crossing midnight keeps growing past SlotsPerDay.
func (g Grid) EventToSlots(start time.Time, d time.Duration) (int, int) {
	startSlot := g.TimeToSlots(start)
	return startSlot, startSlot + g.DurationToSlots(d)
}
