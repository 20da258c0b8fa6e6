package model

import (
	"errors"
	"sort"
	"time"

	"chronicle/internal/clock"
)

// ErrNegativeDuration is returned when an interval would end before it starts.
var ErrNegativeDuration = errors.New("duration must not be negative")

// DefaultCategory is the bucket used for events without a category.
const DefaultCategory = "Default"

// Task is an unscheduled intent for a given local date.
type Task struct {
	Name string
	// Date is midnight of the task's local calendar day.
	Date time.Time
}

// NewTask truncates date to local midnight in date's own location.
func NewTask(name string, date time.Time) Task {
	y, m, d := date.Date()
	return Task{
		Name: name,
		Date: time.Date(y, m, d, 0, 0, 0, 0, date.Location()),
	}
}

// TaskForToday builds a task for the current date in loc.
func TaskForToday(name string, c clock.Clock, loc *time.Location) Task {
	return NewTask(name, c.Now().In(loc))
}

// ManualSchedule places the task at an explicit start with a planned
// duration.
func (t Task) ManualSchedule(start time.Time, d time.Duration) Event {
	return Event{
		Name:     t.Name,
		Start:    start.UTC(),
		Duration: d,
	}
}

// Event is a named, timed interval that can be completed once.
//
// While CompletedOn is nil the event is planned and Duration is the planned
// length. Once completed, Duration is the actual elapsed time
// CompletedOn - Start.
type Event struct {
	// ID is the store key; zero until persisted.
	ID int64

	Name     string
	Start    time.Time
	Duration time.Duration

	CompletedOn *time.Time

	// Category is a category title, empty for none.
	Category string
}

// NewEvent returns a planned event. Negative durations are rejected.
func NewEvent(name string, start time.Time, d time.Duration) (Event, error) {
	if d < 0 {
		return Event{}, ErrNegativeDuration
	}
	return Event{Name: name, Start: start.UTC(), Duration: d}, nil
}

// End is Start + Duration.
func (e Event) End() time.Time {
	return e.Start.Add(e.Duration)
}

func (e Event) IsCompleted() bool {
	return e.CompletedOn != nil
}

// MarkCompleted records completion at the clock's current instant,
// truncated to whole seconds, and sets Duration to the actual elapsed time.
//
// Calling it twice overwrites the first completion; callers are expected to
// check IsCompleted first.
func (e *Event) MarkCompleted(c clock.Clock) {
	now := c.Now().UTC().Truncate(time.Second)
	e.CompletedOn = &now
	e.Duration = now.Sub(e.Start)
}

// IsOngoing reports whether Start <= now <= End. A completed event whose
// (actual) interval still contains now is ongoing too.
func (e Event) IsOngoing(c clock.Clock) bool {
	now := c.Now()
	return !now.Before(e.Start) && !now.After(e.End())
}

// CategoryOrDefault returns Category, or DefaultCategory when unset.
func (e Event) CategoryOrDefault() string {
	if e.Category == "" {
		return DefaultCategory
	}
	return e.Category
}

// Category groups events for reporting.
type Category struct {
	Title string
	Color string
}

// Occurrence is one concrete materialization of a recurring event. It does
// not carry completion state.
type Occurrence struct {
	UID    string // source event UID
	Source string // source ID (subscription or config), empty for local

	Summary string

	// Start / End are in UTC.
	Start time.Time
	End   time.Time
}

// Duration is End - Start.
func (o Occurrence) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// SortOccurrences orders occurrences by start, then summary, then UID.
func SortOccurrences(occ []Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		a, b := occ[i], occ[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Summary != b.Summary {
			return a.Summary < b.Summary
		}
		return a.UID < b.UID
	})
}
