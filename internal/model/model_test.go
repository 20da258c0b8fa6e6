package model

import (
	"errors"
	"testing"
	"time"

	"chronicle/internal/clock"
)

func at(h, m int) time.Time {
	return time.Date(2024, 5, 6, h, m, 0, 0, time.UTC)
}

func TestNewEventRejectsNegativeDuration(t *testing.T) {
	if _, err := NewEvent("x", at(10, 0), -time.Minute); !errors.Is(err, ErrNegativeDuration) {
		t.Fatalf("NewEvent err = %v, want ErrNegativeDuration", err)
	}
	ev, err := NewEvent("x", at(10, 0), 0)
	if err != nil {
		t.Fatalf("NewEvent zero duration: %v", err)
	}
	if ev.IsCompleted() {
		t.Errorf("new event should be planned")
	}
}

func TestMarkCompletedRecomputesDuration(t *testing.T) {
	start := at(9, 0)
	ev, err := NewEvent("write report", start, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	ev.MarkCompleted(clock.Fixed(start.Add(40*time.Minute + 123*time.Millisecond)))

	if !ev.IsCompleted() {
		t.Fatal("IsCompleted = false after MarkCompleted")
	}
	if ev.Duration != 40*time.Minute {
		t.Errorf("Duration = %v, want 40m", ev.Duration)
	}
	want := start.Add(40 * time.Minute)
	if !ev.CompletedOn.Equal(want) {
		t.Errorf("CompletedOn = %v, want %v", ev.CompletedOn, want)
	}
	if ev.CompletedOn.Nanosecond() != 0 {
		t.Errorf("CompletedOn not truncated: %v", ev.CompletedOn)
	}
}

func TestIsOngoing(t *testing.T) {
	ev := Event{Name: "standup", Start: at(10, 0), Duration: 15 * time.Minute}

	tests := []struct {
		now  time.Time
		want bool
	}{
		{at(9, 59), false},
		{at(10, 0), true},
		{at(10, 7), true},
		{at(10, 15), true},
		{at(10, 16), false},
	}
	for _, tt := range tests {
		if got := ev.IsOngoing(clock.Fixed(tt.now)); got != tt.want {
			t.Errorf("IsOngoing(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestCompletedEventCanStillBeOngoing(t *testing.T) {
	ev := Event{Name: "deep work", Start: at(10, 0), Duration: 2 * time.Hour}
	ev.MarkCompleted(clock.Fixed(at(11, 0)))

	if !ev.IsOngoing(clock.Fixed(at(10, 30))) {
		t.Error("completed event inside its actual interval should be ongoing")
	}
	if ev.IsOngoing(clock.Fixed(at(11, 30))) {
		t.Error("completed event past its actual end should not be ongoing")
	}
}

func TestTaskManualSchedule(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	task := TaskForToday("groceries", clock.Fixed(time.Date(2024, 5, 7, 2, 0, 0, 0, time.UTC)), loc)

	if y, m, d := task.Date.Date(); y != 2024 || m != 5 || d != 6 {
		t.Errorf("task date = %v, want 2024-05-06 local", task.Date)
	}

	ev := task.ManualSchedule(at(17, 0), 30*time.Minute)
	if ev.Name != "groceries" || ev.Duration != 30*time.Minute || !ev.Start.Equal(at(17, 0)) {
		t.Errorf("ManualSchedule = %+v", ev)
	}
	if ev.IsCompleted() {
		t.Error("scheduled event should be planned")
	}
}

func TestSortOccurrences(t *testing.T) {
	occ := []Occurrence{
		{UID: "b", Summary: "lunch", Start: at(12, 0)},
		{UID: "a", Summary: "standup", Start: at(9, 0)},
		{UID: "c", Summary: "review", Start: at(12, 0)},
	}
	SortOccurrences(occ)
	got := occ[0].UID + occ[1].UID + occ[2].UID
	if got != "abc" {
		t.Errorf("order = %s, want abc", got)
	}
}
