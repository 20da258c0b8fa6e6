package ics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"chronicle/internal/model"
)

var engines = []Engine{RRuleGo{}, XyedoRRule{}}

func date(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestLincolnBirthdayWindow(t *testing.T) {
	now := date(2026, time.October, 18, 0, 0)
	anchor := date(2008, time.February, 12, 0, 0)

	for _, engine := range engines {
		t.Run(engine.Name(), func(t *testing.T) {
			ev, err := NewRecurringEvent(engine, "Lincoln's birthday", anchor, anchor.Add(time.Hour),
				"DTSTART:20080212\nFREQ=YEARLY;BYMONTH=2;BYMONTHDAY=12")
			if err != nil {
				t.Fatalf("NewRecurringEvent: %v", err)
			}

			got := ev.Occurrences(now.AddDate(0, 0, -210), now.AddDate(0, 0, 210))
			if len(got) != 1 {
				t.Fatalf("got %d occurrences, want 1: %+v", len(got), got)
			}
			want := date(2027, time.February, 12, 0, 0)
			if !got[0].Start.Equal(want) {
				t.Errorf("start = %v, want %v", got[0].Start, want)
			}
			if got[0].Summary != "Lincoln's birthday" {
				t.Errorf("summary = %q", got[0].Summary)
			}
			if got[0].Duration() != time.Hour {
				t.Errorf("duration = %v, want 1h", got[0].Duration())
			}
		})
	}
}

func TestOccurrencesWindowIsExclusive(t *testing.T) {
	anchor := date(2024, time.May, 6, 9, 0)
	ev, err := NewRecurringEvent(nil, "standup", anchor, anchor.Add(15*time.Minute), "RRULE:FREQ=DAILY")
	if err != nil {
		t.Fatal(err)
	}

	got := ev.Occurrences(anchor.AddDate(0, 0, 1), anchor.AddDate(0, 0, 4))
	want := []time.Time{anchor.AddDate(0, 0, 2), anchor.AddDate(0, 0, 3)}
	if len(got) != len(want) {
		t.Fatalf("got %d occurrences, want %d: %+v", len(got), len(want), got)
	}
	for i, o := range got {
		if !o.Start.Equal(want[i]) {
			t.Errorf("occurrence %d start = %v, want %v", i, o.Start, want[i])
		}
		if !o.End.Equal(want[i].Add(15 * time.Minute)) {
			t.Errorf("occurrence %d end = %v", i, o.End)
		}
		if o.Start.Location() != time.UTC {
			t.Errorf("occurrence %d not in UTC: %v", i, o.Start.Location())
		}
	}
}

func TestOccurrencesKeepWallClockAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	anchor := time.Date(2024, time.March, 8, 9, 0, 0, 0, ny)
	ev, err := NewRecurringEvent(RRuleGo{}, "gym", anchor, anchor.Add(time.Hour), "FREQ=DAILY;COUNT=4")
	if err != nil {
		t.Fatal(err)
	}

	got := ev.Occurrences(anchor.Add(-time.Minute), anchor.AddDate(0, 0, 10))
	if len(got) != 4 {
		t.Fatalf("got %d occurrences, want 4", len(got))
	}
	if h := got[0].Start.Hour(); h != 14 {
		t.Errorf("before DST: UTC hour = %d, want 14", h)
	}
	if h := got[3].Start.Hour(); h != 13 {
		t.Errorf("after DST: UTC hour = %d, want 13", h)
	}
	for _, o := range got {
		if local := o.Start.In(ny).Hour(); local != 9 {
			t.Errorf("local hour = %d, want 9", local)
		}
	}
}

func TestOccurrencesCap(t *testing.T) {
	after := date(2024, time.January, 1, 0, 0)
	before := after.AddDate(0, 0, 2)

	ev, err := NewRecurringEvent(nil, "tick", after, after, "FREQ=SECONDLY")
	if err != nil {
		t.Fatal(err)
	}

	got := ev.Occurrences(after, before)
	if len(got) != MaxOccurrences {
		t.Fatalf("got %d occurrences, want %d", len(got), MaxOccurrences)
	}
	if !got[0].Start.Equal(after.Add(time.Second)) {
		t.Errorf("first start = %v, want anchor + 1s", got[0].Start)
	}
}

func TestRawInstanceCapBoundsOldAnchors(t *testing.T) {
	after := date(2024, time.January, 31, 12, 0)
	before := after.Add(time.Hour)

	old, err := Compile(nil, Spec{UID: "old", Summary: "tick", Start: after.AddDate(0, 0, -30), End: after.AddDate(0, 0, -30), Rule: "FREQ=SECONDLY"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := Expand([]RecurringEvent{old}, ExpandConfig{RangeStart: after, RangeEnd: before})
	if err != nil {
		t.Fatal(err)
	}
	// 30 days of seconds precede the window, more than MaxRawInstances.
	if len(res.Occurrences) != 0 {
		t.Errorf("got %d occurrences, want 0", len(res.Occurrences))
	}
	if len(res.Truncated) != 1 || res.Truncated[0] != "old" {
		t.Errorf("Truncated = %v, want [old]", res.Truncated)
	}

	recent, err := Compile(nil, Spec{UID: "recent", Summary: "tick", Start: after.Add(-10 * time.Minute), End: after.Add(-10 * time.Minute), Rule: "FREQ=SECONDLY"})
	if err != nil {
		t.Fatal(err)
	}
	res, err = Expand([]RecurringEvent{recent}, ExpandConfig{RangeStart: after, RangeEnd: before, MaxRawInstancesPerEvent: 1000})
	if err != nil {
		t.Fatal(err)
	}
	// 601 instances up to and including after count against the cap.
	if len(res.Occurrences) != 399 {
		t.Errorf("got %d occurrences, want 399", len(res.Occurrences))
	}
	if len(res.Truncated) != 1 || res.Truncated[0] != "recent" {
		t.Errorf("Truncated = %v, want [recent]", res.Truncated)
	}
}

func TestExDatesAreSkipped(t *testing.T) {
	anchor := date(2024, time.May, 6, 8, 0)
	for _, engine := range engines {
		t.Run(engine.Name(), func(t *testing.T) {
			ev, err := Compile(engine, Spec{
				UID:     "run",
				Summary: "run",
				Start:   anchor,
				End:     anchor.Add(30 * time.Minute),
				Rule:    "FREQ=DAILY;COUNT=5",
				ExDates: []time.Time{anchor.AddDate(0, 0, 2)},
			})
			if err != nil {
				t.Fatal(err)
			}
			got := ev.Occurrences(anchor.Add(-time.Hour), anchor.AddDate(0, 1, 0))
			if len(got) != 4 {
				t.Fatalf("got %d occurrences, want 4", len(got))
			}
			for _, o := range got {
				if o.Start.Equal(anchor.AddDate(0, 0, 2)) {
					t.Errorf("excluded date %v was generated", o.Start)
				}
			}
		})
	}
}

func TestEnginesAgree(t *testing.T) {
	anchor := date(2024, time.May, 6, 18, 30)
	rules := []string{
		"FREQ=WEEKLY;BYDAY=MO,WE,FR;COUNT=12",
		"FREQ=MONTHLY;BYMONTHDAY=-1;COUNT=6",
		"FREQ=DAILY;INTERVAL=3;UNTIL=20240701T000000Z",
	}
	for _, rule := range rules {
		t.Run(rule, func(t *testing.T) {
			var results [][]model.Occurrence
			for _, engine := range engines {
				ev, err := NewRecurringEvent(engine, "x", anchor, anchor.Add(time.Hour), rule)
				if err != nil {
					t.Fatalf("%s: %v", engine.Name(), err)
				}
				results = append(results, ev.Occurrences(anchor.Add(-time.Second), anchor.AddDate(1, 0, 0)))
			}
			a, b := results[0], results[1]
			if len(a) == 0 || len(a) != len(b) {
				t.Fatalf("lengths differ or empty: %d vs %d", len(a), len(b))
			}
			for i := range a {
				if !a[i].Start.Equal(b[i].Start) {
					t.Errorf("occurrence %d: %v vs %v", i, a[i].Start, b[i].Start)
				}
			}
		})
	}
}

func TestMalformedRule(t *testing.T) {
	anchor := date(2024, time.May, 6, 9, 0)
	bad := []string{
		"FREQ=FORTNIGHTLY",
		"this is not a rule",
		"RRULE:FREQ=DAILY\nRRULE:FREQ=WEEKLY",
		"DTSTART:20240506T090000Z",
	}
	for _, engine := range engines {
		for _, rule := range bad {
			t.Run(fmt.Sprintf("%s/%q", engine.Name(), rule), func(t *testing.T) {
				_, err := NewRecurringEvent(engine, "bad", anchor, anchor, rule)
				if !errors.Is(err, ErrMalformedRule) {
					t.Fatalf("err = %v, want ErrMalformedRule", err)
				}
			})
		}
	}
}

func TestNegativeDuration(t *testing.T) {
	anchor := date(2024, time.May, 6, 9, 0)
	_, err := NewRecurringEvent(nil, "backwards", anchor, anchor.Add(-time.Minute), "FREQ=DAILY")
	if !errors.Is(err, model.ErrNegativeDuration) {
		t.Fatalf("err = %v, want ErrNegativeDuration", err)
	}
}

func TestOneOffEvent(t *testing.T) {
	start := date(2024, time.May, 6, 9, 0)
	ev, err := NewRecurringEvent(nil, "dentist", start, start.Add(45*time.Minute), "")
	if err != nil {
		t.Fatal(err)
	}
	if ev.IsRecurring() {
		t.Fatal("empty rule should be a one-off")
	}
	if got := ev.Occurrences(start.Add(-time.Hour), start.Add(time.Hour)); len(got) != 1 {
		t.Errorf("inside window: got %d occurrences, want 1", len(got))
	}
	if got := ev.Occurrences(start, start.Add(time.Hour)); len(got) != 0 {
		t.Errorf("start == after: got %d occurrences, want 0", len(got))
	}
}

func TestExpand(t *testing.T) {
	anchor := date(2024, time.May, 6, 9, 0)
	daily, err := Compile(nil, Spec{UID: "daily", Summary: "daily", Start: anchor, End: anchor.Add(time.Hour), Rule: "FREQ=DAILY"})
	if err != nil {
		t.Fatal(err)
	}
	once, err := Compile(nil, Spec{UID: "once", Summary: "once", Start: anchor.Add(time.Hour), End: anchor.Add(2 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}

	res, err := Expand([]RecurringEvent{daily, once}, ExpandConfig{
		RangeStart:             anchor.Add(-time.Minute),
		RangeEnd:               anchor.AddDate(0, 0, 10),
		MaxOccurrencesPerEvent: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Occurrences) != 4 {
		t.Fatalf("got %d occurrences, want 4", len(res.Occurrences))
	}
	if res.Occurrences[3].UID != "once" {
		t.Errorf("results not concatenated in input order: %+v", res.Occurrences)
	}
	if len(res.Truncated) != 1 || res.Truncated[0] != "daily" {
		t.Errorf("Truncated = %v, want [daily]", res.Truncated)
	}

	if _, err := Expand(nil, ExpandConfig{RangeStart: anchor, RangeEnd: anchor.Add(-time.Hour)}); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestEngineByName(t *testing.T) {
	for name, want := range map[string]string{"": "teambition", "teambition": "teambition", " XYEDO ": "xyedo"} {
		e, err := EngineByName(name)
		if err != nil {
			t.Fatalf("EngineByName(%q): %v", name, err)
		}
		if e.Name() != want {
			t.Errorf("EngineByName(%q) = %s, want %s", name, e.Name(), want)
		}
	}
	if _, err := EngineByName("libical"); !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("err = %v, want ErrUnknownEngine", err)
	}
}

func TestOccurrencesStayInsideWindow(t *testing.T) {
	anchor := date(2024, time.January, 1, 0, 0)

	rapid.Check(t, func(t *rapid.T) {
		interval := rapid.IntRange(1, 48).Draw(t, "interval")
		minutes := rapid.IntRange(0, 240).Draw(t, "minutes")
		afterH := rapid.IntRange(-24, 24*30).Draw(t, "after")
		spanH := rapid.IntRange(0, 24*30).Draw(t, "span")

		ev, err := NewRecurringEvent(nil, "p", anchor, anchor.Add(time.Duration(minutes)*time.Minute),
			fmt.Sprintf("FREQ=HOURLY;INTERVAL=%d", interval))
		if err != nil {
			t.Fatal(err)
		}
		after := anchor.Add(time.Duration(afterH) * time.Hour)
		before := after.Add(time.Duration(spanH) * time.Hour)

		got := ev.Occurrences(after, before)
		for i, o := range got {
			if !o.Start.After(after) || !o.Start.Before(before) {
				t.Fatalf("occurrence %v outside (%v, %v)", o.Start, after, before)
			}
			if o.Duration() != time.Duration(minutes)*time.Minute {
				t.Fatalf("duration %v", o.Duration())
			}
			if i > 0 && !o.Start.After(got[i-1].Start) {
				t.Fatalf("occurrences out of order at %d", i)
			}
		}
	})
}
