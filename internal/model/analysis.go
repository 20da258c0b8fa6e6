package model

import (
	"sort"
	"time"
)

const minutesPerDay = 24 * 60

// CategoryShare is one category's minutes and share of the analyzed span.
type CategoryShare struct {
	Category string  `json:"category"`
	Minutes  int     `json:"minutes"`
	Percent  float64 `json:"percent"`
}

// Analysis summarizes how a day or week was spent.
type Analysis struct {
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	TotalMinutes int             `json:"total_minutes"`
	Categories   []CategoryShare `json:"categories"`
}

// startOfDay returns local midnight of t in loc.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// StartOfWeek returns local midnight of the first day of the week that
// contains t.
func StartOfWeek(t time.Time, loc *time.Location, weekStart time.Weekday) time.Time {
	day := startOfDay(t, loc)
	back := (int(day.Weekday()) - int(weekStart) + 7) % 7
	return day.AddDate(0, 0, -back)
}

// FilterRange keeps events whose start lies in [from, to).
func FilterRange(events []Event, from, to time.Time) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if !ev.Start.Before(from) && ev.Start.Before(to) {
			out = append(out, ev)
		}
	}
	return out
}

// FilterDay keeps events starting on day's local date in loc.
func FilterDay(events []Event, day time.Time, loc *time.Location) []Event {
	from := startOfDay(day, loc)
	return FilterRange(events, from, from.AddDate(0, 0, 1))
}

// FilterWeek keeps events starting in the local week containing day.
func FilterWeek(events []Event, day time.Time, loc *time.Location, weekStart time.Weekday) []Event {
	from := StartOfWeek(day, loc, weekStart)
	return FilterRange(events, from, from.AddDate(0, 0, 7))
}

// CategoryMinutes sums whole minutes per category. Uncategorized events
// count under DefaultCategory.
func CategoryMinutes(events []Event) map[string]int {
	out := make(map[string]int)
	for _, ev := range events {
		out[ev.CategoryOrDefault()] += int(ev.Duration / time.Minute)
	}
	return out
}

func analyze(events []Event, from, to time.Time, totalMinutes int) Analysis {
	a := Analysis{From: from, To: to, TotalMinutes: totalMinutes}
	for cat, mins := range CategoryMinutes(events) {
		a.Categories = append(a.Categories, CategoryShare{
			Category: cat,
			Minutes:  mins,
			Percent:  float64(mins) / float64(totalMinutes) * 100,
		})
	}
	sort.Slice(a.Categories, func(i, j int) bool {
		if a.Categories[i].Minutes != a.Categories[j].Minutes {
			return a.Categories[i].Minutes > a.Categories[j].Minutes
		}
		return a.Categories[i].Category < a.Categories[j].Category
	})
	return a
}

// AnalyzeDay reports category minutes for day's local date, as a share of
// the full 24h day.
func AnalyzeDay(events []Event, day time.Time, loc *time.Location) Analysis {
	from := startOfDay(day, loc)
	to := from.AddDate(0, 0, 1)
	return analyze(FilterRange(events, from, to), from, to, minutesPerDay)
}

// AnalyzeWeek reports category minutes for the local week containing day.
func AnalyzeWeek(events []Event, day time.Time, loc *time.Location, weekStart time.Weekday) Analysis {
	from := StartOfWeek(day, loc, weekStart)
	to := from.AddDate(0, 0, 7)
	return analyze(FilterRange(events, from, to), from, to, 7*minutesPerDay)
}
