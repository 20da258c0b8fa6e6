package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"chronicle/internal/clock"
	"chronicle/internal/config"
	"chronicle/internal/ics"
)

type fakeFetcher struct {
	results []ics.FetchResult
	errs    []error
	calls   int
}

func (f *fakeFetcher) FetchAll(_ context.Context, _ []ics.Source) ([]ics.FetchResult, []error) {
	f.calls++
	return f.results, f.errs
}

const feed = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//t//t//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:gym\r\nDTSTAMP:20240101T000000Z\r\nSUMMARY:Gym\r\n" +
	"DTSTART:20240501T070000Z\r\nDTEND:20240501T080000Z\r\nRRULE:FREQ=DAILY\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestRefreshBuildsSnapshot(t *testing.T) {
	now := time.Date(2024, time.May, 6, 10, 0, 0, 0, time.UTC)
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.HorizonDays = 2
	cfg.BackfillDays = 1
	cfg.ICS = []config.ICSConfig{{ID: "fit", URL: "https://example.com/fit.ics"}, {ID: "dead", URL: "https://example.com/dead.ics"}}
	cfg.Recurring = []config.RecurringConfig{
		{Summary: "Standup", Start: "2024-05-01 09:00", End: "2024-05-01 09:15", RRule: "FREQ=DAILY"},
	}

	fetcher := &fakeFetcher{
		results: []ics.FetchResult{{Source: ics.Source{ID: "fit"}, Body: []byte(feed)}},
		errs:    []error{errors.New("fetch dead: 502")},
	}
	r, err := FromConfig(cfg, fetcher, clock.Fixed(now))
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	snap, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	wantStart := time.Date(2024, time.May, 5, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2024, time.May, 9, 0, 0, 0, 0, time.UTC)
	if !snap.RangeStart.Equal(wantStart) || !snap.RangeEnd.Equal(wantEnd) {
		t.Errorf("window = [%v, %v), want [%v, %v)", snap.RangeStart, snap.RangeEnd, wantStart, wantEnd)
	}
	// Gym at 07:00 and standup at 09:00 on the 5th through the 8th.
	if len(snap.Occurrences) != 8 {
		t.Fatalf("got %d occurrences, want 8", len(snap.Occurrences))
	}
	if snap.Occurrences[0].Summary != "Gym" || snap.Occurrences[1].Summary != "Standup" {
		t.Errorf("snapshot not sorted: %+v", snap.Occurrences[:2])
	}
	if snap.Occurrences[1].Source != ConfigSource || snap.Occurrences[0].Source != "fit" {
		t.Errorf("sources = %q, %q", snap.Occurrences[0].Source, snap.Occurrences[1].Source)
	}
	if len(snap.Errors) != 1 {
		t.Errorf("errors = %v, want the failed source", snap.Errors)
	}
	if len(snap.Events()) != 2 {
		t.Errorf("events = %d, want 2", len(snap.Events()))
	}

	if got := r.Snapshot(); len(got.Occurrences) != 8 || !got.GeneratedAt.Equal(now) {
		t.Errorf("stored snapshot = %+v", got)
	}
}

func TestCompileRecurringRejectsBadRule(t *testing.T) {
	_, err := CompileRecurring([]config.RecurringConfig{
		{Summary: "bad", Start: "2024-05-01 09:00", RRule: "FREQ=NEVER"},
	}, ics.RRuleGo{}, time.UTC)
	if !errors.Is(err, ics.ErrMalformedRule) {
		t.Fatalf("err = %v, want ErrMalformedRule", err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	r := New(Options{Location: time.UTC})
	if err := r.Start(context.Background(), "not a cron"); err == nil {
		t.Fatal("expected error for bad cron spec")
	}

	if err := r.Start(context.Background(), "@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())
	if err := r.Start(context.Background(), "@every 1h"); err == nil {
		t.Error("second Start should fail")
	}
}
