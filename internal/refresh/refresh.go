// Package refresh periodically fetches ICS subscriptions, merges them with
// recurring events from the config and keeps an expanded snapshot.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chronicle/internal/clock"
	"chronicle/internal/config"
	"chronicle/internal/ics"
	appLog "chronicle/internal/log"
	"chronicle/internal/metrics"
	"chronicle/internal/model"
)

// ConfigSource is the Source value of events declared in the config file.
const ConfigSource = "config"

// Snapshot is the result of one refresh run.
type Snapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	RangeStart  time.Time          `json:"range_start"`
	RangeEnd    time.Time          `json:"range_end"`
	Occurrences []model.Occurrence `json:"occurrences"`
	Truncated   []string           `json:"truncated,omitempty"`
	Errors      []string           `json:"errors,omitempty"`

	events []ics.RecurringEvent
}

// Events returns the compiled recurring events the snapshot was built from.
func (s Snapshot) Events() []ics.RecurringEvent {
	return s.events
}

// Fetcher is the part of *ics.Fetcher the refresher needs.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source) ([]ics.FetchResult, []error)
}

type Options struct {
	Fetcher Fetcher
	Sources []ics.Source

	// Static are recurring events that do not come from a subscription.
	Static []ics.RecurringEvent

	Engine       ics.Engine
	Clock        clock.Clock
	Location     *time.Location
	HorizonDays  int
	BackfillDays int
}

// Refresher owns the current snapshot. Reads never block on a running
// refresh; the snapshot is swapped when a run completes.
type Refresher struct {
	opts Options

	mu   sync.RWMutex
	snap Snapshot

	runMu sync.Mutex // serializes runs
	cron  *cron.Cron
}

func New(opts Options) *Refresher {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	if opts.BackfillDays < 0 {
		opts.BackfillDays = 0
	}
	return &Refresher{opts: opts}
}

// FromConfig compiles the config's recurring entries and builds a
// Refresher over its subscriptions.
func FromConfig(cfg *config.Config, fetcher Fetcher, c clock.Clock) (*Refresher, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	engine, err := ics.EngineByName(cfg.RecurrenceEngine)
	if err != nil {
		return nil, err
	}
	static, err := CompileRecurring(cfg.Recurring, engine, loc)
	if err != nil {
		return nil, err
	}
	return New(Options{
		Fetcher:      fetcher,
		Sources:      cfg.Sources(),
		Static:       static,
		Engine:       engine,
		Clock:        c,
		Location:     loc,
		HorizonDays:  cfg.HorizonDays,
		BackfillDays: cfg.BackfillDays,
	}), nil
}

// CompileRecurring turns config entries into recurring events anchored in loc.
func CompileRecurring(entries []config.RecurringConfig, engine ics.Engine, loc *time.Location) ([]ics.RecurringEvent, error) {
	out := make([]ics.RecurringEvent, 0, len(entries))
	for i, r := range entries {
		start, end, err := r.Times(loc)
		if err != nil {
			return nil, fmt.Errorf("recurring[%d] %q: %w", i, r.Summary, err)
		}
		ev, err := ics.Compile(engine, ics.Spec{
			UID:     fmt.Sprintf("config-%d", i),
			Source:  ConfigSource,
			Summary: r.Summary,
			Start:   start,
			End:     end,
			Rule:    r.RRule,
		})
		if err != nil {
			return nil, fmt.Errorf("recurring[%d]: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Window returns the expansion window around now: from local midnight
// BackfillDays ago to local midnight HorizonDays ahead.
func (r *Refresher) Window(now time.Time) (time.Time, time.Time) {
	local := now.In(r.opts.Location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.opts.Location)
	return today.AddDate(0, 0, -r.opts.BackfillDays), today.AddDate(0, 0, r.opts.HorizonDays+1)
}

// Refresh runs one fetch/parse/expand cycle and swaps in the new snapshot.
// Per-source failures are recorded in Snapshot.Errors and do not fail the
// run.
func (r *Refresher) Refresh(ctx context.Context) (Snapshot, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	now := r.opts.Clock.Now()
	start, end := r.Window(now)

	events := make([]ics.RecurringEvent, 0, len(r.opts.Static))
	events = append(events, r.opts.Static...)
	var errs []string

	if r.opts.Fetcher != nil && len(r.opts.Sources) > 0 {
		results, fetchErrs := r.opts.Fetcher.FetchAll(ctx, r.opts.Sources)
		for _, err := range fetchErrs {
			errs = append(errs, err.Error())
		}
		failed := len(r.opts.Sources) - len(results)
		if failed > 0 {
			metrics.FetchResults.WithLabelValues("all", "error").Add(float64(failed))
		}

		for _, res := range results {
			result := "ok"
			if res.FromCache {
				result = "cached"
			}
			metrics.FetchResults.WithLabelValues(res.Source.ID, result).Inc()

			parsed, err := ics.ParseICS(res.Source, res.Body, r.opts.Engine)
			if err != nil {
				errs = append(errs, fmt.Sprintf("parse %s: %v", res.Source.ID, err))
				continue
			}
			events = append(events, parsed...)
		}
	}

	if err := ctx.Err(); err != nil {
		metrics.RefreshRuns.WithLabelValues("canceled").Inc()
		return r.Snapshot(), err
	}

	expanded, err := ics.Expand(events, ics.ExpandConfig{RangeStart: start, RangeEnd: end})
	if err != nil {
		metrics.RefreshRuns.WithLabelValues("error").Inc()
		return r.Snapshot(), err
	}
	model.SortOccurrences(expanded.Occurrences)

	snap := Snapshot{
		GeneratedAt: now,
		RangeStart:  start,
		RangeEnd:    end,
		Occurrences: expanded.Occurrences,
		Truncated:   expanded.Truncated,
		Errors:      errs,
		events:      events,
	}

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	metrics.Occurrences.Set(float64(len(snap.Occurrences)))
	metrics.TruncatedRules.Set(float64(len(snap.Truncated)))
	if len(errs) > 0 {
		metrics.RefreshRuns.WithLabelValues("partial").Inc()
	} else {
		metrics.RefreshRuns.WithLabelValues("ok").Inc()
	}

	appLog.Info("refresh completed",
		"events", len(events),
		"occurrences", len(snap.Occurrences),
		"errors", len(errs),
		"range_start", start.Format(time.RFC3339),
		"range_end", end.Format(time.RFC3339),
	)
	return snap, nil
}

// Snapshot returns the last completed snapshot (zero before the first run).
func (r *Refresher) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Start schedules Refresh on spec (standard 5-field cron) in the
// refresher's location. Runs that overlap a still-running one are skipped.
func (r *Refresher) Start(ctx context.Context, spec string) error {
	if r.cron != nil {
		return errors.New("refresh: already started")
	}
	c := cron.New(
		cron.WithLocation(r.opts.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Refresh(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("refresh: schedule %q: %w", spec, err)
	}
	r.cron = c
	c.Start()
	appLog.Info("refresh scheduled", "cron", spec, "timezone", r.opts.Location.String())
	return nil
}

// Stop stops the scheduler and waits for a running job to finish or ctx
// to expire.
func (r *Refresher) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}
