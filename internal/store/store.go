// Package store persists events and categories in SQLite through bun.
//
// Timestamps are stored as unix seconds (UTC) and durations as whole
// seconds, so values round-trip at second precision.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"chronicle/internal/clock"
	appLog "chronicle/internal/log"
	"chronicle/internal/metrics"
	"chronicle/internal/model"
)

var (
	ErrNotFound         = errors.New("event not found")
	ErrAlreadyCompleted = errors.New("event already completed")
	ErrUnknownCategory  = errors.New("unknown category")
)

type categoryRow struct {
	bun.BaseModel `bun:"table:categories"`

	Title string `bun:"title,pk"`
	Color string `bun:"color,notnull"`
}

type eventRow struct {
	bun.BaseModel `bun:"table:events"`

	ID          int64  `bun:"id,pk,autoincrement"`
	Summary     string `bun:"summary,notnull"`
	Start       int64  `bun:"start,notnull"`
	Duration    int64  `bun:"duration,notnull"`
	CompletedOn *int64 `bun:"completed_on"`
	Category    string `bun:"category,nullzero"`
}

// Store is the event store. It is safe for concurrent use.
type Store struct {
	db *bun.DB
}

// Open opens (creating if needed) the SQLite database at dsn. ":memory:"
// databases are pinned to one connection so every query sees the same
// database. Query logging is off unless BUNDEBUG is set: 1 logs failed
// queries, 2 logs all of them.
func Open(dsn string) (*Store, error) {
	memory := strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
	if !memory && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	raw, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	if memory {
		raw.SetMaxOpenConns(1)
	} else {
		raw.SetMaxIdleConns(8)
	}

	db := bun.NewDB(raw, sqlitedialect.New())
	db.AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithEnabled(false),
		bundebug.FromEnv("BUNDEBUG"),
	))
	return New(db), nil
}

func New(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSchema creates both tables if missing and seeds the default
// category.
func (s *Store) CreateSchema(ctx context.Context) error {
	defer metrics.ObserveStore("create_schema", time.Now())

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewCreateTable().Model((*categoryRow)(nil)).IfNotExists().Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewCreateTable().
			Model((*eventRow)(nil)).
			IfNotExists().
			ForeignKey(`("category") REFERENCES "categories" ("title") ON DELETE SET NULL`).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewCreateIndex().
			Model((*eventRow)(nil)).
			Index("events_start_idx").
			IfNotExists().
			Column("start").
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().
			Model(&categoryRow{Title: model.DefaultCategory, Color: "#9e9e9e"}).
			On("CONFLICT (title) DO NOTHING").
			Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: CreateSchema: %w", err)
	}
	return nil
}

// NormalizeCategory trims, title-cases and drops a trailing period, so
// "deep work." and "Deep Work" name the same category.
func NormalizeCategory(title string) string {
	title = strings.TrimSpace(title)
	title = cases.Title(language.English).String(title)
	return strings.TrimSuffix(title, ".")
}

// UpsertCategory inserts c or updates its color.
func (s *Store) UpsertCategory(ctx context.Context, c model.Category) (model.Category, error) {
	defer metrics.ObserveStore("upsert_category", time.Now())

	row := categoryRow{Title: NormalizeCategory(c.Title), Color: strings.TrimSpace(c.Color)}
	if row.Title == "" {
		return model.Category{}, fmt.Errorf("store: UpsertCategory: %w: empty title", ErrUnknownCategory)
	}
	if _, err := s.db.NewInsert().
		Model(&row).
		On("CONFLICT (title) DO UPDATE").
		Set("color = EXCLUDED.color").
		Exec(ctx); err != nil {
		return model.Category{}, fmt.Errorf("store: UpsertCategory: %w", err)
	}
	return model.Category{Title: row.Title, Color: row.Color}, nil
}

// Categories lists all categories ordered by title.
func (s *Store) Categories(ctx context.Context) ([]model.Category, error) {
	defer metrics.ObserveStore("categories", time.Now())

	rows := make([]categoryRow, 0)
	if err := s.db.NewSelect().Model(&rows).Order("title ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: Categories: %w", err)
	}
	out := make([]model.Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Category{Title: r.Title, Color: r.Color})
	}
	return out, nil
}

// CreateEvent inserts e and sets e.ID. e.Category, if set, must name an
// existing category (after normalization).
func (s *Store) CreateEvent(ctx context.Context, e *model.Event) error {
	defer metrics.ObserveStore("create_event", time.Now())

	row, err := s.toRow(ctx, s.db, *e)
	if err != nil {
		return fmt.Errorf("store: CreateEvent: %w", err)
	}
	row.ID = 0
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		return fmt.Errorf("store: CreateEvent: %w", err)
	}
	e.ID = row.ID
	e.Category = row.Category

	appLog.Debug("event created", "id", row.ID, "summary", row.Summary)
	return nil
}

// UpdateEvent overwrites the stored event with e.ID.
func (s *Store) UpdateEvent(ctx context.Context, e model.Event) error {
	defer metrics.ObserveStore("update_event", time.Now())

	if err := updateRow(ctx, s, s.db, e); err != nil {
		return fmt.Errorf("store: UpdateEvent %d: %w", e.ID, err)
	}
	return nil
}

func updateRow(ctx context.Context, s *Store, db bun.IDB, e model.Event) error {
	row, err := s.toRow(ctx, db, e)
	if err != nil {
		return err
	}
	res, err := db.NewUpdate().Model(&row).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteEvent removes the event with id.
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	defer metrics.ObserveStore("delete_event", time.Now())

	res, err := s.db.NewDelete().Model((*eventRow)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: DeleteEvent %d: %w", id, err)
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("store: DeleteEvent %d: %w", id, err)
	}
	return nil
}

// Event loads one event.
func (s *Store) Event(ctx context.Context, id int64) (model.Event, error) {
	defer metrics.ObserveStore("event", time.Now())

	e, err := loadEvent(ctx, s.db, id)
	if err != nil {
		return model.Event{}, fmt.Errorf("store: Event %d: %w", id, err)
	}
	return e, nil
}

func loadEvent(ctx context.Context, db bun.IDB, id int64) (model.Event, error) {
	var row eventRow
	if err := db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, err
	}
	return row.toModel(), nil
}

// EventsBetween returns events with after < start < before, ordered by
// start then id.
func (s *Store) EventsBetween(ctx context.Context, after, before time.Time) ([]model.Event, error) {
	defer metrics.ObserveStore("events_between", time.Now())

	rows := make([]eventRow, 0)
	if err := s.db.NewSelect().
		Model(&rows).
		Where("? > ?", bun.Ident("start"), after.Unix()).
		Where("? < ?", bun.Ident("start"), before.Unix()).
		Order("start ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: EventsBetween: %w", err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// EventsOverlapping returns events whose closed span [start, end] meets
// [from, to], ordered by start then id. Spans are compared whole, so events
// crossing midnight or longer than a day are found.
func (s *Store) EventsOverlapping(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	defer metrics.ObserveStore("events_overlapping", time.Now())

	rows := make([]eventRow, 0)
	if err := s.db.NewSelect().
		Model(&rows).
		Where("? <= ?", bun.Ident("start"), to.Unix()).
		Where("? + ? >= ?", bun.Ident("start"), bun.Ident("duration"), from.Unix()).
		Order("start ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: EventsOverlapping: %w", err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// CompleteEvent marks the event completed at c.Now(). A second completion
// fails with ErrAlreadyCompleted and leaves the row unchanged.
func (s *Store) CompleteEvent(ctx context.Context, id int64, c clock.Clock) (model.Event, error) {
	defer metrics.ObserveStore("complete_event", time.Now())

	var done model.Event
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		e, err := loadEvent(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.IsCompleted() {
			return ErrAlreadyCompleted
		}
		e.MarkCompleted(c)
		if err := updateRow(ctx, s, tx, e); err != nil {
			return err
		}
		done = e
		return nil
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("store: CompleteEvent %d: %w", id, err)
	}

	appLog.Info("event completed", "id", id, "duration", done.Duration.String())
	return done, nil
}

func (s *Store) toRow(ctx context.Context, db bun.IDB, e model.Event) (eventRow, error) {
	if e.Duration < 0 && e.CompletedOn == nil {
		return eventRow{}, model.ErrNegativeDuration
	}
	row := eventRow{
		ID:       e.ID,
		Summary:  e.Name,
		Start:    e.Start.Unix(),
		Duration: int64(e.Duration / time.Second),
		Category: NormalizeCategory(e.Category),
	}
	if e.CompletedOn != nil {
		ts := e.CompletedOn.Unix()
		row.CompletedOn = &ts
	}
	if row.Category != "" {
		exists, err := db.NewSelect().Model((*categoryRow)(nil)).Where("title = ?", row.Category).Exists(ctx)
		if err != nil {
			return eventRow{}, err
		}
		if !exists {
			return eventRow{}, fmt.Errorf("%w: %q", ErrUnknownCategory, row.Category)
		}
	}
	return row, nil
}

func (r eventRow) toModel() model.Event {
	e := model.Event{
		ID:       r.ID,
		Name:     r.Summary,
		Start:    time.Unix(r.Start, 0).UTC(),
		Duration: time.Duration(r.Duration) * time.Second,
		Category: r.Category,
	}
	if r.CompletedOn != nil {
		t := time.Unix(*r.CompletedOn, 0).UTC()
		e.CompletedOn = &t
	}
	return e
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
