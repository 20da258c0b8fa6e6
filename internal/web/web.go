package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chronicle/internal/clock"
	"chronicle/internal/config"
	"chronicle/internal/ics"
	appLog "chronicle/internal/log"
	"chronicle/internal/metrics"
	"chronicle/internal/model"
	"chronicle/internal/refresh"
	"chronicle/internal/slot"
)

const occurrencesCacheTTL = 30 * time.Second

// EventStore is the persistence the API needs; *store.Store satisfies it.
type EventStore interface {
	CreateEvent(ctx context.Context, e *model.Event) error
	DeleteEvent(ctx context.Context, id int64) error
	Event(ctx context.Context, id int64) (model.Event, error)
	EventsBetween(ctx context.Context, after, before time.Time) ([]model.Event, error)
	EventsOverlapping(ctx context.Context, from, to time.Time) ([]model.Event, error)
	CompleteEvent(ctx context.Context, id int64, c clock.Clock) (model.Event, error)
	Categories(ctx context.Context) ([]model.Category, error)
	UpsertCategory(ctx context.Context, c model.Category) (model.Category, error)
}

// Snapshotter provides the recurring events to expand.
type Snapshotter interface {
	Snapshot() refresh.Snapshot
}

// Server provides the JSON HTTP API.
type Server struct {
	cfg       *config.Config
	grid      slot.Grid
	weekStart time.Weekday
	store     EventStore
	snapshots Snapshotter
	clock     clock.Clock
	mux       *http.ServeMux

	// Expanded occurrences keyed by window, to avoid re-expanding on
	// every request.
	occMu    sync.RWMutex
	occCache map[occKey]*occurrencesCache
}

type occKey struct {
	days, backfill int
}

type occurrencesCache struct {
	resp       occurrencesResponse
	updatedAt  time.Time
	snapshotAt time.Time
}

// NewServer validates cfg's timezone and week start and wires the routes.
func NewServer(cfg *config.Config, st EventStore, snaps Snapshotter, c clock.Clock) (*Server, error) {
	grid, err := cfg.Grid()
	if err != nil {
		return nil, err
	}
	weekStart, err := cfg.WeekStartDay()
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.System{}
	}
	s := &Server{
		cfg:       cfg,
		grid:      grid,
		weekStart: weekStart,
		store:     st,
		snapshots: snaps,
		clock:     c,
		mux:       http.NewServeMux(),
		occCache:  make(map[occKey]*occurrencesCache),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the root handler: routes, request metrics and, when
// configured, basic auth.
func (s *Server) Handler() http.Handler {
	h := s.instrument(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("GET /api/calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("GET /api/day", s.handleDay)
	s.mux.HandleFunc("GET /api/analysis", s.handleAnalysis)

	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("POST /api/events/{id}/complete", s.handleCompleteEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)

	s.mux.HandleFunc("GET /api/categories", s.handleCategories)
	s.mux.HandleFunc("PUT /api/categories/{title}", s.handlePutCategory)
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Chronicle", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by matched route pattern and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// occurrencesResponse is the JSON response shape for /api/occurrences.
type occurrencesResponse struct {
	Occurrences     []occurrenceDTO `json:"occurrences"`
	Truncated       []string        `json:"truncated,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
	WeekStart       string          `json:"week_start"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// occurrenceDTO is a JSON view of an occurrence with its grid position on
// the day it starts.
type occurrenceDTO struct {
	Source    string    `json:"source,omitempty"`
	UID       string    `json:"uid,omitempty"`
	Summary   string    `json:"summary"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	StartSlot int       `json:"start_slot"`
	EndSlot   int       `json:"end_slot"`
}

func (s *Server) toOccurrenceDTO(o model.Occurrence) occurrenceDTO {
	startSlot, endSlot := s.grid.EventToSlots(o.Start, o.Duration())
	return occurrenceDTO{
		Source:    o.Source,
		UID:       o.UID,
		Summary:   o.Summary,
		Start:     o.Start.In(s.grid.Location),
		End:       o.End.In(s.grid.Location),
		StartSlot: startSlot,
		EndSlot:   endSlot,
	}
}

// occurrences expands the current snapshot's events over
// (now - backfill days, now + days days), served from a short TTL cache.
func (s *Server) occurrences(days, backfill int) (occurrencesResponse, error) {
	key := occKey{days: days, backfill: backfill}
	now := s.clock.Now()

	var snap refresh.Snapshot
	if s.snapshots != nil {
		snap = s.snapshots.Snapshot()
	}

	s.occMu.RLock()
	oc := s.occCache[key]
	s.occMu.RUnlock()
	if oc != nil && oc.snapshotAt.Equal(snap.GeneratedAt) {
		if age := now.Sub(oc.updatedAt); age >= 0 && age < occurrencesCacheTTL {
			return oc.resp, nil
		}
	}
	events := snap.Events()

	local := now.In(s.grid.Location)
	rangeStart := local.AddDate(0, 0, -backfill)
	rangeEnd := local.AddDate(0, 0, days)

	expanded, err := ics.Expand(events, ics.ExpandConfig{RangeStart: rangeStart, RangeEnd: rangeEnd})
	if err != nil {
		return occurrencesResponse{}, err
	}
	model.SortOccurrences(expanded.Occurrences)

	dtos := make([]occurrenceDTO, 0, len(expanded.Occurrences))
	for _, o := range expanded.Occurrences {
		dtos = append(dtos, s.toOccurrenceDTO(o))
	}
	resp := occurrencesResponse{
		Occurrences:     dtos,
		Truncated:       expanded.Truncated,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: s.grid.Location.String(),
		WeekStart:       s.cfg.WeekStart,
		GeneratedAt:     now,
	}

	s.occMu.Lock()
	s.occCache[key] = &occurrencesCache{resp: resp, updatedAt: now, snapshotAt: snap.GeneratedAt}
	s.occMu.Unlock()
	return resp, nil
}

func (s *Server) windowParams(r *http.Request) (int, int) {
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.cfg.HorizonDays)
	if days <= 0 {
		days = s.cfg.HorizonDays
	}
	backfill := parseIntDefault(q.Get("backfill"), s.cfg.BackfillDays)
	if backfill < 0 {
		backfill = 0
	}
	return days, backfill
}

// handleOccurrences returns expanded recurring occurrences.
//
// GET /api/occurrences?days=7&backfill=1
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	days, backfill := s.windowParams(r)
	resp, err := s.occurrences(days, backfill)
	if err != nil {
		appLog.Error("api occurrences: expand failed", err)
		writeError(w, http.StatusInternalServerError, "failed to expand occurrences")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendar exports the same window as an ICS feed.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	days, backfill := s.windowParams(r)
	resp, err := s.occurrences(days, backfill)
	if err != nil {
		appLog.Error("api calendar: expand failed", err)
		writeError(w, http.StatusInternalServerError, "failed to expand occurrences")
		return
	}

	occ := make([]model.Occurrence, 0, len(resp.Occurrences))
	for _, o := range resp.Occurrences {
		occ = append(occ, model.Occurrence{UID: o.UID, Source: o.Source, Summary: o.Summary, Start: o.Start, End: o.End})
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ics.ExportICS(occ, "")))
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
