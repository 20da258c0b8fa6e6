package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"chronicle/internal/ics"
	appLog "chronicle/internal/log"
	"chronicle/internal/metrics"
	"chronicle/internal/model"
	"chronicle/internal/natural"
	"chronicle/internal/store"
)

// eventDTO is a JSON view of a stored event with its grid position.
type eventDTO struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	DurationMinutes int        `json:"duration_minutes"`
	Category        string     `json:"category"`
	CompletedOn     *time.Time `json:"completed_on,omitempty"`
	Ongoing         bool       `json:"ongoing"`
	StartSlot       int        `json:"start_slot"`
	EndSlot         int        `json:"end_slot"`
}

func (s *Server) toEventDTO(e model.Event) eventDTO {
	startSlot, endSlot := s.grid.EventToSlots(e.Start, e.Duration)
	dto := eventDTO{
		ID:              e.ID,
		Name:            e.Name,
		Start:           e.Start.In(s.grid.Location),
		End:             e.End().In(s.grid.Location),
		DurationMinutes: int(e.Duration / time.Minute),
		Category:        e.CategoryOrDefault(),
		Ongoing:         e.IsOngoing(s.clock),
		StartSlot:       startSlot,
		EndSlot:         endSlot,
	}
	if e.CompletedOn != nil {
		t := e.CompletedOn.In(s.grid.Location)
		dto.CompletedOn = &t
	}
	return dto
}

func (s *Server) toEventDTOs(events []model.Event) []eventDTO {
	out := make([]eventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, s.toEventDTO(e))
	}
	return out
}

type collisionDTO struct {
	Existing eventDTO   `json:"existing"`
	Kind     string     `json:"kind"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
}

func (s *Server) toCollisionDTO(c model.EventCollision) collisionDTO {
	dto := collisionDTO{Existing: s.toEventDTO(c.Existing), Kind: c.Collision.Kind.String()}
	if c.Collision.Kind != model.CollisionBottom {
		t := c.Collision.Start.In(s.grid.Location)
		dto.Start = &t
	}
	if c.Collision.Kind != model.CollisionTop {
		t := c.Collision.End.In(s.grid.Location)
		dto.End = &t
	}
	return dto
}

// resolveDay parses the date query parameter (natural language allowed)
// and returns local midnight of that day.
func (s *Server) resolveDay(r *http.Request) (time.Time, error) {
	return natural.ParseDate(r.URL.Query().Get("date"), s.clock.Now(), s.grid.Location)
}

// eventsOnDays loads stored events starting in [from, to). The store
// range is strict and second-granular, hence the one second widening.
func (s *Server) eventsOnDays(r *http.Request, from, to time.Time) ([]model.Event, error) {
	return s.store.EventsBetween(r.Context(), from.Add(-time.Second), to)
}

type dayResponse struct {
	Date         time.Time       `json:"date"`
	Events       []eventDTO      `json:"events"`
	Occurrences  []occurrenceDTO `json:"occurrences"`
	SlotsPerDay  int             `json:"slots_per_day"`
	PixelsPerDay int             `json:"pixels_per_day"`
	NowSlot      *int            `json:"now_slot,omitempty"`
}

// handleDay returns one local day: stored events, recurring occurrences
// and grid geometry.
//
// GET /api/day?date=tomorrow
func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	day, err := s.resolveDay(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next := day.AddDate(0, 0, 1)

	events, err := s.eventsOnDays(r, day, next)
	if err != nil {
		appLog.Error("api day: load events failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	var recurring []ics.RecurringEvent
	if s.snapshots != nil {
		recurring = s.snapshots.Snapshot().Events()
	}
	expanded, err := ics.Expand(recurring, ics.ExpandConfig{RangeStart: day.Add(-time.Nanosecond), RangeEnd: next})
	if err != nil {
		appLog.Error("api day: expand failed", err)
		writeError(w, http.StatusInternalServerError, "failed to expand occurrences")
		return
	}
	model.SortOccurrences(expanded.Occurrences)
	occ := make([]occurrenceDTO, 0, len(expanded.Occurrences))
	for _, o := range expanded.Occurrences {
		occ = append(occ, s.toOccurrenceDTO(o))
	}

	resp := dayResponse{
		Date:         day,
		Events:       s.toEventDTOs(events),
		Occurrences:  occ,
		SlotsPerDay:  s.grid.SlotsPerDay(),
		PixelsPerDay: s.grid.PixelsPerDay(),
	}
	if now := s.clock.Now(); !now.Before(day) && now.Before(next) {
		nowSlot := s.grid.TimeToSlots(now)
		resp.NowSlot = &nowSlot
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAnalysis reports minutes per category for a day or week.
//
// GET /api/analysis?date=2024-05-06&span=week
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	day, err := s.resolveDay(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var from, to time.Time
	span := strings.ToLower(r.URL.Query().Get("span"))
	switch span {
	case "", "day":
		span = "day"
		from, to = day, day.AddDate(0, 0, 1)
	case "week":
		from = model.StartOfWeek(day, s.grid.Location, s.weekStart)
		to = from.AddDate(0, 0, 7)
	default:
		writeError(w, http.StatusBadRequest, "span must be day or week")
		return
	}

	events, err := s.eventsOnDays(r, from, to)
	if err != nil {
		appLog.Error("api analysis: load events failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	if span == "week" {
		writeJSON(w, http.StatusOK, model.AnalyzeWeek(events, day, s.grid.Location, s.weekStart))
		return
	}
	writeJSON(w, http.StatusOK, model.AnalyzeDay(events, day, s.grid.Location))
}

type createEventRequest struct {
	Name            string    `json:"name"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Category        string    `json:"category"`
}

type conflictResponse struct {
	Error      string         `json:"error"`
	Collisions []collisionDTO `json:"collisions"`
}

// handleCreateEvent stores a new event unless it collides with a stored
// event whose span meets the candidate's, whatever day either starts on.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.Start.IsZero() {
		writeError(w, http.StatusBadRequest, "name and start are required")
		return
	}

	candidate, err := model.NewEvent(strings.TrimSpace(req.Name), req.Start, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	candidate.Category = req.Category

	existing, err := s.store.EventsOverlapping(r.Context(), candidate.Start, candidate.End())
	if err != nil {
		appLog.Error("api create event: load events failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	if collisions := model.FindCollisions(candidate, existing); len(collisions) > 0 {
		metrics.Collisions.Inc()
		dtos := make([]collisionDTO, 0, len(collisions))
		for _, c := range collisions {
			dtos = append(dtos, s.toCollisionDTO(c))
		}
		writeJSON(w, http.StatusConflict, conflictResponse{Error: "event collides with existing events", Collisions: dtos})
		return
	}

	if err := s.store.CreateEvent(r.Context(), &candidate); err != nil {
		if errors.Is(err, store.ErrUnknownCategory) || errors.Is(err, model.ErrNegativeDuration) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("api create event failed", err)
		writeError(w, http.StatusInternalServerError, "failed to create event")
		return
	}

	appLog.Info("event scheduled", "id", candidate.ID, "name", candidate.Name, "start", candidate.Start.Format(time.RFC3339))
	writeJSON(w, http.StatusCreated, s.toEventDTO(candidate))
}

func (s *Server) handleCompleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	e, err := s.store.CompleteEvent(r.Context(), id, s.clock)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, store.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, "event already completed")
	case err != nil:
		appLog.Error("api complete event failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to complete event")
	default:
		writeJSON(w, http.StatusOK, s.toEventDTO(e))
	}
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	err = s.store.DeleteEvent(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case err != nil:
		appLog.Error("api delete event failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type categoryDTO struct {
	Title string `json:"title"`
	Color string `json:"color"`
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.Categories(r.Context())
	if err != nil {
		appLog.Error("api categories failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load categories")
		return
	}
	out := make([]categoryDTO, 0, len(cats))
	for _, c := range cats {
		out = append(out, categoryDTO{Title: c.Title, Color: c.Color})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Color string `json:"color"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := s.store.UpsertCategory(r.Context(), model.Category{Title: r.PathValue("title"), Color: req.Color})
	if err != nil {
		if errors.Is(err, store.ErrUnknownCategory) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("api put category failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save category")
		return
	}
	writeJSON(w, http.StatusOK, categoryDTO{Title: c.Title, Color: c.Color})
}
