package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "chronicle/internal/log"
)

var (
	errMissingUID   = errors.New("missing UID")
	errMissingStart = errors.New("missing DTSTART")
)

// vevent is the raw, uncompiled form of one VEVENT.
type vevent struct {
	spec       Spec
	recurrence *time.Time // RECURRENCE-ID, set on overridden instances
}

// ParseICS parses an ICS payload and compiles each VEVENT with engine.
//
// Overridden instances (RECURRENCE-ID) become one-off events and their
// original start is excluded from the base rule. VEVENTs that fail to
// parse or compile are logged and skipped.
func ParseICS(src Source, body []byte, engine Engine) ([]RecurringEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("ics: parse %s: %w", src.ID, err)
	}

	raw := make([]vevent, 0)
	for _, comp := range cal.Events() {
		ve, perr := readVEvent(src, comp)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "id", src.ID)
			continue
		}
		raw = append(raw, ve)
	}

	// Exclude overridden instances from their base rule.
	overridden := make(map[string][]time.Time)
	for _, ve := range raw {
		if ve.recurrence != nil {
			overridden[ve.spec.UID] = append(overridden[ve.spec.UID], *ve.recurrence)
		}
	}

	events := make([]RecurringEvent, 0, len(raw))
	for _, ve := range raw {
		spec := ve.spec
		if ve.recurrence == nil && spec.Rule != "" {
			spec.ExDates = append(spec.ExDates, overridden[spec.UID]...)
		}
		if ve.recurrence != nil {
			spec.Rule = ""
		}

		ev, cerr := Compile(engine, spec)
		if cerr != nil {
			appLog.Error("ics vevent skipped", cerr, "id", src.ID, "uid", spec.UID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func readVEvent(src Source, ve *ical.VEvent) (vevent, error) {
	var out vevent
	out.spec.Source = src.ID

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return out, errMissingUID
	}
	out.spec.UID = uid.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.spec.Summary = p.Value
	}

	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return out, fmt.Errorf("uid %s: %w", out.spec.UID, errMissingStart)
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("uid %s: DTSTART: %w", out.spec.UID, err)
	}
	out.spec.Start = start

	allDay := isDateValue(dtstart)
	end, err := ve.GetEndAt()
	switch {
	case err == nil:
		out.spec.End = end
	case allDay:
		out.spec.End = start.AddDate(0, 0, 1)
	default:
		out.spec.End = start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.spec.Rule = p.Value
	}

	loc := start.Location()
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := paramValue(p.ICalParameters, "TZID")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, perr := parseICSTime(part, tzid, loc)
			if perr != nil {
				appLog.Warn("ics exdate ignored", "uid", out.spec.UID, "value", part, "err", perr)
				continue
			}
			out.spec.ExDates = append(out.spec.ExDates, t)
		}
	}

	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		t, perr := parseICSTime(p.Value, paramValue(p.ICalParameters, "TZID"), loc)
		if perr != nil {
			return out, fmt.Errorf("uid %s: RECURRENCE-ID: %w", out.spec.UID, perr)
		}
		out.recurrence = &t
	}

	return out, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if strings.EqualFold(paramValue(p.ICalParameters, "VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func paramValue(params map[string][]string, key string) string {
	if vs, ok := params[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseICSTime parses a DATE or DATE-TIME value. A trailing Z means UTC;
// otherwise tzid is used when loadable, falling back to loc.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	if loc == nil {
		loc = time.Local
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
