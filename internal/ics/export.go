package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"chronicle/internal/model"
)

// DefaultProductID is written as PRODID when the caller passes none.
const DefaultProductID = "-//chronicle//occurrences//EN"

// occurrenceNamespace seeds name-based UIDs for exported occurrences.
var occurrenceNamespace = uuid.MustParse("6f1c2a4e-8d3b-4c57-9a0e-2b7d5e91c3f8")

// OccurrenceUID returns a stable UUIDv5 for one occurrence: the same
// source event and start always map to the same UID.
func OccurrenceUID(o model.Occurrence) string {
	name := o.Source + "\x00" + o.UID + "\x00" + o.Summary + "\x00" + o.Start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(occurrenceNamespace, []byte(name)).String()
}

// ExportICS renders occurrences as a PUBLISH calendar, one VEVENT per
// occurrence with UTC start/end. DTSTAMP is the occurrence start so the
// output is deterministic.
func ExportICS(occurrences []model.Occurrence, prodID string) string {
	if prodID == "" {
		prodID = DefaultProductID
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(prodID)

	for _, o := range occurrences {
		ev := cal.AddEvent(OccurrenceUID(o))
		ev.SetDtStampTime(o.Start.UTC())
		ev.SetStartAt(o.Start.UTC())
		ev.SetEndAt(o.End.UTC())
		ev.SetSummary(o.Summary)
	}

	return cal.Serialize()
}
