package ics

import (
	"errors"
	"time"

	appLog "chronicle/internal/log"
	"chronicle/internal/model"
)

var errCapReached = errors.New("max occurrences reached")

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound occurrence starts exclusively on both ends.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is the per-event cap. If zero, MaxOccurrences
	// is used.
	MaxOccurrencesPerEvent int

	// MaxRawInstancesPerEvent bounds instances generated per event,
	// including those before RangeStart. If zero, MaxRawInstances is used.
	MaxRawInstancesPerEvent int
}

// ExpandResult wraps the expanded occurrences and truncation info.
type ExpandResult struct {
	Occurrences []model.Occurrence
	// Truncated records UIDs (or summaries, when UID is empty) that hit
	// either per-event cap.
	Truncated []string
}

// Expand materializes every event within the configured window. Results
// are concatenated in input order; within one event they follow the rule.
func Expand(events []RecurringEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = MaxOccurrences
	}
	if cfg.MaxRawInstancesPerEvent <= 0 {
		cfg.MaxRawInstancesPerEvent = MaxRawInstances
	}

	result.Occurrences = make([]model.Occurrence, 0)
	for _, ev := range events {
		occ, truncated := ev.expand(cfg.RangeStart, cfg.RangeEnd, cfg.MaxOccurrencesPerEvent, cfg.MaxRawInstancesPerEvent)
		result.Occurrences = append(result.Occurrences, occ...)

		if truncated {
			key := ev.UID
			if key == "" {
				key = ev.Summary
			}
			result.Truncated = append(result.Truncated, key)
			appLog.Error("expand: truncated occurrences due to cap", errCapReached,
				"uid", key,
				"cap", cfg.MaxOccurrencesPerEvent,
				"raw_cap", cfg.MaxRawInstancesPerEvent,
			)
		}
	}

	appLog.Debug("expand completed",
		"events", len(events),
		"occurrences", len(result.Occurrences),
		"range_start", cfg.RangeStart.Format(time.RFC3339),
		"range_end", cfg.RangeEnd.Format(time.RFC3339),
	)
	return result, nil
}
