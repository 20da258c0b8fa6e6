package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chronicle/internal/model"
)

// MaxOccurrences caps how many in-window instances a single rule may
// produce in one expansion. Callers needing more must narrow or shift the
// window.
const MaxOccurrences = 65535

// MaxRawInstances caps how many instances a single rule may generate in
// one expansion, counting those before the window. It bounds the walk from
// an old anchor to the window for high-frequency rules.
const MaxRawInstances = 16 * MaxOccurrences

var (
	// ErrMalformedRule is returned when RRULE text cannot be compiled.
	ErrMalformedRule = errors.New("malformed recurrence rule")
	// ErrUnknownEngine is returned by EngineByName.
	ErrUnknownEngine = errors.New("unknown recurrence engine")
)

// Rule is a compiled recurrence rule. Iterator yields instance start times
// in chronological order and reports false once the rule is exhausted.
// Each call starts a fresh iteration from DTSTART.
type Rule interface {
	Iterator() func() (time.Time, bool)
}

// Engine compiles RRULE text anchored at dtstart. dtstart's location is the
// rule's timezone; exdates are removed from the generated set.
type Engine interface {
	Name() string
	Compile(rule string, dtstart time.Time, exdates []time.Time) (Rule, error)
}

// DefaultEngine is used when a nil Engine is passed.
var DefaultEngine Engine = RRuleGo{}

// EngineByName resolves a config value to an Engine. Empty means default.
func EngineByName(name string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", RRuleGo{}.Name():
		return RRuleGo{}, nil
	case XyedoRRule{}.Name():
		return XyedoRRule{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
}

// ruleBody extracts the RRULE value from rule text. It accepts a bare
// value ("FREQ=..."), an "RRULE:" prefixed line, and multi-line text with a
// DTSTART line (ignored; the anchor is passed separately).
func ruleBody(text string) (string, error) {
	var body string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(upper, "DTSTART"):
			continue
		case strings.HasPrefix(upper, "RRULE:"):
			line = line[len("RRULE:"):]
		}
		if body != "" {
			return "", fmt.Errorf("%w: more than one rule line", ErrMalformedRule)
		}
		body = line
	}
	if body == "" {
		return "", fmt.Errorf("%w: empty rule", ErrMalformedRule)
	}
	return body, nil
}

// Spec describes a recurring event before its rule is compiled.
type Spec struct {
	UID     string
	Source  string
	Summary string

	// Start is the timezone-aware anchor (DTSTART); End the template end.
	Start time.Time
	End   time.Time

	// Rule is RRULE text; empty means a one-off event.
	Rule    string
	ExDates []time.Time
}

// RecurringEvent is a compiled recurrence: a rule, its anchor and a fixed
// per-occurrence duration. It holds no state between expansions.
type RecurringEvent struct {
	UID     string
	Source  string
	Summary string

	Start    time.Time
	Duration time.Duration

	RuleText string
	ExDates  []time.Time

	rule Rule
}

// Compile validates spec and compiles its rule with engine (DefaultEngine
// if nil). Rule errors wrap ErrMalformedRule.
func Compile(engine Engine, spec Spec) (RecurringEvent, error) {
	if engine == nil {
		engine = DefaultEngine
	}
	if spec.End.Before(spec.Start) {
		return RecurringEvent{}, fmt.Errorf("ics: compile %q: %w", spec.Summary, model.ErrNegativeDuration)
	}

	ev := RecurringEvent{
		UID:      spec.UID,
		Source:   spec.Source,
		Summary:  spec.Summary,
		Start:    spec.Start,
		Duration: spec.End.Sub(spec.Start),
		RuleText: strings.TrimSpace(spec.Rule),
		ExDates:  spec.ExDates,
	}
	if ev.RuleText == "" {
		return ev, nil
	}

	rule, err := engine.Compile(ev.RuleText, spec.Start, spec.ExDates)
	if err != nil {
		return RecurringEvent{}, fmt.Errorf("ics: compile %q with %s: %w", spec.Summary, engine.Name(), err)
	}
	ev.rule = rule
	return ev, nil
}

// NewRecurringEvent compiles rule anchored at start. The occurrence
// duration is fixed here as end - start.
func NewRecurringEvent(engine Engine, summary string, start, end time.Time, rule string) (RecurringEvent, error) {
	return Compile(engine, Spec{Summary: summary, Start: start, End: end, Rule: rule})
}

// IsRecurring reports whether the event has a rule.
func (ev RecurringEvent) IsRecurring() bool {
	return ev.rule != nil
}

// Occurrences returns the occurrences whose start satisfies
// after < start < before, in rule order, capped at MaxOccurrences and
// bounded by MaxRawInstances.
func (ev RecurringEvent) Occurrences(after, before time.Time) []model.Occurrence {
	out, _ := ev.expand(after, before, MaxOccurrences, MaxRawInstances)
	return out
}

// expand walks the rule from its anchor, skipping instances at or before
// after and stopping at the first instance at or past before. limit bounds
// in-window occurrences and rawLimit bounds instances pulled from the rule.
// The second result is true when either cut the expansion short.
func (ev RecurringEvent) expand(after, before time.Time, limit, rawLimit int) ([]model.Occurrence, bool) {
	out := make([]model.Occurrence, 0)

	if ev.rule == nil {
		if ev.Start.After(after) && ev.Start.Before(before) && limit > 0 {
			out = append(out, ev.occurrence(ev.Start))
		}
		return out, false
	}

	next := ev.rule.Iterator()
	for raw := 0; ; raw++ {
		if raw >= rawLimit {
			return out, true
		}
		start, ok := next()
		if !ok || !start.Before(before) {
			return out, false
		}
		if !start.After(after) {
			continue
		}
		if len(out) >= limit {
			return out, true
		}
		out = append(out, ev.occurrence(start))
	}
}

func (ev RecurringEvent) occurrence(start time.Time) model.Occurrence {
	utc := start.UTC()
	return model.Occurrence{
		UID:     ev.UID,
		Source:  ev.Source,
		Summary: ev.Summary,
		Start:   utc,
		End:     utc.Add(ev.Duration),
	}
}
