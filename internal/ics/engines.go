package ics

import (
	"fmt"
	"strings"
	"time"

	teambition "github.com/teambition/rrule-go"
	xyedo "github.com/xyedo/rrule"
)

// RRuleGo compiles rules with github.com/teambition/rrule-go. The rule's
// UNTIL and floating values are read in dtstart's location.
type RRuleGo struct{}

func (RRuleGo) Name() string { return "teambition" }

func (RRuleGo) Compile(text string, dtstart time.Time, exdates []time.Time) (Rule, error) {
	body, err := ruleBody(text)
	if err != nil {
		return nil, err
	}

	opt, err := teambition.StrToROptionInLocation(body, dtstart.Location())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRule, err)
	}
	opt.Dtstart = dtstart

	r, err := teambition.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRule, err)
	}

	set := &teambition.Set{}
	set.RRule(r)
	for _, ex := range exdates {
		set.ExDate(ex.In(dtstart.Location()))
	}
	return set, nil
}

// XyedoRRule compiles rules with github.com/xyedo/rrule from an RFC 5545
// rule-set string (DTSTART + RRULE lines).
type XyedoRRule struct{}

func (XyedoRRule) Name() string { return "xyedo" }

func (XyedoRRule) Compile(text string, dtstart time.Time, exdates []time.Time) (Rule, error) {
	body, err := ruleBody(text)
	if err != nil {
		return nil, err
	}

	set, err := xyedo.StrToRRuleSet(dtstartLine(dtstart) + "\nRRULE:" + body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRule, err)
	}
	for _, ex := range exdates {
		set.ExDate(ex.In(dtstart.Location()))
	}
	return set, nil
}

// dtstartLine renders dtstart as a DTSTART property. Zones without a
// loadable IANA name (Local, fixed offsets) fall back to UTC form.
func dtstartLine(dtstart time.Time) string {
	const layout = "20060102T150405"

	name := dtstart.Location().String()
	if name != "UTC" && name != "Local" && !strings.HasPrefix(name, "UTC") {
		if _, err := time.LoadLocation(name); err == nil {
			return "DTSTART;TZID=" + name + ":" + dtstart.Format(layout)
		}
	}
	return "DTSTART:" + dtstart.UTC().Format(layout) + "Z"
}
