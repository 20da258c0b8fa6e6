// Package natural resolves human date expressions ("tomorrow",
// "next friday", "2024-05-06") to calendar days.
package natural

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var ErrUnrecognized = errors.New("unrecognized date expression")

var (
	parser     *when.Parser
	parserOnce sync.Once
)

func getParser() *when.Parser {
	parserOnce.Do(func() {
		parser = when.New(nil)
		parser.Add(en.All...)
		parser.Add(common.All...)
	})
	return parser
}

// ParseDate resolves text relative to base and returns local midnight of
// the resulting day in loc. ISO dates are accepted directly; an empty
// string means base's day.
func ParseDate(text string, base time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	base = base.In(loc)
	text = strings.TrimSpace(text)

	if text == "" {
		return midnight(base), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, loc); err == nil {
		return t, nil
	}

	res, err := getParser().Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", ErrUnrecognized, text, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnrecognized, text)
	}
	return midnight(res.Time.In(loc)), nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
