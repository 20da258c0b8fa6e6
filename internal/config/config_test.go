package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != defaultListen || cfg.Slot.Minutes != 5 || cfg.Slot.Pixels != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
timezone: Europe/Berlin
week_start: Sunday
slot:
  minutes: 15
recurrence_engine: xyedo
recurring:
  - summary: Standup
    start: "2024-05-06 09:00"
    end: "2024-05-06 09:15"
    rrule: FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Slot.Minutes != 15 || cfg.Slot.Pixels != 10 {
		t.Errorf("slot = %+v", cfg.Slot)
	}
	if day, err := cfg.WeekStartDay(); err != nil || day != time.Sunday {
		t.Errorf("WeekStartDay = %v, %v", day, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	loc, _ := cfg.Location()
	start, end, err := cfg.Recurring[0].Times(loc)
	if err != nil {
		t.Fatal(err)
	}
	if start.Location() != loc || start.Hour() != 9 || end.Sub(start) != 15*time.Minute {
		t.Errorf("Times = %v, %v", start, end)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.ICS = append(cfg.ICS, ICSConfig{ID: "work", URL: "https://example.com/work.ics", Name: "Work"})
	cfg.BasicAuth = &BasicAuthConfig{Username: "u", Password: "p"}

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ICS) != 1 || got.ICS[0].ID != "work" || got.BasicAuth == nil || got.BasicAuth.Username != "u" {
		t.Errorf("round trip lost data: %+v", got)
	}
	if srcs := got.Sources(); len(srcs) != 1 || srcs[0].URL != "https://example.com/work.ics" {
		t.Errorf("Sources = %+v", srcs)
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in         string
		wantOffset int
		wantErr    bool
	}{
		{in: "UTC", wantOffset: 0},
		{in: "+05:30", wantOffset: 5*3600 + 30*60},
		{in: "-0800", wantOffset: -8 * 3600},
		{in: "Mars/Olympus_Mons", wantErr: true},
		{in: "+25:00", wantErr: true},
		{in: "", wantErr: true},
	}
	ref := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			loc, err := ParseLocation(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTimezone) {
					t.Fatalf("err = %v, want ErrInvalidTimezone", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if _, off := ref.In(loc).Zone(); off != tt.wantOffset {
				t.Errorf("offset = %d, want %d", off, tt.wantOffset)
			}
		})
	}

	if loc, err := ParseLocation("Local"); err != nil || loc != time.Local {
		t.Errorf("Local = %v, %v", loc, err)
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"slot not dividing 60": {func(c *Config) { c.Slot.Minutes = 7 }, ErrInvalidSlot},
		"negative pixels":      {func(c *Config) { c.Slot.Pixels = -1 }, ErrInvalidSlot},
		"bad timezone":         {func(c *Config) { c.Timezone = "Nowhere/City" }, ErrInvalidTimezone},
		"bad week start":       {func(c *Config) { c.WeekStart = "friday" }, ErrInvalidConfig},
		"unknown engine":       {func(c *Config) { c.RecurrenceEngine = "libical" }, ErrInvalidConfig},
		"bad cron":             {func(c *Config) { c.RefreshCron = "every minute" }, ErrInvalidConfig},
		"ics without url":      {func(c *Config) { c.ICS = []ICSConfig{{ID: "a"}} }, ErrInvalidConfig},
		"bad recurring start":  {func(c *Config) { c.Recurring = []RecurringConfig{{Summary: "x", Start: "soon"}} }, ErrInvalidConfig},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Timezone = "UTC"
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CHRONICLE_LISTEN", ":9999")
	t.Setenv("CHRONICLE_TIMEZONE", "UTC")
	t.Setenv("CHRONICLE_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if cfg.Listen != ":9999" || cfg.Timezone != "UTC" || cfg.LogLevel != "debug" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.Database != defaultDatabase {
		t.Errorf("unset env changed database: %q", cfg.Database)
	}

	g, err := cfg.Grid()
	if err != nil || g.Location != time.UTC || g.MinutesPerSlot != 5 {
		t.Errorf("Grid = %+v, %v", g, err)
	}
}
