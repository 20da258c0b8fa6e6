package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"chronicle/internal/ics"
	"chronicle/internal/slot"
)

var (
	ErrInvalidTimezone = errors.New("invalid timezone")
	ErrInvalidSlot     = errors.New("invalid slot configuration")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "Local"
	defaultWeekStart    = "monday"
	defaultRefreshCron  = "*/15 * * * *"
	defaultDatabase     = "./var/chronicle.db"
	defaultCacheDir     = "./var/ics-cache"
	defaultHorizonDays  = 7
	defaultBackfillDays = 1
	defaultLogLevel     = "INFO"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// RecurringConfig is a recurring event declared directly in the config.
// Start and End are RFC 3339 or "2006-01-02 15:04" wall-clock times in the
// configured timezone.
type RecurringConfig struct {
	Summary string `yaml:"summary" json:"summary"`
	Start   string `yaml:"start" json:"start"`
	End     string `yaml:"end" json:"end"`
	RRule   string `yaml:"rrule" json:"rrule"`
}

// SlotConfig sets the grid granularity.
type SlotConfig struct {
	Minutes int `yaml:"minutes" json:"minutes"`
	Pixels  int `yaml:"pixels" json:"pixels"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is an IANA name, "UTC", "Local" or a fixed "+HH:MM" offset.
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	Slot SlotConfig `yaml:"slot" json:"slot"`

	// Database is the sqlite DSN or file path for the event store.
	Database string `yaml:"database" json:"database"`
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// RefreshCron is a standard 5-field cron schedule for subscription refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays / BackfillDays bound the expansion window around now.
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// RecurrenceEngine selects the RRULE implementation ("teambition", "xyedo").
	RecurrenceEngine string `yaml:"recurrence_engine" json:"recurrence_engine"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	ICS       []ICSConfig       `yaml:"ics" json:"ics"`
	Recurring []RecurringConfig `yaml:"recurring" json:"recurring"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           defaultListen,
		Timezone:         defaultTimezone,
		WeekStart:        defaultWeekStart,
		Slot:             SlotConfig{Minutes: slot.DefaultMinutesPerSlot, Pixels: slot.DefaultPixelsPerSlot},
		Database:         defaultDatabase,
		CacheDir:         defaultCacheDir,
		RefreshCron:      defaultRefreshCron,
		HorizonDays:      defaultHorizonDays,
		BackfillDays:     defaultBackfillDays,
		RecurrenceEngine: ics.RRuleGo{}.Name(),
		LogLevel:         defaultLogLevel,
		ICS:              []ICSConfig{},
		Recurring:        []RecurringConfig{},
	}
}

// Normalize fills zero values with defaults so partially filled files
// still behave. It does not reject anything; see Validate.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = d.Timezone
	}
	c.WeekStart = strings.ToLower(strings.TrimSpace(c.WeekStart))
	if c.WeekStart == "" {
		c.WeekStart = d.WeekStart
	}
	if c.Slot.Minutes == 0 {
		c.Slot.Minutes = d.Slot.Minutes
	}
	if c.Slot.Pixels == 0 {
		c.Slot.Pixels = d.Slot.Pixels
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = d.HorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.RecurrenceEngine == "" {
		c.RecurrenceEngine = d.RecurrenceEngine
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.Recurring == nil {
		c.Recurring = []RecurringConfig{}
	}
}

// ApplyEnv overlays CHRONICLE_* environment variables onto c.
func (c *Config) ApplyEnv() {
	overrides := map[string]*string{
		"CHRONICLE_LISTEN":    &c.Listen,
		"CHRONICLE_TIMEZONE":  &c.Timezone,
		"CHRONICLE_DATABASE":  &c.Database,
		"CHRONICLE_LOG_LEVEL": &c.LogLevel,
	}
	for key, field := range overrides {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*field = strings.TrimSpace(v)
		}
	}
}

// Validate reports the first problem that would make the config unusable.
func (c *Config) Validate() error {
	if c.Slot.Minutes <= 0 || 60%c.Slot.Minutes != 0 {
		return fmt.Errorf("%w: slot.minutes must be a positive divisor of 60, got %d", ErrInvalidSlot, c.Slot.Minutes)
	}
	if c.Slot.Pixels <= 0 {
		return fmt.Errorf("%w: slot.pixels must be positive, got %d", ErrInvalidSlot, c.Slot.Pixels)
	}
	loc, err := ParseLocation(c.Timezone)
	if err != nil {
		return err
	}
	if _, err := c.WeekStartDay(); err != nil {
		return err
	}
	if _, err := ics.EngineByName(c.RecurrenceEngine); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("%w: refresh %q: %w", ErrInvalidConfig, c.RefreshCron, err)
	}

	seen := make(map[string]bool, len(c.ICS))
	for i, src := range c.ICS {
		if src.ID == "" || src.URL == "" {
			return fmt.Errorf("%w: ics[%d] needs id and url", ErrInvalidConfig, i)
		}
		if seen[src.ID] {
			return fmt.Errorf("%w: duplicate ics id %q", ErrInvalidConfig, src.ID)
		}
		seen[src.ID] = true
	}
	for i, r := range c.Recurring {
		if _, _, err := r.Times(loc); err != nil {
			return fmt.Errorf("%w: recurring[%d]: %w", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return ParseLocation(c.Timezone)
}

// Grid builds the slot grid for the configured granularity and timezone.
func (c *Config) Grid() (slot.Grid, error) {
	loc, err := c.Location()
	if err != nil {
		return slot.Grid{}, err
	}
	return slot.Grid{MinutesPerSlot: c.Slot.Minutes, PixelsPerSlot: c.Slot.Pixels, Location: loc}, nil
}

// WeekStartDay maps week_start to a weekday.
func (c *Config) WeekStartDay() (time.Weekday, error) {
	switch strings.ToLower(c.WeekStart) {
	case "", "monday":
		return time.Monday, nil
	case "sunday":
		return time.Sunday, nil
	default:
		return time.Monday, fmt.Errorf("%w: week_start %q", ErrInvalidConfig, c.WeekStart)
	}
}

// Sources converts the ICS entries to fetcher sources.
func (c *Config) Sources() []ics.Source {
	out := make([]ics.Source, 0, len(c.ICS))
	for _, s := range c.ICS {
		out = append(out, ics.Source{ID: s.ID, URL: s.URL, Name: s.Name})
	}
	return out
}

var offsetPattern = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

// ParseLocation accepts an IANA name, "UTC", "Local" or a "+HH:MM" offset.
// Failures wrap ErrInvalidTimezone.
func ParseLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty", ErrInvalidTimezone)
	case strings.EqualFold(name, "UTC"), name == "Z":
		return time.UTC, nil
	case strings.EqualFold(name, "Local"):
		return time.Local, nil
	}

	if m := offsetPattern.FindStringSubmatch(name); m != nil {
		hh, _ := strconv.Atoi(m[2])
		mm, _ := strconv.Atoi(m[3])
		if hh > 14 || mm > 59 {
			return nil, fmt.Errorf("%w: offset %q out of range", ErrInvalidTimezone, name)
		}
		secs := hh*3600 + mm*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(m[1]+m[2]+":"+m[3], secs), nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTimezone, name, err)
	}
	return loc, nil
}

var wallClockLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

// Times parses Start and End in loc. End defaults to Start.
func (r RecurringConfig) Times(loc *time.Location) (time.Time, time.Time, error) {
	start, err := parseConfigTime(r.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}
	if strings.TrimSpace(r.End) == "" {
		return start, start, nil
	}
	end, err := parseConfigTime(r.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}
	return start, end, nil
}

func parseConfigTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range wallClockLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", v)
}

// Load reads the YAML config at path, creating it with defaults (0600) on
// first run. Loaded values are normalized but not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			return cfg, Save(path, cfg)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".chronicle-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
