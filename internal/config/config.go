package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mchurichi/logbook/pkg/logstore"
	"github.com/mchurichi/logbook/pkg/query"
	"github.com/mchurichi/logbook/pkg/retention"
	"github.com/mchurichi/logbook/pkg/session"
)

// Unbounded disables age-based retention when used as retention_interval.
const Unbounded = "unbounded"

// Config holds the application configuration
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Session SessionConfig `toml:"session"`
	Query   QueryConfig   `toml:"query"`
	Parsing ParsingConfig `toml:"parsing"`
	Log     LogConfig     `toml:"log"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	DBPath            string `toml:"db_path"`
	RetentionInterval string `toml:"retention_interval"` // e.g. "168h", "7d", "unbounded"
	SizeLimit         int    `toml:"size_limit"`         // max entries, 0 = none
	SweepTrigger      string `toml:"sweep_trigger"`      // schedule:<dur>, writes:<n>, manual
}

// SessionConfig selects which sessions queries see
type SessionConfig struct {
	// Scope is current, all, or empty/default to keep the store's own default:
	// current for a store being written, all for an external one.
	Scope string `toml:"scope"`
}

// QueryConfig tunes live queries
type QueryConfig struct {
	Debounce string `toml:"debounce"`
	PageSize int    `toml:"page_size"`
}

// ParsingConfig holds parsing-related configuration
type ParsingConfig struct {
	Format string `toml:"format"` // auto, json, logfmt
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console, json
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Storage: StorageConfig{
			DBPath:            filepath.Join(home, ".logbook", "db"),
			RetentionInterval: "168h",
			SweepTrigger:      retention.DefaultTrigger.String(),
		},
		Session: SessionConfig{
			Scope: ScopeDefault,
		},
		Query: QueryConfig{
			Debounce: query.DefaultDebounce.String(),
			PageSize: query.DefaultPageSize,
		},
		Parsing: ParsingConfig{
			Format: "auto",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Expand home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return cfg, nil
}

// ParseRetention parses a retention interval. It accepts Go durations, a
// whole number of days like "7d", and "unbounded", which yields a negative
// duration.
func ParseRetention(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == Unbounded:
		return -1, nil
	case strings.HasSuffix(s, "d"):
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid retention interval: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid retention interval: %s", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("retention interval must be positive or %q: %s", Unbounded, s)
	}
	return d, nil
}

// StoreOptions converts the configuration into log store options.
func (c *Config) StoreOptions() (logstore.Options, error) {
	var opts logstore.Options

	interval, err := ParseRetention(c.Storage.RetentionInterval)
	if err != nil {
		return opts, err
	}
	if c.Storage.SizeLimit < 0 {
		return opts, fmt.Errorf("size_limit must not be negative: %d", c.Storage.SizeLimit)
	}
	trigger, err := retention.ParseTrigger(c.Storage.SweepTrigger)
	if err != nil {
		return opts, err
	}
	scope, err := parseScope(c.Session.Scope)
	if err != nil {
		return opts, err
	}

	var debounce time.Duration
	if c.Query.Debounce != "" {
		debounce, err = time.ParseDuration(c.Query.Debounce)
		if err != nil || debounce < 0 {
			return opts, fmt.Errorf("invalid query debounce: %s", c.Query.Debounce)
		}
	}

	opts = logstore.Options{
		Path:      c.Storage.DBPath,
		Retention: interval,
		SizeLimit: c.Storage.SizeLimit,
		Trigger:   trigger,
		Scope:     scope,
		Debounce:  debounce,
		PageSize:  c.Query.PageSize,
	}
	return opts, nil
}

// ScopeDefault leaves the session scope to the store.
const ScopeDefault = "default"

func parseScope(s string) (*session.Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", ScopeDefault:
		return nil, nil
	}
	scope, err := session.ParseScope(s)
	if err != nil {
		return nil, err
	}
	return &scope, nil
}
