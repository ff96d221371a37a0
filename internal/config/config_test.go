package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mchurichi/logbook/pkg/logstore"
	"github.com/mchurichi/logbook/pkg/query"
	"github.com/mchurichi/logbook/pkg/retention"
	"github.com/mchurichi/logbook/pkg/session"
	"github.com/mchurichi/logbook/pkg/storage"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	// Check storage defaults
	if cfg.Storage.RetentionInterval != "168h" {
		t.Errorf("DefaultConfig() Storage.RetentionInterval = %v, want 168h", cfg.Storage.RetentionInterval)
	}
	if cfg.Storage.SizeLimit != 0 {
		t.Errorf("DefaultConfig() Storage.SizeLimit = %v, want 0", cfg.Storage.SizeLimit)
	}
	if cfg.Storage.DBPath == "" {
		t.Error("DefaultConfig() Storage.DBPath is empty")
	}
	if cfg.Storage.SweepTrigger != "schedule:1h0m0s" {
		t.Errorf("DefaultConfig() Storage.SweepTrigger = %v, want schedule:1h0m0s", cfg.Storage.SweepTrigger)
	}

	// Check session and query defaults
	if cfg.Session.Scope != ScopeDefault {
		t.Errorf("DefaultConfig() Session.Scope = %v, want %v", cfg.Session.Scope, ScopeDefault)
	}
	if cfg.Query.Debounce != "330ms" {
		t.Errorf("DefaultConfig() Query.Debounce = %v, want 330ms", cfg.Query.Debounce)
	}
	if cfg.Query.PageSize != 250 {
		t.Errorf("DefaultConfig() Query.PageSize = %v, want 250", cfg.Query.PageSize)
	}

	// Check parsing and log defaults
	if cfg.Parsing.Format != "auto" {
		t.Errorf("DefaultConfig() Parsing.Format = %v, want auto", cfg.Parsing.Format)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("DefaultConfig() Log = %+v, want info/console", cfg.Log)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	// Loading a non-existent file should return default config, not an error
	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Errorf("Load() with non-existent file returned error = %v", err)
	}

	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	// Should match default config
	defaultCfg := DefaultConfig()
	if cfg.Storage.RetentionInterval != defaultCfg.Storage.RetentionInterval {
		t.Errorf("Load() non-existent file Storage.RetentionInterval = %v, want %v", cfg.Storage.RetentionInterval, defaultCfg.Storage.RetentionInterval)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[storage]
db_path = "/custom/db/path"
retention_interval = "unbounded"
size_limit = 10000
sweep_trigger = "writes:500"

[session]
scope = "all"

[query]
debounce = "100ms"
page_size = 50

[parsing]
format = "json"

[log]
level = "debug"
format = "json"
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify loaded values
	if cfg.Storage.DBPath != "/custom/db/path" {
		t.Errorf("Load() Storage.DBPath = %v, want /custom/db/path", cfg.Storage.DBPath)
	}
	if cfg.Storage.RetentionInterval != Unbounded {
		t.Errorf("Load() Storage.RetentionInterval = %v, want unbounded", cfg.Storage.RetentionInterval)
	}
	if cfg.Storage.SizeLimit != 10000 {
		t.Errorf("Load() Storage.SizeLimit = %v, want 10000", cfg.Storage.SizeLimit)
	}
	if cfg.Storage.SweepTrigger != "writes:500" {
		t.Errorf("Load() Storage.SweepTrigger = %v, want writes:500", cfg.Storage.SweepTrigger)
	}
	if cfg.Session.Scope != "all" {
		t.Errorf("Load() Session.Scope = %v, want all", cfg.Session.Scope)
	}
	if cfg.Query.Debounce != "100ms" || cfg.Query.PageSize != 50 {
		t.Errorf("Load() Query = %+v, want 100ms/50", cfg.Query)
	}
	if cfg.Parsing.Format != "json" {
		t.Errorf("Load() Parsing.Format = %v, want json", cfg.Parsing.Format)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Load() Log = %+v, want debug/json", cfg.Log)
	}
}

func TestLoad_PartialFile(t *testing.T) {
	// Create a config file with only some fields
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[storage]
retention_interval = "24h"
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify overridden value
	if cfg.Storage.RetentionInterval != "24h" {
		t.Errorf("Load() Storage.RetentionInterval = %v, want 24h", cfg.Storage.RetentionInterval)
	}

	// Verify default values for unspecified fields
	defaultCfg := DefaultConfig()
	if cfg.Storage.SweepTrigger != defaultCfg.Storage.SweepTrigger {
		t.Errorf("Load() Storage.SweepTrigger = %v, want default %v", cfg.Storage.SweepTrigger, defaultCfg.Storage.SweepTrigger)
	}
	if cfg.Query.PageSize != defaultCfg.Query.PageSize {
		t.Errorf("Load() Query.PageSize = %v, want default %v", cfg.Query.PageSize, defaultCfg.Query.PageSize)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	// Create an invalid TOML file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	invalidContent := `
[storage
retention_interval = "1h"
`

	err := os.WriteFile(configPath, []byte(invalidContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	_, err = Load(configPath)
	if err == nil {
		t.Error("Load() with invalid TOML should return error")
	}
}

func TestLoad_HomeDirectoryExpansion(t *testing.T) {
	// Test that ~ is expanded to home directory
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot get user home directory")
	}

	configDir, err := os.MkdirTemp(home, ".logbook-test-config-*")
	if err != nil {
		t.Skip("Cannot create test config directory")
	}
	defer os.RemoveAll(configDir)

	configPath := filepath.Join(configDir, "config.toml")
	configContent := `
[storage]
retention_interval = "2h"
`
	err = os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Skip("Cannot create test config file")
	}

	dirName := filepath.Base(configDir)
	tildeConfigPath := "~/" + dirName + "/config.toml"
	cfg, err := Load(tildeConfigPath)
	if err != nil {
		t.Fatalf("Load() with ~ path error = %v", err)
	}

	if cfg.Storage.RetentionInterval != "2h" {
		t.Errorf("Load() with ~ path failed to load config correctly")
	}
}

func TestParseRetention(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{name: "hours", in: "168h", want: 168 * time.Hour},
		{name: "minutes", in: "90m", want: 90 * time.Minute},
		{name: "days", in: "7d", want: 7 * 24 * time.Hour},
		{name: "with spaces", in: "  1d  ", want: 24 * time.Hour},
		{name: "unbounded", in: "unbounded", want: -1},
		{name: "unbounded uppercase", in: "UNBOUNDED", want: -1},
		{name: "zero", in: "0s", wantErr: true},
		{name: "negative", in: "-1h", wantErr: true},
		{name: "zero days", in: "0d", wantErr: true},
		{name: "garbage", in: "soon", wantErr: true},
		{name: "empty string", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRetention(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseRetention() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseRetention() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_StoreOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DBPath = "/tmp/logbook"
	cfg.Storage.SweepTrigger = "writes:100"
	cfg.Storage.SizeLimit = 5000
	cfg.Session.Scope = "all"

	opts, err := cfg.StoreOptions()
	if err != nil {
		t.Fatalf("StoreOptions() error = %v", err)
	}
	if opts.Path != "/tmp/logbook" {
		t.Errorf("Path = %v, want /tmp/logbook", opts.Path)
	}
	if opts.Retention != 168*time.Hour {
		t.Errorf("Retention = %v, want 168h", opts.Retention)
	}
	if opts.Trigger != (retention.Trigger{Kind: retention.TriggerWrites, Writes: 100}) {
		t.Errorf("Trigger = %v, want writes:100", opts.Trigger)
	}
	if opts.SizeLimit != 5000 {
		t.Errorf("SizeLimit = %v, want 5000", opts.SizeLimit)
	}
	if opts.Scope == nil || *opts.Scope != session.AllSessions {
		t.Errorf("Scope = %v, want all", opts.Scope)
	}
	if opts.Debounce != 330*time.Millisecond {
		t.Errorf("Debounce = %v, want 330ms", opts.Debounce)
	}
	if opts.PageSize != 250 {
		t.Errorf("PageSize = %v, want 250", opts.PageSize)
	}
}

func TestConfig_StoreOptionsScope(t *testing.T) {
	current := session.CurrentSessionOnly
	all := session.AllSessions
	tests := []struct {
		scope string
		want  *session.Scope
	}{
		{scope: "", want: nil},
		{scope: "default", want: nil},
		{scope: "Default", want: nil},
		{scope: "current", want: &current},
		{scope: "all", want: &all},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Session.Scope = tt.scope
		opts, err := cfg.StoreOptions()
		if err != nil {
			t.Fatalf("StoreOptions() scope %q error = %v", tt.scope, err)
		}
		switch {
		case tt.want == nil && opts.Scope != nil:
			t.Errorf("scope %q: Scope = %v, want unset", tt.scope, *opts.Scope)
		case tt.want != nil && (opts.Scope == nil || *opts.Scope != *tt.want):
			t.Errorf("scope %q: Scope = %v, want %v", tt.scope, opts.Scope, *tt.want)
		}
	}
}

func TestConfig_DefaultScopeExternalStore(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "db")

	open := func(external bool) *logstore.Store {
		t.Helper()
		opts, err := cfg.StoreOptions()
		if err != nil {
			t.Fatalf("StoreOptions() error = %v", err)
		}
		opts.External = external
		opts.NoSyncWrites = true
		store, err := logstore.Open(ctx, opts)
		if err != nil {
			t.Fatalf("logstore.Open() error = %v", err)
		}
		return store
	}

	for _, text := range []string{"first run", "second run"} {
		live := open(false)
		if live.Scope() != session.CurrentSessionOnly {
			t.Errorf("live store Scope() = %v, want current", live.Scope())
		}
		live.LogMessage(ctx, storage.LevelInfo, "app", text, nil)
		if err := live.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}

	ext := open(true)
	defer ext.Close()
	if ext.Scope() != session.AllSessions {
		t.Errorf("external store Scope() = %v, want all", ext.Scope())
	}
	entries, err := ext.Execute(ctx, query.Criteria{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Execute() returned %d entries, want 2", len(entries))
	}
}

func TestConfig_StoreOptionsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "retention", mutate: func(c *Config) { c.Storage.RetentionInterval = "forever" }},
		{name: "size limit", mutate: func(c *Config) { c.Storage.SizeLimit = -1 }},
		{name: "trigger", mutate: func(c *Config) { c.Storage.SweepTrigger = "sometimes" }},
		{name: "scope", mutate: func(c *Config) { c.Session.Scope = "mine" }},
		{name: "debounce", mutate: func(c *Config) { c.Query.Debounce = "fast" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if _, err := cfg.StoreOptions(); err == nil {
				t.Error("StoreOptions() should return error")
			}
		})
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	// Create an empty config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	err := os.WriteFile(configPath, []byte(""), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() empty file error = %v", err)
	}

	// Should return default config
	defaultCfg := DefaultConfig()
	if cfg.Storage.RetentionInterval != defaultCfg.Storage.RetentionInterval {
		t.Errorf("Load() empty file should return defaults")
	}
}
