package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("sources:\n  defaults: [wss://relay.test]\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Health.Window != 10 {
		t.Errorf("Expected health window 10, got %d", cfg.Health.Window)
	}
	if cfg.Health.TripRatio != 0.5 {
		t.Errorf("Expected trip ratio 0.5, got %f", cfg.Health.TripRatio)
	}
	if cfg.Subscriptions.MaxAuthorsPerQuery != 50 {
		t.Errorf("Expected max authors 50, got %d", cfg.Subscriptions.MaxAuthorsPerQuery)
	}
	if cfg.Caching.Engine != "memory" {
		t.Errorf("Expected memory cache engine, got %s", cfg.Caching.Engine)
	}
	if cfg.Caching.FeedTTLSeconds != 300 {
		t.Errorf("Expected feed TTL 300, got %d", cfg.Caching.FeedTTLSeconds)
	}
	if cfg.Feed.FanoutLimit() != 25 {
		t.Errorf("Expected fanout limit 25, got %d", cfg.Feed.FanoutLimit())
	}
	if !cfg.Feed.PreferRepostEnabled() {
		t.Error("Expected prefer_repost to default to true")
	}
	if !cfg.Outbox.IsEnabled() {
		t.Error("Expected outbox to default to enabled")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Expected sqlite driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected info log level, got %s", cfg.Logging.Level)
	}
}

func TestParseExplicitZeroFanout(t *testing.T) {
	cfg, err := Parse([]byte("sources:\n  defaults: [wss://relay.test]\nfeed:\n  max_tag_fanout: 0\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Feed.FanoutLimit() != 0 {
		t.Errorf("Expected explicit 0 fanout limit to survive defaults, got %d", cfg.Feed.FanoutLimit())
	}
}

func TestParsePreferRepostDisabled(t *testing.T) {
	cfg, err := Parse([]byte("sources:\n  defaults: [wss://relay.test]\nfeed:\n  prefer_repost: false\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Feed.PreferRepostEnabled() {
		t.Error("Expected prefer_repost false to survive defaults")
	}
}

func TestParseOutboxDisabled(t *testing.T) {
	cfg, err := Parse([]byte("sources:\n  defaults: [wss://relay.test]\noutbox:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Outbox.IsEnabled() {
		t.Error("Expected outbox enabled false to survive defaults")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(cfg *Config) {},
			wantErr: false,
		},
		{
			name: "no default sources",
			mutate: func(cfg *Config) {
				cfg.Sources.Defaults = nil
			},
			wantErr: true,
		},
		{
			name: "bad source scheme",
			mutate: func(cfg *Config) {
				cfg.Sources.Defaults = []string{"https://relay.test"}
			},
			wantErr: true,
		},
		{
			name: "trip ratio above one",
			mutate: func(cfg *Config) {
				cfg.Health.TripRatio = 1.5
			},
			wantErr: true,
		},
		{
			name: "unknown cache engine",
			mutate: func(cfg *Config) {
				cfg.Caching.Engine = "memcached"
			},
			wantErr: true,
		},
		{
			name: "redis engine without url",
			mutate: func(cfg *Config) {
				cfg.Caching.Engine = "redis"
				cfg.Caching.RedisURL = ""
			},
			wantErr: true,
		},
		{
			name: "unknown storage driver",
			mutate: func(cfg *Config) {
				cfg.Storage.Driver = "postgres"
			},
			wantErr: true,
		},
		{
			name: "bad log level",
			mutate: func(cfg *Config) {
				cfg.Logging.Level = "verbose"
			},
			wantErr: true,
		},
		{
			name: "global timeout below per-source timeout",
			mutate: func(cfg *Config) {
				cfg.Sources.GlobalTimeoutMs = 1000
				cfg.Sources.QueryTimeoutMs = 4000
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tidepool.yaml")

	content := `
sources:
  defaults:
    - wss://relay.one
    - wss://relay.two
  query_timeout_ms: 2000
  global_timeout_ms: 5000
caching:
  engine: bolt
  bolt_path: cache.db
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Sources.Defaults) != 2 {
		t.Errorf("Expected 2 sources, got %d", len(cfg.Sources.Defaults))
	}
	if cfg.Sources.QueryTimeoutMs != 2000 {
		t.Errorf("Expected query timeout 2000, got %d", cfg.Sources.QueryTimeoutMs)
	}
	if cfg.Caching.Engine != "bolt" {
		t.Errorf("Expected bolt engine, got %s", cfg.Caching.Engine)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected json format, got %s", cfg.Logging.Format)
	}
	// Untouched sections still get defaults
	if cfg.Feed.KeepRecords != 500 {
		t.Errorf("Expected keep_records default 500, got %d", cfg.Feed.KeepRecords)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TIDEPOOL_REDIS_URL", "redis://127.0.0.1:6379/0")

	cfg, err := Parse([]byte("sources:\n  defaults: [wss://relay.test]\ncaching:\n  engine: redis\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Caching.RedisURL != "redis://127.0.0.1:6379/0" {
		t.Errorf("Expected redis url from env, got %s", cfg.Caching.RedisURL)
	}
}

func TestExampleConfigParses(t *testing.T) {
	data, err := GetExampleConfig()
	if err != nil {
		t.Fatalf("GetExampleConfig() error = %v", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Example config failed to parse: %v", err)
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("Example config failed validation: %v", err)
	}
}
