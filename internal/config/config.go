package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete tidepool configuration
type Config struct {
	Sources       Sources       `yaml:"sources"`
	Health        Health        `yaml:"health"`
	Outbox        Outbox        `yaml:"outbox"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
	Feed          Feed          `yaml:"feed"`
	Caching       Caching       `yaml:"caching"`
	Aggregates    Aggregates    `yaml:"aggregates"`
	Storage       Storage       `yaml:"storage"`
	Logging       Logging       `yaml:"logging"`
	Status        Status        `yaml:"status"`
}

// Sources contains the default source set and query timeouts
type Sources struct {
	Defaults         []string `yaml:"defaults"`
	ConnectTimeoutMs int      `yaml:"connect_timeout_ms"`
	QueryTimeoutMs   int      `yaml:"query_timeout_ms"`
	GlobalTimeoutMs  int      `yaml:"global_timeout_ms"`
}

// Health contains circuit breaker tuning
type Health struct {
	Window               int     `yaml:"window"`                 // rolling attempt window per source
	TripRatio            float64 `yaml:"trip_ratio"`             // failure ratio over the window that trips a source
	DegradedAfter        int     `yaml:"degraded_after"`         // consecutive failures before degraded
	CooldownSeconds      int     `yaml:"cooldown_seconds"`       // wait before a tripped source may be retried
	ProbeIntervalSeconds int     `yaml:"probe_interval_seconds"` // how often tripped sources are probed
}

// Outbox contains author source resolution settings
type Outbox struct {
	Enabled             *bool `yaml:"enabled"` // nil = default (on)
	TTLHours            int   `yaml:"ttl_hours"`
	MaxSourcesPerAuthor int   `yaml:"max_sources_per_author"`
}

// IsEnabled reports whether outbox targeting is active; an omitted section
// means enabled
func (o *Outbox) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// Subscriptions contains query batching limits
type Subscriptions struct {
	MaxAuthorsPerQuery int `yaml:"max_authors_per_query"`
}

// Feed contains pipeline and view behavior
type Feed struct {
	CoalesceMs         int   `yaml:"coalesce_ms"`
	MaxNotifyLatencyMs int   `yaml:"max_notify_latency_ms"`
	MaxTagFanout       *int  `yaml:"max_tag_fanout"` // nil = default, explicit 0 disables the filter
	PreferRepost       *bool `yaml:"prefer_repost"`
	KeepRecords        int   `yaml:"keep_records"`
	RepostTTLSeconds   int   `yaml:"repost_ttl_seconds"`
}

// FanoutLimit returns the effective tag fan-out threshold (0 = disabled)
func (f *Feed) FanoutLimit() int {
	if f.MaxTagFanout == nil {
		return 25
	}
	return *f.MaxTagFanout
}

// PreferRepostEnabled reports whether a repost suppresses its bare original
func (f *Feed) PreferRepostEnabled() bool {
	return f.PreferRepost == nil || *f.PreferRepost
}

// Caching contains snapshot cache settings
type Caching struct {
	Engine         string `yaml:"engine"` // memory, redis, or bolt
	RedisURL       string `yaml:"redis_url"`
	BoltPath       string `yaml:"bolt_path"`
	FeedTTLSeconds int    `yaml:"feed_ttl_seconds"`
}

// Aggregates contains counter engine settings
type Aggregates struct {
	MinTipSats           int64 `yaml:"min_tip_sats"`
	OptimisticTTLSeconds int   `yaml:"optimistic_ttl_seconds"`
	TopContributors      int   `yaml:"top_contributors"`
}

// Storage contains the durable record store settings
type Storage struct {
	Driver               string `yaml:"driver"`
	SQLitePath           string `yaml:"sqlite_path"`
	RetainHours          int    `yaml:"retain_hours"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
}

// Logging contains log output settings
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Status contains the optional metrics/health listener
type Status struct {
	Listen string `yaml:"listen"` // empty disables, e.g. "127.0.0.1:990"
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if redisURL := os.Getenv("TIDEPOOL_REDIS_URL"); redisURL != "" {
		cfg.Caching.RedisURL = redisURL
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	preferRepost := true
	fanout := 25
	outboxOn := true

	return &Config{
		Sources: Sources{
			Defaults: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
			},
			ConnectTimeoutMs: 5000,
			QueryTimeoutMs:   4000,
			GlobalTimeoutMs:  8000,
		},
		Health: Health{
			Window:               10,
			TripRatio:            0.5,
			DegradedAfter:        2,
			CooldownSeconds:      30,
			ProbeIntervalSeconds: 60,
		},
		Outbox: Outbox{
			Enabled:             &outboxOn,
			TTLHours:            24,
			MaxSourcesPerAuthor: 4,
		},
		Subscriptions: Subscriptions{
			MaxAuthorsPerQuery: 50,
		},
		Feed: Feed{
			CoalesceMs:         300,
			MaxNotifyLatencyMs: 1000,
			MaxTagFanout:       &fanout,
			PreferRepost:       &preferRepost,
			KeepRecords:        500,
			RepostTTLSeconds:   300,
		},
		Caching: Caching{
			Engine:         "memory",
			RedisURL:       "",
			BoltPath:       "tidepool-cache.db",
			FeedTTLSeconds: 300,
		},
		Aggregates: Aggregates{
			MinTipSats:           0,
			OptimisticTTLSeconds: 300,
			TopContributors:      5,
		},
		Storage: Storage{
			Driver:               "sqlite",
			SQLitePath:           "tidepool.db",
			RetainHours:          24,
			SweepIntervalSeconds: 600,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Status: Status{
			Listen: "",
		},
	}
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if len(cfg.Sources.Defaults) == 0 {
		cfg.Sources.Defaults = defaults.Sources.Defaults
	}
	if cfg.Sources.ConnectTimeoutMs == 0 {
		cfg.Sources.ConnectTimeoutMs = defaults.Sources.ConnectTimeoutMs
	}
	if cfg.Sources.QueryTimeoutMs == 0 {
		cfg.Sources.QueryTimeoutMs = defaults.Sources.QueryTimeoutMs
	}
	if cfg.Sources.GlobalTimeoutMs == 0 {
		cfg.Sources.GlobalTimeoutMs = defaults.Sources.GlobalTimeoutMs
	}

	if cfg.Health.Window == 0 {
		cfg.Health.Window = defaults.Health.Window
	}
	if cfg.Health.TripRatio == 0 {
		cfg.Health.TripRatio = defaults.Health.TripRatio
	}
	if cfg.Health.DegradedAfter == 0 {
		cfg.Health.DegradedAfter = defaults.Health.DegradedAfter
	}
	if cfg.Health.CooldownSeconds == 0 {
		cfg.Health.CooldownSeconds = defaults.Health.CooldownSeconds
	}
	if cfg.Health.ProbeIntervalSeconds == 0 {
		cfg.Health.ProbeIntervalSeconds = defaults.Health.ProbeIntervalSeconds
	}

	if cfg.Outbox.Enabled == nil {
		cfg.Outbox.Enabled = defaults.Outbox.Enabled
	}
	if cfg.Outbox.TTLHours == 0 {
		cfg.Outbox.TTLHours = defaults.Outbox.TTLHours
	}
	if cfg.Outbox.MaxSourcesPerAuthor == 0 {
		cfg.Outbox.MaxSourcesPerAuthor = defaults.Outbox.MaxSourcesPerAuthor
	}

	if cfg.Subscriptions.MaxAuthorsPerQuery == 0 {
		cfg.Subscriptions.MaxAuthorsPerQuery = defaults.Subscriptions.MaxAuthorsPerQuery
	}

	if cfg.Feed.CoalesceMs == 0 {
		cfg.Feed.CoalesceMs = defaults.Feed.CoalesceMs
	}
	if cfg.Feed.MaxNotifyLatencyMs == 0 {
		cfg.Feed.MaxNotifyLatencyMs = defaults.Feed.MaxNotifyLatencyMs
	}
	if cfg.Feed.MaxTagFanout == nil {
		cfg.Feed.MaxTagFanout = defaults.Feed.MaxTagFanout
	}
	if cfg.Feed.PreferRepost == nil {
		cfg.Feed.PreferRepost = defaults.Feed.PreferRepost
	}
	if cfg.Feed.KeepRecords == 0 {
		cfg.Feed.KeepRecords = defaults.Feed.KeepRecords
	}
	if cfg.Feed.RepostTTLSeconds == 0 {
		cfg.Feed.RepostTTLSeconds = defaults.Feed.RepostTTLSeconds
	}

	if cfg.Caching.Engine == "" {
		cfg.Caching.Engine = defaults.Caching.Engine
	}
	if cfg.Caching.BoltPath == "" {
		cfg.Caching.BoltPath = defaults.Caching.BoltPath
	}
	if cfg.Caching.FeedTTLSeconds == 0 {
		cfg.Caching.FeedTTLSeconds = defaults.Caching.FeedTTLSeconds
	}

	if cfg.Aggregates.OptimisticTTLSeconds == 0 {
		cfg.Aggregates.OptimisticTTLSeconds = defaults.Aggregates.OptimisticTTLSeconds
	}
	if cfg.Aggregates.TopContributors == 0 {
		cfg.Aggregates.TopContributors = defaults.Aggregates.TopContributors
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.RetainHours == 0 {
		cfg.Storage.RetainHours = defaults.Storage.RetainHours
	}
	if cfg.Storage.SweepIntervalSeconds == 0 {
		cfg.Storage.SweepIntervalSeconds = defaults.Storage.SweepIntervalSeconds
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLogFormats defines allowed log formats
var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// validCacheEngines defines allowed cache engines
var validCacheEngines = map[string]bool{
	"memory": true,
	"redis":  true,
	"bolt":   true,
}

// validStorageDrivers defines allowed storage drivers
var validStorageDrivers = map[string]bool{
	"sqlite": true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	if len(cfg.Sources.Defaults) == 0 {
		return fmt.Errorf("at least one default source is required")
	}
	for _, url := range cfg.Sources.Defaults {
		if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
			return fmt.Errorf("source must start with ws:// or wss://: %s", url)
		}
	}

	if cfg.Sources.ConnectTimeoutMs < 1 {
		return fmt.Errorf("sources.connect_timeout_ms must be positive")
	}
	if cfg.Sources.QueryTimeoutMs < 1 {
		return fmt.Errorf("sources.query_timeout_ms must be positive")
	}
	if cfg.Sources.GlobalTimeoutMs < cfg.Sources.QueryTimeoutMs {
		return fmt.Errorf("sources.global_timeout_ms must not be below sources.query_timeout_ms")
	}

	if cfg.Health.Window < 1 {
		return fmt.Errorf("health.window must be positive")
	}
	if cfg.Health.TripRatio <= 0 || cfg.Health.TripRatio > 1 {
		return fmt.Errorf("health.trip_ratio must be in (0, 1]")
	}
	if cfg.Health.DegradedAfter < 1 {
		return fmt.Errorf("health.degraded_after must be positive")
	}

	if cfg.Outbox.MaxSourcesPerAuthor < 1 {
		return fmt.Errorf("outbox.max_sources_per_author must be positive")
	}

	if cfg.Subscriptions.MaxAuthorsPerQuery < 1 {
		return fmt.Errorf("subscriptions.max_authors_per_query must be positive")
	}

	if cfg.Feed.FanoutLimit() < 0 {
		return fmt.Errorf("feed.max_tag_fanout must not be negative")
	}
	if cfg.Feed.KeepRecords < 1 {
		return fmt.Errorf("feed.keep_records must be positive")
	}

	if !validCacheEngines[cfg.Caching.Engine] {
		return fmt.Errorf("invalid cache engine: %s (must be one of: memory, redis, bolt)", cfg.Caching.Engine)
	}
	if cfg.Caching.Engine == "redis" && cfg.Caching.RedisURL == "" {
		return fmt.Errorf("caching.redis_url is required when caching.engine is redis")
	}
	if cfg.Caching.Engine == "bolt" && cfg.Caching.BoltPath == "" {
		return fmt.Errorf("caching.bolt_path is required when caching.engine is bolt")
	}
	if cfg.Caching.FeedTTLSeconds < 1 {
		return fmt.Errorf("caching.feed_ttl_seconds must be positive")
	}

	if cfg.Aggregates.MinTipSats < 0 {
		return fmt.Errorf("aggregates.min_tip_sats must not be negative")
	}
	if cfg.Aggregates.TopContributors < 1 {
		return fmt.Errorf("aggregates.top_contributors must be positive")
	}

	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be: sqlite)", cfg.Storage.Driver)
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", cfg.Logging.Format)
	}

	return nil
}
