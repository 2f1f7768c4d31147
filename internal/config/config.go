// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Cache     CacheConfig     `mapstructure:"cache"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HostRule is one entry of the site politeness policy document. Rules are
// matched first-match-wins in list order; authors put exact hosts before
// wildcard suffixes.
type HostRule struct {
	Pattern            string  `mapstructure:"pattern"`
	CrawlDelaySeconds  float64 `mapstructure:"crawl_delay_seconds"`
	MaxConcurrency     int     `mapstructure:"max_concurrency"`
	RespectRobots      bool    `mapstructure:"respect_robots"`
	ConditionalRequest bool    `mapstructure:"conditional_requests"`
}

// CrawlDelay returns the configured per-host delay as a duration.
func (r HostRule) CrawlDelay() time.Duration {
	return time.Duration(r.CrawlDelaySeconds * float64(time.Second))
}

// ScraperConfig governs outbound politeness toward the scraped origin.
type ScraperConfig struct {
	BaseURL        string     `mapstructure:"base_url"`
	UserAgent      string     `mapstructure:"user_agent"`
	KillSwitchEnv  string     `mapstructure:"kill_switch_env"`
	TimeoutSeconds int        `mapstructure:"timeout_seconds"`
	GlobalRPS      float64    `mapstructure:"global_rps"`
	Hosts          []HostRule `mapstructure:"hosts"`
}

// QueueConfig tunes the in-process job scheduler.
type QueueConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	MaxConcurrentJobs   int  `mapstructure:"max_concurrent_jobs"`
	Workers             int  `mapstructure:"workers"`
	RetentionTTLSeconds int  `mapstructure:"retention_ttl_seconds"`
}

// RetentionTTL converts the configured TTL to a duration; <= 0 means
// terminal jobs are deleted at the first sweep after completion.
func (q QueueConfig) RetentionTTL() time.Duration {
	return time.Duration(q.RetentionTTLSeconds) * time.Second
}

// CacheConfig sizes the conditional-request cache. Capacity 0 disables it.
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// StorageConfig selects the snapshot archive backend.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TrackIndex names one origin index page swept by discovery.
type TrackIndex struct {
	TrackID  string `mapstructure:"track_id"`
	IndexURL string `mapstructure:"index_url"`
}

// DiscoveryConfig schedules the periodic event-discovery sweep.
type DiscoveryConfig struct {
	Enabled             bool         `mapstructure:"enabled"`
	Schedule            string       `mapstructure:"schedule"`
	FetchTimeoutSeconds int          `mapstructure:"fetch_timeout_seconds"`
	Depth               string       `mapstructure:"depth"`
	Tracks              []TrackIndex `mapstructure:"tracks"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. The config file is the site
// politeness policy document among other things, so a missing file is fatal.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}

	v := viper.New()
	v.SetEnvPrefix("INGESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scraper.user_agent", "mre-ingest-bot/1.0 (+mailto:ops@myraceengineer.app)")
	v.SetDefault("scraper.kill_switch_env", "SCRAPE_ENABLED")
	v.SetDefault("scraper.timeout_seconds", 15)
	v.SetDefault("scraper.global_rps", 0)
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.max_concurrent_jobs", 2)
	v.SetDefault("queue.workers", 0)
	v.SetDefault("queue.retention_ttl_seconds", 3600)
	v.SetDefault("cache.capacity", 128)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("pubsub.topic_name", "ingest-completed")
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.schedule", "@every 6h")
	v.SetDefault("discovery.fetch_timeout_seconds", 10)
	v.SetDefault("discovery.depth", "results_only")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.BaseURL == "" {
		return fmt.Errorf("scraper.base_url must be set")
	}
	if c.Scraper.UserAgent == "" {
		return fmt.Errorf("scraper.user_agent must be set")
	}
	if c.Scraper.KillSwitchEnv == "" {
		return fmt.Errorf("scraper.kill_switch_env must be set")
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.timeout_seconds must be > 0")
	}
	if c.Queue.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("queue.max_concurrent_jobs must be > 0")
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must be >= 0")
	}
	for i, rule := range c.Scraper.Hosts {
		if rule.Pattern == "" {
			return fmt.Errorf("scraper.hosts[%d].pattern must be set", i)
		}
		if rule.MaxConcurrency <= 0 {
			return fmt.Errorf("scraper.hosts[%d].max_concurrency must be > 0", i)
		}
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
	}
	if c.Storage.Provider == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when storage.provider is local")
	}
	if c.PubSub.Provider == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub.provider is pubsub")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Discovery.Enabled && len(c.Discovery.Tracks) == 0 {
		return fmt.Errorf("discovery.tracks must be set when discovery is enabled")
	}
	return nil
}

// WorkerCount returns the number of worker goroutines to start; it defaults
// to the global concurrency limit when unset.
func (c Config) WorkerCount() int {
	if c.Queue.Workers > 0 {
		return c.Queue.Workers
	}
	return c.Queue.MaxConcurrentJobs
}

// FetchTimeout converts the scraper timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scraper.TimeoutSeconds) * time.Second
}
