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
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
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

// CrawlerConfig governs crawl pipeline behavior.
type CrawlerConfig struct {
	Concurrency          int     `mapstructure:"concurrency"`
	JobConcurrency       int     `mapstructure:"job_concurrency"`
	UserAgent            string  `mapstructure:"user_agent"`
	MaxDepthDefault      int     `mapstructure:"max_depth_default"`
	MaxPagesDefault      int     `mapstructure:"max_pages_default"`
	MaxDepthLimit        int     `mapstructure:"max_depth_limit"`
	MaxPagesLimit        int     `mapstructure:"max_pages_limit"`
	MaxPageBytes         int     `mapstructure:"max_page_bytes"`
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold"`
	FailureMinPages      int     `mapstructure:"failure_min_pages"`
	CancelGraceSeconds   int     `mapstructure:"cancel_grace_seconds"`
	QueueDepth           int     `mapstructure:"queue_depth"`
}

// HTTPConfig configures fetch timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig bounds request throughput per origin.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// SummarizerConfig configures the external summarization client.
type SummarizerConfig struct {
	Endpoint          string  `mapstructure:"endpoint"`
	APIKey            string  `mapstructure:"api_key"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	Concurrency       int     `mapstructure:"concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxContentBytes   int     `mapstructure:"max_content_bytes"`
}

// StorageConfig selects and configures the page archive backend.
type StorageConfig struct {
	// Backend is one of "memory", "local", "gcs".
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	LocalDir    string `mapstructure:"local_dir"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational job store. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for pipeline event publishing. An empty
// project ID selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	PageTopic string `mapstructure:"page_topic"`
	JobTopic  string `mapstructure:"job_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEDIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
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
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.job_concurrency", 4)
	v.SetDefault("crawler.user_agent", "sitedigest-bot/0.1")
	v.SetDefault("crawler.max_depth_default", 3)
	v.SetDefault("crawler.max_pages_default", 500)
	v.SetDefault("crawler.max_depth_limit", 10)
	v.SetDefault("crawler.max_pages_limit", 10000)
	v.SetDefault("crawler.max_page_bytes", 5*1024*1024)
	v.SetDefault("crawler.failure_rate_threshold", 0.5)
	v.SetDefault("crawler.failure_min_pages", 10)
	v.SetDefault("crawler.cancel_grace_seconds", 5)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("rate_limit.requests_per_second", 2)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("summarizer.endpoint", "http://localhost:8081/v1/summarize")
	v.SetDefault("summarizer.timeout_seconds", 30)
	v.SetDefault("summarizer.concurrency", 4)
	v.SetDefault("summarizer.requests_per_second", 1)
	v.SetDefault("summarizer.burst", 1)
	v.SetDefault("summarizer.max_content_bytes", 200*1024)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.page_topic", "sitedigest-pages")
	v.SetDefault("pubsub.job_topic", "sitedigest-jobs")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.FailureRateThreshold <= 0 || c.Crawler.FailureRateThreshold > 1 {
		return fmt.Errorf("crawler.failure_rate_threshold must be in (0, 1]")
	}
	if c.Crawler.MaxDepthLimit <= 0 || c.Crawler.MaxDepthDefault > c.Crawler.MaxDepthLimit {
		return fmt.Errorf("crawler.max_depth_limit must be >= crawler.max_depth_default")
	}
	if c.Crawler.MaxPagesLimit <= 0 || c.Crawler.MaxPagesDefault > c.Crawler.MaxPagesLimit {
		return fmt.Errorf("crawler.max_pages_limit must be >= crawler.max_pages_default")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Summarizer.Endpoint == "" {
		return fmt.Errorf("summarizer.endpoint must be set")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	return nil
}

// FetchTimeout returns the configured fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry backoff delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// CancelGrace returns how long cancellation waits for in-flight pages.
func (c Config) CancelGrace() time.Duration {
	return time.Duration(c.Crawler.CancelGraceSeconds) * time.Second
}

// SummarizerTimeout returns the per-call summarizer timeout.
func (c Config) SummarizerTimeout() time.Duration {
	return time.Duration(c.Summarizer.TimeoutSeconds) * time.Second
}
