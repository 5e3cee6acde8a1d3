// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/predictwire/crawlgate/internal/backpressure"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Politeness   PolitenessConfig   `mapstructure:"politeness"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs outbound fetch behavior.
type CrawlerConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SchedulerConfig sizes the worker pool and its queue.
type SchedulerConfig struct {
	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queue_capacity"`
	MaxBackoffMs  int `mapstructure:"max_backoff_ms"`
}

// PolitenessConfig tunes the per-source rate limiter applied after
// admission.
type PolitenessConfig struct {
	PerSourceRPS float64 `mapstructure:"per_source_rps"`
	Burst        int     `mapstructure:"burst"`
}

// BackpressureConfig holds the admission engine limits.
type BackpressureConfig struct {
	MaxConcurrentPerSource int     `mapstructure:"max_concurrent_per_source"`
	MaxConcurrentGlobal    int     `mapstructure:"max_concurrent_global"`
	CrawlDelayMs           int     `mapstructure:"crawl_delay_ms"`
	QueueDepthThreshold    int     `mapstructure:"queue_depth_threshold"`
	TokenRefillRate        float64 `mapstructure:"token_refill_rate"`
	MaxTokens              float64 `mapstructure:"max_tokens"`
}

// TelemetryConfig controls the Prometheus gauge sampler.
type TelemetryConfig struct {
	SampleIntervalMs int `mapstructure:"sample_interval_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLGATE")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.user_agent", "crawlgate-bot/0.1")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_capacity", 256)
	v.SetDefault("scheduler.max_backoff_ms", 5000)
	v.SetDefault("politeness.per_source_rps", 1)
	v.SetDefault("politeness.burst", 1)
	v.SetDefault("backpressure.max_concurrent_per_source", backpressure.DefaultMaxConcurrentPerSource)
	v.SetDefault("backpressure.max_concurrent_global", backpressure.DefaultMaxConcurrentGlobal)
	v.SetDefault("backpressure.crawl_delay_ms", 1000)
	v.SetDefault("backpressure.queue_depth_threshold", backpressure.DefaultQueueDepthThreshold)
	v.SetDefault("backpressure.token_refill_rate", backpressure.DefaultTokenRefillRate)
	v.SetDefault("backpressure.max_tokens", backpressure.DefaultMaxTokens)
	v.SetDefault("telemetry.sample_interval_ms", 1000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.QueueCapacity <= 0 {
		return fmt.Errorf("scheduler.queue_capacity must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Backpressure.MaxConcurrentGlobal < c.Backpressure.MaxConcurrentPerSource {
		return fmt.Errorf("backpressure.max_concurrent_global must be >= backpressure.max_concurrent_per_source")
	}
	return nil
}

// EngineConfig converts the loaded knobs into a backpressure.Config.
func (c Config) EngineConfig() backpressure.Config {
	return backpressure.Config{
		MaxConcurrentPerSource: c.Backpressure.MaxConcurrentPerSource,
		MaxConcurrentGlobal:    c.Backpressure.MaxConcurrentGlobal,
		CrawlDelay:             time.Duration(c.Backpressure.CrawlDelayMs) * time.Millisecond,
		QueueDepthThreshold:    c.Backpressure.QueueDepthThreshold,
		TokenRefillRate:        c.Backpressure.TokenRefillRate,
		MaxTokens:              c.Backpressure.MaxTokens,
	}
}

// FetchTimeout converts the crawler timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// MaxBackoff converts the scheduler backoff cap into a duration.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.Scheduler.MaxBackoffMs) * time.Millisecond
}

// SampleInterval converts the telemetry sampling interval into a duration.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(c.Telemetry.SampleIntervalMs) * time.Millisecond
}
