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
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Query     QueryConfig     `mapstructure:"query"`
	Retention RetentionConfig `mapstructure:"retention"`
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

// CrawlConfig governs the coordinator, dispatcher and fetch pipeline.
type CrawlConfig struct {
	Concurrency         int      `mapstructure:"concurrency"`
	UserAgent           string   `mapstructure:"user_agent"`
	QueueDepth          int      `mapstructure:"queue_depth"`
	MaxDepth            int      `mapstructure:"max_depth"`
	ShardTimeoutSeconds int      `mapstructure:"shard_timeout_seconds"`
	FeedPeriodMinutes   int      `mapstructure:"feed_period_minutes"`
	TickSeconds         int      `mapstructure:"tick_seconds"`
	PerHostRPS          float64  `mapstructure:"per_host_rps"`
	PerHostBurst        int      `mapstructure:"per_host_burst"`
	SeedFeeds           []string `mapstructure:"seed_feeds"`
}

// HTTPConfig configures the outbound fetch client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// StorageConfig sets paths and content types for raw payload archival.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for committed-document notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// QueryConfig bounds the alert query surface.
type QueryConfig struct {
	MaxResults       int `mapstructure:"max_results"`
	DefaultResults   int `mapstructure:"default_results"`
	MaxGeoCells      int `mapstructure:"max_geo_cells"`
	MaxValuesPerAttr int `mapstructure:"max_values_per_attr"`
}

// RetentionConfig controls the background purge of old crawl data.
type RetentionConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxAgeDays    int  `mapstructure:"max_age_days"`
	SweepInterval int  `mapstructure:"sweep_interval_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ALERTMIRROR")
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
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.user_agent", "alertmirror-bot/0.1")
	v.SetDefault("crawl.queue_depth", 256)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.shard_timeout_seconds", 600)
	v.SetDefault("crawl.feed_period_minutes", 30)
	v.SetDefault("crawl.tick_seconds", 60)
	v.SetDefault("crawl.per_host_rps", 2.0)
	v.SetDefault("crawl.per_host_burst", 4)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.migrate", true)
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "application/xml; charset=utf-8")
	v.SetDefault("query.max_results", 1000)
	v.SetDefault("query.default_results", 100)
	v.SetDefault("query.max_geo_cells", 32)
	v.SetDefault("query.max_values_per_attr", 10)
	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.max_age_days", 30)
	v.SetDefault("retention.sweep_interval_minutes", 60)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Retention.Enabled && c.Retention.MaxAgeDays <= 0 {
		return fmt.Errorf("retention.max_age_days must be > 0 when retention is enabled")
	}
	if c.Retention.Enabled && c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention.sweep_interval_minutes must be > 0 when retention is enabled")
	}
	return nil
}

// ShardTimeout converts the crawl shard deadline into a duration.
func (c Config) ShardTimeout() time.Duration {
	return time.Duration(c.Crawl.ShardTimeoutSeconds) * time.Second
}

// FeedPeriod converts the default feed period into a duration.
func (c Config) FeedPeriod() time.Duration {
	return time.Duration(c.Crawl.FeedPeriodMinutes) * time.Minute
}

// FetchTimeout converts the outbound HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
