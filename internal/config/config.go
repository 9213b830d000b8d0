// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Session   SessionConfig   `mapstructure:"session"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	API       APIConfig       `mapstructure:"api"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CacheConfig sets the raw payload cache location and shard geometry.
type CacheConfig struct {
	Dir       string `mapstructure:"dir"`
	ShardSize int64  `mapstructure:"shard_size"`
	Extension string `mapstructure:"extension"`
}

// RemoteConfig points at the benchmark service endpoints.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	ListingURL     string `mapstructure:"listing_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SessionConfig governs login and cookie persistence.
type SessionConfig struct {
	CookieFile   string `mapstructure:"cookie_file"`
	LoginPageURL string `mapstructure:"login_page_url"`
	LoginURL     string `mapstructure:"login_url"`
	MaxAttempts  int    `mapstructure:"max_attempts"`
}

// SchedulerConfig fixes the worker pool and sync cadence.
type SchedulerConfig struct {
	Workers             int `mapstructure:"workers"`
	BatchSize           int `mapstructure:"batch_size"`
	SyncIntervalSeconds int `mapstructure:"sync_interval_seconds"`
	SyncDelayMillis     int `mapstructure:"sync_delay_millis"`
}

// APIConfig controls the optional status/metrics HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// PublisherConfig selects where harvested-record events are announced.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"` // noop | memory | pubsub
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig controls shard compaction and optional archive upload.
type ArchiveConfig struct {
	UploadProvider string `mapstructure:"upload_provider"` // none | local | gcs
	GCSBucket      string `mapstructure:"gcs_bucket"`
	LocalDir       string `mapstructure:"local_dir"`
	Prefix         string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("logging.development", true)
	// An explicit empty default keeps the key visible to AutomaticEnv.
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "records")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("cache.dir", "raw_data")
	v.SetDefault("cache.shard_size", 5000)
	v.SetDefault("cache.extension", "gbml")
	v.SetDefault("remote.base_url", "https://browser.geekbench.com/ai/v1")
	v.SetDefault("remote.listing_url", "https://browser.geekbench.com/ai/v1/")
	v.SetDefault("remote.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.36")
	v.SetDefault("remote.timeout_seconds", 20)
	v.SetDefault("session.cookie_file", "harvester_cookies.json")
	v.SetDefault("session.login_page_url", "https://browser.geekbench.com/session/new")
	v.SetDefault("session.login_url", "https://browser.geekbench.com/session/create")
	v.SetDefault("session.max_attempts", 5)
	v.SetDefault("scheduler.workers", 6)
	v.SetDefault("scheduler.batch_size", 12)
	v.SetDefault("scheduler.sync_interval_seconds", 15)
	v.SetDefault("scheduler.sync_delay_millis", 100)
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)
	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("archive.upload_provider", "none")
	v.SetDefault("archive.prefix", "archives")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Cache.ShardSize <= 0 {
		return fmt.Errorf("cache.shard_size must be > 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Session.MaxAttempts <= 0 {
		return fmt.Errorf("session.max_attempts must be > 0")
	}
	if c.API.Enabled && c.API.Port <= 0 {
		return fmt.Errorf("api.port must be > 0 when the api is enabled")
	}
	if c.Publisher.Provider == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic must be set for the pubsub provider")
	}
	if c.Archive.UploadProvider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set for the gcs upload provider")
	}
	return nil
}

// RemoteTimeout converts the remote timeout config into a duration.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// SyncInterval returns the sync phase polling cadence.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Scheduler.SyncIntervalSeconds) * time.Second
}

// SyncDelay returns the pause between sequential sync fetches.
func (c Config) SyncDelay() time.Duration {
	return time.Duration(c.Scheduler.SyncDelayMillis) * time.Millisecond
}
