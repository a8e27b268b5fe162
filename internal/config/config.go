// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/browsercrawler/internal/publisher/kafka"
	"github.com/JakeFAU/browsercrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/browsercrawler/internal/registry/redis"
)

// Backend names accepted by the pluggable sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendRedis    = "redis"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API, health and metrics server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey, when set, guards the /v1 routes.
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WorkerConfig governs the crawl loop.
type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	PoolSize          int           `mapstructure:"pool_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl"`
	SessionBudget     time.Duration `mapstructure:"session_budget"`
	UserAgent         string        `mapstructure:"user_agent"`
	Proxy             string        `mapstructure:"proxy"`
	SkipScreenshot    bool          `mapstructure:"skip_screenshot"`
	SkipOutlinks      bool          `mapstructure:"skip_outlinks"`
	SkipHashtags      bool          `mapstructure:"skip_hashtags"`
}

// BrowserConfig configures how browsers are launched.
type BrowserConfig struct {
	Executable       string        `mapstructure:"executable"`
	Headless         bool          `mapstructure:"headless"`
	IgnoreCertErrors bool          `mapstructure:"ignore_cert_errors"`
	ExtraArgs        []string      `mapstructure:"extra_args"`
	StartTimeout     time.Duration `mapstructure:"start_timeout"`
	PageTimeout      time.Duration `mapstructure:"page_timeout"`
	BehaviorTimeout  time.Duration `mapstructure:"behavior_timeout"`
	// BehaviorsFile replaces the built-in behavior catalogue when set.
	BehaviorsFile string `mapstructure:"behaviors_file"`
}

// FrontierConfig selects and tunes the claim protocol's store.
type FrontierConfig struct {
	Backend         string        `mapstructure:"backend"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	ClaimBatch      int           `mapstructure:"claim_batch"`
	MaxPageFailures int           `mapstructure:"max_page_failures"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig sets where screenshots and thumbnails are written.
type StorageConfig struct {
	Backend        string `mapstructure:"backend"`
	LocalDir       string `mapstructure:"local_dir"`
	GCSBucket      string `mapstructure:"gcs_bucket"`
	Prefix         string `mapstructure:"prefix"`
	ThumbnailWidth int    `mapstructure:"thumbnail_width"`
}

// RegistryConfig selects where worker heartbeats are recorded.
type RegistryConfig struct {
	Backend string       `mapstructure:"backend"`
	Redis   redis.Config `mapstructure:"redis"`
}

// PublisherConfig selects where crawl lifecycle events are published.
type PublisherConfig struct {
	Backend          string        `mapstructure:"backend"`
	IncludePageStart bool          `mapstructure:"include_page_start"`
	PubSub           pubsub.Config `mapstructure:"pubsub"`
	Kafka            kafka.Config  `mapstructure:"kafka"`
}

// RobotsConfig controls robots.txt fetching.
type RobotsConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. With an empty path the usual
// locations are searched for a crawler.yaml and a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("crawler")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/browsercrawler/")
		v.AddConfigPath("$HOME/.browsercrawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("worker.pool_size", 6)
	v.SetDefault("worker.poll_interval", "500ms")
	v.SetDefault("worker.heartbeat_interval", "20s")
	v.SetDefault("worker.heartbeat_ttl", "60s")
	v.SetDefault("worker.session_budget", "7m")
	v.SetDefault("browser.executable", "chromium-browser")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.start_timeout", "600s")
	v.SetDefault("browser.page_timeout", "300s")
	v.SetDefault("browser.behavior_timeout", "900s")
	v.SetDefault("frontier.backend", BackendMemory)
	v.SetDefault("frontier.stale_after", "2h")
	v.SetDefault("frontier.claim_batch", 20)
	v.SetDefault("frontier.max_page_failures", 3)
	v.SetDefault("db.table_prefix", "brozzler_")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local_dir", "data/records")
	v.SetDefault("storage.thumbnail_width", 300)
	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.redis.addr", "localhost:6379")
	v.SetDefault("registry.redis.prefix", "crawler:services:")
	v.SetDefault("publisher.backend", BackendNone)
	v.SetDefault("publisher.pubsub.topic_prefix", "crawler-")
	v.SetDefault("publisher.kafka.topic_prefix", "crawler.")
	v.SetDefault("robots.timeout", "30s")
	v.SetDefault("robots.requests_per_second", 1.0)
	v.SetDefault("robots.burst", 1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.pool_size must be > 0")
	}
	if c.Worker.SessionBudget < 0 {
		return fmt.Errorf("worker.session_budget must not be negative")
	}
	if c.Worker.HeartbeatTTL > 0 && c.Worker.HeartbeatTTL < c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker.heartbeat_ttl must be >= worker.heartbeat_interval")
	}
	if c.Frontier.MaxPageFailures < 0 {
		return fmt.Errorf("frontier.max_page_failures must not be negative")
	}
	switch c.Frontier.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when frontier.backend is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("frontier.backend %q is not one of memory, postgres", c.Frontier.Backend)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.backend is %q", BackendLocal)
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is %q", BackendGCS)
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.Registry.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Registry.Redis.Addr == "" {
			return fmt.Errorf("registry.redis.addr must be set when registry.backend is %q", BackendRedis)
		}
	default:
		return fmt.Errorf("registry.backend %q is not one of memory, redis", c.Registry.Backend)
	}
	switch c.Publisher.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.Publisher.PubSub.ProjectID == "" {
			return fmt.Errorf("publisher.pubsub.project_id must be set when publisher.backend is %q", BackendPubSub)
		}
	case BackendKafka:
		if len(c.Publisher.Kafka.Brokers) == 0 {
			return fmt.Errorf("publisher.kafka.brokers must be set when publisher.backend is %q", BackendKafka)
		}
	default:
		return fmt.Errorf("publisher.backend %q is not one of none, memory, pubsub, kafka", c.Publisher.Backend)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
