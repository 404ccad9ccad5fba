// Package config loads and validates crawlkit configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Download  DownloadConfig  `mapstructure:"download"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	GCP       GCPConfig       `mapstructure:"gcp"`
	Server    ServerConfig    `mapstructure:"server"`
}

// LoggingConfig toggles zap development features. Level overrides the
// default level of the chosen mode when set.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the fetch pipeline and the built-in page crawl.
type CrawlerConfig struct {
	Name             string   `mapstructure:"name"`
	Concurrency      int      `mapstructure:"concurrency"`
	ParseConcurrency int      `mapstructure:"parse_concurrency"`
	Retries          int      `mapstructure:"retries"`
	QueueSize        int      `mapstructure:"queue_size"`
	AllowStatus      []int    `mapstructure:"allow_status"`
	Requeue          bool     `mapstructure:"requeue"`
	Seeds            []string `mapstructure:"seeds"`
	MaxPages         int      `mapstructure:"max_pages"`
	RespectRobots    bool     `mapstructure:"respect_robots"`
	Blocklist        []string `mapstructure:"blocklist"`
}

// HTTPConfig configures the shared HTTP client.
type HTTPConfig struct {
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	UserAgent          string `mapstructure:"user_agent"`
	Proxy              string `mapstructure:"proxy"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	MaxConnsPerHost    int    `mapstructure:"max_conns_per_host"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	BackoffInitialMs   int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int    `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig sets the per-host token bucket. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// DedupConfig sizes the bloom filters.
type DedupConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Backend   string  `mapstructure:"backend"`
	Capacity  int     `mapstructure:"capacity"`
	ErrorRate float64 `mapstructure:"error_rate"`
	// Items also filters stored items by ID, not just tasks by key.
	Items bool `mapstructure:"items"`
}

// RedisConfig points at the redis used by the shared dedup backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DownloadConfig governs the resumable downloader.
type DownloadConfig struct {
	Dir                    string   `mapstructure:"dir"`
	Concurrency            int      `mapstructure:"concurrency"`
	Retries                int      `mapstructure:"retries"`
	DiscardOnFinalizeError bool     `mapstructure:"discard_on_finalize_error"`
	Topic                  string   `mapstructure:"topic"`
	URLs                   []string `mapstructure:"urls"`
}

// MetricsConfig tunes the throughput monitor.
type MetricsConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	ErrorLogSize    int `mapstructure:"error_log_size"`
}

// ProgressConfig tunes the download progress hub and its sinks.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	NameWidth      int  `mapstructure:"name_width"`
	Console        bool `mapstructure:"console"`
	ConsoleStep    int  `mapstructure:"console_step"`
}

// StorageConfig selects where parsed items go.
type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	BaseDir         string `mapstructure:"base_dir"`
	GCSBucket       string `mapstructure:"gcs_bucket"`
	Prefix          string `mapstructure:"prefix"`
	BatchSize       int    `mapstructure:"batch_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
	Topic           string `mapstructure:"topic"`
}

// DatabaseConfig controls the Postgres item store.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig enables Pub/Sub notifications. Without a project they are kept
// in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// GCPConfig points the GCS and Pub/Sub clients at a service account key.
// Empty means application default credentials.
type GCPConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
}

// ServerConfig controls the control API.
type ServerConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageLocal    = "local"
	StorageGCS      = "gcs"
	StoragePostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLKIT")
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
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.name", "crawler")
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.parse_concurrency", 2)
	v.SetDefault("crawler.retries", 3)
	v.SetDefault("crawler.queue_size", 100)
	v.SetDefault("crawler.allow_status", []int{})
	v.SetDefault("crawler.requeue", false)
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.max_pages", 1)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.blocklist", []string{})
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "crawlkit/0.1")
	v.SetDefault("http.max_conns_per_host", 0)
	v.SetDefault("http.max_idle_conns", 100)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.backend", "local")
	v.SetDefault("dedup.capacity", 1_000_000)
	v.SetDefault("dedup.error_rate", 0.001)
	v.SetDefault("dedup.items", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("download.dir", "downloads")
	v.SetDefault("download.concurrency", 4)
	v.SetDefault("download.retries", 3)
	v.SetDefault("download.discard_on_finalize_error", false)
	v.SetDefault("download.topic", "downloads")
	v.SetDefault("download.urls", []string{})
	v.SetDefault("metrics.interval_seconds", 10)
	v.SetDefault("metrics.error_log_size", 100)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.name_width", 50)
	v.SetDefault("progress.console", true)
	v.SetDefault("progress.console_step", 10)
	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.prefix", "items")
	v.SetDefault("storage.batch_size", 100)
	v.SetDefault("storage.flush_interval_ms", 300)
	v.SetDefault("storage.topic", "batches")
	v.SetDefault("database.table", "crawl_items")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.ParseConcurrency <= 0 {
		return fmt.Errorf("crawler.parse_concurrency must be > 0")
	}
	if c.Crawler.Retries < 0 {
		return fmt.Errorf("crawler.retries must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download.concurrency must be > 0")
	}
	if c.Download.Retries < 0 {
		return fmt.Errorf("download.retries must be >= 0")
	}
	if c.Dedup.Enabled {
		if c.Dedup.Capacity <= 0 {
			return fmt.Errorf("dedup.capacity must be > 0")
		}
		if c.Dedup.ErrorRate <= 0 || c.Dedup.ErrorRate >= 1 {
			return fmt.Errorf("dedup.error_rate must be in (0, 1)")
		}
		switch c.Dedup.Backend {
		case "local":
		case "redis":
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis.addr must be set for the redis dedup backend")
			}
		default:
			return fmt.Errorf("unknown dedup.backend %q", c.Dedup.Backend)
		}
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for local storage")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for gcs storage")
		}
	case StoragePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// HTTPTimeout is the per-request client timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// MonitorInterval is how often the monitor samples throughput.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Metrics.IntervalSeconds) * time.Second
}
