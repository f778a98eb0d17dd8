package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the ingest engine.
type Config struct {
	// Fetch configuration
	Fetch FetchConfig `json:"fetch" yaml:"fetch"`

	// Cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Storage configuration (output mirror)
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Redis configuration (optional - distributed segment index)
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// FetchConfig holds HTTP fetch timeouts and retry policy knobs.
type FetchConfig struct {
	// InitTimeout bounds the init-segment fetch
	InitTimeout time.Duration `json:"init_timeout" yaml:"init_timeout"`

	// SegmentTimeout bounds a single media-segment fetch
	SegmentTimeout time.Duration `json:"segment_timeout" yaml:"segment_timeout"`

	// RefreshTimeout bounds a live-playlist refresh fetch
	RefreshTimeout time.Duration `json:"refresh_timeout" yaml:"refresh_timeout"`

	// MaxRetries is the maximum number of resolver manifest-fetch retries
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBaseDelay is the starting delay used by the default backoff retry hook
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
}

// CacheConfig holds segment cache sizing and the live sliding-window buffer.
type CacheConfig struct {
	// MaxCachedSegments bounds the in-process segment data LRU
	MaxCachedSegments int `json:"max_cached_segments" yaml:"max_cached_segments"`

	// BufferBehindSegments is the sliding-window tail kept before expiry
	BufferBehindSegments uint64 `json:"buffer_behind_segments" yaml:"buffer_behind_segments"`

	// RefreshInterval overrides the default TargetDuration/2 refresh cadence; 0 ⇒ derive it
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`

	// LiveEdgePollInterval is the polling cadence while waiting at the live edge
	LiveEdgePollInterval time.Duration `json:"live_edge_poll_interval" yaml:"live_edge_poll_interval"`

	// LiveEdgeTimeout bounds how long a read waits at the live edge before giving up
	LiveEdgeTimeout time.Duration `json:"live_edge_timeout" yaml:"live_edge_timeout"`

	// MaxParallelPrefetch bounds the refresh loop's recent-segment prefetch fan-out
	MaxParallelPrefetch int `json:"max_parallel_prefetch" yaml:"max_parallel_prefetch"`
}

// StorageConfig holds the output mirror's backend selection.
type StorageConfig struct {
	// Type is the mirror backend (memory, filesystem, s3)
	Type string `json:"type" yaml:"type"`

	// BasePath is the base directory for the filesystem backend
	BasePath string `json:"base_path" yaml:"base_path"`

	// S3 configuration
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3-compatible storage configuration for the output mirror.
type S3Config struct {
	// Endpoint is the S3 endpoint URL (empty uses the AWS default resolver)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// AccessKeyID is the S3 access key
	AccessKeyID string `json:"access_key_id" yaml:"access_key_id"`

	// SecretAccessKey is the S3 secret key
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`

	// UseSSL enables SSL/TLS
	UseSSL bool `json:"use_ssl" yaml:"use_ssl"`
}

// RedisConfig holds the optional distributed segment-metadata index backend.
type RedisConfig struct {
	// Enabled enables the Redis-backed segment metadata index
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Address is the Redis server address (host:port)
	Address string `json:"address" yaml:"address"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// KeyPrefix namespaces every key this module writes
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// DefaultTTL bounds how long a segment metadata entry survives unread
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the log format (json, text)
	Format string `json:"format" yaml:"format"`

	// OutputPath is the log output path
	OutputPath string `json:"output_path" yaml:"output_path"`
}

// DefaultConfig returns the engine's documented defaults: 10s init fetch,
// 15s segment fetch, 5s refresh fetch, 20 cached segments, 72-segment
// behind-window buffer.
func DefaultConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			InitTimeout:    10 * time.Second,
			SegmentTimeout: 15 * time.Second,
			RefreshTimeout: 5 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 500 * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxCachedSegments:    20,
			BufferBehindSegments: 72,
			LiveEdgePollInterval: 100 * time.Millisecond,
			LiveEdgeTimeout:      10 * time.Second,
			MaxParallelPrefetch:  3,
		},
		Storage: StorageConfig{
			Type:     "memory",
			BasePath: "./output",
		},
		Redis: RedisConfig{
			Enabled:    false,
			Address:    "localhost:6379",
			DB:         0,
			KeyPrefix:  "hlsingest:",
			DefaultTTL: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}

// Load reads and parses a YAML configuration file, applying it on top of
// DefaultConfig and then environment-variable overrides.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.loadFromEnv()

	return cfg, nil
}

// loadFromEnv overrides config from environment variables.
func (c *Config) loadFromEnv() {
	if redisAddr := os.Getenv("HLSINGEST_REDIS_ADDRESS"); redisAddr != "" {
		c.Redis.Address = redisAddr
	}
	if redisPass := os.Getenv("HLSINGEST_REDIS_PASSWORD"); redisPass != "" {
		c.Redis.Password = redisPass
	}
	if level := os.Getenv("HLSINGEST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// SegmentConfig maps the Fetch/Cache sections onto segment.Config's shape,
// so callers configuring a segment.Source from file-based config don't
// duplicate the documented defaults in two places.
func (c *Config) SegmentConfig() SegmentSourceConfig {
	return SegmentSourceConfig{
		InitFetchTimeout:     c.Fetch.InitTimeout,
		SegmentFetchTimeout:  c.Fetch.SegmentTimeout,
		RefreshTimeout:       c.Fetch.RefreshTimeout,
		RefreshInterval:      c.Cache.RefreshInterval,
		MaxCachedSegments:    c.Cache.MaxCachedSegments,
		BufferBehindSegments: c.Cache.BufferBehindSegments,
		LiveEdgePollInterval: c.Cache.LiveEdgePollInterval,
		LiveEdgeTimeout:      c.Cache.LiveEdgeTimeout,
		MaxParallelPrefetch:  c.Cache.MaxParallelPrefetch,
	}
}

// SegmentSourceConfig mirrors segment.Config's fields. Defined here (rather
// than importing pkg/segment) to keep pkg/config free of a dependency on
// the engine's runtime packages; callers convert with segment.Config(...).
type SegmentSourceConfig struct {
	InitFetchTimeout     time.Duration
	SegmentFetchTimeout  time.Duration
	RefreshTimeout       time.Duration
	RefreshInterval      time.Duration
	MaxCachedSegments    int
	BufferBehindSegments uint64
	LiveEdgePollInterval time.Duration
	LiveEdgeTimeout      time.Duration
	MaxParallelPrefetch  int
}
