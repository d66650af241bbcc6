// Package config loads the cache configuration from environment variables,
// optionally overlaid by a YAML file, and validates it.
//
// Environment Variables:
//
// Local cache (L1):
//   - CACHE_MEMORY_MAX_SIZE: Maximum entries (default: 1000)
//   - CACHE_MEMORY_DEFAULT_TTL: Default entry lifetime (default: 5m)
//   - CACHE_MEMORY_CLEANUP_INTERVAL: Expiration sweep interval, 0 disables (default: 1m)
//   - CACHE_MEMORY_USE_LRU: Promote entries on read (default: true)
//   - CACHE_MEMORY_TRACK_MEMORY: Estimate entry sizes (default: false)
//
// Remote cache (L2):
//   - CACHE_REDIS_HOST, CACHE_REDIS_PORT, CACHE_REDIS_PASSWORD, CACHE_REDIS_DB
//   - CACHE_REDIS_CONNECT_TIMEOUT, CACHE_REDIS_COMMAND_TIMEOUT
//   - CACHE_REDIS_DEFAULT_TTL, CACHE_REDIS_KEY_PREFIX
//   - CACHE_REDIS_TLS, CACHE_REDIS_MAX_RETRIES, CACHE_REDIS_RETRY_DELAY
//   - CACHE_REDIS_CLUSTER, CACHE_REDIS_CLUSTER_NODES (comma separated host:port)
//   - CACHE_REDIS_SCAN_COUNT, CACHE_REDIS_ENABLE_PUBSUB, CACHE_REDIS_PUBSUB_CHANNEL
//
// Multi-level:
//   - CACHE_L1_TTL: Cap on L1 lifetimes (default: 1m)
//   - CACHE_FAIL_OPEN: Serve from L1 when L2 fails (default: false)
//   - CACHE_L2_ENABLED: Use the remote cache (default: false)
//
// Application:
//   - LOG_LEVEL: Logging level (default: info)
//   - CACHE_METRICS_ADDR: Listen address of cachectl serve (default: :9090)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"rbac-cache/internal/cache/memory"
	"rbac-cache/internal/cache/multilevel"
	"rbac-cache/internal/cache/rediscache"
	"rbac-cache/internal/circuitbreaker"
	"rbac-cache/internal/common/errors"
	"rbac-cache/internal/common/logging"
	"rbac-cache/internal/common/validation"
	"rbac-cache/internal/redis"
)

// Config holds the whole cache configuration.
type Config struct {
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	MetricsAddr string `yaml:"metrics_addr" validate:"required"`

	Memory MemoryConfig `yaml:"memory"`
	// Redis is validated only when L2Enabled is set.
	Redis RedisConfig `yaml:"redis" validate:"-"`

	L1TTL     time.Duration         `yaml:"l1_ttl" validate:"gte=0"`
	FailOpen  bool                  `yaml:"fail_open"`
	L2Enabled bool                  `yaml:"l2_enabled"`
	Breaker   circuitbreaker.Config `yaml:"breaker" validate:"-"`
}

// MemoryConfig configures the local adapter.
type MemoryConfig struct {
	MaxSize         int           `yaml:"max_size" validate:"min=1"`
	DefaultTTL      time.Duration `yaml:"default_ttl" validate:"gte=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
	UseLRU          bool          `yaml:"use_lru"`
	TrackMemory     bool          `yaml:"track_memory"`
}

// RedisConfig configures the remote adapter and its connection.
type RedisConfig struct {
	Host           string        `yaml:"host" validate:"required_unless=Cluster true"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db" validate:"min=0,max=15"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`
	DefaultTTL     time.Duration `yaml:"default_ttl" validate:"gte=0"`
	KeyPrefix      string        `yaml:"key_prefix" validate:"keyprefix"`
	TLS            bool          `yaml:"tls"`
	MaxRetries     int           `yaml:"max_retries" validate:"min=0"`
	RetryDelay     time.Duration `yaml:"retry_delay" validate:"gte=0"`
	Cluster        bool          `yaml:"cluster"`
	ClusterNodes   []string      `yaml:"cluster_nodes" validate:"required_if=Cluster true,dive,hostport"`
	ScanCount      int           `yaml:"scan_count" validate:"min=1"`
	EnablePubSub   bool          `yaml:"enable_pubsub"`
	PubSubChannel  string        `yaml:"pubsub_channel" validate:"required_if=EnablePubSub true"`
	PoolSize       int           `yaml:"pool_size" validate:"min=1"`
}

// Load creates a Config from environment variables. Unset variables take
// their defaults. The result is not validated.
func Load() *Config {
	mem := memory.DefaultOptions()
	conn := redis.DefaultConfig()
	remote := rediscache.DefaultOptions()
	ml := multilevel.DefaultOptions()

	return &Config{
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		MetricsAddr: getEnv("CACHE_METRICS_ADDR", ":9090"),

		Memory: MemoryConfig{
			MaxSize:         getIntEnv("CACHE_MEMORY_MAX_SIZE", mem.MaxSize),
			DefaultTTL:      getDurationEnv("CACHE_MEMORY_DEFAULT_TTL", mem.DefaultTTL),
			CleanupInterval: getDurationEnv("CACHE_MEMORY_CLEANUP_INTERVAL", mem.CleanupInterval),
			UseLRU:          getBoolEnv("CACHE_MEMORY_USE_LRU", mem.UseLRU),
			TrackMemory:     getBoolEnv("CACHE_MEMORY_TRACK_MEMORY", mem.TrackMemoryUsage),
		},

		Redis: RedisConfig{
			Host:           getEnv("CACHE_REDIS_HOST", conn.Host),
			Port:           getIntEnv("CACHE_REDIS_PORT", conn.Port),
			Password:       getEnv("CACHE_REDIS_PASSWORD", ""),
			DB:             getIntEnv("CACHE_REDIS_DB", conn.DB),
			ConnectTimeout: getDurationEnv("CACHE_REDIS_CONNECT_TIMEOUT", conn.ConnectTimeout),
			CommandTimeout: getDurationEnv("CACHE_REDIS_COMMAND_TIMEOUT", conn.CommandTimeout),
			DefaultTTL:     getDurationEnv("CACHE_REDIS_DEFAULT_TTL", remote.DefaultTTL),
			KeyPrefix:      getEnv("CACHE_REDIS_KEY_PREFIX", remote.KeyPrefix),
			TLS:            getBoolEnv("CACHE_REDIS_TLS", conn.TLS),
			MaxRetries:     getIntEnv("CACHE_REDIS_MAX_RETRIES", conn.MaxRetries),
			RetryDelay:     getDurationEnv("CACHE_REDIS_RETRY_DELAY", conn.RetryDelay),
			Cluster:        getBoolEnv("CACHE_REDIS_CLUSTER", conn.Cluster),
			ClusterNodes:   getListEnv("CACHE_REDIS_CLUSTER_NODES"),
			ScanCount:      getIntEnv("CACHE_REDIS_SCAN_COUNT", int(remote.ScanCount)),
			EnablePubSub:   getBoolEnv("CACHE_REDIS_ENABLE_PUBSUB", remote.EnablePubSub),
			PubSubChannel:  getEnv("CACHE_REDIS_PUBSUB_CHANNEL", remote.PubSubChannel),
			PoolSize:       getIntEnv("CACHE_REDIS_POOL_SIZE", conn.PoolSize),
		},

		L1TTL:     getDurationEnv("CACHE_L1_TTL", ml.L1TTL),
		FailOpen:  getBoolEnv("CACHE_FAIL_OPEN", ml.FailOpen),
		L2Enabled: getBoolEnv("CACHE_L2_ENABLED", false),
		Breaker:   *ml.Breaker,
	}
}

// LoadFile loads the environment configuration and overlays the YAML file at
// path. Keys missing from the file keep their environment or default value.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to read config file: %v", err)).WithContext("path", path)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to parse config file: %v", err)).WithContext("path", path)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return cfg, nil
}

// Validate checks every section in use and reports all failures at once.
func (c *Config) Validate() error {
	v := validation.NewCentralizedValidator()
	if err := v.ValidateStruct(c); err != nil {
		return err
	}
	if c.L2Enabled {
		if err := v.ValidateStruct(c.Redis); err != nil {
			return err
		}
		if err := c.Breaker.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// MemoryOptions returns the local adapter options.
func (c *Config) MemoryOptions(logger logging.Logger) memory.Options {
	opts := memory.DefaultOptions()
	opts.MaxSize = c.Memory.MaxSize
	opts.DefaultTTL = c.Memory.DefaultTTL
	opts.CleanupInterval = c.Memory.CleanupInterval
	opts.UseLRU = c.Memory.UseLRU
	opts.TrackMemoryUsage = c.Memory.TrackMemory
	opts.Logger = logger
	return opts
}

// RedisConnection returns the remote store connection settings.
func (c *Config) RedisConnection() *redis.Config {
	return &redis.Config{
		Host:           c.Redis.Host,
		Port:           c.Redis.Port,
		Password:       c.Redis.Password,
		DB:             c.Redis.DB,
		TLS:            c.Redis.TLS,
		Cluster:        c.Redis.Cluster,
		ClusterNodes:   c.Redis.ClusterNodes,
		ConnectTimeout: c.Redis.ConnectTimeout,
		CommandTimeout: c.Redis.CommandTimeout,
		MaxRetries:     c.Redis.MaxRetries,
		RetryDelay:     c.Redis.RetryDelay,
		PoolSize:       c.Redis.PoolSize,
	}
}

// RedisOptions returns the remote adapter options.
func (c *Config) RedisOptions(logger logging.Logger) rediscache.Options {
	opts := rediscache.DefaultOptions()
	opts.DefaultTTL = c.Redis.DefaultTTL
	opts.KeyPrefix = c.Redis.KeyPrefix
	opts.ScanCount = int64(c.Redis.ScanCount)
	opts.EnablePubSub = c.Redis.EnablePubSub
	opts.PubSubChannel = c.Redis.PubSubChannel
	opts.Logger = logger
	return opts
}

// MultilevelOptions returns the façade options.
func (c *Config) MultilevelOptions(logger logging.Logger) multilevel.Options {
	breaker := c.Breaker
	return multilevel.Options{
		L1TTL:    c.L1TTL,
		FailOpen: c.FailOpen,
		Breaker:  &breaker,
		Logger:   logger,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") and bare integers as
// milliseconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
