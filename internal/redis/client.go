// Package redis manages the connection to the remote cache store, either a
// single node or a cluster, and tracks its health.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"rbac-cache/internal/common/errors"
	"rbac-cache/internal/common/logging"
	"rbac-cache/internal/common/utils"
)

// Config holds connection settings for the remote store.
type Config struct {
	Host           string        `json:"host" yaml:"host"`
	Port           int           `json:"port" yaml:"port"`
	Password       string        `json:"-" yaml:"password"`
	DB             int           `json:"db" yaml:"db"`
	TLS            bool          `json:"tls" yaml:"tls"`
	Cluster        bool          `json:"cluster" yaml:"cluster"`
	ClusterNodes   []string      `json:"cluster_nodes" yaml:"cluster_nodes"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`
	PoolSize       int           `json:"pool_size" yaml:"pool_size"`
}

// DefaultConfig returns settings for a local single-node store.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           6379,
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 5 * time.Second,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		PoolSize:       10,
	}
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Nodes returns the addresses to dial. Cluster mode falls back to Address
// when no nodes are listed.
func (c *Config) Nodes() []string {
	if c.Cluster && len(c.ClusterNodes) > 0 {
		return c.ClusterNodes
	}
	return []string{c.Address()}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.PoolSize == 0 {
		c.PoolSize = d.PoolSize
	}
}

// Client wraps a go-redis universal client.
type Client struct {
	rdb     redis.UniversalClient
	config  *Config
	logger  logging.Logger
	tracker *tracker
}

// NewClient builds a client without dialing. Call Connect before use.
func NewClient(config *Config, logger logging.Logger) (*Client, error) {
	if config == nil {
		return nil, errors.ConfigError("redis config is required")
	}
	config.applyDefaults()
	logger = logging.OrGlobal(logger).WithFields(logging.String("component", "redis"))

	var tlsConfig *tls.Config
	if config.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: config.Host}
	}

	t := newTracker(logger)
	onConnect := func(ctx context.Context, cn *redis.Conn) error {
		t.success()
		logger.Debug("Redis connection established")
		return nil
	}

	// go-redis treats 0 as "use the default"; -1 disables retries.
	retries := config.MaxRetries
	if retries == 0 {
		retries = -1
	}

	var rdb redis.UniversalClient
	if config.Cluster {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           config.Nodes(),
			Password:        config.Password,
			DialTimeout:     config.ConnectTimeout,
			ReadTimeout:     config.CommandTimeout,
			WriteTimeout:    config.CommandTimeout,
			MaxRetries:      retries,
			MinRetryBackoff: config.RetryDelay,
			MaxRetryBackoff: 8 * config.RetryDelay,
			PoolSize:        config.PoolSize,
			TLSConfig:       tlsConfig,
			OnConnect:       onConnect,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:            config.Address(),
			Password:        config.Password,
			DB:              config.DB,
			DialTimeout:     config.ConnectTimeout,
			ReadTimeout:     config.CommandTimeout,
			WriteTimeout:    config.CommandTimeout,
			MaxRetries:      retries,
			MinRetryBackoff: config.RetryDelay,
			MaxRetryBackoff: 8 * config.RetryDelay,
			PoolSize:        config.PoolSize,
			TLSConfig:       tlsConfig,
			OnConnect:       onConnect,
		})
	}
	rdb.AddHook(t)

	return &Client{
		rdb:     rdb,
		config:  config,
		logger:  logger,
		tracker: t,
	}, nil
}

// Connect pings the store until it answers, retrying with backoff, for at
// most ConnectTimeout. A store that never answers in time yields a
// connection_timeout error; one that rejects the connection yields
// connection_refused.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = c.config.MaxRetries + 1
	retry.InitialDelay = c.config.RetryDelay
	retry.OnRetry = func(next int, delay time.Duration, err error) {
		c.logger.Warn("Redis not ready, retrying",
			logging.Int("attempt", next),
			logging.Duration("delay", delay),
			logging.Err(err),
		)
	}

	err := utils.RetryWithBackoff(ctx, retry, func() error {
		return c.rdb.Ping(ctx).Err()
	})
	if err == nil {
		c.logger.Info("Connected to Redis",
			logging.Strings("nodes", c.config.Nodes()),
			logging.Bool("cluster", c.config.Cluster),
		)
		return nil
	}

	if ctx.Err() != nil || IsTimeout(err) {
		return errors.ConnectionTimeoutError("redis did not become ready in time", err).
			WithContext("timeout", c.config.ConnectTimeout.String())
	}
	return errors.ConnectionRefusedError("failed to connect to Redis", err).
		WithContext("nodes", c.config.Nodes())
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// UniversalClient exposes the underlying go-redis client.
func (c *Client) UniversalClient() redis.UniversalClient {
	return c.rdb
}

// Config returns the effective configuration.
func (c *Client) Config() *Config {
	return c.config
}

// IsCluster reports whether the client talks to a cluster.
func (c *Client) IsCluster() bool {
	return c.config.Cluster
}

// ForEachShard calls fn once per node holding data: every master in cluster
// mode, the single node otherwise.
func (c *Client) ForEachShard(ctx context.Context, fn func(ctx context.Context, node *redis.Client) error) error {
	switch rdb := c.rdb.(type) {
	case *redis.ClusterClient:
		return rdb.ForEachMaster(ctx, fn)
	case *redis.Client:
		return fn(ctx, rdb)
	default:
		return errors.InternalError(fmt.Sprintf("unsupported redis client %T", c.rdb), nil)
	}
}

// Health pings the store.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Stats returns the connection health counters.
func (c *Client) Stats() Stats {
	return c.tracker.snapshot()
}

// Publish sends message on channel. Strings and byte slices are sent as-is,
// anything else as JSON.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	var data []byte
	var err error

	switch v := message.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
	}

	return c.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe opens a dedicated subscriber connection on channels.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
