// Package redis wraps the go-redis client used as the shared coordination
// store. Every server instance talks to the same store; the resilience
// primitives keep all of their state here so that rate limits, circuit
// state, bulkhead counters and cache entries are observed consistently
// across horizontally scaled instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/httan304/webchat-sub000/pkg/backoff"
	"github.com/httan304/webchat-sub000/pkg/log"
	"github.com/httan304/webchat-sub000/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNilClient is returned when a redis client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
	// ErrUnavailable indicates the coordination store could not be reached,
	// either directly or because the store guard is open.
	ErrUnavailable = errors.New("coordination store unavailable")
)

// Config defines store topology, auth, and connection settings.
type Config struct {
	Topology Topology
	Password string
	Options  ConnectionOptions
	Logger   log.Logger
}

// Topology selects exactly one Redis deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

// StandaloneTopology configures single-node Redis access.
type StandaloneTopology struct {
	Address string
}

// SentinelTopology configures Redis Sentinel access.
type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

// ClusterTopology configures Redis cluster access.
type ClusterTopology struct {
	Addresses []string
}

// ConnectionOptions configures timeouts, pools, and retries.
type ConnectionOptions struct {
	DB              int
	PoolSize        int
	MinIdleConns    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	DialTimeout     time.Duration
	PoolTimeout     time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
}

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

// Client wraps a redis.UniversalClient with reconnection logic and a local
// store guard (see guard.go).
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	logger    log.Logger
	client    redis.UniversalClient
	connected bool
	guard     *guard

	// Reconnect rate-limiting: prevents thundering-herd reconnect storms
	// when the server is down by enforcing exponential backoff between attempts.
	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// New validates config, connects to the store, and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    normalized,
		logger: normalized.Logger,
	}
	c.guard = newGuard(normalized.Logger)

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect establishes a connection using the current client configuration.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logger == nil {
		c.logger = &log.NopLogger{}
	}

	if err := c.connectLocked(ctx); err != nil {
		telemetry.HandleSpanError(span, "Failed to connect to redis", err)

		return err
	}

	return nil
}

// GetClient returns a connected client, reconnecting on demand if needed.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logger == nil {
		c.logger = &log.NopLogger{}
	}

	if c.client != nil {
		return c.client, nil
	}

	// Rate-limit reconnect attempts: if we've failed recently, enforce a
	// minimum delay before the next attempt to avoid hammering the server.
	if c.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, c.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("%w: reconnect rate-limited (next attempt in %s)", ErrUnavailable, delay-elapsed)
		}
	}

	c.lastReconnectAttempt = time.Now()

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.reconnect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	if err := c.connectLocked(ctx); err != nil {
		c.reconnectAttempts++

		telemetry.HandleSpanError(span, "Failed to reconnect redis", err)

		return nil, err
	}

	c.reconnectAttempts = 0

	return c.client, nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	return err
}

// IsConnected reports whether the underlying client is currently connected.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Ping verifies connectivity to the store.
func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	return rdb.Ping(ctx).Err()
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.logger.Log(ctx, log.LevelInfo, "connecting to Redis/Valkey")

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
		}

		c.client = nil
		c.connected = false
	}

	opts, err := c.buildUniversalOptionsLocked()
	if err != nil {
		return fmt.Errorf("redis connect: build options: %w", err)
	}

	rdb := redis.NewUniversalClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))
		c.connected = false

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb
	c.connected = true

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logger.Log(ctx, log.LevelInfo, "connected to Redis/Valkey in cluster mode")
	case *redis.Client:
		c.logger.Log(ctx, log.LevelInfo, "connected to Redis/Valkey in standalone mode")
	default:
		c.logger.Log(ctx, log.LevelInfo, "connected to Redis/Valkey")
	}

	return nil
}

func (c *Client) buildUniversalOptionsLocked() (*redis.UniversalOptions, error) {
	o := c.cfg.Options
	opts := &redis.UniversalOptions{
		DB:              o.DB,
		PoolSize:        o.PoolSize,
		MinIdleConns:    o.MinIdleConns,
		ReadTimeout:     o.ReadTimeout,
		WriteTimeout:    o.WriteTimeout,
		DialTimeout:     o.DialTimeout,
		PoolTimeout:     o.PoolTimeout,
		MaxRetries:      o.MaxRetries,
		MinRetryBackoff: o.MinRetryBackoff,
		MaxRetryBackoff: o.MaxRetryBackoff,
		Password:        c.cfg.Password,
	}

	if c.cfg.Topology.Standalone != nil {
		opts.Addrs = []string{c.cfg.Topology.Standalone.Address}
	}

	if c.cfg.Topology.Sentinel != nil {
		opts.Addrs = c.cfg.Topology.Sentinel.Addresses
		opts.MasterName = c.cfg.Topology.Sentinel.MasterName
	}

	if c.cfg.Topology.Cluster != nil {
		opts.Addrs = c.cfg.Topology.Cluster.Addresses
	}

	// Guard against zero-value Config producing Addrs: nil, which causes
	// go-redis to silently default to localhost:6379.
	if len(opts.Addrs) == 0 {
		return nil, configError("no topology configured: at least one address is required")
	}

	return opts, nil
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	normalizeConnectionOptionsDefaults(&cfg.Options)

	if err := validateTopology(cfg.Topology); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

const maxPoolSize = 1000

func normalizeConnectionOptionsDefaults(options *ConnectionOptions) {
	if options.PoolSize == 0 {
		options.PoolSize = 10
	}

	if options.PoolSize > maxPoolSize {
		options.PoolSize = maxPoolSize
	}

	if options.ReadTimeout == 0 {
		options.ReadTimeout = 3 * time.Second
	}

	if options.WriteTimeout == 0 {
		options.WriteTimeout = 3 * time.Second
	}

	if options.DialTimeout == 0 {
		options.DialTimeout = 5 * time.Second
	}

	if options.PoolTimeout == 0 {
		options.PoolTimeout = 2 * time.Second
	}

	if options.MaxRetries == 0 {
		options.MaxRetries = 3
	}

	if options.MinRetryBackoff == 0 {
		options.MinRetryBackoff = 8 * time.Millisecond
	}

	if options.MaxRetryBackoff == 0 {
		options.MaxRetryBackoff = 1 * time.Second
	}
}

func validateTopology(topology Topology) error {
	count := 0

	if topology.Standalone != nil {
		count++

		if strings.TrimSpace(topology.Standalone.Address) == "" {
			return configError("standalone address is required")
		}
	}

	if topology.Sentinel != nil {
		count++

		if len(topology.Sentinel.Addresses) == 0 {
			return configError("sentinel addresses are required")
		}

		if strings.TrimSpace(topology.Sentinel.MasterName) == "" {
			return configError("sentinel master name is required")
		}
	}

	if topology.Cluster != nil {
		count++

		if len(topology.Cluster.Addresses) == 0 {
			return configError("cluster addresses are required")
		}
	}

	if count != 1 {
		return configError("exactly one topology must be configured")
	}

	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
