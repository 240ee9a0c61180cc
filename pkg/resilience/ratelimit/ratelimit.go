// Package ratelimit implements distributed per-key admission control with a
// continuously refilled token bucket. Bucket state lives in the shared
// coordination store, so the limit is enforced consistently across every
// server instance. The read-refill-consume-write sequence runs as a single
// server-side Lua script: concurrent callers on the same key never race.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/httan304/webchat-sub000/pkg/log"
	redispkg "github.com/httan304/webchat-sub000/pkg/redis"
	"github.com/httan304/webchat-sub000/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const keyPrefix = "ratelimit:"

var (
	// ErrNilLimiter is returned when a method is called on a nil Limiter.
	ErrNilLimiter = errors.New("rate limiter is nil")
	// ErrEmptyKey is returned when an empty rate limit key is provided.
	ErrEmptyKey = errors.New("rate limit key cannot be empty")
	// ErrInvalidConfig indicates an invalid rate limit configuration.
	ErrInvalidConfig = errors.New("invalid rate limit config")
)

// Config defines one token bucket: capacity and the window over which the
// full capacity is replenished. Refill is continuous at
// MaxRequests/Window tokens per millisecond, not in fixed window steps.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if cfg.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive", ErrInvalidConfig)
	}

	if cfg.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}

	return nil
}

// Result reports the admission decision for one request.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the suggested wait before retrying. Zero when allowed.
	RetryAfter time.Duration
}

// allowScript atomically reads the bucket, refills it based on elapsed
// time, consumes a token when available, and writes the record back with
// a fresh expiry. Returns {allowed, floor(remaining tokens)}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local refill_rate = max_tokens / window_ms

local bucket = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])

if tokens == nil or last == nil then
  tokens = max_tokens
  last = now_ms
end

local elapsed = now_ms - last
if elapsed < 0 then
  elapsed = 0
end

tokens = math.min(max_tokens, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last', now_ms)
redis.call('PEXPIRE', key, ttl_ms)

return {allowed, math.floor(tokens)}
`)

// Limiter is a stateless handle on the shared token bucket state. It is
// safe for concurrent use from any number of goroutines and instances.
type Limiter struct {
	store  *redispkg.Client
	logger log.Logger
}

// New creates a rate limiter backed by the shared coordination store.
func New(store *redispkg.Client, logger log.Logger) (*Limiter, error) {
	if store == nil {
		return nil, redispkg.ErrNilClient
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Limiter{store: store, logger: logger}, nil
}

// Allow reports whether one request for key is admitted under cfg, consuming
// a token when it is. Idle buckets expire after twice the window.
//
// When the store is unreachable the limiter fails open: it admits the
// request rather than blocking legitimate traffic on an infrastructure
// outage. This favors availability over strict enforcement and is a
// deliberate trade-off, not a bug.
func (l *Limiter) Allow(ctx context.Context, key string, cfg Config) (Result, error) {
	if l == nil {
		return Result{}, ErrNilLimiter
	}

	if strings.TrimSpace(key) == "" {
		return Result{}, ErrEmptyKey
	}

	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	tracer := otel.Tracer("resilience.ratelimit")

	ctx, span := tracer.Start(ctx, "ratelimit.allow")
	defer span.End()

	span.SetAttributes(attribute.String("ratelimit.key", key))

	var reply []any

	err := l.store.Do(ctx, "ratelimit.allow", func(ctx context.Context, rdb redis.UniversalClient) error {
		now := time.Now().UnixMilli()
		ttl := 2 * cfg.Window.Milliseconds()

		raw, err := allowScript.Run(ctx, rdb,
			[]string{keyPrefix + key},
			cfg.MaxRequests, cfg.Window.Milliseconds(), now, ttl,
		).Result()
		if err != nil {
			return err
		}

		values, ok := raw.([]any)
		if !ok || len(values) != 2 {
			return fmt.Errorf("unexpected script reply %T", raw)
		}

		reply = values

		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{}, err
		}

		// Fail open on store outage.
		telemetry.HandleSpanError(span, "rate limiter failing open", err)
		l.logger.Log(ctx, log.LevelWarn, "rate limiter failing open: store unavailable",
			log.String("key", key), log.Err(err))

		return Result{Allowed: true}, nil
	}

	allowed, _ := reply[0].(int64)
	remaining, _ := reply[1].(int64)

	result := Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
	}

	if !result.Allowed {
		result.RetryAfter = retryAfter(cfg)
		span.SetAttributes(attribute.Bool("ratelimit.allowed", false))
	}

	return result, nil
}

// retryAfter is the time to accrue one token: ceil(1 / refillRate) ms.
func retryAfter(cfg Config) time.Duration {
	windowMs := cfg.Window.Milliseconds()
	perTokenMs := (windowMs + int64(cfg.MaxRequests) - 1) / int64(cfg.MaxRequests)

	return time.Duration(perTokenMs) * time.Millisecond
}
