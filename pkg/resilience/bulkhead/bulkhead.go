// Package bulkhead bounds concurrent in-flight work per logical resource
// pool. Unlike the rate limiter it constrains capacity, not throughput:
// a pool counter in the shared coordination store tracks how many calls
// across all instances are executing right now, and admission is denied
// once the configured ceiling is reached.
package bulkhead

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/httan304/webchat-sub000/pkg/log"
	redispkg "github.com/httan304/webchat-sub000/pkg/redis"
	"github.com/httan304/webchat-sub000/pkg/resilience"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const keyPrefix = "bulkhead:"

var (
	// ErrNilBulkhead is returned when a method is called on a nil Bulkhead.
	ErrNilBulkhead = errors.New("bulkhead is nil")
	// ErrInvalidConfig indicates an invalid bulkhead configuration.
	ErrInvalidConfig = errors.New("invalid bulkhead config")
	// ErrNilTask is returned when a nil task is passed to Do or Execute.
	ErrNilTask = errors.New("bulkhead task is nil")
)

// Config describes one concurrency pool.
type Config struct {
	// Name identifies the pool; all instances using the same name share
	// the same concurrency budget.
	Name string
	// MaxConcurrency is the ceiling on concurrent in-flight calls.
	MaxConcurrency int
	// TTL is the counter's expiry, a safety net against a crashed holder
	// pinning a slot forever. The whole pool self-heals after TTL of
	// inactivity.
	TTL time.Duration
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}

	if cfg.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: max concurrency must be positive", ErrInvalidConfig)
	}

	if cfg.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidConfig)
	}

	return nil
}

func (cfg Config) counterKey() string { return keyPrefix + cfg.Name }

// Status reports pool occupancy for observability.
type Status struct {
	Current     int
	Max         int
	Utilization float64
	Healthy     bool
}

// Bulkhead executes tasks under a distributed concurrency ceiling. It is a
// stateless handle safe for concurrent use.
type Bulkhead struct {
	store  *redispkg.Client
	logger log.Logger
}

// New creates a bulkhead backed by the shared coordination store.
func New(store *redispkg.Client, logger log.Logger) (*Bulkhead, error) {
	if store == nil {
		return nil, redispkg.ErrNilClient
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Bulkhead{store: store, logger: logger}, nil
}

// Execute runs task inside pool cfg.Name and returns its result. When the
// pool is full it returns resilience.ErrBulkheadSaturated without running
// the task.
func Execute[T any](ctx context.Context, b *Bulkhead, cfg Config, task func(context.Context) (T, error)) (T, error) {
	var result T

	if task == nil {
		return result, ErrNilTask
	}

	err := b.Do(ctx, cfg, func(ctx context.Context) error {
		value, err := task(ctx)
		if err != nil {
			return err
		}

		result = value

		return nil
	})

	return result, err
}

// Do runs task inside pool cfg.Name. The slot taken at admission is
// released exactly once when the task finishes, success or failure. When
// the coordination store is unreachable the bulkhead fails open and runs
// the task unbounded.
func (b *Bulkhead) Do(ctx context.Context, cfg Config, task func(context.Context) error) error {
	if b == nil {
		return ErrNilBulkhead
	}

	if task == nil {
		return ErrNilTask
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	tracer := otel.Tracer("resilience.bulkhead")

	ctx, span := tracer.Start(ctx, "bulkhead.do")
	defer span.End()

	span.SetAttributes(attribute.String("bulkhead.pool", cfg.Name))

	var occupancy int64

	err := b.store.Do(ctx, "bulkhead.acquire", func(ctx context.Context, rdb redis.UniversalClient) error {
		n, err := rdb.Incr(ctx, cfg.counterKey()).Result()
		if err != nil {
			return err
		}

		if n == 1 {
			if err := rdb.PExpire(ctx, cfg.counterKey(), cfg.TTL).Err(); err != nil {
				return err
			}
		}

		occupancy = n

		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}

		b.logger.Log(ctx, log.LevelWarn, "bulkhead failing open: store unavailable",
			log.String("pool", cfg.Name), log.Err(err))

		return task(ctx)
	}

	if occupancy > int64(cfg.MaxConcurrency) {
		// Release the slot just taken before rejecting.
		b.release(ctx, cfg)
		span.SetAttributes(attribute.Bool("bulkhead.saturated", true))

		return fmt.Errorf("pool %q is saturated (%d/%d): %w",
			cfg.Name, occupancy, cfg.MaxConcurrency, resilience.ErrBulkheadSaturated)
	}

	defer b.release(ctx, cfg)

	return task(ctx)
}

// release decrements the pool counter. It runs unconditionally after task
// completion, including on failure; the counter must return to its
// pre-call value.
func (b *Bulkhead) release(ctx context.Context, cfg Config) {
	// Release must not be lost to a cancelled request context.
	releaseCtx := context.WithoutCancel(ctx)

	err := b.store.Do(releaseCtx, "bulkhead.release", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Decr(ctx, cfg.counterKey()).Err()
	})
	if err != nil {
		b.logger.Log(releaseCtx, log.LevelWarn, "bulkhead slot release skipped; counter self-heals via ttl",
			log.String("pool", cfg.Name), log.Err(err))
	}
}

// Status reports pool occupancy. A pool at or over its ceiling is
// reported as saturated.
func (b *Bulkhead) Status(ctx context.Context, cfg Config) (Status, error) {
	if b == nil {
		return Status{}, ErrNilBulkhead
	}

	if err := cfg.Validate(); err != nil {
		return Status{}, err
	}

	var current int

	err := b.store.Do(ctx, "bulkhead.status", func(ctx context.Context, rdb redis.UniversalClient) error {
		raw, err := rdb.Get(ctx, cfg.counterKey()).Int()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}

			return err
		}

		current = raw

		return nil
	})
	if err != nil {
		return Status{}, err
	}

	if current < 0 {
		current = 0
	}

	return Status{
		Current:     current,
		Max:         cfg.MaxConcurrency,
		Utilization: float64(current) / float64(cfg.MaxConcurrency) * 100,
		Healthy:     current < cfg.MaxConcurrency,
	}, nil
}
