// Package cache implements cache-aside reads over the shared coordination
// store with stampede protection and glob invalidation.
//
// GetOrSet guards recomputation with a best-effort distributed lock: a
// short-TTL conditional set holding a random token, released only by the
// owner via compare-and-delete (redsync). Losers of the lock race wait
// briefly and re-check the cache once before computing independently as a
// last resort. This bounds worst-case latency instead of blocking
// indefinitely, at the cost of occasionally allowing two computations
// under contention; an explicit trade-off, not a correctness guarantee.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/httan304/webchat-sub000/pkg/backoff"
	"github.com/httan304/webchat-sub000/pkg/log"
	redispkg "github.com/httan304/webchat-sub000/pkg/redis"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	keyPrefix  = "cache:"
	lockPrefix = "cache:lock:"

	// lockExpiry bounds how long a crashed holder can block other
	// computations; the lock self-clears after this TTL.
	lockExpiry = 5 * time.Second
	// recheckWait is how long a lock-race loser waits before re-checking
	// the cache for the winner's result.
	recheckWait = 100 * time.Millisecond

	scanBatchSize = 100
)

var (
	// ErrNilCache is returned when a method is called on a nil Cache.
	ErrNilCache = errors.New("cache is nil")
	// ErrEmptyKey is returned when an empty cache key is provided.
	ErrEmptyKey = errors.New("cache key cannot be empty")
	// ErrNilFactory is returned when GetOrSet is called without a factory.
	ErrNilFactory = errors.New("cache factory is nil")
)

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	// Total is the number of lookups (hits + misses).
	Total int64
	// HitRate is Hits/Total in [0, 1]; zero when no lookups happened.
	HitRate float64
}

// clientPool adapts the store client to the redsync pool interface with
// lazy resolution, so locks survive reconnections.
type clientPool struct {
	store *redispkg.Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.store.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// Cache is a stateless handle on the shared cache keyspace. Hit/miss
// counters are process-local observability, not shared state.
type Cache struct {
	store  *redispkg.Client
	locker *redsync.Redsync
	logger log.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// New creates a cache backed by the shared coordination store.
func New(store *redispkg.Client, logger log.Logger) (*Cache, error) {
	if store == nil {
		return nil, redispkg.ErrNilClient
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Cache{
		store:  store,
		locker: redsync.New(&clientPool{store: store}),
		logger: logger,
	}, nil
}

// Get reads key and unmarshals it into T. The second return value reports
// whether the key was present. A store outage degrades to a miss so the
// read path keeps working without the cache.
func Get[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var value T

	if c == nil {
		return value, false, ErrNilCache
	}

	if strings.TrimSpace(key) == "" {
		return value, false, ErrEmptyKey
	}

	var payload []byte

	found := false

	err := c.store.Do(ctx, "cache.get", func(ctx context.Context, rdb redis.UniversalClient) error {
		raw, err := rdb.Get(ctx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}

		if err != nil {
			return err
		}

		payload = raw
		found = true

		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return value, false, err
		}

		c.misses.Add(1)
		c.logger.Log(ctx, log.LevelWarn, "cache read degraded to miss: store unavailable",
			log.String("key", key), log.Err(err))

		return value, false, nil
	}

	if !found {
		c.misses.Add(1)

		return value, false, nil
	}

	if err := json.Unmarshal(payload, &value); err != nil {
		c.misses.Add(1)

		return value, false, fmt.Errorf("cache unmarshal %q: %w", key, err)
	}

	c.hits.Add(1)

	return value, true, nil
}

// Set writes value under key with the given TTL.
func Set[T any](ctx context.Context, c *Cache, key string, value T, ttl time.Duration) error {
	if c == nil {
		return ErrNilCache
	}

	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %q: %w", key, err)
	}

	err = c.store.Do(ctx, "cache.set", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Set(ctx, keyPrefix+key, payload, ttl).Err()
	})
	if err != nil {
		return err
	}

	c.sets.Add(1)

	return nil
}

// GetOrSet returns the cached value for key, computing and caching it via
// factory on a miss. Concurrent misses on the same key across all
// instances are collapsed (best effort) by the stampede lock.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, factory func(context.Context) (T, error)) (T, error) {
	var zero T

	if c == nil {
		return zero, ErrNilCache
	}

	if factory == nil {
		return zero, ErrNilFactory
	}

	if strings.TrimSpace(key) == "" {
		return zero, ErrEmptyKey
	}

	tracer := otel.Tracer("resilience.cache")

	ctx, span := tracer.Start(ctx, "cache.get_or_set")
	defer span.End()

	span.SetAttributes(attribute.String("cache.key", key))

	value, found, err := Get[T](ctx, c, key)
	if err != nil {
		return zero, err
	}

	if found {
		span.SetAttributes(attribute.Bool("cache.hit", true))

		return value, nil
	}

	mutex := c.locker.NewMutex(
		lockPrefix+key,
		redsync.WithExpiry(lockExpiry),
		redsync.WithTries(1),
	)

	if lockErr := mutex.LockContext(ctx); lockErr != nil {
		// Another instance is computing this key, or the store is down.
		// Either way: wait briefly, re-check once, then compute
		// independently as a last resort.
		c.logger.Log(ctx, log.LevelDebug, "stampede lock not acquired",
			log.String("key", key), log.Err(lockErr))

		if err := backoff.SleepWithContext(ctx, recheckWait); err != nil {
			return zero, err
		}

		value, found, err = Get[T](ctx, c, key)
		if err != nil {
			return zero, err
		}

		if found {
			return value, nil
		}

		return compute[T](ctx, c, key, ttl, factory)
	}

	defer func() {
		// UnlockContext deletes the lock only if this mutex still owns
		// it, so a slow holder never removes a newer lock acquired after
		// its own expired.
		if ok, unlockErr := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || unlockErr != nil {
			c.logger.Log(ctx, log.LevelDebug, "stampede lock release failed",
				log.String("key", key), log.Bool("unlock_ok", ok), log.Err(unlockErr))
		}
	}()

	return compute[T](ctx, c, key, ttl, factory)
}

// compute runs the factory and caches its result. A failed cache write is
// logged but does not fail the request; the value was already computed.
func compute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, factory func(context.Context) (T, error)) (T, error) {
	var zero T

	value, err := factory(ctx)
	if err != nil {
		return zero, err
	}

	if setErr := Set(ctx, c, key, value, ttl); setErr != nil {
		c.logger.Log(ctx, log.LevelWarn, "cache population failed after compute",
			log.String("key", key), log.Err(setErr))
	}

	return value, nil
}

// Delete removes the given keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c == nil {
		return ErrNilCache
	}

	if len(keys) == 0 {
		return nil
	}

	prefixed := make([]string, 0, len(keys))

	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			return ErrEmptyKey
		}

		prefixed = append(prefixed, keyPrefix+key)
	}

	var deleted int64

	err := c.store.Do(ctx, "cache.delete", func(ctx context.Context, rdb redis.UniversalClient) error {
		n, err := rdb.Del(ctx, prefixed...).Result()
		if err != nil {
			return err
		}

		deleted = n

		return nil
	})
	if err != nil {
		return err
	}

	c.deletes.Add(deleted)

	return nil
}

// DeletePattern removes every key matching the glob pattern, enumerating
// the keyspace in bounded batches by cursor so a large invalidation never
// blocks the store. Returns the number of keys deleted.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	if c == nil {
		return 0, ErrNilCache
	}

	if strings.TrimSpace(pattern) == "" {
		return 0, ErrEmptyKey
	}

	var total int64

	err := c.store.Do(ctx, "cache.delete_pattern", func(ctx context.Context, rdb redis.UniversalClient) error {
		var cursor uint64

		for {
			keys, nextCursor, err := rdb.Scan(ctx, cursor, keyPrefix+pattern, scanBatchSize).Result()
			if err != nil {
				return err
			}

			if len(keys) > 0 {
				deleted, err := rdb.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}

				total += deleted
			}

			cursor = nextCursor
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return 0, err
	}

	c.deletes.Add(total)

	return total, nil
}

// Exists reports whether key is present and unexpired.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if c == nil {
		return false, ErrNilCache
	}

	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}

	var found bool

	err := c.store.Do(ctx, "cache.exists", func(ctx context.Context, rdb redis.UniversalClient) error {
		n, err := rdb.Exists(ctx, keyPrefix+key).Result()
		if err != nil {
			return err
		}

		found = n > 0

		return nil
	})
	if err != nil {
		return false, err
	}

	return found, nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	stats := Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Total:   total,
	}

	if total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	return stats
}
