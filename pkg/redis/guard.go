package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/httan304/webchat-sub000/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	guardMaxProbes           = 3
	guardInterval            = time.Minute
	guardOpenTimeout         = 5 * time.Second
	guardConsecutiveFailures = 5
)

// guard is a local, in-process circuit breaker around store round trips.
// When the store is down, calls fail fast instead of each request paying a
// full dial timeout. This is deliberately process-local state: it protects
// this instance's latency, not a shared invariant, so it does not belong in
// the store itself.
type guard struct {
	breaker *gobreaker.CircuitBreaker
}

func newGuard(logger log.Logger) *guard {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	settings := gobreaker.Settings{
		Name:        "coordination-store",
		MaxRequests: guardMaxProbes,
		Interval:    guardInterval,
		Timeout:     guardOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= guardConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Log(context.Background(), log.LevelWarn, "store guard state changed",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// A caller cancelling its request says nothing about store health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &guard{breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Do executes one store round trip through the guard. The callback must
// handle redis.Nil itself; any error it returns is treated as a store
// failure and counted by the guard. Errors are reported wrapped in
// ErrUnavailable so callers can apply their fail-open/fail-closed policy
// with a single errors.Is check.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context, rdb redis.UniversalClient) error) error {
	if c == nil {
		return ErrNilClient
	}

	_, err := c.guard.breaker.Execute(func() (any, error) {
		rdb, err := c.GetClient(ctx)
		if err != nil {
			return nil, err
		}

		return nil, fn(ctx, rdb)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: store guard rejected %q: %w", ErrUnavailable, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
