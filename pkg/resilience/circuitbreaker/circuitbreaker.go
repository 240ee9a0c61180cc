// Package circuitbreaker implements a three-state failure isolator whose
// state lives in the shared coordination store, so every server instance
// observes the same circuit at the same time.
//
// The OPEN marker is a key with a TTL; there is no scheduled transition back
// to probing. Once the key expires, its absence IS the half-open signal:
// any instance that observes a missing state key while the failure counter
// still sits at or above the threshold treats the circuit as HALF_OPEN and
// competes for one of the bounded probe slots.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/httan304/webchat-sub000/pkg/log"
	redispkg "github.com/httan304/webchat-sub000/pkg/redis"
	"github.com/httan304/webchat-sub000/pkg/resilience"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	keyPrefix         = "cb:"
	stateKeySuffix    = ":state"
	failuresKeySuffix = ":failures"
	probesKeySuffix   = ":probes"

	stateOpenValue = "open"
)

var (
	// ErrNilBreaker is returned when a method is called on a nil Breaker.
	ErrNilBreaker = errors.New("circuit breaker is nil")
	// ErrInvalidConfig indicates an invalid breaker configuration.
	ErrInvalidConfig = errors.New("invalid circuit breaker config")
	// ErrNilTask is returned when a nil task is passed to Do or Execute.
	ErrNilTask = errors.New("circuit breaker task is nil")
)

// State reports the observable circuit state for one operation name.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Config describes one protected operation. Configs are per-call so that
// different operations can be tuned independently while sharing the same
// breaker instance and store.
type Config struct {
	// Name identifies the protected operation; all instances using the
	// same name share circuit state.
	Name string
	// FailureThreshold is the number of qualifying failures that trips
	// the circuit.
	FailureThreshold int
	// OpenDuration is how long the circuit stays open, and the TTL on
	// every breaker record.
	OpenDuration time.Duration
	// HalfOpenMaxAttempts caps concurrent probes while half-open.
	HalfOpenMaxAttempts int
}

// Validate checks the configuration.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}

	if cfg.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure threshold must be positive", ErrInvalidConfig)
	}

	if cfg.OpenDuration <= 0 {
		return fmt.Errorf("%w: open duration must be positive", ErrInvalidConfig)
	}

	if cfg.HalfOpenMaxAttempts <= 0 {
		return fmt.Errorf("%w: half-open max attempts must be positive", ErrInvalidConfig)
	}

	return nil
}

func (cfg Config) stateKey() string    { return keyPrefix + cfg.Name + stateKeySuffix }
func (cfg Config) failuresKey() string { return keyPrefix + cfg.Name + failuresKeySuffix }
func (cfg Config) probesKey() string   { return keyPrefix + cfg.Name + probesKeySuffix }

// Breaker executes tasks under distributed circuit isolation. It holds no
// circuit state in process memory; a Breaker is a stateless handle safe for
// concurrent use.
type Breaker struct {
	store  *redispkg.Client
	logger log.Logger
}

// New creates a circuit breaker backed by the shared coordination store.
func New(store *redispkg.Client, logger log.Logger) (*Breaker, error) {
	if store == nil {
		return nil, redispkg.ErrNilClient
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Breaker{store: store, logger: logger}, nil
}

// Execute runs task through the breaker identified by cfg.Name and returns
// its result. While the circuit is open it returns resilience.ErrCircuitOpen
// without invoking task.
func Execute[T any](ctx context.Context, b *Breaker, cfg Config, task func(context.Context) (T, error)) (T, error) {
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

// Do runs task through the breaker identified by cfg.Name.
//
// Client/business errors (see resilience.IsClientError) propagate unchanged
// and never count toward the failure threshold. When the coordination store
// is unreachable the breaker fails open: the task runs without accounting.
func (b *Breaker) Do(ctx context.Context, cfg Config, task func(context.Context) error) error {
	if b == nil {
		return ErrNilBreaker
	}

	if task == nil {
		return ErrNilTask
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	tracer := otel.Tracer("resilience.circuitbreaker")

	ctx, span := tracer.Start(ctx, "circuitbreaker.do")
	defer span.End()

	span.SetAttributes(attribute.String("circuitbreaker.name", cfg.Name))

	open, halfOpen, err := b.observe(ctx, cfg)
	if err != nil {
		// Fail open: run the task without accounting rather than taking
		// every protected operation down with the store.
		b.logger.Log(ctx, log.LevelWarn, "circuit breaker failing open: store unavailable",
			log.String("name", cfg.Name), log.Err(err))

		return task(ctx)
	}

	if open {
		span.SetAttributes(attribute.String("circuitbreaker.state", string(StateOpen)))

		return fmt.Errorf("circuit %q is open: %w", cfg.Name, resilience.ErrCircuitOpen)
	}

	if halfOpen {
		span.SetAttributes(attribute.String("circuitbreaker.state", string(StateHalfOpen)))

		return b.probe(ctx, cfg, task)
	}

	return b.closedCall(ctx, cfg, task)
}

// observe reads circuit state in one round trip.
func (b *Breaker) observe(ctx context.Context, cfg Config) (open, halfOpen bool, err error) {
	err = b.store.Do(ctx, "cb.observe", func(ctx context.Context, rdb redis.UniversalClient) error {
		values, err := rdb.MGet(ctx, cfg.stateKey(), cfg.failuresKey()).Result()
		if err != nil {
			return err
		}

		if state, ok := values[0].(string); ok && state == stateOpenValue {
			open = true

			return nil
		}

		if raw, ok := values[1].(string); ok {
			failures, convErr := strconv.Atoi(raw)
			if convErr == nil && failures >= cfg.FailureThreshold {
				halfOpen = true
			}
		}

		return nil
	})

	return open, halfOpen, err
}

// closedCall runs the task while the circuit is closed.
func (b *Breaker) closedCall(ctx context.Context, cfg Config, task func(context.Context) error) error {
	err := task(ctx)
	if err == nil {
		b.clearFailures(ctx, cfg)

		return nil
	}

	if resilience.IsClientError(err) {
		return err
	}

	b.recordFailure(ctx, cfg)

	return err
}

// probe competes for one of the bounded half-open probe slots and, when
// admitted, runs the task as a recovery probe. Success closes the circuit;
// a qualifying failure re-runs the open transition.
func (b *Breaker) probe(ctx context.Context, cfg Config, task func(context.Context) error) error {
	var probes int64

	err := b.store.Do(ctx, "cb.probe.acquire", func(ctx context.Context, rdb redis.UniversalClient) error {
		n, err := rdb.Incr(ctx, cfg.probesKey()).Result()
		if err != nil {
			return err
		}

		if n == 1 {
			if err := rdb.PExpire(ctx, cfg.probesKey(), cfg.OpenDuration).Err(); err != nil {
				return err
			}
		}

		probes = n

		return nil
	})
	if err != nil {
		b.logger.Log(ctx, log.LevelWarn, "circuit breaker failing open: probe admission unavailable",
			log.String("name", cfg.Name), log.Err(err))

		return task(ctx)
	}

	if probes > int64(cfg.HalfOpenMaxAttempts) {
		b.releaseProbe(ctx, cfg)

		return fmt.Errorf("circuit %q is probing recovery: %w", cfg.Name, resilience.ErrCircuitOpen)
	}

	err = task(ctx)
	if err == nil {
		// Recovery confirmed: reset to closed. The state key is already
		// absent, so clearing the counters is the whole transition.
		b.reset(ctx, cfg)

		return nil
	}

	if resilience.IsClientError(err) {
		// Not a health signal; release the slot and leave the circuit
		// half-open for a real probe.
		b.releaseProbe(ctx, cfg)

		return err
	}

	b.recordFailure(ctx, cfg)

	return err
}

// recordFailure increments the failure counter and, once the threshold is
// reached, writes the open marker. SET NX keeps the transition idempotent
// when several instances trip the circuit simultaneously.
func (b *Breaker) recordFailure(ctx context.Context, cfg Config) {
	err := b.store.Do(ctx, "cb.record_failure", func(ctx context.Context, rdb redis.UniversalClient) error {
		failures, err := rdb.Incr(ctx, cfg.failuresKey()).Result()
		if err != nil {
			return err
		}

		// The failure counter must outlive the open marker: its presence at
		// or above the threshold after the marker expires is what signals
		// HALF_OPEN to every instance.
		if err := rdb.PExpire(ctx, cfg.failuresKey(), 2*cfg.OpenDuration).Err(); err != nil {
			return err
		}

		if failures >= int64(cfg.FailureThreshold) {
			if err := rdb.SetNX(ctx, cfg.stateKey(), stateOpenValue, cfg.OpenDuration).Err(); err != nil {
				return err
			}

			b.logger.Log(ctx, log.LevelWarn, "circuit opened",
				log.String("name", cfg.Name),
				log.Int64("failures", failures),
				log.Duration("open_duration", cfg.OpenDuration))
		}

		return nil
	})
	if err != nil {
		b.logger.Log(ctx, log.LevelWarn, "circuit breaker failure accounting skipped",
			log.String("name", cfg.Name), log.Err(err))
	}
}

// clearFailures resets the failure counter; a no-op when already zero.
func (b *Breaker) clearFailures(ctx context.Context, cfg Config) {
	err := b.store.Do(ctx, "cb.clear_failures", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Del(ctx, cfg.failuresKey()).Err()
	})
	if err != nil {
		b.logger.Log(ctx, log.LevelWarn, "circuit breaker success accounting skipped",
			log.String("name", cfg.Name), log.Err(err))
	}
}

// reset clears all breaker records, returning the circuit to closed.
func (b *Breaker) reset(ctx context.Context, cfg Config) {
	err := b.store.Do(ctx, "cb.reset", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Del(ctx, cfg.failuresKey(), cfg.probesKey()).Err()
	})
	if err != nil {
		b.logger.Log(ctx, log.LevelWarn, "circuit breaker reset skipped",
			log.String("name", cfg.Name), log.Err(err))

		return
	}

	b.logger.Log(ctx, log.LevelInfo, "circuit closed", log.String("name", cfg.Name))
}

// releaseProbe returns a probe slot taken by this call.
func (b *Breaker) releaseProbe(ctx context.Context, cfg Config) {
	err := b.store.Do(ctx, "cb.probe.release", func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Decr(ctx, cfg.probesKey()).Err()
	})
	if err != nil {
		b.logger.Log(ctx, log.LevelWarn, "circuit breaker probe release skipped",
			log.String("name", cfg.Name), log.Err(err))
	}
}

// State reports the current observable state of the circuit.
func (b *Breaker) State(ctx context.Context, cfg Config) (State, error) {
	if b == nil {
		return StateUnknown, ErrNilBreaker
	}

	if err := cfg.Validate(); err != nil {
		return StateUnknown, err
	}

	open, halfOpen, err := b.observe(ctx, cfg)
	if err != nil {
		return StateUnknown, err
	}

	switch {
	case open:
		return StateOpen, nil
	case halfOpen:
		return StateHalfOpen, nil
	default:
		return StateClosed, nil
	}
}
