package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/httan304/webchat-sub000/pkg/log"
	"github.com/httan304/webchat-sub000/pkg/resilience"
	"github.com/httan304/webchat-sub000/pkg/resilience/bulkhead"
	"github.com/httan304/webchat-sub000/pkg/resilience/cache"
	"github.com/httan304/webchat-sub000/pkg/resilience/circuitbreaker"
	"github.com/httan304/webchat-sub000/pkg/resilience/ratelimit"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const recentMessagesLimit = 50

// Settings carries the per-operation resilience tuning for the chat
// service. Every repository call runs inside the shared bulkhead pool and
// a per-operation circuit breaker; message sends are additionally gated by
// a per-user token bucket, and reads go through the cache.
type Settings struct {
	MessageRate ratelimit.Config
	Breaker     circuitbreaker.Config
	Bulkhead    bulkhead.Config
	RoomTTL     time.Duration
	MessagesTTL time.Duration
}

// RateLimitedError reports a denied send together with the suggested wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Unwrap ties the error into the resilience taxonomy.
func (e *RateLimitedError) Unwrap() error { return resilience.ErrRateLimited }

// Service implements the chat operations, composing the resilience
// primitives by nesting: reads are cache-aside over
// bulkhead(circuitbreaker(repository)), writes invalidate by pattern.
type Service struct {
	repo     *Repository
	limiter  *ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	pool     *bulkhead.Bulkhead
	cache    *cache.Cache
	events   *EventPublisher
	logger   log.Logger
	validate *validator.Validate
	settings Settings

	titler cases.Caser
}

// NewService wires the chat service. events may be nil when eventing is
// disabled.
func NewService(
	repo *Repository,
	limiter *ratelimit.Limiter,
	breaker *circuitbreaker.Breaker,
	pool *bulkhead.Bulkhead,
	cacheLayer *cache.Cache,
	events *EventPublisher,
	logger log.Logger,
	settings Settings,
) (*Service, error) {
	switch {
	case repo == nil:
		return nil, fmt.Errorf("chat service: repository is nil")
	case limiter == nil:
		return nil, fmt.Errorf("chat service: rate limiter is nil")
	case breaker == nil:
		return nil, fmt.Errorf("chat service: circuit breaker is nil")
	case pool == nil:
		return nil, fmt.Errorf("chat service: bulkhead is nil")
	case cacheLayer == nil:
		return nil, fmt.Errorf("chat service: cache is nil")
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Service{
		repo:     repo,
		limiter:  limiter,
		breaker:  breaker,
		pool:     pool,
		cache:    cacheLayer,
		events:   events,
		logger:   logger,
		validate: validator.New(),
		settings: settings,
		titler:   cases.Title(language.Und),
	}, nil
}

// breakerFor returns the shared breaker tuning bound to one operation name.
func (s *Service) breakerFor(operation string) circuitbreaker.Config {
	cfg := s.settings.Breaker
	cfg.Name = operation

	return cfg
}

// guarded runs a repository call inside the bulkhead pool and the named
// circuit breaker, in that order: a saturated pool rejects before the
// breaker is consulted, and the breaker isolates the database without
// holding a pool slot ledger of its own.
func guarded[T any](ctx context.Context, s *Service, operation string, fn func(context.Context) (T, error)) (T, error) {
	return bulkhead.Execute(ctx, s.pool, s.settings.Bulkhead, func(ctx context.Context) (T, error) {
		return circuitbreaker.Execute(ctx, s.breaker, s.breakerFor(operation), fn)
	})
}

func (s *Service) validateInput(input any) error {
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %s", resilience.ErrBadRequest, err.Error())
	}

	return nil
}

// CreateUser registers a new user.
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (User, error) {
	if err := s.validateInput(input); err != nil {
		return User{}, err
	}

	user := User{
		ID:          uuid.NewString(),
		Username:    strings.ToLower(input.Username),
		DisplayName: input.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}

	return guarded(ctx, s, "users.create", func(ctx context.Context) (User, error) {
		if err := s.repo.CreateUser(ctx, user); err != nil {
			return User{}, err
		}

		return user, nil
	})
}

// GetUser returns one user, cache-aside.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	return cache.GetOrSet(ctx, s.cache, "user:"+id, s.settings.RoomTTL, func(ctx context.Context) (User, error) {
		return guarded(ctx, s, "users.get", func(ctx context.Context) (User, error) {
			return s.repo.GetUser(ctx, id)
		})
	})
}

// CreateRoom creates a room and invalidates the room listing.
func (s *Service) CreateRoom(ctx context.Context, input CreateRoomInput) (Room, error) {
	if err := s.validateInput(input); err != nil {
		return Room{}, err
	}

	room := Room{
		ID:        uuid.NewString(),
		Name:      s.titler.String(strings.TrimSpace(input.Name)),
		Topic:     strings.TrimSpace(input.Topic),
		CreatedAt: time.Now().UTC(),
	}

	created, err := guarded(ctx, s, "rooms.create", func(ctx context.Context) (Room, error) {
		if err := s.repo.CreateRoom(ctx, room); err != nil {
			return Room{}, err
		}

		return room, nil
	})
	if err != nil {
		return Room{}, err
	}

	s.invalidate(ctx, "rooms*")

	return created, nil
}

// GetRoom returns one room, cache-aside.
func (s *Service) GetRoom(ctx context.Context, id string) (Room, error) {
	return cache.GetOrSet(ctx, s.cache, "room:"+id, s.settings.RoomTTL, func(ctx context.Context) (Room, error) {
		return guarded(ctx, s, "rooms.get", func(ctx context.Context) (Room, error) {
			return s.repo.GetRoom(ctx, id)
		})
	})
}

// ListRooms returns all rooms, cache-aside.
func (s *Service) ListRooms(ctx context.Context) ([]Room, error) {
	return cache.GetOrSet(ctx, s.cache, "rooms", s.settings.RoomTTL, func(ctx context.Context) ([]Room, error) {
		return guarded(ctx, s, "rooms.list", func(ctx context.Context) ([]Room, error) {
			return s.repo.ListRooms(ctx)
		})
	})
}

// PostMessage stores a message in a room. Sends are throttled per user
// before any other work happens; a denied send reports the wait hint.
func (s *Service) PostMessage(ctx context.Context, roomID string, input PostMessageInput) (Message, error) {
	if err := s.validateInput(input); err != nil {
		return Message{}, err
	}

	admission, err := s.limiter.Allow(ctx, "msg:"+input.UserID, s.settings.MessageRate)
	if err != nil {
		return Message{}, err
	}

	if !admission.Allowed {
		return Message{}, &RateLimitedError{RetryAfter: admission.RetryAfter}
	}

	// Room existence check rides the cache like any other read.
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return Message{}, err
	}

	message := Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    input.UserID,
		Body:      input.Body,
		CreatedAt: time.Now().UTC(),
	}

	created, err := guarded(ctx, s, "messages.create", func(ctx context.Context) (Message, error) {
		if err := s.repo.CreateMessage(ctx, message); err != nil {
			return Message{}, err
		}

		return message, nil
	})
	if err != nil {
		return Message{}, err
	}

	s.invalidate(ctx, "room:"+roomID+":messages*")
	s.events.PublishMessageCreated(ctx, created)

	return created, nil
}

// RecentMessages returns the latest messages in a room, cache-aside.
func (s *Service) RecentMessages(ctx context.Context, roomID string) ([]Message, error) {
	key := fmt.Sprintf("room:%s:messages:recent:%d", roomID, recentMessagesLimit)

	return cache.GetOrSet(ctx, s.cache, key, s.settings.MessagesTTL, func(ctx context.Context) ([]Message, error) {
		return guarded(ctx, s, "messages.list", func(ctx context.Context) ([]Message, error) {
			return s.repo.ListRecentMessages(ctx, roomID, recentMessagesLimit)
		})
	})
}

// CacheStats exposes cache effectiveness counters.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// PoolStatus exposes bulkhead occupancy.
func (s *Service) PoolStatus(ctx context.Context) (bulkhead.Status, error) {
	return s.pool.Status(ctx, s.settings.Bulkhead)
}

// invalidate drops cached reads matching pattern; failures are logged,
// entries age out via TTL anyway.
func (s *Service) invalidate(ctx context.Context, pattern string) {
	if _, err := s.cache.DeletePattern(ctx, pattern); err != nil {
		s.logger.Log(ctx, log.LevelWarn, "cache invalidation failed",
			log.String("pattern", pattern), log.Err(err))
	}
}
