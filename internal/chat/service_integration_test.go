//go:build integration

package chat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/httan304/webchat-sub000/pkg/log"
	redispkg "github.com/httan304/webchat-sub000/pkg/redis"
	"github.com/httan304/webchat-sub000/pkg/resilience"
	"github.com/httan304/webchat-sub000/pkg/resilience/bulkhead"
	"github.com/httan304/webchat-sub000/pkg/resilience/cache"
	"github.com/httan304/webchat-sub000/pkg/resilience/circuitbreaker"
	"github.com/httan304/webchat-sub000/pkg/resilience/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresContainer starts a disposable PostgreSQL container and returns
// the connection string plus a teardown function.
func setupPostgresContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("webchat"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return connStr, func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

// setupRedisContainer starts a real Redis 7 container and returns its
// address plus a teardown function.
func setupRedisContainer(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return endpoint, func() {
		require.NoError(t, container.Terminate(ctx))
	}
}

func setupService(t *testing.T, settings Settings) *Service {
	t.Helper()

	ctx := context.Background()

	dsn, pgCleanup := setupPostgresContainer(t)
	t.Cleanup(pgCleanup)

	redisAddr, redisCleanup := setupRedisContainer(t)
	t.Cleanup(redisCleanup)

	store, err := redispkg.New(ctx, redispkg.Config{
		Topology: redispkg.Topology{
			Standalone: &redispkg.StandaloneTopology{Address: redisAddr},
		},
		Logger: &log.NopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	db, err := OpenDatabase(ctx, dsn, &log.NopLogger{})
	require.NoError(t, err, "OpenDatabase must connect and run migrations")
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewRepository(db)
	require.NoError(t, err)

	limiter, err := ratelimit.New(store, nil)
	require.NoError(t, err)

	breaker, err := circuitbreaker.New(store, nil)
	require.NoError(t, err)

	pool, err := bulkhead.New(store, nil)
	require.NoError(t, err)

	cacheLayer, err := cache.New(store, nil)
	require.NoError(t, err)

	service, err := NewService(repo, limiter, breaker, pool, cacheLayer, nil, nil, settings)
	require.NoError(t, err)

	return service
}

func integrationSettings() Settings {
	return Settings{
		MessageRate: ratelimit.Config{MaxRequests: 5, Window: 10 * time.Second},
		Breaker: circuitbreaker.Config{
			FailureThreshold:    5,
			OpenDuration:        30 * time.Second,
			HalfOpenMaxAttempts: 2,
		},
		Bulkhead: bulkhead.Config{
			Name:           "postgres",
			MaxConcurrency: 25,
			TTL:            time.Minute,
		},
		RoomTTL:     5 * time.Minute,
		MessagesTTL: 30 * time.Second,
	}
}

// TestIntegration_Chat_FullFlow drives the whole domain through real
// Postgres and Redis: create a user and a room, post messages, read them
// back through the cache, and hit the per-user send throttle.
func TestIntegration_Chat_FullFlow(t *testing.T) {
	service := setupService(t, integrationSettings())
	ctx := context.Background()

	user, err := service.CreateUser(ctx, CreateUserInput{
		Username:    "alice42",
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice42", user.Username)
	assert.NotEmpty(t, user.ID)

	fetched, err := service.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, fetched.ID)

	room, err := service.CreateRoom(ctx, CreateRoomInput{
		Name:  "general chatter",
		Topic: "anything goes",
	})
	require.NoError(t, err)
	assert.Equal(t, "General Chatter", room.Name, "room names are title-cased")

	rooms, err := service.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	// 5 sends pass, the 6th trips the per-user throttle.
	for i := 0; i < 5; i++ {
		_, err := service.PostMessage(ctx, room.ID, PostMessageInput{
			UserID: user.ID,
			Body:   "hello",
		})
		require.NoError(t, err, "send %d should be admitted", i+1)
	}

	_, err = service.PostMessage(ctx, room.ID, PostMessageInput{
		UserID: user.ID,
		Body:   "one too many",
	})
	require.Error(t, err)

	var rateLimited *RateLimitedError

	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, 2*time.Second, rateLimited.RetryAfter)

	messages, err := service.RecentMessages(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 5)

	stats := service.CacheStats()
	assert.Positive(t, stats.Sets)
}

// TestIntegration_Chat_UnknownRoom verifies that posting into a missing
// room surfaces not-found, and that the miss does not poison the cache.
func TestIntegration_Chat_UnknownRoom(t *testing.T) {
	service := setupService(t, integrationSettings())
	ctx := context.Background()

	user, err := service.CreateUser(ctx, CreateUserInput{
		Username:    "bob99",
		DisplayName: "Bob",
	})
	require.NoError(t, err)

	_, err = service.PostMessage(ctx, uuid.NewString(), PostMessageInput{
		UserID: user.ID,
		Body:   "anyone here?",
	})
	require.ErrorIs(t, err, resilience.ErrNotFound)

	_, err = service.GetRoom(ctx, uuid.NewString())
	assert.ErrorIs(t, err, resilience.ErrNotFound)
}

// TestIntegration_Chat_MessageInvalidation verifies that posting a message
// invalidates the cached recent listing for that room only.
func TestIntegration_Chat_MessageInvalidation(t *testing.T) {
	service := setupService(t, integrationSettings())
	ctx := context.Background()

	user, err := service.CreateUser(ctx, CreateUserInput{
		Username:    "carol7",
		DisplayName: "Carol",
	})
	require.NoError(t, err)

	room, err := service.CreateRoom(ctx, CreateRoomInput{Name: "updates"})
	require.NoError(t, err)

	_, err = service.PostMessage(ctx, room.ID, PostMessageInput{UserID: user.ID, Body: "first"})
	require.NoError(t, err)

	// Warm the listing cache.
	messages, err := service.RecentMessages(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	// A new message must show up on the next read, not after TTL.
	_, err = service.PostMessage(ctx, room.ID, PostMessageInput{UserID: user.ID, Body: "second"})
	require.NoError(t, err)

	messages, err = service.RecentMessages(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}
