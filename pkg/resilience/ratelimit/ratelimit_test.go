//go:build unit

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/httan304/webchat-sub000/pkg/log"
	redispkg "github.com/httan304/webchat-sub000/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis) *redispkg.Client {
	t.Helper()

	store, err := redispkg.New(context.Background(), redispkg.Config{
		Topology: redispkg.Topology{
			Standalone: &redispkg.StandaloneTopology{Address: mr.Addr()},
		},
		Logger: &log.NopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestNew_NilStore(t *testing.T) {
	t.Parallel()

	limiter, err := New(nil, nil)
	require.ErrorIs(t, err, redispkg.ErrNilClient)
	assert.Nil(t, limiter)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{MaxRequests: 5, Window: 10 * time.Second}, false},
		{"zero max requests", Config{MaxRequests: 0, Window: time.Second}, true},
		{"negative max requests", Config{MaxRequests: -1, Window: time.Second}, true},
		{"zero window", Config{MaxRequests: 1, Window: 0}, true},
		{"negative window", Config{MaxRequests: 1, Window: -time.Second}, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllow_EmptyKey(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	limiter, err := New(newTestStore(t, mr), nil)
	require.NoError(t, err)

	_, err = limiter.Allow(context.Background(), "  ", Config{MaxRequests: 1, Window: time.Second})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestAllow_ConsumesBucketThenDenies(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	limiter, err := New(newTestStore(t, mr), nil)
	require.NoError(t, err)

	cfg := Config{MaxRequests: 5, Window: 10 * time.Second}

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(context.Background(), "user-1", cfg)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 4-i, result.Remaining, "request %d", i+1)
		assert.Zero(t, result.RetryAfter)
	}

	result, err := limiter.Allow(context.Background(), "user-1", cfg)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, 2*time.Second, result.RetryAfter)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	limiter, err := New(newTestStore(t, mr), nil)
	require.NoError(t, err)

	cfg := Config{MaxRequests: 1, Window: time.Minute}

	first, err := limiter.Allow(context.Background(), "user-a", cfg)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	denied, err := limiter.Allow(context.Background(), "user-a", cfg)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)

	other, err := limiter.Allow(context.Background(), "user-b", cfg)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "a drained bucket must not affect other keys")
}

func TestAllow_RefillAdmitsAgain(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	limiter, err := New(newTestStore(t, mr), nil)
	require.NoError(t, err)

	// One token per 50ms.
	cfg := Config{MaxRequests: 2, Window: 100 * time.Millisecond}

	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(context.Background(), "refill", cfg)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	denied, err := limiter.Allow(context.Background(), "refill", cfg)
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	time.Sleep(60 * time.Millisecond)

	result, err := limiter.Allow(context.Background(), "refill", cfg)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "elapsed time should have refilled at least one token")
}

func TestAllow_NeverExceedsCapacityAfterIdle(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	limiter, err := New(newTestStore(t, mr), nil)
	require.NoError(t, err)

	cfg := Config{MaxRequests: 2, Window: 50 * time.Millisecond}

	// Idle for several windows; the bucket must cap at MaxRequests.
	time.Sleep(200 * time.Millisecond)

	admitted := 0

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(context.Background(), "capped", cfg)
		require.NoError(t, err)

		if result.Allowed {
			admitted++
		}
	}

	assert.LessOrEqual(t, admitted, 3, "burst after idle must stay near capacity")
	assert.GreaterOrEqual(t, admitted, 2)
}

func TestAllow_FailsOpenOnStoreOutage(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	limiter, err := New(newTestStore(t, mr), nil)
	require.NoError(t, err)

	mr.Close()

	result, err := limiter.Allow(context.Background(), "user-1", Config{MaxRequests: 1, Window: time.Second})
	require.NoError(t, err)
	assert.True(t, result.Allowed, "store outage must not reject traffic")
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{"5 per 10s", Config{MaxRequests: 5, Window: 10 * time.Second}, 2 * time.Second},
		{"1 per second", Config{MaxRequests: 1, Window: time.Second}, time.Second},
		{"3 per second rounds up", Config{MaxRequests: 3, Window: time.Second}, 334 * time.Millisecond},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, retryAfter(tc.cfg))
		})
	}
}
