//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{"attempt 0", 100 * time.Millisecond, 0, 100 * time.Millisecond},
		{"attempt 1", 100 * time.Millisecond, 1, 200 * time.Millisecond},
		{"attempt 3", 100 * time.Millisecond, 3, 800 * time.Millisecond},
		{"negative attempt", 100 * time.Millisecond, -5, 100 * time.Millisecond},
		{"zero base", 0, 3, 0},
		{"negative base", -time.Second, 3, 0},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, Exponential(tc.base, tc.attempt))
		})
	}
}

func TestExponential_OverflowSaturates(t *testing.T) {
	t.Parallel()

	got := Exponential(time.Hour, 60)
	assert.Equal(t, time.Duration(math.MaxInt64), got)
}

func TestFullJitter_WithinRange(t *testing.T) {
	t.Parallel()

	delay := time.Second

	for i := 0; i < 100; i++ {
		got := FullJitter(delay)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.Less(t, got, delay)
	}
}

func TestFullJitter_NonPositive(t *testing.T) {
	t.Parallel()

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, FullJitter(-time.Second))
}

func TestExponentialWithJitter_WithinRange(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond

	for attempt := 0; attempt < 5; attempt++ {
		upper := Exponential(base, attempt)

		for i := 0; i < 20; i++ {
			got := ExponentialWithJitter(base, attempt)
			assert.GreaterOrEqual(t, got, time.Duration(0))
			assert.Less(t, got, upper)
		}
	}
}

func TestSleepWithContext_ZeroDuration(t *testing.T) {
	t.Parallel()

	assert.NoError(t, SleepWithContext(context.Background(), 0))
	assert.NoError(t, SleepWithContext(context.Background(), -time.Second))
}

func TestSleepWithContext_Completes(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, SleepWithContext(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := SleepWithContext(ctx, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
