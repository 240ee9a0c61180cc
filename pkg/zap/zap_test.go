//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"
	"time"

	logpkg "github.com/httan304/webchat-sub000/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_LevelGating(t *testing.T) {
	t.Parallel()

	logger, err := New(logpkg.LevelWarn)
	require.NoError(t, err)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.True(t, logger.Enabled(logpkg.LevelWarn))
	assert.False(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestNewDevelopment_DebugEnabled(t *testing.T) {
	t.Parallel()

	logger, err := NewDevelopment()
	require.NoError(t, err)

	assert.True(t, logger.Enabled(logpkg.LevelDebug))
}

func TestLog_DoesNotPanicOnNilContext(t *testing.T) {
	t.Parallel()

	logger, err := New(logpkg.LevelError)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		//nolint:staticcheck
		logger.Log(nil, logpkg.LevelError, "no context")
	})
}

func TestWith_PropagatesLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(logpkg.LevelWarn)
	require.NoError(t, err)

	child := logger.With(logpkg.String("component", "test"))
	require.NotNil(t, child)

	assert.True(t, child.Enabled(logpkg.LevelWarn))
	assert.False(t, child.Enabled(logpkg.LevelInfo))
}

func TestNilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelInfo, "dropped")
	})
	assert.False(t, logger.Enabled(logpkg.LevelError))
}

func TestLogFieldsToZap(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")

	tests := []struct {
		name  string
		field logpkg.Field
		want  zap.Field
	}{
		{"string", logpkg.String("s", "v"), zap.String("s", "v")},
		{"int", logpkg.Int("i", 3), zap.Int("i", 3)},
		{"int64", logpkg.Int64("i64", 9), zap.Int64("i64", 9)},
		{"float64", logpkg.Float64("f", 2.5), zap.Float64("f", 2.5)},
		{"bool", logpkg.Bool("b", true), zap.Bool("b", true)},
		{"duration", logpkg.Duration("d", time.Second), zap.Duration("d", time.Second)},
		{"error", logpkg.Err(err), zap.NamedError("error", err)},
		{"fallback", logpkg.Any("a", []int{1}), zap.Any("a", []int{1})},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := logFieldsToZap([]logpkg.Field{tc.field})
			require.Len(t, got, 1)
			assert.Equal(t, tc.want, got[0])
		})
	}
}

func TestLogFieldsToZap_Empty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, logFieldsToZap(nil))
}

func TestLogLevelToZap(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zapcore.DebugLevel, logLevelToZap(logpkg.LevelDebug))
	assert.Equal(t, zapcore.InfoLevel, logLevelToZap(logpkg.LevelInfo))
	assert.Equal(t, zapcore.WarnLevel, logLevelToZap(logpkg.LevelWarn))
	assert.Equal(t, zapcore.ErrorLevel, logLevelToZap(logpkg.LevelError))
	assert.Equal(t, zapcore.InfoLevel, logLevelToZap(logpkg.Level(99)))
}
