//go:build unit

package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/httan304/webchat-sub000/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDomainError_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		err            error
		wantStatus     int
		wantTitle      string
		wantRetryAfter string
	}{
		{
			name:           "rate limited with retry hint",
			err:            &RateLimitedError{RetryAfter: 2 * time.Second},
			wantStatus:     fiber.StatusTooManyRequests,
			wantTitle:      "rate_limited",
			wantRetryAfter: "2",
		},
		{
			name:           "rate limited sub-second rounds up",
			err:            &RateLimitedError{RetryAfter: 200 * time.Millisecond},
			wantStatus:     fiber.StatusTooManyRequests,
			wantTitle:      "rate_limited",
			wantRetryAfter: "1",
		},
		{
			name:       "bare rate limited sentinel",
			err:        resilience.ErrRateLimited,
			wantStatus: fiber.StatusTooManyRequests,
			wantTitle:  "rate_limited",
		},
		{
			name:           "circuit open",
			err:            fmt.Errorf("circuit %q is open: %w", "messages.create", resilience.ErrCircuitOpen),
			wantStatus:     fiber.StatusServiceUnavailable,
			wantTitle:      "temporarily_unavailable",
			wantRetryAfter: "1",
		},
		{
			name:           "bulkhead saturated",
			err:            fmt.Errorf("pool full: %w", resilience.ErrBulkheadSaturated),
			wantStatus:     fiber.StatusServiceUnavailable,
			wantTitle:      "temporarily_unavailable",
			wantRetryAfter: "1",
		},
		{
			name:       "not found",
			err:        fmt.Errorf("room %q: %w", "r1", resilience.ErrNotFound),
			wantStatus: fiber.StatusNotFound,
			wantTitle:  "not_found",
		},
		{
			name:       "bad request",
			err:        fmt.Errorf("name too long: %w", resilience.ErrBadRequest),
			wantStatus: fiber.StatusBadRequest,
			wantTitle:  "bad_request",
		},
		{
			name:       "unauthorized",
			err:        resilience.ErrUnauthorized,
			wantStatus: fiber.StatusUnauthorized,
			wantTitle:  "unauthorized",
		},
		{
			name:       "forbidden",
			err:        resilience.ErrForbidden,
			wantStatus: fiber.StatusForbidden,
			wantTitle:  "forbidden",
		},
		{
			name:       "unclassified error",
			err:        errors.New("pq: connection reset"),
			wantStatus: fiber.StatusInternalServerError,
			wantTitle:  "internal_error",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler(nil, nil)

			app := fiber.New()
			app.Get("/fail", func(c *fiber.Ctx) error {
				return h.writeDomainError(c, tc.err)
			})

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/fail", nil))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			assert.Equal(t, tc.wantRetryAfter, resp.Header.Get(fiber.HeaderRetryAfter))

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(body, &errResp))

			assert.Equal(t, tc.wantTitle, errResp.Title)
			assert.NotEmpty(t, errResp.Message)
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2, retryAfterSeconds(&RateLimitedError{RetryAfter: 2 * time.Second}))
	assert.Equal(t, 1, retryAfterSeconds(&RateLimitedError{RetryAfter: 100 * time.Millisecond}))
	assert.Equal(t, 1, retryAfterSeconds(&RateLimitedError{}))
}

func TestRateLimitedError(t *testing.T) {
	t.Parallel()

	err := &RateLimitedError{RetryAfter: 3 * time.Second}

	assert.ErrorIs(t, err, resilience.ErrRateLimited)
	assert.Contains(t, err.Error(), "3s")
	assert.True(t, resilience.IsAdmissionDenied(err))
}
