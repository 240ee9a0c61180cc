// Package resilience defines the error taxonomy shared by the coordination
// primitives (ratelimit, circuitbreaker, bulkhead, cache) and the HTTP layer.
//
// Errors fall into three groups:
//
//   - Client/business errors (ErrNotFound, ErrBadRequest, ErrUnauthorized,
//     ErrForbidden): they signal a caller mistake, not a dependency health
//     problem, so the circuit breaker must never count them as failures.
//   - Admission-denied conditions (ErrRateLimited, ErrCircuitOpen,
//     ErrBulkheadSaturated): manufactured by the primitives themselves and
//     mapped by the HTTP layer to retry-later responses, never to a 500.
//   - Everything else: infrastructure/dependency failures that feed circuit
//     breaker accounting.
package resilience

import "errors"

// Client/business error kinds. Domain errors wrap one of these sentinels so
// the breaker and the HTTP layer can classify them with errors.Is.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest indicates the request payload or parameters are invalid.
	ErrBadRequest = errors.New("bad request")
	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates the caller may not perform the operation.
	ErrForbidden = errors.New("forbidden")
)

// Admission-denied conditions raised by the coordination primitives.
var (
	// ErrRateLimited is returned when a token bucket has no tokens left.
	ErrRateLimited = errors.New("rate limited")
	// ErrCircuitOpen is returned when a circuit breaker rejects a call
	// without invoking the wrapped task.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrBulkheadSaturated is returned when a concurrency pool is full.
	ErrBulkheadSaturated = errors.New("bulkhead saturated")
)

// IsClientError reports whether err is (or wraps) one of the client/business
// error kinds that must bypass circuit breaker failure accounting.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden)
}

// IsAdmissionDenied reports whether err is (or wraps) a condition
// manufactured by a coordination primitive rejecting a call. Callers map
// these to retry-later responses.
func IsAdmissionDenied(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrBulkheadSaturated)
}
