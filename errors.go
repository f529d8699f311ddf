package pending

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrConsumed is returned when a Result is awaited or given a callback more
// than once. A Result is consumed exactly once.
var ErrConsumed = errors.New("pending result already consumed")

// HTTPStatusError is implemented by errors carrying an HTTP status code.
// Both HTTPError here and the jp-go-errors types satisfy it.
type HTTPStatusError interface {
	error
	StatusCode() int
}

// TransportError indicates the Dispatcher could not complete the exchange at
// all: no response was received. Transport failures are never retried by a
// Result.
type TransportError struct {
	URL string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError indicates transport succeeded but the HTTP status was
// unsuccessful and either not retryable or the retry budget was exhausted.
type HTTPError struct {
	Code   int
	Status string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.Code, e.Status)
}

// StatusCode returns the HTTP status code. This implements the
// HTTPStatusError interface.
func (e *HTTPError) StatusCode() int {
	return e.Code
}

// DecodeError indicates a successful response body could not be parsed into
// the expected envelope shape.
type DecodeError struct {
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TripClassifier determines whether an error should trip the circuit breaker
// in a BreakerDispatcher. Implement this interface to customize breaker
// behavior for your specific error types.
type TripClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure
	// serious enough to open the circuit and stop requests temporarily.
	ShouldTripCircuit(err error) bool
}

// StatusTripClassifier trips the circuit based on HTTP status codes attached
// to errors, with sensible handling of transient conditions.
type StatusTripClassifier struct {
	// TripStatuses lists HTTP status codes that should trip the circuit.
	// Defaults to 401, 403, 500, 502, 503, 504 if nil.
	TripStatuses []int
}

// NewStatusTripClassifier creates a StatusTripClassifier with the default
// status code mapping: 401, 403 (auth errors), 500, 502, 503, 504 (server
// errors).
func NewStatusTripClassifier() *StatusTripClassifier {
	return &StatusTripClassifier{
		TripStatuses: []int{401, 403, 500, 502, 503, 504},
	}
}

// ShouldTripCircuit implements TripClassifier.
// Rate limits, timeouts and context errors are transient and never trip the
// circuit. Unknown errors trip it to be safe.
func (c *StatusTripClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return false
	}
	if pkgerrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		return true
	}

	return containsStatus(c.tripStatuses(), statusCode)
}

// tripStatuses returns the configured trip statuses or defaults.
func (c *StatusTripClassifier) tripStatuses() []int {
	if c.TripStatuses != nil {
		return c.TripStatuses
	}
	return []int{401, 403, 500, 502, 503, 504}
}

// DefaultTripClassifier provides reasonable defaults for circuit breaker
// tripping: auth errors and server errors trip, rate limits and timeouts do
// not.
func DefaultTripClassifier() TripClassifier {
	return NewStatusTripClassifier()
}

// extractStatusCode attempts to extract an HTTP status code from an error.
func extractStatusCode(err error) int {
	var httpErr HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// containsStatus checks if a status code is in the list.
func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
