package pending

import (
	"encoding/json"
	"log/slog"
	"time"
)

// UnmarshalFunc turns a sanitized response body into the target envelope.
// Supplying one is how callers plug in their field-mapping policy; the
// default is encoding/json with struct tags.
type UnmarshalFunc func(data []byte, v any) error

// Config holds Result configuration.
type Config struct {
	// Policy decides retries and backoff delays.
	// Default: DefaultRetryPolicy()
	Policy *RetryPolicy

	// Logger for attempt and retry events.
	// Default: slog.Default()
	Logger *slog.Logger

	// Unmarshal decodes response bodies into the envelope.
	// Default: json.Unmarshal
	Unmarshal UnmarshalFunc
}

// Option is a functional option for configuring a Result.
type Option func(*Config)

// WithErrorTimeout sets the retry budget: the maximum cumulative backoff a
// Result sleeps before surfacing the error instead of retrying.
//
// Example:
//
//	pending.WithErrorTimeout(10 * time.Second)
func WithErrorTimeout(budget time.Duration) Option {
	return func(c *Config) {
		policy := DefaultRetryPolicy()
		if c.Policy != nil {
			// Copy so a policy shared across Results is never edited in place.
			copied := *c.Policy
			policy = &copied
		}
		policy.ErrorTimeout = budget
		c.Policy = policy
	}
}

// WithRetryPolicy replaces the whole retry policy.
//
// Example:
//
//	pending.WithRetryPolicy(&pending.RetryPolicy{
//	    BaseDelay:    100 * time.Millisecond,
//	    ErrorTimeout: 5 * time.Second,
//	})
func WithRetryPolicy(policy *RetryPolicy) Option {
	return func(c *Config) {
		c.Policy = policy
	}
}

// WithLogger sets a custom logger for attempt and retry events.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	pending.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithUnmarshal sets the decode function applied to response bodies. Use it
// to supply a non-default naming or field-mapping policy.
func WithUnmarshal(fn UnmarshalFunc) Option {
	return func(c *Config) {
		c.Unmarshal = fn
	}
}

// DefaultConfig returns Result configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Policy:    DefaultRetryPolicy(),
		Logger:    slog.Default(),
		Unmarshal: json.Unmarshal,
	}
}

// BreakerConfig holds circuit breaker configuration for a BreakerDispatcher.
type BreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a dispatch fails
	// in the closed state. If it returns true, the circuit opens.
	// Default: trips after 3 requests with 60% failure rate
	ReadyToTrip func(counts BreakerCounts) bool

	// Classifier determines which transport errors count as circuit
	// failures.
	// Default: StatusTripClassifier with standard trip codes
	Classifier TripClassifier

	// TripStatuses lists response status codes counted as circuit failures.
	// Default: 500, 502, 503, 504
	TripStatuses []int

	// OnStateChange is called whenever the circuit changes state.
	OnStateChange func(name string, from, to BreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Interval is the cyclic period of the closed state after which internal
	// counts are cleared. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the circuit
	// becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of dispatches allowed through while
	// the circuit is half-open.
	// Default: 3
	MaxRequests uint32
}

// BreakerOption is a functional option for configuring a BreakerDispatcher.
type BreakerOption func(*BreakerConfig)

// BreakerCounts holds the internal counts of the circuit breaker.
type BreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	// StateClosed means the circuit is closed and dispatches flow normally.
	StateClosed BreakerState = iota

	// StateHalfOpen means the circuit is testing if the upstream recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and dispatches fail immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets the maximum number of dispatches in half-open state.
func WithMaxRequests(maxRequests uint32) BreakerOption {
	return func(c *BreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.Interval = interval
	}
}

// WithTimeout sets the timeout for staying in open state.
func WithTimeout(timeout time.Duration) BreakerOption {
	return func(c *BreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to open the
// circuit.
//
// Example:
//
//	pending.WithReadyToTrip(func(counts pending.BreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 5
//	})
func WithReadyToTrip(fn func(counts BreakerCounts) bool) BreakerOption {
	return func(c *BreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithTripClassifier sets a custom classifier for which transport errors
// count as circuit failures.
func WithTripClassifier(classifier TripClassifier) BreakerOption {
	return func(c *BreakerConfig) {
		c.Classifier = classifier
	}
}

// WithTripStatuses sets the response status codes counted as circuit
// failures.
func WithTripStatuses(statuses ...int) BreakerOption {
	return func(c *BreakerConfig) {
		c.TripStatuses = statuses
	}
}

// WithStateChangeHandler sets a callback for circuit state changes.
func WithStateChangeHandler(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(c *BreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithBreakerLogger sets a custom logger for circuit breaker operations.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(c *BreakerConfig) {
		c.Logger = logger
	}
}

// DefaultBreakerConfig returns circuit breaker configuration with sensible
// defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxRequests:  3,
		Interval:     10 * time.Second,
		Timeout:      30 * time.Second,
		TripStatuses: []int{500, 502, 503, 504},
		ReadyToTrip: func(counts BreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		Classifier: DefaultTripClassifier(),
		Logger:     slog.Default(),
	}
}
