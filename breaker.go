package pending

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// BreakerDispatcher wraps a Dispatcher with circuit breaker functionality.
// It tracks failed dispatches and opens the circuit when too many occur,
// failing dispatches immediately instead of reaching a struggling upstream.
//
// Because completions arrive asynchronously, the breaker runs in two-step
// form: admission is checked when an attempt is issued and the outcome is
// reported when its completion is delivered.
//
// Example:
//
//	dispatcher := pending.NewBreakerDispatcher(
//	    pending.NewHTTPDispatcher(),
//	    pending.WithTimeout(60*time.Second),
//	)
type BreakerDispatcher struct {
	next       Dispatcher
	cb         *gobreaker.TwoStepCircuitBreaker[*Response]
	logger     *slog.Logger
	classifier TripClassifier
	statuses   []int
}

// NewBreakerDispatcher creates a circuit-breaking middleware around next.
func NewBreakerDispatcher(next Dispatcher, opts ...BreakerOption) *BreakerDispatcher {
	config := DefaultBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Classifier == nil {
		config.Classifier = DefaultTripClassifier()
	}
	if config.TripStatuses == nil {
		config.TripStatuses = []int{500, 502, 503, 504}
	}

	settings := gobreaker.Settings{
		Name:        "pending-dispatcher",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(convertCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertState(from), convertState(to))
			}
		},
	}

	return &BreakerDispatcher{
		next:       next,
		cb:         gobreaker.NewTwoStepCircuitBreaker[*Response](settings),
		logger:     config.Logger,
		classifier: config.Classifier,
		statuses:   config.TripStatuses,
	}
}

// rejectedCall is the handle for a dispatch the breaker refused; there is
// nothing in flight to cancel.
type rejectedCall struct{}

func (rejectedCall) Cancel() {}

// Dispatch implements Dispatcher. Rejections are delivered through done like
// any other transport failure, wrapped with jperrors circuit breaker types:
//   - gobreaker.ErrOpenState becomes jperrors.ErrCircuitOpen
//   - gobreaker.ErrTooManyRequests becomes jperrors.ErrCircuitTooManyRequests
func (b *BreakerDispatcher) Dispatch(ctx context.Context, req *Request, done func(*Response, error)) Call {
	report, err := b.cb.Allow()
	if err != nil {
		wrapped := b.wrapRejection(err)
		// Deliver asynchronously so the Dispatcher contract holds even for
		// rejections.
		go done(nil, wrapped)
		return rejectedCall{}
	}

	return b.next.Dispatch(ctx, req, func(resp *Response, derr error) {
		report(b.successful(resp, derr))
		done(resp, derr)
	})
}

// successful reports whether an outcome counts as a circuit success.
func (b *BreakerDispatcher) successful(resp *Response, err error) bool {
	if err != nil {
		return !b.classifier.ShouldTripCircuit(err)
	}
	return !containsStatus(b.statuses, resp.StatusCode)
}

// wrapRejection wraps gobreaker admission errors with jperrors types for
// consistent error handling downstream.
func (b *BreakerDispatcher) wrapRejection(err error) error {
	counts := convertCounts(b.cb.Counts())
	jpCounts := jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		b.logger.Warn("circuit breaker is open, dispatch rejected",
			"error", err,
			"state", b.cb.State(),
			"counts", counts)
		return jperrors.NewCircuitBreakerError(
			"dispatch rejected",
			"dispatch",
			"open",
			jperrors.WithCause(err),
			jperrors.WithCounts(jpCounts),
		)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		b.logger.Debug("circuit breaker in half-open state, too many requests",
			"error", err)
		return jperrors.NewCircuitBreakerError(
			"too many requests in half-open state",
			"dispatch",
			"half-open",
			jperrors.WithCause(err),
			jperrors.WithCounts(jpCounts),
		)
	default:
		return err
	}
}

// State returns the current state of the circuit breaker.
func (b *BreakerDispatcher) State() BreakerState {
	return convertState(b.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (b *BreakerDispatcher) Counts() BreakerCounts {
	return convertCounts(b.cb.Counts())
}

// convertCounts converts gobreaker.Counts to our BreakerCounts.
func convertCounts(counts gobreaker.Counts) BreakerCounts {
	return BreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertState converts gobreaker.State to our BreakerState.
func convertState(state gobreaker.State) BreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
