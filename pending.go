// Package pending provides a dual-mode (blocking and callback-driven)
// executor for asynchronous API requests. A Result issues one logical request
// through a Dispatcher, retries transient server failures with exponential
// backoff and jitter, and decodes the response body into a typed value or a
// typed API-level error. It integrates with jp-go-errors for standardized
// error handling.
package pending

import "context"

// Dispatcher is the asynchronous dispatch mechanism a Result issues attempts
// through. Implementations must deliver exactly one completion per Dispatch
// call, on a goroutine they own: either a Response (whatever the HTTP status)
// or a transport-level error. Implementations are also responsible for any
// outbound rate limiting; a Result never bypasses its Dispatcher with a
// direct synchronous call.
//
// Example:
//
//	dispatcher := pending.NewHTTPDispatcher(
//	    pending.WithRateLimit(rate.Limit(10), 1),
//	)
//	result := pending.New[Forecast, forecastResponse](dispatcher, req)
type Dispatcher interface {
	// Dispatch issues req and arranges for done to be invoked exactly once
	// with the outcome. The returned Call cancels the in-flight exchange on
	// a best-effort basis.
	Dispatch(ctx context.Context, req *Request, done func(*Response, error)) Call
}

// Call is a cancellable handle on one in-flight attempt. Cancel is
// best-effort: a completion already produced may still be delivered.
// Implementations must tolerate repeated Cancel calls.
type Call interface {
	Cancel()
}

// Envelope is the decoded response shape an API defines for a call. It
// distinguishes "the call produced a result" from "transport succeeded but
// the payload encodes a logical failure"; APIs in this style return HTTP 200
// for both.
type Envelope[T any] interface {
	// Successful reports whether the payload holds a result.
	Successful() bool

	// Result returns the embedded result. Only meaningful when Successful
	// returns true.
	Result() T

	// Err returns the embedded API-defined error. Only meaningful when
	// Successful returns false.
	Err() error
}

// EnvelopePointer constrains PE to be a pointer to the envelope struct E that
// implements Envelope[T]. It lets New allocate and unmarshal into a fresh
// envelope per decode without reflection at the call site.
type EnvelopePointer[T, E any] interface {
	*E
	Envelope[T]
}
