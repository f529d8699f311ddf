package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// outcome preserves one attempt's completion through the rendezvous channel:
// either a response or the transport-level reason there is none.
type outcome struct {
	resp *Response
	err  error
}

// Result is a pending typed result backed by an asynchronous Dispatcher, a
// retry policy and a typed decode step. It is consumed exactly once, through
// exactly one of SetCallback, Await or AwaitIgnoreError; whichever is used,
// the caller observes exactly one terminal outcome regardless of how many
// attempts were issued internally.
//
// Example:
//
//	result := pending.New[Forecast, forecastResponse](dispatcher, req,
//	    pending.WithErrorTimeout(10*time.Second),
//	)
//	forecast, err := result.Await(ctx)
type Result[T any] struct {
	dispatcher Dispatcher
	req        *Request
	decode     func([]byte) (T, error)
	policy     *RetryPolicy
	backoff    retry.Backoff
	logger     *slog.Logger
	id         string

	mu      sync.Mutex
	call    Call
	started bool
	done    bool
	retries int
	slept   time.Duration
}

// New creates a Result for req, decoding successful bodies into the envelope
// struct E. T is the embedded result type; PE is inferred.
//
// The request description is treated as immutable and is reused verbatim for
// every attempt, including retries.
func New[T, E any, PE EnvelopePointer[T, E]](dispatcher Dispatcher, req *Request, opts ...Option) *Result[T] {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Policy == nil {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Unmarshal == nil {
		cfg.Unmarshal = DefaultConfig().Unmarshal
	}

	return &Result[T]{
		dispatcher: dispatcher,
		req:        req,
		decode:     newDecoder[T, E, PE](cfg.Unmarshal),
		policy:     cfg.Policy,
		backoff:    cfg.Policy.Backoff(),
		logger:     cfg.Logger,
		id:         uuid.NewString(),
	}
}

// SetCallback registers completion handling and immediately issues the first
// attempt. It never blocks the registering goroutine; exactly one of
// onResult/onFailure is invoked later, on a goroutine owned by the
// Dispatcher.
//
// Retries triggered in this mode sleep on that dispatcher-owned goroutine,
// not the registering one: callers are isolated from retry latency, at the
// cost of parking a dispatcher worker for the duration. Size the dispatcher's
// concurrency accordingly.
func (r *Result[T]) SetCallback(ctx context.Context, onResult func(T), onFailure func(error)) {
	if err := r.consume(); err != nil {
		go onFailure(err)
		return
	}

	// The completion must not run ahead of the handle registration below,
	// or a retry's fresher handle could be clobbered by the first one.
	registered := make(chan struct{})

	call := r.dispatcher.Dispatch(ctx, r.req, func(resp *Response, err error) {
		<-registered
		v, rerr := r.resolve(ctx, outcome{resp: resp, err: err})
		if rerr != nil {
			onFailure(rerr)
			return
		}
		onResult(v)
	})
	r.setCall(call)
	close(registered)
}

// Await issues the request and blocks the calling goroutine until a terminal
// outcome is available, returning the decoded value or the decoded/transport
// error. Retry backoff is slept on the calling goroutine.
func (r *Result[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if err := r.consume(); err != nil {
		return zero, err
	}
	return r.resolve(ctx, r.issue(ctx))
}

// AwaitIgnoreError behaves like Await but suppresses any error, returning
// the zero value instead. Use it where the caller prefers silent degradation
// over error handling.
func (r *Result[T]) AwaitIgnoreError(ctx context.Context) T {
	v, err := r.Await(ctx)
	if err != nil {
		r.logger.Debug("suppressing pending result error",
			"request_id", r.id,
			"error", err)
		var zero T
		return zero
	}
	return v
}

// Cancel requests cancellation of the in-flight attempt. It is best-effort:
// an outcome already produced may still be delivered. Calling Cancel after
// the terminal outcome is a no-op.
func (r *Result[T]) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.call == nil {
		return
	}
	r.call.Cancel()
}

// Stats holds a snapshot of a Result's attempt accounting.
type Stats struct {
	// Attempts is the number of issuances so far, including the first.
	Attempts int

	// Retries is the number of re-issuances after retryable failures.
	Retries int

	// CumulativeBackoff is the total time slept between attempts.
	CumulativeBackoff time.Duration
}

// Stats returns a snapshot of the attempt accounting. It is safe to call
// from any goroutine.
func (r *Result[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempts := r.retries
	if r.started {
		attempts++
	}
	return Stats{
		Attempts:          attempts,
		Retries:           r.retries,
		CumulativeBackoff: r.slept,
	}
}

// issue dispatches one attempt and blocks until its single completion
// arrives. The buffered single-slot channel is the sync/async rendezvous: the
// dispatcher's completion goroutine pushes exactly one outcome, the awaiting
// goroutine takes it, and the channel is discarded.
func (r *Result[T]) issue(ctx context.Context) outcome {
	waiter := make(chan outcome, 1)

	call := r.dispatcher.Dispatch(ctx, r.req, func(resp *Response, err error) {
		waiter <- outcome{resp: resp, err: err}
	})
	r.setCall(call)

	select {
	case o := <-waiter:
		return o
	case <-ctx.Done():
		call.Cancel()
		return outcome{err: ctx.Err()}
	}
}

// resolve turns attempt outcomes into the terminal result, looping through
// new attempts while the policy authorizes a retry. The loop is bounded by
// the budget check, so a tiny base delay with a huge budget cannot grow the
// stack.
func (r *Result[T]) resolve(ctx context.Context, o outcome) (T, error) {
	var zero T
	defer r.finish()

	for {
		if o.err != nil {
			return zero, &TransportError{URL: r.req.URL, Err: o.err}
		}

		resp := o.resp
		if r.policy.Retryable(resp.StatusCode) && r.cumulative() < r.policy.Budget() {
			if err := r.sleepBeforeRetry(ctx, resp.StatusCode); err != nil {
				return zero, &TransportError{URL: r.req.URL, Err: err}
			}
			o = r.issue(ctx)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return zero, &HTTPError{Code: resp.StatusCode, Status: resp.Status}
		}

		return r.decode(resp.Body)
	}
}

// sleepBeforeRetry runs one backoff delay on the current goroutine. The
// delay counts toward the budget only after it has been slept in full;
// context cancellation aborts the sleep and the retry sequence.
func (r *Result[T]) sleepBeforeRetry(ctx context.Context, status int) error {
	delay, _ := r.backoff.Next()
	n := r.bumpRetries()

	r.logger.Debug("sleeping between errors",
		"request_id", r.id,
		"status", status,
		"retry", n,
		"delay", delay,
		"already_slept", r.cumulative())

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	r.addSlept(delay)

	r.logger.Debug("retrying request",
		"request_id", r.id,
		"retry", n)
	return nil
}

// consume marks the Result as consumed, failing on the second consumer.
func (r *Result[T]) consume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrConsumed
	}
	r.started = true
	return nil
}

func (r *Result[T]) setCall(c Call) {
	r.mu.Lock()
	r.call = c
	r.mu.Unlock()
}

func (r *Result[T]) finish() {
	r.mu.Lock()
	r.done = true
	r.call = nil
	r.mu.Unlock()
}

func (r *Result[T]) bumpRetries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
	return r.retries
}

func (r *Result[T]) cumulative() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slept
}

func (r *Result[T]) addSlept(d time.Duration) {
	r.mu.Lock()
	r.slept += d
	r.mu.Unlock()
}
