package pending

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMultiplier is the per-retry backoff growth factor.
	DefaultMultiplier = 1.5

	// DefaultErrorTimeout is the default retry budget: the maximum
	// cumulative backoff a Result sleeps before it stops retrying.
	DefaultErrorTimeout = 60 * time.Second
)

// DefaultRetryableStatuses are the HTTP status codes that trigger a retry.
var DefaultRetryableStatuses = []int{500, 503, 504}

// RetryPolicy decides, after a completed attempt, whether a Result retries
// and how long it sleeps first. A retry happens only when the response status
// is retryable and the cumulative backoff so far is still below ErrorTimeout.
//
// The delay for the nth retry (1-indexed) is BaseDelay × Multiplier^(n−1),
// jittered by a uniform factor in [0.5, 1.5).
//
// The zero value is usable; zero fields fall back to the defaults above.
type RetryPolicy struct {
	// BaseDelay is the un-jittered delay before the first retry.
	BaseDelay time.Duration

	// Multiplier grows the delay per retry.
	Multiplier float64

	// ErrorTimeout is the retry budget. It bounds cumulative backoff, not
	// wall-clock time: a delay authorized while under budget is slept in
	// full even if it crosses the budget mid-sleep.
	ErrorTimeout time.Duration

	// RetryableStatuses lists the HTTP status codes that trigger retries.
	// Defaults to 500, 503, 504 if nil.
	RetryableStatuses []int
}

// DefaultRetryPolicy returns the policy a Result uses unless configured
// otherwise.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		BaseDelay:         DefaultBaseDelay,
		Multiplier:        DefaultMultiplier,
		ErrorTimeout:      DefaultErrorTimeout,
		RetryableStatuses: DefaultRetryableStatuses,
	}
}

// Retryable reports whether status is in the retryable set.
func (p *RetryPolicy) Retryable(status int) bool {
	statuses := p.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	return containsStatus(statuses, status)
}

// Budget returns the configured retry budget or the default.
func (p *RetryPolicy) Budget() time.Duration {
	if p.ErrorTimeout > 0 {
		return p.ErrorTimeout
	}
	return DefaultErrorTimeout
}

// Delay returns the un-jittered delay for the nth retry, 1-indexed.
func (p *RetryPolicy) Delay(n int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(base) * math.Pow(multiplier, float64(n-1)))
}

// Backoff returns the jittered delay sequence for successive retries. Each
// Next call yields the delay for the next retry; the sequence never signals
// stop itself; the budget check belongs to the Result, which consults
// cumulative slept time at decode time.
func (p *RetryPolicy) Backoff() retry.Backoff {
	var attempt int
	seq := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.Delay(attempt), false
	})
	return retry.WithJitterPercent(50, seq)
}
