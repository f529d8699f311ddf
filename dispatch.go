package pending

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultDispatchTimeout bounds one HTTP exchange in the stock dispatcher.
const DefaultDispatchTimeout = 30 * time.Second

// HTTPDispatcher is the stock Dispatcher over net/http. Every Dispatch runs
// on its own goroutine, waits its turn on the shared rate limiter, performs
// the exchange, drains the body and delivers exactly one completion.
//
// Blocked retry sleeps in callback mode park these goroutines; they are cheap
// in Go, but the wrapped http.Client's connection pool is the caller's to
// size (see http.Transport.MaxIdleConnsPerHost).
type HTTPDispatcher struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// DispatcherOption is a functional option for configuring an HTTPDispatcher.
type DispatcherOption func(*HTTPDispatcher)

// WithHTTPClient sets the underlying http.Client. Use it to control
// timeouts, TLS and connection pooling.
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *HTTPDispatcher) {
		d.client = client
	}
}

// WithRateLimit caps outbound dispatch at limit events with the given burst.
// All Results sharing the dispatcher share the cap.
//
// Example:
//
//	pending.WithRateLimit(rate.Limit(10), 1) // 10 requests/second
func WithRateLimit(limit rate.Limit, burst int) DispatcherOption {
	return func(d *HTTPDispatcher) {
		d.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithDispatchLogger sets a custom logger for dispatch events.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *HTTPDispatcher) {
		d.logger = logger
	}
}

// NewHTTPDispatcher creates an HTTPDispatcher. Without options it uses a
// dedicated http.Client with DefaultDispatchTimeout and no rate limit.
func NewHTTPDispatcher(opts ...DispatcherOption) *HTTPDispatcher {
	d := &HTTPDispatcher{}
	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil {
		d.client = &http.Client{Timeout: DefaultDispatchTimeout}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	return d
}

// httpCall cancels one in-flight exchange through its context.
type httpCall struct {
	cancel context.CancelFunc
}

func (c *httpCall) Cancel() {
	c.cancel()
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req *Request, done func(*Response, error)) Call {
	ctx, cancel := context.WithCancel(ctx)
	attemptID := uuid.NewString()

	go func() {
		defer cancel()

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				done(nil, err)
				return
			}
		}

		d.logger.Debug("dispatching request",
			"attempt_id", attemptID,
			"method", req.Method,
			"url", req.URL)

		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			done(nil, err)
			return
		}
		for name, values := range req.Header {
			for _, value := range values {
				httpReq.Header.Add(name, value)
			}
		}

		httpResp, err := d.client.Do(httpReq)
		if err != nil {
			d.logger.Debug("dispatch failed",
				"attempt_id", attemptID,
				"error", err)
			done(nil, err)
			return
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			done(nil, err)
			return
		}

		done(&Response{
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Header:     httpResp.Header,
			Body:       respBody,
		}, nil)
	}()

	return &httpCall{cancel: cancel}
}
