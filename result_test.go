package pending_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	pending "github.com/JohnPlummer/jp-go-pending"
)

const happyBody = `{"status":"OK","report":{"city":"Lisbon","temp_c":21.5}}`

var _ = Describe("Result", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		logger *slog.Logger
		policy *pending.RetryPolicy
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
		policy = &pending.RetryPolicy{
			BaseDelay:    time.Millisecond,
			ErrorTimeout: time.Second,
		}
	})

	AfterEach(func() {
		cancel()
	})

	newResult := func(d pending.Dispatcher, opts ...pending.Option) *pending.Result[weatherReport] {
		opts = append([]pending.Option{
			pending.WithRetryPolicy(policy),
			pending.WithLogger(logger),
		}, opts...)
		return pending.New[weatherReport, weatherResponse](d, pending.NewRequest(http.MethodGet, "https://api.test/weather"), opts...)
	}

	Describe("Await", func() {
		Context("successful request", func() {
			It("returns the decoded result on the first attempt", func() {
				dispatcher := newScriptedDispatcher(okJSON(happyBody))

				report, err := newResult(dispatcher).Await(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.City).To(Equal("Lisbon"))
				Expect(report.TempC).To(Equal(21.5))
				Expect(dispatcher.callCount()).To(Equal(1))
			})

			It("records stats for a single attempt", func() {
				dispatcher := newScriptedDispatcher(okJSON(happyBody))
				result := newResult(dispatcher)

				_, err := result.Await(ctx)
				Expect(err).NotTo(HaveOccurred())

				stats := result.Stats()
				Expect(stats.Attempts).To(Equal(1))
				Expect(stats.Retries).To(Equal(0))
				Expect(stats.CumulativeBackoff).To(BeZero())
			})
		})

		Context("retryable server errors", func() {
			It("retries until a successful attempt", func() {
				dispatcher := newScriptedDispatcher(
					httpStatus(http.StatusServiceUnavailable),
					httpStatus(http.StatusInternalServerError),
					okJSON(happyBody),
				)
				result := newResult(dispatcher)

				report, err := result.Await(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(report.City).To(Equal("Lisbon"))
				Expect(dispatcher.callCount()).To(Equal(3))

				stats := result.Stats()
				Expect(stats.Attempts).To(Equal(3))
				Expect(stats.Retries).To(Equal(2))
				Expect(stats.CumulativeBackoff).To(BeNumerically(">", 0))
			})

			It("surfaces an HTTPError once the budget is exhausted", func() {
				policy.ErrorTimeout = 4 * time.Millisecond
				dispatcher := newScriptedDispatcher(httpStatus(http.StatusServiceUnavailable))
				result := newResult(dispatcher)

				_, err := result.Await(ctx)
				Expect(err).To(HaveOccurred())

				var httpErr *pending.HTTPError
				Expect(errors.As(err, &httpErr)).To(BeTrue())
				Expect(httpErr.StatusCode()).To(Equal(http.StatusServiceUnavailable))
				Expect(dispatcher.callCount()).To(BeNumerically(">", 1))

				stats := result.Stats()
				Expect(stats.CumulativeBackoff).To(BeNumerically(">=", policy.ErrorTimeout))
			})

			DescribeTable("retries each code in the retryable set",
				func(code int) {
					dispatcher := newScriptedDispatcher(httpStatus(code), okJSON(happyBody))

					_, err := newResult(dispatcher).Await(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(dispatcher.callCount()).To(Equal(2))
				},
				Entry("500 Internal Server Error", http.StatusInternalServerError),
				Entry("503 Service Unavailable", http.StatusServiceUnavailable),
				Entry("504 Gateway Timeout", http.StatusGatewayTimeout),
			)
		})

		Context("non-retryable failures", func() {
			It("surfaces a 404 immediately without retrying", func() {
				dispatcher := newScriptedDispatcher(httpStatus(http.StatusNotFound))

				_, err := newResult(dispatcher).Await(ctx)

				var httpErr *pending.HTTPError
				Expect(errors.As(err, &httpErr)).To(BeTrue())
				Expect(httpErr.StatusCode()).To(Equal(http.StatusNotFound))
				Expect(httpErr.Error()).To(ContainSubstring("404"))
				Expect(dispatcher.callCount()).To(Equal(1))
			})

			It("does not retry transport failures", func() {
				dispatcher := newScriptedDispatcher(transportFailure(io.ErrUnexpectedEOF))

				_, err := newResult(dispatcher).Await(ctx)

				var transportErr *pending.TransportError
				Expect(errors.As(err, &transportErr)).To(BeTrue())
				Expect(errors.Is(err, io.ErrUnexpectedEOF)).To(BeTrue())
				Expect(dispatcher.callCount()).To(Equal(1))
			})
		})

		Context("application-level failures", func() {
			It("surfaces the embedded API error even though HTTP succeeded", func() {
				dispatcher := newScriptedDispatcher(okJSON(
					`{"status":"REQUEST_DENIED","error_message":"key revoked"}`,
				))

				_, err := newResult(dispatcher).Await(ctx)

				var apiErr *apiError
				Expect(errors.As(err, &apiErr)).To(BeTrue())
				Expect(apiErr.Status).To(Equal("REQUEST_DENIED"))
				Expect(apiErr.Message).To(Equal("key revoked"))
				Expect(dispatcher.callCount()).To(Equal(1))
			})
		})

		Context("context cancellation", func() {
			It("cancels the in-flight attempt and surfaces a transport error", func() {
				dispatcher := &hangingDispatcher{}
				shortCtx, shortCancel := context.WithTimeout(ctx, 20*time.Millisecond)
				defer shortCancel()

				_, err := newResult(dispatcher).Await(shortCtx)

				var transportErr *pending.TransportError
				Expect(errors.As(err, &transportErr)).To(BeTrue())
				Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
				Expect(dispatcher.cancelCount()).To(Equal(1))
			})
		})
	})

	Describe("AwaitIgnoreError", func() {
		It("returns the result when the call succeeds", func() {
			dispatcher := newScriptedDispatcher(okJSON(happyBody))

			report := newResult(dispatcher).AwaitIgnoreError(ctx)
			Expect(report.City).To(Equal("Lisbon"))
		})

		It("returns the zero value on any error", func() {
			dispatcher := newScriptedDispatcher(httpStatus(http.StatusNotFound))

			report := newResult(dispatcher).AwaitIgnoreError(ctx)
			Expect(report).To(BeZero())
		})
	})

	Describe("SetCallback", func() {
		It("delivers the result exactly once without blocking the registering goroutine", func() {
			dispatcher := newScriptedDispatcher(okJSON(happyBody))
			results := make(chan weatherReport, 2)
			failures := make(chan error, 2)

			newResult(dispatcher).SetCallback(ctx,
				func(r weatherReport) { results <- r },
				func(err error) { failures <- err },
			)

			var report weatherReport
			Eventually(results).Should(Receive(&report))
			Expect(report.City).To(Equal("Lisbon"))
			Consistently(results, 50*time.Millisecond).ShouldNot(Receive())
			Consistently(failures, 50*time.Millisecond).ShouldNot(Receive())
		})

		It("retries on the dispatcher's goroutine before delivering", func() {
			dispatcher := newScriptedDispatcher(
				httpStatus(http.StatusInternalServerError),
				okJSON(happyBody),
			)
			results := make(chan weatherReport, 1)

			newResult(dispatcher).SetCallback(ctx,
				func(r weatherReport) { results <- r },
				func(err error) { Fail("unexpected failure: " + err.Error()) },
			)

			var report weatherReport
			Eventually(results).Should(Receive(&report))
			Expect(report.City).To(Equal("Lisbon"))
			Expect(dispatcher.callCount()).To(Equal(2))
		})

		It("delivers exactly one failure for a non-retryable status", func() {
			dispatcher := newScriptedDispatcher(httpStatus(http.StatusNotFound))
			failures := make(chan error, 2)

			newResult(dispatcher).SetCallback(ctx,
				func(r weatherReport) { Fail("unexpected result") },
				func(err error) { failures <- err },
			)

			var err error
			Eventually(failures).Should(Receive(&err))
			var httpErr *pending.HTTPError
			Expect(errors.As(err, &httpErr)).To(BeTrue())
			Consistently(failures, 50*time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("single consumption", func() {
		It("rejects a second Await", func() {
			dispatcher := newScriptedDispatcher(okJSON(happyBody))
			result := newResult(dispatcher)

			_, err := result.Await(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = result.Await(ctx)
			Expect(err).To(MatchError(pending.ErrConsumed))
		})

		It("fails a SetCallback after an Await", func() {
			dispatcher := newScriptedDispatcher(okJSON(happyBody))
			result := newResult(dispatcher)

			_, err := result.Await(ctx)
			Expect(err).NotTo(HaveOccurred())

			failures := make(chan error, 1)
			result.SetCallback(ctx,
				func(r weatherReport) { Fail("unexpected result") },
				func(err error) { failures <- err },
			)
			Eventually(failures).Should(Receive(MatchError(pending.ErrConsumed)))
		})
	})

	Describe("Cancel", func() {
		It("is a no-op after the terminal outcome", func() {
			dispatcher := newScriptedDispatcher(okJSON(happyBody))
			result := newResult(dispatcher)

			_, err := result.Await(ctx)
			Expect(err).NotTo(HaveOccurred())

			result.Cancel()
			result.Cancel()
			Expect(dispatcher.cancelCount()).To(Equal(0))
		})

		It("cancels the in-flight attempt", func() {
			dispatcher := &hangingDispatcher{}
			result := newResult(dispatcher)

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				_, err := result.Await(ctx)
				Expect(err).To(HaveOccurred())
			}()

			Eventually(dispatcher.callCount).Should(Equal(1))
			Eventually(func() int {
				result.Cancel()
				return dispatcher.cancelCount()
			}).Should(BeNumerically(">=", 1))

			cancel()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("concurrent independent results", func() {
		It("delivers exactly one outcome to each caller", func() {
			dispatcher := newScriptedDispatcher(okJSON(happyBody))

			const callers = 20
			var wg sync.WaitGroup
			outcomes := make(chan weatherReport, callers)

			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					report, err := newResult(dispatcher).Await(ctx)
					Expect(err).NotTo(HaveOccurred())
					outcomes <- report
				}()
			}
			wg.Wait()

			Expect(outcomes).To(HaveLen(callers))
			Expect(dispatcher.callCount()).To(Equal(callers))
		})

		It("replays each scripted step exactly once under concurrent dispatch", func() {
			dispatcher := newScriptedDispatcher(
				httpStatus(http.StatusBadRequest),
				httpStatus(http.StatusUnauthorized),
				httpStatus(http.StatusForbidden),
				httpStatus(http.StatusNotFound),
			)

			const dispatches = 4
			codes := make(chan int, dispatches)
			var wg sync.WaitGroup
			for i := 0; i < dispatches; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					dispatcher.Dispatch(ctx,
						pending.NewRequest(http.MethodGet, "https://api.test/weather"),
						func(resp *pending.Response, err error) { codes <- resp.StatusCode },
					)
				}()
			}
			wg.Wait()

			seen := map[int]struct{}{}
			for i := 0; i < dispatches; i++ {
				var code int
				Eventually(codes).Should(Receive(&code))
				seen[code] = struct{}{}
			}
			Expect(seen).To(HaveLen(dispatches))
		})
	})
})
