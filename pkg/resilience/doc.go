// Package resilience provides circuit breaking, retry logic, rate
// limiting, and graceful degradation for calls to unreliable remote
// task services.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker prevents cascading failures by counting failures
// in a trailing window and temporarily rejecting calls once the count
// crosses a threshold. After the reset timeout, a probe call is allowed
// through; consecutive probe successes close the circuit again.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "remote-tasks",
//		FailureThreshold: 5,
//		FailureWindow:    time.Minute,
//		SuccessThreshold: 3,
//		ResetTimeout:     30 * time.Second,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return remote.Call(ctx, params)
//	})
//
// # Retry with Exponential Backoff and a Budget
//
// The retrier retries failed operations with exponential backoff and
// symmetric jitter. A shared RetryBudget caps total retries across all
// calls in a rolling window, independent of per-call attempt limits,
// so a failing dependency cannot provoke a retry storm.
//
//	budget := resilience.NewRetryBudget(10, time.Minute)
//	retrier := resilience.NewRetrier("remote-tasks", resilience.DefaultRetryConfig()).
//		WithBudget(budget).
//		WithBreaker(cb)
//	err := retrier.Execute(ctx, func(ctx context.Context) error {
//		return riskyOperation(ctx)
//	})
//
// # Rate Limiting
//
// A token bucket throttles the outbound call rate. Refill is computed
// lazily from wall-clock time, so an idle limiter costs nothing.
//
//	rl := resilience.NewRateLimiter("remote-tasks", resilience.DefaultRateLimiterConfig())
//	if err := rl.Acquire(ctx); err != nil {
//		return err
//	}
//
// # Graceful Degradation
//
// The degradation manager tracks per-service health and maps it onto
// ordered operating modes (FULL > DEGRADED > READ_ONLY > OFFLINE).
// Transitions move one level per health edge, which keeps a single
// flaky probe from classifying a full outage.
//
//	dm := resilience.NewDegradationManager(resilience.DefaultDegradationConfig())
//	dm.RegisterService("remote-tasks")
//	dm.ReportHealth("remote-tasks", false, "connection refused")
//	if !dm.CanWrite("remote-tasks") {
//		// queue or reject the write
//	}
//
// The package is thread-safe. Breakers are obtained from an explicit
// Registry that is constructed once and threaded through constructors.
package resilience
