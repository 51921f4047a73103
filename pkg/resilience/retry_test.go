package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasksync/tasksync/pkg/errors"
)

func newTestRetrier(config RetryConfig) *Retrier {
	r := NewRetrier("remote-api", config)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	r := newTestRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 4 {
			return errors.NewNetworkError("connection reset by peer")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
}

func TestRetryRecoversThroughBreakerWithBackoff(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "remote-api",
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	})

	var slept time.Duration
	r := NewRetrier("remote-api", RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}).WithBreaker(cb)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts <= 3 {
			return errors.NewServerError("remote unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, StateClosed, cb.State(), "three failures stay under the threshold")
	// Backoff before attempts 2 and 3 alone accounts for 100ms+200ms.
	assert.GreaterOrEqual(t, slept, 300*time.Millisecond)
}

func TestRetryReturnsLastErrorWhenExhausted(t *testing.T) {
	var exhaustedAfter int
	r := newTestRetrier(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnExhausted: func(err error, attempts int) { exhaustedAfter = attempts },
	})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewServerError("still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, exhaustedAfter)
	assert.True(t, errors.IsKind(err, errors.KindServer))
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	r := newTestRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewValidationError("bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "non-retryable errors must not be retried")
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	r := NewRetrier("remote-api", RetryConfig{MaxAttempts: 10, BaseDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := r.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return errors.NewNetworkError("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestRetryBudgetIsHardCapAcrossCalls(t *testing.T) {
	budget := NewRetryBudget(3, time.Minute)
	clock := newFakeClock()
	budget.now = clock.Now

	r := newTestRetrier(RetryConfig{MaxAttempts: 10, BaseDelay: time.Millisecond}).WithBudget(budget)

	// First call burns the whole budget.
	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewServerError("down")
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBudgetExceeded))
	assert.Equal(t, 4, attempts, "first attempt plus three budgeted retries")

	// A second call gets its first attempt, but no retries.
	attempts = 0
	err = r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.NewServerError("down")
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBudgetExceeded))
	assert.Equal(t, 1, attempts)

	// Budget-exceeded errors are themselves never retryable.
	assert.False(t, errors.Retryable(err))
}

func TestRetryBudgetExhaustionNotifiesCallback(t *testing.T) {
	budget := NewRetryBudget(1, time.Minute)

	var exhaustedName string
	var exhaustedErr error
	r := newTestRetrier(RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		OnBudgetExhausted: func(name string, err error) {
			exhaustedName = name
			exhaustedErr = err
		},
	}).WithBudget(budget)

	cause := errors.NewServerError("down")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		return cause
	})

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindBudgetExceeded))
	assert.Equal(t, "remote-api", exhaustedName)
	assert.ErrorIs(t, exhaustedErr, cause)
}

func TestRetryBudgetRefillsAfterWindow(t *testing.T) {
	budget := NewRetryBudget(2, time.Minute)
	clock := newFakeClock()
	budget.now = clock.Now

	assert.True(t, budget.Allow())
	assert.True(t, budget.Allow())
	assert.False(t, budget.Allow())
	assert.Equal(t, 0, budget.Remaining())

	clock.Advance(61 * time.Second)
	assert.Equal(t, 2, budget.Remaining())
	assert.True(t, budget.Allow())
}

func TestRetryBudgetExceededWrapsLastError(t *testing.T) {
	budget := NewRetryBudget(0, time.Minute)
	r := newTestRetrier(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}).WithBudget(budget)

	cause := errors.NewServerError("the real failure")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		return cause
	})

	require.Error(t, err)
	appErr, ok := errors.AsError(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindBudgetExceeded, appErr.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestRetryThroughOpenBreakerShortCircuits(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(t, clock)
	for i := 0; i < 3; i++ {
		cb.Call(failingCall)
	}
	require.Equal(t, StateOpen, cb.State())

	r := newTestRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}).WithBreaker(cb)

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCircuitOpen))
	assert.Equal(t, 0, attempts, "open breaker must reject without running the operation")
}

func TestDelayBounds(t *testing.T) {
	r := NewRetrier("remote-api", RetryConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	})

	for attempt := 1; attempt <= 10; attempt++ {
		base := float64(100*time.Millisecond) * pow(2.0, attempt-1)
		if base > float64(2*time.Second) {
			base = float64(2 * time.Second)
		}
		spread := 0.2 * base / 2

		for i := 0; i < 100; i++ {
			d := r.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, 2*time.Second+time.Duration(spread)+time.Nanosecond)
			assert.GreaterOrEqual(t, float64(d), base-spread-1)
			assert.LessOrEqual(t, float64(d), base+spread+1)
		}
	}
}

func TestDelayWithoutJitterIsExactExponential(t *testing.T) {
	r := NewRetrier("remote-api", RetryConfig{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	})

	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
	assert.Equal(t, 10*time.Second, r.Delay(8), "capped at MaxDelay")
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
