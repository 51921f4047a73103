package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tasksync/tasksync/pkg/errors"
	"github.com/tasksync/tasksync/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per call
	MaxAttempts int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// Multiplier is the multiplier for exponential backoff
	Multiplier float64
	// JitterFactor spreads each delay by ±(JitterFactor*delay)/2
	JitterFactor float64
	// Retryable determines if an error is retryable
	Retryable func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
	// OnExhausted is called when all attempts have been consumed
	OnExhausted func(err error, attempts int)
	// OnBudgetExhausted is called when the shared retry budget blocks a retry
	OnBudgetExhausted func(name string, err error)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		Retryable:    errors.Retryable,
	}
}

// RetryBudget caps total retries across all calls in a trailing window.
// It protects the remote from retry storms regardless of per-call
// attempt limits.
type RetryBudget struct {
	MaxRetries int
	Window     time.Duration

	mutex   sync.Mutex
	retries []time.Time
	now     func() time.Time
}

// NewRetryBudget creates a retry budget
func NewRetryBudget(maxRetries int, window time.Duration) *RetryBudget {
	return &RetryBudget{
		MaxRetries: maxRetries,
		Window:     window,
		now:        time.Now,
	}
}

// Allow records a retry if the budget permits it and reports whether it did
func (b *RetryBudget) Allow() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := b.now()
	cutoff := now.Add(-b.Window)
	kept := b.retries[:0:0]
	for _, ts := range b.retries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.retries = kept

	if len(b.retries) >= b.MaxRetries {
		return false
	}
	b.retries = append(b.retries, now)
	return true
}

// Remaining reports how many retries the budget currently allows
func (b *RetryBudget) Remaining() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	cutoff := b.now().Add(-b.Window)
	inWindow := 0
	for _, ts := range b.retries {
		if ts.After(cutoff) {
			inWindow++
		}
	}
	return b.MaxRetries - inWindow
}

// Retrier handles retry logic with exponential backoff, an optional
// shared retry budget, and optional execution through a circuit breaker.
type Retrier struct {
	config  RetryConfig
	budget  *RetryBudget
	breaker *CircuitBreaker
	name    string
	logger  *logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(name string, config RetryConfig) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.Retryable == nil {
		config.Retryable = errors.Retryable
	}

	return &Retrier{
		config: config,
		name:   name,
		logger: logging.GetLogger(),
		sleep:  sleepCtx,
	}
}

// WithBudget attaches a shared retry budget
func (r *Retrier) WithBudget(budget *RetryBudget) *Retrier {
	r.budget = budget
	return r
}

// WithBreaker routes every attempt through the circuit breaker, so an
// open circuit short-circuits the whole retry loop.
func (r *Retrier) WithBreaker(cb *CircuitBreaker) *Retrier {
	r.breaker = cb
	return r
}

// Execute executes the given function with retry logic. The loop is an
// explicit bounded iteration carrying the attempt count; stack depth
// stays constant.
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := r.attempt(ctx, operation)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"name", r.name,
					"attempt", attempt,
				)
			}
			return nil
		}

		lastErr = err

		if !r.config.Retryable(err) {
			r.logger.Debug("Error is not retryable, stopping",
				"name", r.name,
				"error", err.Error(),
				"attempt", attempt,
			)
			return err
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		// The budget gates the retry itself, not the first attempt.
		if r.budget != nil && !r.budget.Allow() {
			r.logger.Warn("Retry budget exhausted",
				"name", r.name,
				"attempt", attempt,
			)
			if r.config.OnBudgetExhausted != nil {
				r.config.OnBudgetExhausted(r.name, lastErr)
			}
			return errors.NewBudgetExceededError(r.name).WithCause(lastErr)
		}

		delay := r.Delay(attempt)

		r.logger.Debug("Operation failed, retrying",
			"name", r.name,
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay,
		)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	r.logger.Error("Operation failed after all retry attempts",
		"name", r.name,
		"error", lastErr.Error(),
		"attempts", r.config.MaxAttempts,
	)

	if r.config.OnExhausted != nil {
		r.config.OnExhausted(lastErr, r.config.MaxAttempts)
	}

	return lastErr
}

// ExecuteWithResult executes the given function with retry logic and returns a result
func (r *Retrier) ExecuteWithResult(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := r.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	return result, err
}

func (r *Retrier) attempt(ctx context.Context, operation func(context.Context) error) error {
	if r.breaker == nil {
		return operation(ctx)
	}
	_, err := r.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}

// Delay computes the backoff delay for the given attempt number,
// bounded by [0, MaxDelay] with symmetric jitter applied.
func (r *Retrier) Delay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.JitterFactor > 0 {
		spread := r.config.JitterFactor * delay
		delay += (rand.Float64() - 0.5) * spread
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry is a convenience function to execute an operation with default retry configuration
func Retry(ctx context.Context, name string, operation func(context.Context) error) error {
	return NewRetrier(name, DefaultRetryConfig()).Execute(ctx, operation)
}
