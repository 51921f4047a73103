package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/tasksync/tasksync/pkg/errors"
)

// RateLimiterConfig holds token bucket configuration
type RateLimiterConfig struct {
	// TokensPerSecond is the steady refill rate
	TokensPerSecond float64
	// Burst is the bucket capacity
	Burst int
	// MaxQueueSize bounds how many callers may wait for a token;
	// arrivals beyond it fail immediately
	MaxQueueSize int
	// AcquireTimeout bounds how long a queued caller waits
	AcquireTimeout time.Duration
	// OnWait is called when a caller has to queue for a token
	OnWait func(name string, wait time.Duration)
	// OnTimeout is called when a queued caller gives up waiting
	OnTimeout func(name string)
}

// DefaultRateLimiterConfig returns a default rate limiter configuration
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		TokensPerSecond: 10,
		Burst:           20,
		MaxQueueSize:    100,
		AcquireTimeout:  10 * time.Second,
	}
}

// RateLimiter is a token bucket. Refill is computed lazily from elapsed
// wall-clock time at each acquire, so the limiter costs nothing while
// idle. Waiting callers hold reservations in arrival order; the token
// count goes negative by one per outstanding reservation.
type RateLimiter struct {
	name string

	mutex      sync.Mutex
	tokens     float64
	lastRefill time.Time
	rate       float64
	burst      float64
	maxQueue   int
	waiters    int
	timeout    time.Duration
	onWait     func(name string, wait time.Duration)
	onTimeout  func(name string)

	now func() time.Time
}

// NewRateLimiter creates a new token bucket rate limiter
func NewRateLimiter(name string, config RateLimiterConfig) *RateLimiter {
	if config.TokensPerSecond <= 0 {
		config.TokensPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.MaxQueueSize < 0 {
		config.MaxQueueSize = 0
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 10 * time.Second
	}

	rl := &RateLimiter{
		name:      name,
		tokens:    float64(config.Burst),
		rate:      config.TokensPerSecond,
		burst:     float64(config.Burst),
		maxQueue:  config.MaxQueueSize,
		timeout:   config.AcquireTimeout,
		onWait:    config.OnWait,
		onTimeout: config.OnTimeout,
		now:       time.Now,
	}
	rl.lastRefill = rl.now()
	return rl
}

// TryAcquire consumes a token if one is immediately available
func (rl *RateLimiter) TryAcquire() bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.refill(rl.now())
	if rl.tokens >= 1 && rl.waiters == 0 {
		rl.tokens--
		return true
	}
	return false
}

// Acquire consumes a token, queuing the caller in arrival order until
// one accrues. It fails with a queue-full error when too many callers
// are already waiting, and a timeout error when the wait exceeds the
// configured acquire timeout or ctx is done first.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	rl.mutex.Lock()

	now := rl.now()
	rl.refill(now)

	if rl.tokens >= 1 && rl.waiters == 0 {
		rl.tokens--
		rl.mutex.Unlock()
		return nil
	}

	if rl.waiters >= rl.maxQueue {
		rl.mutex.Unlock()
		return errors.NewQueueFullError(rl.name, rl.waiters).
			WithDetail("resource", "rate_limiter")
	}

	// Reserve the next token: the count goes negative and the deficit
	// tells us when this caller's token accrues.
	rl.waiters++
	rl.tokens--
	var wait time.Duration
	if rl.tokens < 0 {
		wait = time.Duration(-rl.tokens / rl.rate * float64(time.Second))
	}
	rl.mutex.Unlock()

	if rl.onWait != nil {
		rl.onWait(rl.name, wait)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	deadline := time.NewTimer(rl.timeout)
	defer deadline.Stop()

	select {
	case <-timer.C:
		rl.mutex.Lock()
		rl.waiters--
		rl.mutex.Unlock()
		return nil
	case <-deadline.C:
		rl.cancelReservation()
		if rl.onTimeout != nil {
			rl.onTimeout(rl.name)
		}
		return errors.NewTimeoutError("rate limiter acquire").
			WithDetail("service", rl.name)
	case <-ctx.Done():
		rl.cancelReservation()
		return ctx.Err()
	}
}

// Tokens returns the number of whole tokens currently available
func (rl *RateLimiter) Tokens() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.refill(rl.now())
	if rl.tokens < 0 {
		return 0
	}
	return int(rl.tokens)
}

// Waiting returns the number of queued callers
func (rl *RateLimiter) Waiting() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return rl.waiters
}

func (rl *RateLimiter) cancelReservation() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.waiters--
	rl.tokens++
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
}

// refill credits tokens for the wall-clock time elapsed since the last
// refill. Callers must hold the mutex.
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}
