package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/offline"
	"github.com/tasksync/tasksync/pkg/errors"
	"github.com/tasksync/tasksync/pkg/logging"
	"github.com/tasksync/tasksync/pkg/metrics"
	"github.com/tasksync/tasksync/pkg/resilience"
)

// Options tune a single read or write through the client.
type Options struct {
	// CacheKey enables cache participation for reads: successful
	// results are stored under it, and it is consulted when the
	// remote side cannot be reached.
	CacheKey string
	CacheTTL time.Duration

	// FallbackToCache lets a degraded or failed read serve the last
	// cached value instead of an error.
	FallbackToCache bool

	// QueueIfOffline lets a blocked or failed write be enqueued for
	// replay. QueueData must carry the serialized operation payload.
	QueueIfOffline bool
	QueueData      json.RawMessage
	QueueType      offline.OperationType
	QueuePriority  int
}

// Config wires the collaborators the client composes.
type Config struct {
	Breakers    *resilience.Registry
	Retry       resilience.RetryConfig
	Budget      *resilience.RetryBudget
	RateLimit   resilience.RateLimiterConfig
	Offline     *offline.Manager
	Degradation *resilience.DegradationManager
	Metrics     *metrics.Metrics
}

// ResilientClient wraps every outbound call in the full protection
// stack: degradation gate, rate limiter, retry through the service's
// circuit breaker, cache and offline-queue fallbacks, and a health
// report back to the degradation manager.
type ResilientClient struct {
	breakers    *resilience.Registry
	retryConfig resilience.RetryConfig
	budget      *resilience.RetryBudget
	rateConfig  resilience.RateLimiterConfig
	offline     *offline.Manager
	degradation *resilience.DegradationManager
	metrics     *metrics.Metrics
	logger      *logging.Logger

	mutex    sync.Mutex
	limiters map[string]*resilience.RateLimiter
	retriers map[string]*resilience.Retrier
}

// NewResilientClient creates a resilient client
func NewResilientClient(config Config) *ResilientClient {
	return &ResilientClient{
		breakers:    config.Breakers,
		retryConfig: config.Retry,
		budget:      config.Budget,
		rateConfig:  config.RateLimit,
		offline:     config.Offline,
		degradation: config.Degradation,
		metrics:     config.Metrics,
		logger:      logging.GetLogger(),
		limiters:    make(map[string]*resilience.RateLimiter),
		retriers:    make(map[string]*resilience.Retrier),
	}
}

// ExecuteRead runs fn under the protection stack and returns its
// result. When the service is not readable, or the call ultimately
// fails, a cached value is substituted if the caller allowed it.
func (c *ResilientClient) ExecuteRead(ctx context.Context, service, operation string, fn func(context.Context) (interface{}, error), opts Options) (interface{}, error) {
	if !c.degradation.CanRead(service) {
		if cached, ok := c.readCache(ctx, service, opts); ok {
			c.logFallback(ctx, service, operation, "degradation_gate", "served_from_cache")
			return cached, nil
		}
		return nil, errors.NewUnavailableError(service, "reads disabled in current degradation mode")
	}

	// Offline short-circuit: no point dialing out when connectivity
	// is known to be down.
	if c.offline != nil && !c.offline.IsOnline() {
		if cached, ok := c.readCache(ctx, service, opts); ok {
			c.logFallback(ctx, service, operation, "offline", "served_from_cache")
			return cached, nil
		}
		return nil, errors.NewUnavailableError(service, "offline and no cached value available")
	}

	if err := c.limiter(service).Acquire(ctx); err != nil {
		if cached, ok := c.readCache(ctx, service, opts); ok {
			c.logFallback(ctx, service, operation, "rate_limited", "served_from_cache")
			return cached, nil
		}
		return nil, err
	}

	result, err := c.retrier(service).ExecuteWithResult(ctx, fn)
	if err != nil {
		c.degradation.ReportHealth(service, false, err.Error())
		if cached, ok := c.readCache(ctx, service, opts); ok {
			c.logFallback(ctx, service, operation, "call_failed", "served_from_cache")
			return cached, nil
		}
		return nil, err
	}

	c.degradation.ReportHealth(service, true, "")
	c.fillCache(ctx, service, opts, result)
	return result, nil
}

// ExecuteWrite runs fn under the protection stack. A write blocked by
// degradation mode, or one that fails after all retries, is enqueued
// for later replay when the caller opted in with QueueIfOffline.
func (c *ResilientClient) ExecuteWrite(ctx context.Context, service, operation string, fn func(context.Context) error, opts Options) error {
	if !c.degradation.CanWrite(service) {
		if opts.QueueIfOffline && opts.QueueData != nil {
			if err := c.enqueue(ctx, service, operation, opts); err != nil {
				return err
			}
			c.logFallback(ctx, service, operation, "degradation_gate", "queued")
			return errors.NewQueuedError(service, "service is read-only, operation queued for replay")
		}
		return errors.NewUnavailableError(service, "writes disabled in current degradation mode")
	}

	if c.offline != nil && !c.offline.IsOnline() && opts.QueueIfOffline && opts.QueueData != nil {
		if err := c.enqueue(ctx, service, operation, opts); err != nil {
			return err
		}
		c.logFallback(ctx, service, operation, "offline", "queued")
		return errors.NewQueuedError(service, "offline, operation queued for replay")
	}

	if err := c.limiter(service).Acquire(ctx); err != nil {
		return err
	}

	err := c.retrier(service).Execute(ctx, fn)
	if err != nil {
		c.degradation.ReportHealth(service, false, err.Error())
		if opts.QueueIfOffline && opts.QueueData != nil {
			if qerr := c.enqueue(ctx, service, operation, opts); qerr != nil {
				return qerr
			}
			c.logFallback(ctx, service, operation, "call_failed", "queued")
			return errors.NewQueuedError(service, "write failed, operation queued for replay").WithCause(err)
		}
		return err
	}

	c.degradation.ReportHealth(service, true, "")
	return nil
}

func (c *ResilientClient) enqueue(ctx context.Context, service, operation string, opts Options) error {
	if c.offline == nil {
		return errors.NewInternalError("offline queueing requested but no offline manager configured")
	}
	opType := opts.QueueType
	if opType == "" {
		opType = offline.OperationCustom
	}
	_, err := c.offline.QueueOperation(ctx, service, operation, opType, opts.QueueData, offline.OperationOptions{
		Priority: opts.QueuePriority,
	})
	if err == nil && c.metrics != nil {
		c.metrics.QueuedOperations.WithLabelValues(service, string(opType)).Inc()
		c.metrics.QueueDepth.WithLabelValues(service).Set(float64(c.offline.QueueDepth()))
	}
	return err
}

func (c *ResilientClient) readCache(ctx context.Context, service string, opts Options) (interface{}, bool) {
	if !opts.FallbackToCache || opts.CacheKey == "" || c.offline == nil {
		return nil, false
	}
	var cached interface{}
	found, err := c.offline.GetCachedData(ctx, opts.CacheKey, &cached)
	if err != nil || !found {
		if c.metrics != nil {
			c.metrics.CacheMisses.WithLabelValues(service).Inc()
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(service).Inc()
	}
	return cached, true
}

func (c *ResilientClient) fillCache(ctx context.Context, service string, opts Options, value interface{}) {
	if opts.CacheKey == "" || c.offline == nil {
		return
	}
	if err := c.offline.CacheData(ctx, opts.CacheKey, value, opts.CacheTTL); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(logrus.Fields{
			"service":   service,
			"cache_key": opts.CacheKey,
		}).Warn("Failed to populate cache after successful read")
	}
}

func (c *ResilientClient) logFallback(ctx context.Context, service, operation, reason, action string) {
	c.logger.WithContext(ctx).WithFields(logrus.Fields{
		"service":   service,
		"operation": operation,
		"reason":    reason,
		"action":    action,
	}).Warn("Fallback substitution applied")
}

// limiter returns the per-service rate limiter, creating it on first use
func (c *ResilientClient) limiter(service string) *resilience.RateLimiter {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	rl, ok := c.limiters[service]
	if !ok {
		rl = resilience.NewRateLimiter(service, c.rateConfig)
		c.limiters[service] = rl
	}
	return rl
}

// retrier returns the per-service retrier bound to that service's
// breaker and the shared retry budget.
func (c *ResilientClient) retrier(service string) *resilience.Retrier {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	r, ok := c.retriers[service]
	if !ok {
		r = resilience.NewRetrier(service, c.retryConfig)
		if c.budget != nil {
			r = r.WithBudget(c.budget)
		}
		if c.breakers != nil {
			r = r.WithBreaker(c.breakers.GetBreaker(service))
		}
		c.retriers[service] = r
	}
	return r
}
