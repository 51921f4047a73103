package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/tasksync/tasksync/pkg/errors"
	"github.com/tasksync/tasksync/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateHalfOpen - circuit is half-open, limited probe requests are allowed
	StateHalfOpen
	// StateOpen - circuit is open, requests are rejected
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of failures within FailureWindow
	// that trips the breaker open
	FailureThreshold int
	// FailureWindow is the trailing window over which failures accumulate
	FailureWindow time.Duration
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays open before a probe
	// call is allowed through
	ResetTimeout time.Duration
	// HalfOpenMaxCalls caps concurrent probe calls while half-open
	HalfOpenMaxCalls int
	// IsFailure decides whether an error counts against the breaker.
	// Validation-class errors typically do not.
	IsFailure func(error) bool
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// defaultIsFailure counts every error except validation and client errors.
func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Kind(err) {
	case errors.KindValidation, errors.KindClient, errors.KindNotFound, errors.KindConflict:
		return false
	}
	return true
}

// CircuitBreaker is a state machine that isolates a failing remote
// service. Failures accumulate in a trailing window while closed; the
// breaker rejects calls while open, and allows a limited number of
// probes once the reset timeout has elapsed.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	failureWindow    time.Duration
	successThreshold int
	resetTimeout     time.Duration
	halfOpenMaxCalls int
	isFailure        func(error) bool
	onStateChange    func(name string, from CircuitState, to CircuitState)

	mutex         sync.Mutex
	state         CircuitState
	failures      []time.Time
	successes     int
	openedAt      time.Time
	halfOpenCalls int

	now    func() time.Time
	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = time.Minute
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}

	cb := &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		failureWindow:    config.FailureWindow,
		successThreshold: config.SuccessThreshold,
		resetTimeout:     config.ResetTimeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		isFailure:        config.IsFailure,
		onStateChange:    config.OnStateChange,
		state:            StateClosed,
		now:              time.Now,
		logger:           logging.GetLogger(),
	}
	if cb.isFailure == nil {
		cb.isFailure = defaultIsFailure
	}
	return cb
}

// Execute runs the given request if the circuit breaker accepts it
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeRequest(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(errors.NewInternalError("panic during call"))
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(err)
	return result, err
}

// Call is a convenience method that wraps Execute for functions that don't need context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// FailureCount returns the number of failures currently inside the window
func (cb *CircuitBreaker) FailureCount() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return len(cb.pruned(cb.now()))
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		retryAt := cb.openedAt.Add(cb.resetTimeout)
		if now.Before(retryAt) {
			return errors.NewCircuitOpenError(cb.name, retryAt)
		}
		// Reset timeout elapsed: this call becomes the probe.
		cb.setState(StateHalfOpen, now)
		cb.halfOpenCalls = 1
		return nil
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return errors.NewCircuitOpenError(cb.name, cb.openedAt.Add(cb.resetTimeout))
		}
		cb.halfOpenCalls++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	if err != nil && cb.isFailure(err) {
		cb.onFailure(now)
	} else {
		cb.onSuccess(now)
	}
}

func (cb *CircuitBreaker) onSuccess(now time.Time) {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = nil
			cb.setState(StateClosed, now)
		}
	case StateClosed:
		// Steady state; failure history ages out of the window on its own.
	}
	if cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

func (cb *CircuitBreaker) onFailure(now time.Time) {
	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.pruned(now), now)
		if len(cb.failures) >= cb.failureThreshold {
			cb.openedAt = now
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A single probe failure reopens the circuit.
		cb.openedAt = now
		cb.setState(StateOpen, now)
	}
	if cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// pruned returns the failure timestamps still inside the trailing window.
func (cb *CircuitBreaker) pruned(now time.Time) []time.Time {
	cutoff := now.Add(-cb.failureWindow)
	kept := cb.failures[:0:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.successes = 0
	if state != StateHalfOpen {
		cb.halfOpenCalls = 0
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failures_in_window", len(cb.failures),
	)
}

// Registry lazily creates one breaker per service name with shared
// defaults. It is an explicit object threaded through constructors,
// never a package-level singleton.
type Registry struct {
	mutex    sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewRegistry creates a breaker registry with shared default configuration
func NewRegistry(defaults CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// GetBreaker returns the breaker for the named service, creating it on first use
func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	config.Name = name
	cb := NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Breakers returns a snapshot of all registered breakers keyed by name
func (r *Registry) Breakers() map[string]*CircuitBreaker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb
	}
	return out
}
