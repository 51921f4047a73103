package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorKind is the closed set of error classifications used by the
// resilience layers. Retry and circuit-breaker logic branch on kinds,
// never on string matching or ad hoc fields.
type ErrorKind string

const (
	KindNetwork        ErrorKind = "network"
	KindRateLimit      ErrorKind = "rate_limit"
	KindServer         ErrorKind = "server"
	KindClient         ErrorKind = "client"
	KindCircuitOpen    ErrorKind = "circuit_open"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindConflict       ErrorKind = "conflict"
	KindQueueFull      ErrorKind = "queue_full"
	KindUnavailable    ErrorKind = "unavailable"
	KindValidation     ErrorKind = "validation"
	KindTimeout        ErrorKind = "timeout"
	KindNotFound       ErrorKind = "not_found"
	KindInternal       ErrorKind = "internal"
)

// Error is a tagged application error with context.
type Error struct {
	Kind       ErrorKind         `json:"kind"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	StatusCode int               `json:"status_code,omitempty"`
	RetryAfter time.Time         `json:"retry_after,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new tagged error.
func New(kind ErrorKind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithStatusCode records the remote status code that produced the error.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRetryAfter records the earliest instant a retry may be attempted.
func (e *Error) WithRetryAfter(t time.Time) *Error {
	e.RetryAfter = t
	return e
}

// Common constructors

func NewNetworkError(message string) *Error {
	return New(KindNetwork, "NETWORK_ERROR", message)
}

func NewRateLimitError(message string) *Error {
	return New(KindRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewServerError(message string) *Error {
	return New(KindServer, "SERVER_ERROR", message)
}

func NewClientError(message string) *Error {
	return New(KindClient, "CLIENT_ERROR", message)
}

func NewCircuitOpenError(service string, retryAfter time.Time) *Error {
	return New(KindCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker for %q is open", service)).
		WithDetail("service", service).
		WithRetryAfter(retryAfter)
}

func NewBudgetExceededError(service string) *Error {
	return New(KindBudgetExceeded, "RETRY_BUDGET_EXCEEDED",
		fmt.Sprintf("retry budget exhausted for %q", service)).
		WithDetail("service", service)
}

func NewConflictError(message string) *Error {
	return New(KindConflict, "CONFLICT", message)
}

func NewQueueFullError(service string, size int) *Error {
	return New(KindQueueFull, "QUEUE_FULL",
		fmt.Sprintf("offline queue for %q is full (%d entries)", service, size)).
		WithDetail("service", service)
}

func NewUnavailableError(service, message string) *Error {
	return New(KindUnavailable, "SERVICE_UNAVAILABLE", message).
		WithDetail("service", service)
}

// NewQueuedError reports a write that was accepted into the offline
// queue instead of being delivered. Delivery now belongs to the replay
// path; callers use IsQueued to tell the two apart.
func NewQueuedError(service, message string) *Error {
	return New(KindUnavailable, "OPERATION_QUEUED", message).
		WithDetail("service", service)
}

func NewValidationError(message string) *Error {
	return New(KindValidation, "VALIDATION_ERROR", message)
}

func NewTimeoutError(operation string) *Error {
	return New(KindTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewNotFoundError(resource string) *Error {
	return New(KindNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *Error {
	return New(KindInternal, "INTERNAL_ERROR", message)
}

// Kind returns the kind of err, or KindInternal for untagged errors.
func Kind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// AsError extracts the tagged error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsQueued reports whether err marks a write that was deferred into
// the offline queue rather than delivered.
func IsQueued(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code == "OPERATION_QUEUED"
}

// Retryable reports whether err should be retried. Network, rate-limit,
// server and timeout failures are retryable; circuit-open, budget-exceeded
// and client-class errors never are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindNetwork, KindRateLimit, KindServer, KindTimeout:
			return true
		default:
			return false
		}
	}
	// Untagged errors that look like transport failures are retried.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return isNetworkErrorText(err.Error())
}

// Classify tags an error coming back from the remote boundary. Already
// tagged errors pass through; otherwise the status code, then the error
// text, decides.
func Classify(err error, statusCode int) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}

	switch {
	case statusCode == 429:
		return NewRateLimitError(err.Error()).WithStatusCode(statusCode).WithCause(err)
	case statusCode >= 500:
		return NewServerError(err.Error()).WithStatusCode(statusCode).WithCause(err)
	case statusCode >= 400:
		return NewClientError(err.Error()).WithStatusCode(statusCode).WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError("remote call").WithCause(err)
		}
		return NewNetworkError(err.Error()).WithCause(err)
	}
	if isNetworkErrorText(err.Error()) {
		return NewNetworkError(err.Error()).WithCause(err)
	}

	return NewInternalError(err.Error()).WithCause(err)
}

func isNetworkErrorText(msg string) bool {
	msg = strings.ToLower(msg)
	for _, probe := range []string{
		"connection reset",
		"connection refused",
		"no such host",
		"broken pipe",
		"i/o timeout",
		"network is unreachable",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}
