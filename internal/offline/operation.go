package offline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OperationType classifies a queued write
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
	OperationCustom OperationType = "custom"
)

// Operation is a write that could not reach the remote and is waiting
// for replay. The persisted queue of these is the single source of
// truth for "writes not yet acknowledged by the remote".
type Operation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	Service    string          `json:"service"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Priority   int             `json:"priority"` // higher drains first
}

// OperationOptions tune a queued operation
type OperationOptions struct {
	MaxRetries int
	Priority   int
}

// NewOperation creates a queued operation
func NewOperation(service, name string, opType OperationType, payload json.RawMessage, opts OperationOptions) *Operation {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Operation{
		ID:         uuid.New().String(),
		Type:       opType,
		Service:    service,
		Name:       name,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		MaxRetries: opts.MaxRetries,
		Priority:   opts.Priority,
	}
}

// CanRetry reports whether the operation has retry attempts left
func (op *Operation) CanRetry() bool {
	return op.RetryCount < op.MaxRetries
}
