package offline

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tasksync/tasksync/pkg/errors"
)

// opHeap orders operations by priority descending, then enqueue time
// ascending. A heap avoids the O(n log n) re-sort a slice would need on
// every insert.
type opHeap []*Operation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x interface{}) {
	*h = append(*h, x.(*Operation))
}

func (h *opHeap) Pop() interface{} {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}

// Queue is a durable priority queue of pending operations. Every
// mutation persists the queue before returning, using a write-to-temp
// then rename so a crash never leaves a truncated file behind.
type Queue struct {
	mutex   sync.Mutex
	ops     opHeap
	path    string
	maxSize int
}

// NewQueue creates a queue persisted at path, loading any existing
// entries from a previous process.
func NewQueue(path string, maxSize int) (*Queue, error) {
	if maxSize <= 0 {
		maxSize = 1000
	}
	q := &Queue{
		path:    path,
		maxSize: maxSize,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Push adds an operation, rejecting when the queue is full. The caller
// gets the error synchronously; operations are never silently dropped.
func (q *Queue) Push(op *Operation) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.ops) >= q.maxSize {
		return errors.NewQueueFullError(op.Service, len(q.ops))
	}

	heap.Push(&q.ops, op)
	return q.persist()
}

// Pop removes and returns the highest-priority operation, or nil when empty
func (q *Queue) Pop() (*Operation, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.ops) == 0 {
		return nil, nil
	}
	op := heap.Pop(&q.ops).(*Operation)
	if err := q.persist(); err != nil {
		// Undo so the in-memory queue matches disk.
		heap.Push(&q.ops, op)
		return nil, err
	}
	return op, nil
}

// Requeue puts a failed operation back with its updated retry count
func (q *Queue) Requeue(op *Operation) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	heap.Push(&q.ops, op)
	return q.persist()
}

// Ack removes the operation with the given id, persisting the removal.
// Replay acknowledges an operation only after the remote accepted it,
// so the persisted queue keeps covering every in-flight write.
func (q *Queue) Ack(id string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for i, op := range q.ops {
		if op.ID == id {
			heap.Remove(&q.ops, i)
			return q.persist()
		}
	}
	return nil
}

// Update persists new retry metadata for an operation already in the
// queue. The ordering keys never change, so no heap fix-up is needed.
func (q *Queue) Update(op *Operation) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for i, existing := range q.ops {
		if existing.ID == op.ID {
			q.ops[i] = op
			return q.persist()
		}
	}
	return nil
}

// Len returns the number of pending operations
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.ops)
}

// Snapshot returns the pending operations in drain order without
// removing them.
func (q *Queue) Snapshot() []*Operation {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.drainOrder()
}

// drainOrder sorts a copy of the heap into pop order. Callers must hold
// the mutex.
func (q *Queue) drainOrder() []*Operation {
	tmp := make(opHeap, len(q.ops))
	copy(tmp, q.ops)
	heap.Init(&tmp)

	out := make([]*Operation, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*Operation))
	}
	return out
}

// persist writes the queue atomically. Callers must hold the mutex.
func (q *Queue) persist() error {
	data, err := json.MarshalIndent(q.drainOrder(), "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to serialize offline queue").WithCause(err)
	}

	tmp := q.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return errors.NewInternalError("failed to create queue directory").WithCause(err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewInternalError("failed to write offline queue").WithCause(err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return errors.NewInternalError("failed to replace offline queue file").WithCause(err)
	}
	return nil
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewInternalError(fmt.Sprintf("failed to read offline queue %s", q.path)).WithCause(err)
	}

	var ops []*Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return errors.NewInternalError("failed to parse offline queue").WithCause(err)
	}

	q.ops = ops
	heap.Init(&q.ops)
	return nil
}
