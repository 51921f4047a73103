package offline

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/pkg/logging"
)

// ManagerConfig holds offline manager configuration
type ManagerConfig struct {
	QueueFile    string
	MaxQueueSize int
	// Probe, when set, is polled every ProbeInterval to refresh the
	// connectivity flag. Callers may also set connectivity explicitly.
	Probe         func(ctx context.Context) bool
	ProbeInterval time.Duration
	// OnOnline fires on the offline->online edge. Replay itself stays
	// caller-driven so the caller controls ordering relative to its own
	// state.
	OnOnline func()
}

// DefaultManagerConfig returns a default offline manager configuration
func DefaultManagerConfig(queueFile string) ManagerConfig {
	return ManagerConfig{
		QueueFile:     queueFile,
		MaxQueueSize:  1000,
		Probe:         DNSProbe("dns.google"),
		ProbeInterval: 30 * time.Second,
	}
}

// DNSProbe returns a connectivity probe that resolves a well-known host
func DNSProbe(host string) func(ctx context.Context) bool {
	resolver := &net.Resolver{}
	return func(ctx context.Context) bool {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		addrs, err := resolver.LookupHost(probeCtx, host)
		return err == nil && len(addrs) > 0
	}
}

// SyncReport summarizes one replay pass over the queue
type SyncReport struct {
	Executed int
	Failed   int
	Dropped  int
	Errors   []error
}

// Executor replays one queued operation against the remote
type Executor func(ctx context.Context, op *Operation) error

// Manager tracks connectivity and owns the durable operation queue and
// the fallback cache.
type Manager struct {
	queue  *Queue
	cache  *Cache
	config ManagerConfig

	mutex  sync.Mutex
	online bool

	stopProbe context.CancelFunc
	logger    *logging.Logger
}

// NewManager creates an offline manager, reloading any persisted queue
func NewManager(config ManagerConfig, cache *Cache) (*Manager, error) {
	queue, err := NewQueue(config.QueueFile, config.MaxQueueSize)
	if err != nil {
		return nil, err
	}

	return &Manager{
		queue:  queue,
		cache:  cache,
		config: config,
		online: true,
		logger: logging.GetLogger(),
	}, nil
}

// StartProbe begins periodic connectivity probing. Stop with StopProbe.
func (m *Manager) StartProbe(ctx context.Context) {
	if m.config.Probe == nil || m.config.ProbeInterval <= 0 {
		return
	}

	probeCtx, cancel := context.WithCancel(ctx)
	m.stopProbe = cancel

	go func() {
		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				m.SetOnline(m.config.Probe(probeCtx))
			}
		}
	}()
}

// StopProbe stops the connectivity probe loop
func (m *Manager) StopProbe() {
	if m.stopProbe != nil {
		m.stopProbe()
	}
}

// IsOnline reports the current connectivity flag
func (m *Manager) IsOnline() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.online
}

// SetOnline updates the connectivity flag, announcing the
// offline->online edge through OnOnline.
func (m *Manager) SetOnline(online bool) {
	m.mutex.Lock()
	wasOnline := m.online
	m.online = online
	m.mutex.Unlock()

	if online == wasOnline {
		return
	}

	m.logger.Info("Connectivity changed", "online", online)
	if online && m.config.OnOnline != nil {
		m.config.OnOnline()
	}
}

// QueueOperation appends a write to the persisted queue
func (m *Manager) QueueOperation(ctx context.Context, service, name string, opType OperationType, payload json.RawMessage, opts OperationOptions) (*Operation, error) {
	op := NewOperation(service, name, opType, payload, opts)
	if err := m.queue.Push(op); err != nil {
		return nil, err
	}

	m.logger.LogQueueEvent(ctx, "operation_queued", service, op.ID, logrus.Fields{
		"type":     string(opType),
		"name":     name,
		"priority": opts.Priority,
		"depth":    m.queue.Len(),
	})
	return op, nil
}

// GetQueuedOperations returns the pending operations in drain order
func (m *Manager) GetQueuedOperations() []*Operation {
	return m.queue.Snapshot()
}

// QueueDepth returns the number of pending operations
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}

// Sync drains the queue through the executor. An operation leaves the
// persisted queue only once the executor has acknowledged it, so a
// crash mid-replay re-delivers rather than loses the write. Failed
// operations with retries left stay queued with an updated retry
// count; exhausted ones are dropped and reported as permanent failures.
func (m *Manager) Sync(ctx context.Context, execute Executor) (*SyncReport, error) {
	report := &SyncReport{}

	// Work over a snapshot of what was pending at the start, so an
	// operation that stays queued after a failure is not retried again
	// within the same pass.
	for _, op := range m.queue.Snapshot() {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if err := execute(ctx, op); err != nil {
			op.RetryCount++
			if op.CanRetry() {
				report.Failed++
				if upErr := m.queue.Update(op); upErr != nil {
					return report, upErr
				}
				m.logger.LogQueueEvent(ctx, "replay_failed", op.Service, op.ID, logrus.Fields{
					"retry_count": op.RetryCount,
					"max_retries": op.MaxRetries,
					"error":       err.Error(),
				})
			} else {
				report.Dropped++
				report.Errors = append(report.Errors, err)
				if ackErr := m.queue.Ack(op.ID); ackErr != nil {
					return report, ackErr
				}
				m.logger.LogQueueEvent(ctx, "replay_dropped", op.Service, op.ID, logrus.Fields{
					"retry_count": op.RetryCount,
					"error":       err.Error(),
				})
			}
			continue
		}

		if err := m.queue.Ack(op.ID); err != nil {
			return report, err
		}
		report.Executed++
		m.logger.LogQueueEvent(ctx, "replay_succeeded", op.Service, op.ID, nil)
	}

	return report, nil
}

// CacheData stores a read result for offline fallback
func (m *Manager) CacheData(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Set(ctx, key, value, ttl)
}

// GetCachedData retrieves a cached read result
func (m *Manager) GetCachedData(ctx context.Context, key string, dest interface{}) (bool, error) {
	if m.cache == nil {
		return false, nil
	}
	return m.cache.Get(ctx, key, dest)
}

// ClearExpiredCache evicts dead cache entries
func (m *Manager) ClearExpiredCache(ctx context.Context) int {
	if m.cache == nil {
		return 0
	}
	return m.cache.ClearExpired(ctx)
}
