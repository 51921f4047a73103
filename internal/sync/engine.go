package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/client"
	"github.com/tasksync/tasksync/internal/conflict"
	"github.com/tasksync/tasksync/internal/offline"
	"github.com/tasksync/tasksync/internal/state"
	"github.com/tasksync/tasksync/internal/task"
	"github.com/tasksync/tasksync/pkg/errors"
	"github.com/tasksync/tasksync/pkg/logging"
	"github.com/tasksync/tasksync/pkg/metrics"
)

// ErrSyncInProgress is returned when a sync phase is requested while a
// previous cycle for the same engine is still running.
var ErrSyncInProgress = errors.NewUnavailableError("sync", "sync cycle already in progress")

// LocalStore is the persistence contract the engine drives. The sqlite
// implementation lives in internal/store/sqlite.
type LocalStore interface {
	GetUnsyncedTasks(ctx context.Context) ([]*task.LocalTask, error)
	ListTasks(ctx context.Context) ([]*task.LocalTask, error)
	GetTask(ctx context.Context, id string) (*task.LocalTask, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*task.LocalTask, error)
	CreateTask(ctx context.Context, t *task.LocalTask) error
	UpdateTask(ctx context.Context, t *task.LocalTask) error
	RemoveTask(ctx context.Context, id string) error
	SaveConflict(ctx context.Context, c *task.SyncConflict) error
	GetConflicts(ctx context.Context) ([]*task.SyncConflict, error)
}

// RemoteCaller abstracts the remote task service. Implementations are
// plain transports; all resilience is layered on by the engine through
// the resilient client.
type RemoteCaller interface {
	CreateTask(ctx context.Context, t *task.RemoteTask) (*task.RemoteTask, error)
	UpdateTask(ctx context.Context, t *task.RemoteTask) error
	DeleteTask(ctx context.Context, remoteID string) error
	// ListTasks returns the remote snapshot. A non-empty syncToken
	// requests an incremental fetch; the returned token resumes the
	// next fetch. An empty returned token means the fetch was full.
	ListTasks(ctx context.Context, syncToken string) ([]*task.RemoteTask, string, error)
}

// Result summarizes one sync phase.
type Result struct {
	Created   int
	Updated   int
	Deleted   int
	Conflicts int
	Errors    []error
}

// Options tune a bidirectional sync cycle.
type Options struct {
	// Strategy overrides the configured default resolution strategy.
	Strategy task.Strategy
	// Manual supplies the resolver for the manual strategy.
	Manual conflict.ManualResolver
}

// Config wires an engine.
type Config struct {
	ServiceName     string
	BatchSize       int
	DefaultStrategy task.Strategy
	QueueOnFailure  bool
}

// Engine orchestrates synchronization between the local store and the
// remote service. All remote traffic goes through the resilient
// client; sync state is checkpointed after every phase so a crash
// resumes rather than restarts.
type Engine struct {
	config   Config
	store    LocalStore
	remote   RemoteCaller
	client   *client.ResilientClient
	detector *conflict.Detector
	resolver *conflict.Resolver
	state    *state.Store
	mapper   *task.Mapper
	metrics  *metrics.Metrics
	logger   *logging.Logger
	now      func() time.Time

	mutex   sync.Mutex
	running bool
}

// NewEngine creates a sync engine
func NewEngine(config Config, store LocalStore, remote RemoteCaller, rc *client.ResilientClient, st *state.Store, m *metrics.Metrics) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = task.StrategyLatest
	}
	return &Engine{
		config:   config,
		store:    store,
		remote:   remote,
		client:   rc,
		detector: conflict.NewDetector(),
		resolver: conflict.NewResolver(),
		state:    st,
		mapper:   task.NewMapper(),
		metrics:  m,
		logger:   logging.GetLogger(),
		now:      time.Now,
	}
}

// begin claims the engine for one cycle; concurrent entry is rejected
// rather than queued so overlapping cycles can never interleave writes.
func (e *Engine) begin() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.running {
		return ErrSyncInProgress
	}
	e.running = true
	return nil
}

func (e *Engine) end() {
	e.mutex.Lock()
	e.running = false
	e.mutex.Unlock()
}

// SyncLocalToRemote pushes every dirty local task outward in batches.
// Successful pushes clear the dirty flag and record the remote id and
// last-synced instant; failures leave the task dirty for the next run.
func (e *Engine) SyncLocalToRemote(ctx context.Context) (*Result, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	ctx = e.cycleContext(ctx)
	return e.runPhase(ctx, "local_to_remote", func(st *state.SyncState) (*Result, error) {
		result := &Result{}
		dirty, err := e.store.GetUnsyncedTasks(ctx)
		if err != nil {
			return result, err
		}

		for start := 0; start < len(dirty); start += e.config.BatchSize {
			stop := start + e.config.BatchSize
			if stop > len(dirty) {
				stop = len(dirty)
			}
			for _, t := range dirty[start:stop] {
				if t.Sync.Queued {
					// Delivery belongs to the replay path; pushing
					// here would deliver the same write twice.
					continue
				}
				if err := e.pushTask(ctx, t, st, result); err != nil {
					result.Errors = append(result.Errors, err)
				}
			}
		}
		return result, nil
	})
}

// SyncRemoteToLocal pulls the remote snapshot inward: unmapped remote
// ids become new local tasks, mapped ones are overlaid onto their
// local counterparts, and a full fetch deletes local tasks whose
// remote id vanished.
func (e *Engine) SyncRemoteToLocal(ctx context.Context) (*Result, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	ctx = e.cycleContext(ctx)
	return e.runPhase(ctx, "remote_to_local", func(st *state.SyncState) (*Result, error) {
		result := &Result{}
		remotes, fullFetch, err := e.fetchRemote(ctx, st)
		if err != nil {
			return result, err
		}

		seen := make(map[string]bool, len(remotes))
		for _, r := range remotes {
			seen[r.RemoteID] = true
			if err := e.pullTask(ctx, r, st, result); err != nil {
				result.Errors = append(result.Errors, err)
			}
		}

		if fullFetch {
			if err := e.removeVanished(ctx, seen, st, result, false); err != nil {
				result.Errors = append(result.Errors, err)
			}
		}
		return result, nil
	})
}

// SyncBidirectional reconciles both sides: concurrent edits go through
// conflict detection and resolution, one-sided edits flow in their
// natural direction, and remote deletions of locally dirty tasks are
// surfaced as deletion conflicts instead of silently dropping edits.
func (e *Engine) SyncBidirectional(ctx context.Context, opts Options) (*Result, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	ctx = e.cycleContext(ctx)
	strategy := opts.Strategy
	if strategy == "" {
		strategy = e.config.DefaultStrategy
	}

	return e.runPhase(ctx, "bidirectional", func(st *state.SyncState) (*Result, error) {
		result := &Result{}

		remotes, fullFetch, err := e.fetchRemote(ctx, st)
		if err != nil {
			return result, err
		}
		remoteByID := make(map[string]*task.RemoteTask, len(remotes))
		for _, r := range remotes {
			remoteByID[r.RemoteID] = r
		}

		locals, err := e.store.ListTasks(ctx)
		if err != nil {
			return result, err
		}

		matched := make(map[string]bool, len(locals))
		for _, local := range locals {
			remoteID := local.Sync.RemoteID
			if remoteID == "" {
				if local.Sync.Queued {
					continue // deferred to the replay path
				}
				// Never synced: push.
				if err := e.pushTask(ctx, local, st, result); err != nil {
					result.Errors = append(result.Errors, err)
				}
				continue
			}

			remote, exists := remoteByID[remoteID]
			if !exists {
				if !fullFetch {
					continue // incremental fetch says nothing about absence
				}
				continue // handled by removeVanished below
			}
			matched[remoteID] = true

			if err := e.reconcile(ctx, local, remote, strategy, opts.Manual, st, result); err != nil {
				result.Errors = append(result.Errors, err)
			}
		}

		// Remote-only ids: pull.
		for _, r := range remotes {
			if matched[r.RemoteID] {
				continue
			}
			if existing, err := e.store.FindByRemoteID(ctx, r.RemoteID); err == nil && existing != nil {
				continue // already mapped, reconciled above
			}
			if err := e.pullTask(ctx, r, st, result); err != nil {
				result.Errors = append(result.Errors, err)
			}
		}

		if fullFetch {
			seen := make(map[string]bool, len(remotes))
			for _, r := range remotes {
				seen[r.RemoteID] = true
			}
			if err := e.removeVanished(ctx, seen, st, result, true); err != nil {
				result.Errors = append(result.Errors, err)
			}
		}
		return result, nil
	})
}

// reconcile handles one matched local/remote pair in a bidirectional
// cycle: detect, resolve, apply to both sides, audit.
func (e *Engine) reconcile(ctx context.Context, local *task.LocalTask, remote *task.RemoteTask, strategy task.Strategy, manual conflict.ManualResolver, st *state.SyncState, result *Result) error {
	c := e.detector.Detect(local, remote, local.Sync.LastSyncedAt)
	if c == nil {
		// No concurrent modification: one-sided edits flow through.
		switch {
		case local.Sync.Queued:
			return nil // deferred to the replay path
		case local.Sync.Dirty:
			return e.pushTask(ctx, local, st, result)
		case e.remoteChangedSince(remote, local.Sync.LastSyncedAt):
			return e.pullTask(ctx, remote, st, result)
		}
		return nil
	}

	result.Conflicts++
	e.recordConflict(ctx, c, strategy)

	resolved, err := e.resolver.Resolve(c, strategy, manual)
	if err != nil {
		return err
	}

	// Apply to both sides.
	now := e.now()
	resolved.Sync.Dirty = false
	resolved.Sync.LastSyncedAt = &now
	if err := e.store.UpdateTask(ctx, resolved); err != nil {
		return err
	}
	snap := e.mapper.ToRemote(resolved)
	err = e.client.ExecuteWrite(ctx, e.config.ServiceName, "task_update", func(ctx context.Context) error {
		return e.remote.UpdateTask(ctx, snap)
	}, e.writeOptions(resolved))
	if err != nil {
		return err
	}

	result.Updated++
	e.countTask("bidirectional", "resolved")
	return nil
}

// pushTask sends one local task outward, creating or updating by
// whether a remote id is already mapped.
func (e *Engine) pushTask(ctx context.Context, t *task.LocalTask, st *state.SyncState, result *Result) error {
	snap := e.mapper.ToRemote(t)

	if t.Sync.RemoteID == "" {
		var created *task.RemoteTask
		err := e.client.ExecuteWrite(ctx, e.config.ServiceName, "task_create", func(ctx context.Context) error {
			r, err := e.remote.CreateTask(ctx, snap)
			if err != nil {
				return err
			}
			created = r
			return nil
		}, e.writeOptions(t))
		if err != nil {
			return e.noteQueued(ctx, t, err)
		}
		t.Sync.RemoteID = created.RemoteID
		result.Created++
		e.countTask("local_to_remote", "created")
	} else {
		err := e.client.ExecuteWrite(ctx, e.config.ServiceName, "task_update", func(ctx context.Context) error {
			return e.remote.UpdateTask(ctx, snap)
		}, e.writeOptions(t))
		if err != nil {
			return e.noteQueued(ctx, t, err)
		}
		result.Updated++
		e.countTask("local_to_remote", "updated")
	}

	now := e.now()
	t.Sync.Dirty = false
	t.Sync.Queued = false
	t.Sync.LastSyncedAt = &now
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	st.IDMappings[t.ID] = t.Sync.RemoteID
	return nil
}

// noteQueued flags a task whose write was deferred into the offline
// queue, so subsequent push phases leave delivery to the replay path
// and the same write is never issued twice.
func (e *Engine) noteQueued(ctx context.Context, t *task.LocalTask, err error) error {
	if !errors.IsQueued(err) {
		return err
	}
	t.Sync.Queued = true
	if uerr := e.store.UpdateTask(ctx, t); uerr != nil {
		e.logger.WithContext(ctx).WithError(uerr).Warn("Failed to flag task as queued")
	}
	return err
}

// ReplayExecutor returns the executor that drains the offline queue.
// Each queued write is re-issued against the remote and, on success,
// the acknowledgement is folded back into the local store: the queued
// flag clears, the remote id of a replayed create is recorded, and the
// dirty flag clears unless the task was edited again after queueing.
func (e *Engine) ReplayExecutor() offline.Executor {
	return func(ctx context.Context, op *offline.Operation) error {
		var queued task.LocalTask
		if err := json.Unmarshal(op.Payload, &queued); err != nil {
			return errors.NewInternalError("failed to decode queued task payload").WithCause(err)
		}

		switch op.Type {
		case offline.OperationDelete:
			return e.remote.DeleteTask(ctx, queued.Sync.RemoteID)
		case offline.OperationCreate:
			created, err := e.remote.CreateTask(ctx, e.mapper.ToRemote(&queued))
			if err != nil {
				return err
			}
			queued.Sync.RemoteID = created.RemoteID
		default:
			if err := e.remote.UpdateTask(ctx, e.mapper.ToRemote(&queued)); err != nil {
				return err
			}
		}

		return e.acknowledgeReplay(ctx, &queued)
	}
}

// acknowledgeReplay records a replayed write against the current local
// record. The payload is a snapshot from queueing time, so the dirty
// flag is only cleared when the task has not moved since.
func (e *Engine) acknowledgeReplay(ctx context.Context, queued *task.LocalTask) error {
	current, err := e.store.GetTask(ctx, queued.ID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil // removed locally while queued
		}
		return err
	}

	now := e.now()
	current.Sync.Queued = false
	if queued.Sync.RemoteID != "" {
		current.Sync.RemoteID = queued.Sync.RemoteID
	}
	if !current.UpdatedAt.After(queued.UpdatedAt) {
		current.Sync.Dirty = false
		current.Sync.LastSyncedAt = &now
	}
	return e.store.UpdateTask(ctx, current)
}

// pullTask overlays one remote snapshot inward, creating the local
// record when the remote id is unmapped.
func (e *Engine) pullTask(ctx context.Context, r *task.RemoteTask, st *state.SyncState, result *Result) error {
	existing, err := e.store.FindByRemoteID(ctx, r.RemoteID)
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return err
	}

	now := e.now()
	if existing == nil {
		local := e.mapper.ToLocal(r)
		local.Sync.RemoteID = r.RemoteID
		local.Sync.LastSyncedAt = &now
		if err := e.store.CreateTask(ctx, local); err != nil {
			return err
		}
		st.IDMappings[local.ID] = r.RemoteID
		result.Created++
		e.countTask("remote_to_local", "created")
		return nil
	}

	updated := e.mapper.ApplyRemote(existing, r, now)
	updated.Sync.Dirty = false
	updated.Sync.LastSyncedAt = &now
	if err := e.store.UpdateTask(ctx, updated); err != nil {
		return err
	}
	result.Updated++
	e.countTask("remote_to_local", "updated")
	return nil
}

// removeVanished handles local tasks whose mapped remote id no longer
// appears in a full remote fetch. Clean tasks are deleted; dirty ones
// are preserved and logged as deletion conflicts when asked to.
func (e *Engine) removeVanished(ctx context.Context, seen map[string]bool, st *state.SyncState, result *Result, logDeletionConflicts bool) error {
	locals, err := e.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	for _, t := range locals {
		if t.Sync.RemoteID == "" || seen[t.Sync.RemoteID] {
			continue
		}

		if t.Sync.Dirty {
			if logDeletionConflicts {
				c := e.deletionConflict(t)
				result.Conflicts++
				e.recordConflict(ctx, c, "")
			} else {
				e.logger.WithContext(ctx).WithFields(logrus.Fields{
					"task_id":   t.ID,
					"remote_id": t.Sync.RemoteID,
				}).Debug("Remote deletion skipped for locally modified task")
			}
			continue
		}

		if err := e.store.RemoveTask(ctx, t.ID); err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		delete(st.IDMappings, t.ID)
		result.Deleted++
		e.countTask("remote_to_local", "deleted")
	}
	return nil
}

// deletionConflict records a remote deletion racing a local edit.
func (e *Engine) deletionConflict(t *task.LocalTask) *task.SyncConflict {
	return &task.SyncConflict{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		RemoteID:   t.Sync.RemoteID,
		Type:       task.ConflictDeletion,
		DetectedAt: e.now(),
		Local:      t.Clone(),
		Severity:   task.SeverityHigh,
		Suggested:  task.StrategyManual,
	}
}

// recordConflict persists a conflict to the store and the append-only
// audit log. Audit failures are logged, never fatal to the cycle.
func (e *Engine) recordConflict(ctx context.Context, c *task.SyncConflict, strategy task.Strategy) {
	if err := e.store.SaveConflict(ctx, c); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to persist conflict record")
	}

	fields := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		fields = append(fields, f.Field)
	}
	rec := state.ConflictRecord{
		ConflictID: c.ID,
		TaskID:     c.TaskID,
		RemoteID:   c.RemoteID,
		Type:       c.Type,
		Severity:   c.Severity,
		Fields:     fields,
		Strategy:   strategy,
		DetectedAt: c.DetectedAt,
	}
	if err := e.state.AppendConflict(rec); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to append conflict audit record")
	}

	if e.metrics != nil {
		e.metrics.ConflictsTotal.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
	}
}

// fetchRemote lists remote tasks through the resilient client,
// incremental when a sync token is checkpointed. The second return
// reports whether the fetch covered the full remote set.
func (e *Engine) fetchRemote(ctx context.Context, st *state.SyncState) ([]*task.RemoteTask, bool, error) {
	token := st.SyncToken
	var (
		remotes   []*task.RemoteTask
		nextToken string
	)
	_, err := e.client.ExecuteRead(ctx, e.config.ServiceName, "task_list", func(ctx context.Context) (interface{}, error) {
		r, next, err := e.remote.ListTasks(ctx, token)
		if err != nil {
			return nil, err
		}
		remotes, nextToken = r, next
		return r, nil
	}, client.Options{})
	if err != nil {
		return nil, false, err
	}
	st.SyncToken = nextToken
	return remotes, token == "", nil
}

func (e *Engine) remoteChangedSince(r *task.RemoteTask, lastSyncedAt *time.Time) bool {
	if lastSyncedAt == nil {
		return true
	}
	return r.ModifiedAt().After(*lastSyncedAt)
}

func (e *Engine) writeOptions(t *task.LocalTask) client.Options {
	opts := client.Options{}
	if e.config.QueueOnFailure {
		if payload, err := json.Marshal(t); err == nil {
			opts.QueueIfOffline = true
			opts.QueueData = payload
			opts.QueueType = queueType(t)
		}
	}
	return opts
}

func queueType(t *task.LocalTask) offline.OperationType {
	if t.Sync.RemoteID == "" {
		return offline.OperationCreate
	}
	return offline.OperationUpdate
}

// runPhase loads the checkpointed state, runs one phase against it,
// and checkpoints the state again whether the phase succeeded or not.
func (e *Engine) runPhase(ctx context.Context, phase string, run func(st *state.SyncState) (*Result, error)) (*Result, error) {
	started := e.now()
	st, err := e.state.Load()
	if err != nil {
		return nil, err
	}

	e.logger.LogSyncEvent(ctx, "sync_phase_started", e.config.ServiceName, phase, nil)

	result, err := run(st)

	st.LastSyncAt = e.now()
	st.CycleCount++
	st.LastCycleID = cycleID(ctx)
	st.LastCycleErr = ""
	if err != nil {
		st.LastCycleErr = err.Error()
	}
	if saveErr := e.state.Save(st); saveErr != nil {
		e.logger.WithContext(ctx).WithError(saveErr).Error("Failed to checkpoint sync state")
		if result != nil {
			result.Errors = append(result.Errors, saveErr)
		}
	}

	outcome := "success"
	if err != nil || (result != nil && len(result.Errors) > 0) {
		outcome = "error"
	}
	if e.metrics != nil {
		e.metrics.SyncCycles.WithLabelValues(phase, outcome).Inc()
		e.metrics.SyncPhaseSeconds.WithLabelValues(phase).Observe(e.now().Sub(started).Seconds())
	}

	fields := logrus.Fields{"outcome": outcome}
	if result != nil {
		fields["created"] = result.Created
		fields["updated"] = result.Updated
		fields["deleted"] = result.Deleted
		fields["conflicts"] = result.Conflicts
		fields["errors"] = len(result.Errors)
	}
	e.logger.LogSyncEvent(ctx, "sync_phase_finished", e.config.ServiceName, phase, fields)

	return result, err
}

func (e *Engine) countTask(phase, action string) {
	if e.metrics != nil {
		e.metrics.TasksSynced.WithLabelValues(phase, action).Inc()
	}
}

// cycleContext stamps a correlation id for the cycle's log lines.
func (e *Engine) cycleContext(ctx context.Context) context.Context {
	return logging.WithSyncCycleID(ctx, uuid.New().String())
}

func cycleID(ctx context.Context) string {
	if v, ok := ctx.Value(logging.SyncCycleIDKey).(string); ok {
		return v
	}
	return ""
}
