package sync

import (
	"context"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasksync/tasksync/internal/client"
	"github.com/tasksync/tasksync/internal/offline"
	"github.com/tasksync/tasksync/internal/state"
	"github.com/tasksync/tasksync/internal/task"
	"github.com/tasksync/tasksync/pkg/errors"
	"github.com/tasksync/tasksync/pkg/resilience"
)

// fakeStore is an in-memory LocalStore.
type fakeStore struct {
	mu        stdsync.Mutex
	tasks     map[string]*task.LocalTask
	conflicts []*task.SyncConflict
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*task.LocalTask)}
}

func (s *fakeStore) put(t *task.LocalTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
}

func (s *fakeStore) get(id string) *task.LocalTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone()
	}
	return nil
}

func (s *fakeStore) GetUnsyncedTasks(ctx context.Context) ([]*task.LocalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.LocalTask
	for _, t := range s.tasks {
		if t.Sync.Dirty {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) ListTasks(ctx context.Context) ([]*task.LocalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.LocalTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*task.LocalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.Clone(), nil
	}
	return nil, errors.NewNotFoundError("task " + id)
}

func (s *fakeStore) FindByRemoteID(ctx context.Context, remoteID string) (*task.LocalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Sync.RemoteID == remoteID {
			return t.Clone(), nil
		}
	}
	return nil, errors.NewNotFoundError("task with remote id " + remoteID)
}

func (s *fakeStore) CreateTask(ctx context.Context, t *task.LocalTask) error {
	s.put(t)
	return nil
}

func (s *fakeStore) UpdateTask(ctx context.Context, t *task.LocalTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return errors.NewNotFoundError("task " + t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *fakeStore) RemoveTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *fakeStore) SaveConflict(ctx context.Context, c *task.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
	return nil
}

func (s *fakeStore) GetConflicts(ctx context.Context) ([]*task.SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*task.SyncConflict(nil), s.conflicts...), nil
}

// fakeRemote is an in-memory RemoteCaller with programmable failures.
type fakeRemote struct {
	mu         stdsync.Mutex
	tasks      map[string]*task.RemoteTask
	failures   int // fail this many calls before succeeding
	calls      int
	syncTokens bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{tasks: make(map[string]*task.RemoteTask)}
}

func (r *fakeRemote) maybeFail() error {
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.NewServerError("remote unavailable")
	}
	return nil
}

func (r *fakeRemote) CreateTask(ctx context.Context, t *task.RemoteTask) (*task.RemoteTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail(); err != nil {
		return nil, err
	}
	created := *t
	created.RemoteID = "r-" + uuid.New().String()[:8]
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	r.tasks[created.RemoteID] = &created
	return &created, nil
}

func (r *fakeRemote) UpdateTask(ctx context.Context, t *task.RemoteTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail(); err != nil {
		return err
	}
	if _, ok := r.tasks[t.RemoteID]; !ok {
		return errors.NewNotFoundError("remote task " + t.RemoteID)
	}
	snap := *t
	r.tasks[t.RemoteID] = &snap
	return nil
}

func (r *fakeRemote) DeleteTask(ctx context.Context, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail(); err != nil {
		return err
	}
	delete(r.tasks, remoteID)
	return nil
}

func (r *fakeRemote) ListTasks(ctx context.Context, syncToken string) ([]*task.RemoteTask, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.maybeFail(); err != nil {
		return nil, "", err
	}
	out := make([]*task.RemoteTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		snap := *t
		out = append(out, &snap)
	}
	next := ""
	if r.syncTokens {
		next = "tok-" + uuid.New().String()[:8]
	}
	return out, next, nil
}

func (r *fakeRemote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *fakeRemote) seed(remoteID, content string, priority int, updatedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := updatedAt
	r.tasks[remoteID] = &task.RemoteTask{
		RemoteID:  remoteID,
		Content:   content,
		Priority:  priority,
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: &updated,
	}
}

type engineFixture struct {
	engine      *Engine
	store       *fakeStore
	remote      *fakeRemote
	stateStore  *state.Store
	degradation *resilience.DegradationManager
	offline     *offline.Manager
}

func newFixture(t *testing.T, config Config) *engineFixture {
	t.Helper()
	dir := t.TempDir()

	if config.ServiceName == "" {
		config.ServiceName = "remote-api"
	}

	store := newFakeStore()
	remote := newFakeRemote()
	stateStore := state.NewStore(filepath.Join(dir, "state.json"), filepath.Join(dir, "conflicts.log"))

	degradation := resilience.NewDegradationManager(resilience.DefaultDegradationConfig())
	degradation.RegisterService(config.ServiceName)

	mgr, err := offline.NewManager(offline.ManagerConfig{
		QueueFile:    filepath.Join(dir, "queue.json"),
		MaxQueueSize: 100,
	}, offline.NewCache(offline.NewMemoryStore(), time.Minute))
	require.NoError(t, err)

	rc := client.NewResilientClient(client.Config{
		Breakers: resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig("")),
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2,
		},
		RateLimit: resilience.RateLimiterConfig{
			TokensPerSecond: 10000,
			Burst:           10000,
			MaxQueueSize:    100,
			AcquireTimeout:  time.Second,
		},
		Offline:     mgr,
		Degradation: degradation,
	})

	return &engineFixture{
		engine:      NewEngine(config, store, remote, rc, stateStore, nil),
		store:       store,
		remote:      remote,
		stateStore:  stateStore,
		degradation: degradation,
		offline:     mgr,
	}
}

func dirtyTask(title string) *task.LocalTask {
	now := time.Now()
	return &task.LocalTask{
		ID:        uuid.New().String(),
		Title:     title,
		Status:    task.StatusTodo,
		Priority:  2,
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now,
		Sync:      task.SyncState{Dirty: true},
	}
}

func TestSyncLocalToRemoteCreatesAndClears(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	created := dirtyTask("new task")
	f.store.put(created)

	result, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Empty(t, result.Errors)

	after := f.store.get(created.ID)
	assert.False(t, after.Sync.Dirty)
	assert.NotEmpty(t, after.Sync.RemoteID)
	assert.NotNil(t, after.Sync.LastSyncedAt)

	st, err := f.stateStore.Load()
	require.NoError(t, err)
	assert.Equal(t, after.Sync.RemoteID, st.IDMappings[created.ID], "checkpoint records the mapping")
	assert.False(t, st.LastSyncAt.IsZero())
}

func TestSyncLocalToRemoteUpdatesMappedTasks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.remote.seed("r-1", "old title", 3, time.Now().Add(-time.Hour))
	existing := dirtyTask("new title")
	existing.Sync.RemoteID = "r-1"
	f.store.put(existing)

	result, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Created)

	f.remote.mu.Lock()
	assert.Equal(t, "new title", f.remote.tasks["r-1"].Content)
	f.remote.mu.Unlock()
}

func TestSyncLocalToRemoteRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.store.put(dirtyTask("flaky push"))
	f.remote.failures = 2 // first two calls fail, third succeeds

	result, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Empty(t, result.Errors)
}

func TestSyncLocalToRemoteLeavesDirtyOnFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	broken := dirtyTask("cannot push")
	f.store.put(broken)
	f.remote.failures = 100

	result, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Errors, 1)
	assert.True(t, f.store.get(broken.ID).Sync.Dirty, "failed push leaves the task dirty")
}

func TestSyncLocalToRemoteBatches(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 10})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		f.store.put(dirtyTask("bulk"))
	}

	result, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, result.Created, "all batches are processed in one call")

	remaining, err := f.store.GetUnsyncedTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	st, err := f.stateStore.Load()
	require.NoError(t, err)
	assert.Len(t, st.IDMappings, 50)
}

func TestSyncRemoteToLocalCreatesUpdatesDeletes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// One remote-only task: created locally.
	f.remote.seed("r-new", "from remote", 2, time.Now())

	// One mapped task whose remote changed: updated locally.
	f.remote.seed("r-known", "renamed remotely", 2, time.Now())
	synced := time.Now().Add(-time.Hour)
	known := &task.LocalTask{
		ID:        "local-known",
		Title:     "old name",
		Status:    task.StatusTodo,
		Priority:  3,
		UpdatedAt: synced,
		Sync:      task.SyncState{RemoteID: "r-known", LastSyncedAt: &synced},
	}
	f.store.put(known)

	// One clean local task whose remote vanished: deleted locally.
	gone := &task.LocalTask{
		ID:        "local-gone",
		Title:     "was deleted remotely",
		Status:    task.StatusTodo,
		Priority:  3,
		UpdatedAt: synced,
		Sync:      task.SyncState{RemoteID: "r-vanished", LastSyncedAt: &synced},
	}
	f.store.put(gone)

	result, err := f.engine.SyncRemoteToLocal(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Deleted)

	assert.Equal(t, "renamed remotely", f.store.get("local-known").Title)
	assert.Nil(t, f.store.get("local-gone"))

	imported, err := f.store.FindByRemoteID(ctx, "r-new")
	require.NoError(t, err)
	assert.Equal(t, "from remote", imported.Title)
}

func TestSyncRemoteToLocalStoresSyncToken(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.syncTokens = true
	ctx := context.Background()

	_, err := f.engine.SyncRemoteToLocal(ctx)
	require.NoError(t, err)

	st, err := f.stateStore.Load()
	require.NoError(t, err)
	assert.NotEmpty(t, st.SyncToken, "returned token is checkpointed for the next fetch")
}

func TestSyncBidirectionalResolvesConflictLocalWins(t *testing.T) {
	f := newFixture(t, Config{DefaultStrategy: task.StrategyLocalWins})
	ctx := context.Background()

	synced := time.Now().Add(-2 * time.Hour)
	f.remote.seed("r-1", "remote edit", 2, time.Now())

	local := &task.LocalTask{
		ID:        "local-1",
		Title:     "local edit",
		Status:    task.StatusTodo,
		Priority:  2,
		UpdatedAt: time.Now(),
		Sync:      task.SyncState{RemoteID: "r-1", Dirty: true, LastSyncedAt: &synced},
	}
	f.store.put(local)

	result, err := f.engine.SyncBidirectional(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	// Local wins on both sides.
	assert.Equal(t, "local edit", f.store.get("local-1").Title)
	f.remote.mu.Lock()
	assert.Equal(t, "local edit", f.remote.tasks["r-1"].Content)
	f.remote.mu.Unlock()

	// The conflict is persisted and audited.
	conflicts, err := f.store.GetConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, task.ConflictConcurrentModification, conflicts[0].Type)

	recs, err := f.stateStore.ReadConflicts()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, task.StrategyLocalWins, recs[0].Strategy)
}

func TestSyncBidirectionalPushesAndPullsOneSidedChanges(t *testing.T) {
	f := newFixture(t, Config{DefaultStrategy: task.StrategyLatest})
	ctx := context.Background()

	// Local-only change.
	f.store.put(dirtyTask("local only"))

	// Remote-only change.
	f.remote.seed("r-pull", "remote only", 2, time.Now())

	result, err := f.engine.SyncBidirectional(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Conflicts)
	assert.Equal(t, 2, result.Created, "one created remotely, one created locally")

	imported, err := f.store.FindByRemoteID(ctx, "r-pull")
	require.NoError(t, err)
	assert.Equal(t, "remote only", imported.Title)
}

func TestSyncBidirectionalDeletionConflictPreservesDirtyLocal(t *testing.T) {
	f := newFixture(t, Config{DefaultStrategy: task.StrategyLatest})
	ctx := context.Background()

	synced := time.Now().Add(-time.Hour)
	dirty := &task.LocalTask{
		ID:        "local-edited",
		Title:     "edited after remote deletion",
		Status:    task.StatusTodo,
		Priority:  2,
		UpdatedAt: time.Now(),
		Sync:      task.SyncState{RemoteID: "r-deleted", Dirty: true, LastSyncedAt: &synced},
	}
	f.store.put(dirty)

	result, err := f.engine.SyncBidirectional(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 0, result.Deleted)
	assert.NotNil(t, f.store.get("local-edited"), "dirty local edits survive a remote deletion")

	conflicts, err := f.store.GetConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, task.ConflictDeletion, conflicts[0].Type)
	assert.Equal(t, task.SeverityHigh, conflicts[0].Severity)
}

func TestSyncRejectsConcurrentCycles(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.engine.begin())
	defer f.engine.end()

	_, err := f.engine.SyncLocalToRemote(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	_, err = f.engine.SyncBidirectional(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestSyncCheckpointsAfterEachPhase(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	st, err := f.stateStore.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.CycleCount)

	_, err = f.engine.SyncRemoteToLocal(ctx)
	require.NoError(t, err)
	st, err = f.stateStore.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.CycleCount)
	assert.NotEmpty(t, st.LastCycleID)
}

func TestSyncQueuesWritesWhenConfigured(t *testing.T) {
	f := newFixture(t, Config{QueueOnFailure: true})
	ctx := context.Background()

	queued := dirtyTask("will be queued")
	f.store.put(queued)
	f.remote.failures = 100

	result, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Errors, 1)

	assert.Equal(t, 1, f.offline.QueueDepth(), "failed write lands in the offline queue")
	ops := f.offline.GetQueuedOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, offline.OperationCreate, ops[0].Type)

	after := f.store.get(queued.ID)
	assert.True(t, after.Sync.Queued, "queued flag hands delivery over to the replay path")
	assert.True(t, after.Sync.Dirty)
}

func TestQueuedTaskNotRepushedNextCycle(t *testing.T) {
	f := newFixture(t, Config{QueueOnFailure: true})
	ctx := context.Background()

	f.store.put(dirtyTask("queued once"))
	f.remote.failures = 100
	_, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.offline.QueueDepth())

	// Connectivity is back, but the write belongs to the replay path.
	f.remote.failures = 0
	result, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 0, f.remote.count(), "push phase must not deliver a queued write")
}

func TestReplayDeliversQueuedWriteExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{QueueOnFailure: true})
	ctx := context.Background()

	queued := dirtyTask("delivered once")
	f.store.put(queued)
	f.remote.failures = 100
	_, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)

	// Recovery: replay the queue, then run the next cycle, the way the
	// daemon does.
	f.remote.failures = 0
	report, err := f.offline.Sync(ctx, f.engine.ReplayExecutor())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, 1, f.remote.count())

	result, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, f.remote.count(), "replayed write is never delivered again")

	after := f.store.get(queued.ID)
	assert.False(t, after.Sync.Dirty)
	assert.False(t, after.Sync.Queued)
	assert.NotEmpty(t, after.Sync.RemoteID)
	assert.NotNil(t, after.Sync.LastSyncedAt)
}

func TestReplayKeepsDirtyWhenEditedAfterQueueing(t *testing.T) {
	f := newFixture(t, Config{QueueOnFailure: true})
	ctx := context.Background()

	queued := dirtyTask("original title")
	f.store.put(queued)
	f.remote.failures = 100
	_, err := f.engine.SyncLocalToRemote(ctx)
	require.NoError(t, err)

	// Edit while the write sits in the queue.
	edited := f.store.get(queued.ID)
	edited.Title = "edited while queued"
	edited.UpdatedAt = edited.UpdatedAt.Add(time.Minute)
	require.NoError(t, f.store.UpdateTask(ctx, edited))

	f.remote.failures = 0
	report, err := f.offline.Sync(ctx, f.engine.ReplayExecutor())
	require.NoError(t, err)
	require.Equal(t, 1, report.Executed)

	after := f.store.get(queued.ID)
	assert.False(t, after.Sync.Queued)
	assert.True(t, after.Sync.Dirty, "the newer edit still needs a push")
	assert.NotEmpty(t, after.Sync.RemoteID, "replayed create records the mapping for that push")
}

func TestSyncRemoteToLocalPreservesDirtyWhenRemoteVanished(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	synced := time.Now().Add(-time.Hour)
	edited := &task.LocalTask{
		ID:        "local-edited",
		Title:     "edited after remote deletion",
		Status:    task.StatusTodo,
		Priority:  2,
		UpdatedAt: time.Now(),
		Sync:      task.SyncState{RemoteID: "r-gone", Dirty: true, LastSyncedAt: &synced},
	}
	f.store.put(edited)

	result, err := f.engine.SyncRemoteToLocal(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 0, result.Conflicts, "pull phase skips silently, conflicts belong to bidirectional sync")
	assert.NotNil(t, f.store.get("local-edited"))

	conflicts, err := f.store.GetConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}
