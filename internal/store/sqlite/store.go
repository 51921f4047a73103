package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tasksync/tasksync/internal/state"
	"github.com/tasksync/tasksync/internal/task"
	"github.com/tasksync/tasksync/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 4,
	tags           TEXT NOT NULL DEFAULT '[]',
	due_date       TIMESTAMP,
	project        TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	completed_at   TIMESTAMP,
	remote_id      TEXT NOT NULL DEFAULT '',
	dirty          INTEGER NOT NULL DEFAULT 0,
	queued         INTEGER NOT NULL DEFAULT 0,
	last_synced_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_remote_id ON tasks(remote_id);
CREATE INDEX IF NOT EXISTS idx_tasks_dirty ON tasks(dirty);

CREATE TABLE IF NOT EXISTS sync_state (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conflicts (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	detected_at TIMESTAMP NOT NULL,
	payload     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conflicts_task_id ON conflicts(task_id);
`

// Store is the sqlite-backed local task store.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the database at path and applies the schema
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewInternalError("failed to open database").WithCause(err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to apply schema").WithCause(err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

type taskRow struct {
	ID           string     `db:"id"`
	Title        string     `db:"title"`
	Description  string     `db:"description"`
	Status       string     `db:"status"`
	Priority     int        `db:"priority"`
	Tags         string     `db:"tags"`
	DueDate      *time.Time `db:"due_date"`
	Project      string     `db:"project"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	RemoteID     string     `db:"remote_id"`
	Dirty        bool       `db:"dirty"`
	Queued       bool       `db:"queued"`
	LastSyncedAt *time.Time `db:"last_synced_at"`
}

func toRow(t *task.LocalTask) (*taskRow, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode tags").WithCause(err)
	}
	return &taskRow{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Status:       string(t.Status),
		Priority:     t.Priority,
		Tags:         string(encoded),
		DueDate:      t.DueDate,
		Project:      t.Project,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
		RemoteID:     t.Sync.RemoteID,
		Dirty:        t.Sync.Dirty,
		Queued:       t.Sync.Queued,
		LastSyncedAt: t.Sync.LastSyncedAt,
	}, nil
}

func (r *taskRow) toTask() (*task.LocalTask, error) {
	var tags []string
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return nil, errors.NewInternalError("failed to decode tags for task " + r.ID).WithCause(err)
		}
	}
	if len(tags) == 0 {
		tags = nil
	}
	return &task.LocalTask{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Status:      task.Status(r.Status),
		Priority:    r.Priority,
		Tags:        tags,
		DueDate:     r.DueDate,
		Project:     r.Project,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
		Sync: task.SyncState{
			RemoteID:     r.RemoteID,
			Dirty:        r.Dirty,
			Queued:       r.Queued,
			LastSyncedAt: r.LastSyncedAt,
		},
	}, nil
}

const insertTask = `
INSERT INTO tasks (id, title, description, status, priority, tags, due_date, project,
	created_at, updated_at, completed_at, remote_id, dirty, queued, last_synced_at)
VALUES (:id, :title, :description, :status, :priority, :tags, :due_date, :project,
	:created_at, :updated_at, :completed_at, :remote_id, :dirty, :queued, :last_synced_at)`

const updateTask = `
UPDATE tasks SET title = :title, description = :description, status = :status,
	priority = :priority, tags = :tags, due_date = :due_date, project = :project,
	updated_at = :updated_at, completed_at = :completed_at, remote_id = :remote_id,
	dirty = :dirty, queued = :queued, last_synced_at = :last_synced_at
WHERE id = :id`

// CreateTask inserts a new local task
func (s *Store) CreateTask(ctx context.Context, t *task.LocalTask) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertTask, row); err != nil {
		return errors.NewInternalError("failed to insert task " + t.ID).WithCause(err)
	}
	return nil
}

// UpdateTask replaces a task's stored fields
func (s *Store) UpdateTask(ctx context.Context, t *task.LocalTask) error {
	row, err := toRow(t)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, updateTask, row)
	if err != nil {
		return errors.NewInternalError("failed to update task " + t.ID).WithCause(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("task " + t.ID)
	}
	return nil
}

// RemoveTask deletes a task by id
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return errors.NewInternalError("failed to delete task " + id).WithCause(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("task " + id)
	}
	return nil
}

// GetTask fetches one task by id
func (s *Store) GetTask(ctx context.Context, id string) (*task.LocalTask, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("task " + id)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to fetch task " + id).WithCause(err)
	}
	return row.toTask()
}

// FindByRemoteID fetches the task mapped to a remote id
func (s *Store) FindByRemoteID(ctx context.Context, remoteID string) (*task.LocalTask, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE remote_id = ?`, remoteID)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("task with remote id " + remoteID)
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to fetch task by remote id").WithCause(err)
	}
	return row.toTask()
}

// ListTasks returns every stored task
func (s *Store) ListTasks(ctx context.Context) ([]*task.LocalTask, error) {
	return s.selectTasks(ctx, `SELECT * FROM tasks ORDER BY created_at`)
}

// GetUnsyncedTasks returns tasks with unpushed local changes
func (s *Store) GetUnsyncedTasks(ctx context.Context) ([]*task.LocalTask, error) {
	return s.selectTasks(ctx, `SELECT * FROM tasks WHERE dirty = 1 ORDER BY updated_at`)
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...interface{}) ([]*task.LocalTask, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.NewInternalError("failed to list tasks").WithCause(err)
	}
	tasks := make([]*task.LocalTask, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// SaveConflict persists one detected conflict
func (s *Store) SaveConflict(ctx context.Context, c *task.SyncConflict) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.NewInternalError("failed to encode conflict").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflicts (id, task_id, detected_at, payload) VALUES (?, ?, ?, ?)`,
		c.ID, c.TaskID, c.DetectedAt, string(payload))
	if err != nil {
		return errors.NewInternalError("failed to insert conflict " + c.ID).WithCause(err)
	}
	return nil
}

// GetConflicts returns all persisted conflicts, oldest first
func (s *Store) GetConflicts(ctx context.Context) ([]*task.SyncConflict, error) {
	var payloads []string
	err := s.db.SelectContext(ctx, &payloads, `SELECT payload FROM conflicts ORDER BY detected_at`)
	if err != nil {
		return nil, errors.NewInternalError("failed to list conflicts").WithCause(err)
	}
	conflicts := make([]*task.SyncConflict, 0, len(payloads))
	for _, p := range payloads {
		var c task.SyncConflict
		if err := json.Unmarshal([]byte(p), &c); err != nil {
			return nil, errors.NewInternalError("failed to decode conflict record").WithCause(err)
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, nil
}

// SaveSyncState checkpoints sync state into the database, an
// alternative to the file-backed state store for single-binary setups.
func (s *Store) SaveSyncState(ctx context.Context, st *state.SyncState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return errors.NewInternalError("failed to encode sync state").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_state (id, payload) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET payload = excluded.payload`,
		string(payload))
	if err != nil {
		return errors.NewInternalError("failed to save sync state").WithCause(err)
	}
	return nil
}

// GetSyncState loads the checkpointed sync state, empty when never saved
func (s *Store) GetSyncState(ctx context.Context) (*state.SyncState, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM sync_state WHERE id = 1`)
	if err == sql.ErrNoRows {
		return state.NewSyncState(), nil
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load sync state").WithCause(err)
	}
	var st state.SyncState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, errors.NewInternalError("failed to decode sync state").WithCause(err)
	}
	if st.IDMappings == nil {
		st.IDMappings = make(map[string]string)
	}
	return &st, nil
}
