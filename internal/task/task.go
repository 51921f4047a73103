package task

import (
	"time"
)

// Status is the lifecycle state of a local task
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusDeleted    Status = "deleted"
)

// SyncState is owned exclusively by the sync core. Upstream code must
// never mutate it.
type SyncState struct {
	RemoteID     string     `json:"remote_id,omitempty" db:"remote_id"`
	Dirty        bool       `json:"dirty" db:"dirty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	Queued       bool       `json:"queued" db:"queued"`
}

// LocalTask is the locally owned task record
type LocalTask struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description,omitempty" db:"description"`
	Status      Status     `json:"status" db:"status"`
	Priority    int        `json:"priority" db:"priority"` // 1 (highest) to 4 (lowest)
	Tags        []string   `json:"tags,omitempty" db:"-"`
	DueDate     *time.Time `json:"due_date,omitempty" db:"due_date"`
	Project     string     `json:"project,omitempty" db:"project"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Sync        SyncState  `json:"sync"`
}

// Clone returns a deep copy of the task
func (t *LocalTask) Clone() *LocalTask {
	out := *t
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	if t.Sync.LastSyncedAt != nil {
		synced := *t.Sync.LastSyncedAt
		out.Sync.LastSyncedAt = &synced
	}
	return &out
}

// HasTag reports whether the task carries the given tag
func (t *LocalTask) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// RemoteTask is a snapshot of a task as the remote service reports it.
// UpdatedAt is optional: some remote protocols only expose a creation
// instant, in which case the conflict detector falls back to CreatedAt
// as a conservative proxy.
type RemoteTask struct {
	RemoteID    string     `json:"remote_id"`
	Content     string     `json:"content"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"` // remote scale: 4 (highest) to 1 (lowest)
	Labels      []string   `json:"labels,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
	Project     string     `json:"project,omitempty"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// ModifiedAt returns the best available modification instant. The
// precision loss when only CreatedAt exists is deliberate and surfaced
// through SyncConflict.TimestampPrecision.
func (r *RemoteTask) ModifiedAt() time.Time {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt
	}
	return r.CreatedAt
}

// HasUpdateInstant reports whether the remote exposed a genuine update instant
func (r *RemoteTask) HasUpdateInstant() bool {
	return r.UpdatedAt != nil
}
