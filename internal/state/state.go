package state

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tasksync/tasksync/internal/task"
	"github.com/tasksync/tasksync/pkg/errors"
)

// SyncState is the durable checkpoint between sync cycles. It survives
// process restarts so a cycle can resume where the last one left off.
type SyncState struct {
	LastSyncAt   time.Time         `json:"last_sync_at"`
	SyncToken    string            `json:"sync_token,omitempty"`
	IDMappings   map[string]string `json:"id_mappings"`   // local id -> remote id
	PendingPush  []string          `json:"pending_push"`  // local ids awaiting upload
	PendingPull  []string          `json:"pending_pull"`  // remote ids awaiting download
	CycleCount   int64             `json:"cycle_count"`
	LastCycleID  string            `json:"last_cycle_id,omitempty"`
	LastCycleErr string            `json:"last_cycle_err,omitempty"`
}

// NewSyncState returns an empty state with allocated maps
func NewSyncState() *SyncState {
	return &SyncState{
		IDMappings: make(map[string]string),
	}
}

// Store persists sync state and the conflict audit log on disk. State
// writes are atomic (temp file then rename); the conflict log is
// append-only.
type Store struct {
	mutex     sync.Mutex
	statePath string
	logPath   string
}

// NewStore creates a state store rooted at the given file paths
func NewStore(statePath, logPath string) *Store {
	return &Store{
		statePath: statePath,
		logPath:   logPath,
	}
}

// Load reads the persisted sync state. A missing file yields a fresh
// empty state rather than an error.
func (s *Store) Load() (*SyncState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSyncState(), nil
		}
		return nil, errors.NewInternalError("failed to read sync state").WithCause(err)
	}

	var st SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.NewInternalError("failed to parse sync state").WithCause(err)
	}
	if st.IDMappings == nil {
		st.IDMappings = make(map[string]string)
	}
	return &st, nil
}

// Save checkpoints the sync state atomically so a crash mid-write
// never leaves a truncated file behind.
func (s *Store) Save(st *SyncState) error {
	if st == nil {
		return errors.NewValidationError("sync state cannot be nil")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to serialize sync state").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return errors.NewInternalError("failed to create state directory").WithCause(err)
	}

	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewInternalError("failed to write sync state").WithCause(err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		os.Remove(tmp)
		return errors.NewInternalError("failed to commit sync state").WithCause(err)
	}
	return nil
}

// ConflictRecord is one line of the append-only conflict audit log.
type ConflictRecord struct {
	ConflictID string            `json:"conflict_id"`
	TaskID     string            `json:"task_id"`
	RemoteID   string            `json:"remote_id,omitempty"`
	Type       task.ConflictType `json:"type"`
	Severity   task.Severity     `json:"severity"`
	Fields     []string          `json:"fields"`
	Strategy   task.Strategy     `json:"strategy,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// AppendConflict appends one record to the conflict log. Records are
// newline-delimited JSON; the log is never rewritten in place.
func (s *Store) AppendConflict(rec ConflictRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.NewInternalError("failed to serialize conflict record").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(s.logPath), 0o755); err != nil {
		return errors.NewInternalError("failed to create log directory").WithCause(err)
	}

	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.NewInternalError("failed to open conflict log").WithCause(err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.NewInternalError("failed to append conflict record").WithCause(err)
	}
	return nil
}

// ReadConflicts returns all logged conflict records, oldest first. A
// missing log file yields an empty slice.
func (s *Store) ReadConflicts() ([]ConflictRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := os.ReadFile(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewInternalError("failed to read conflict log").WithCause(err)
	}

	var records []ConflictRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec ConflictRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, errors.NewInternalError("failed to parse conflict log").WithCause(err)
		}
		records = append(records, rec)
	}
	return records, nil
}
