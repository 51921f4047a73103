package conflict

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/task"
	"github.com/tasksync/tasksync/pkg/errors"
	"github.com/tasksync/tasksync/pkg/logging"
)

// ManualResolver produces a reconciled record for conflicts the
// automatic strategies refuse to decide.
type ManualResolver func(conflict *task.SyncConflict) (*task.LocalTask, error)

// Resolution records one applied resolution, enabling deterministic
// replay of a conflict sequence.
type Resolution struct {
	ConflictID string          `json:"conflict_id"`
	TaskID     string          `json:"task_id"`
	Strategy   task.Strategy   `json:"strategy"`
	ResolvedAt time.Time       `json:"resolved_at"`
	Result     *task.LocalTask `json:"result"`
}

// Resolver applies resolution strategies to detected conflicts.
type Resolver struct {
	mapper *task.Mapper
	now    func() time.Time
	logger *logging.Logger

	mutex   sync.Mutex
	history map[string][]Resolution // task id -> resolutions, oldest first
}

// NewResolver creates a conflict resolver
func NewResolver() *Resolver {
	return &Resolver{
		mapper:  task.NewMapper(),
		now:     time.Now,
		logger:  logging.GetLogger(),
		history: make(map[string][]Resolution),
	}
}

// Resolve produces a single reconciled record from a conflict under the
// given strategy. The conflict entry itself is never mutated.
func (r *Resolver) Resolve(conflict *task.SyncConflict, strategy task.Strategy, manual ManualResolver) (*task.LocalTask, error) {
	if conflict == nil {
		return nil, errors.NewValidationError("conflict cannot be nil")
	}

	var (
		result *task.LocalTask
		err    error
	)

	switch strategy {
	case task.StrategyLocalWins:
		result = conflict.Local.Clone()
	case task.StrategyRemoteWins:
		result = r.remoteAsLocal(conflict)
	case task.StrategyLatest:
		result = r.resolveLatest(conflict)
	case task.StrategyFieldMerge, task.StrategySuggestedMerge:
		result = r.resolveFieldMerge(conflict)
	case task.StrategyManual:
		if manual == nil {
			return nil, errors.NewValidationError("manual strategy requires a resolver function")
		}
		result, err = manual(conflict)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.NewValidationError("unknown resolution strategy: " + string(strategy))
	}

	r.record(conflict, strategy, result)

	r.logger.LogConflictEvent(context.Background(), "conflict_resolved", conflict.TaskID, string(conflict.Type), logrus.Fields{
		"strategy": string(strategy),
		"severity": string(conflict.Severity),
	})

	return result, nil
}

// ResolveBatch applies one strategy across many conflicts, preserving
// per-task independence: one failure does not abort the rest.
func (r *Resolver) ResolveBatch(conflicts []*task.SyncConflict, strategy task.Strategy, manual ManualResolver) ([]*task.LocalTask, []error) {
	results := make([]*task.LocalTask, 0, len(conflicts))
	var errs []error

	for _, c := range conflicts {
		resolved, err := r.Resolve(c, strategy, manual)
		if err != nil {
			errs = append(errs, errors.NewInternalError("failed to resolve conflict for task "+c.TaskID).WithCause(err))
			continue
		}
		results = append(results, resolved)
	}
	return results, errs
}

// History returns the resolution history for a task, oldest first
func (r *Resolver) History(taskID string) []Resolution {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Resolution(nil), r.history[taskID]...)
}

// remoteAsLocal maps the remote snapshot into the local schema,
// preserving local identity and sync bookkeeping.
func (r *Resolver) remoteAsLocal(conflict *task.SyncConflict) *task.LocalTask {
	if conflict.Remote == nil {
		return conflict.Local.Clone()
	}
	return r.mapper.ApplyRemote(conflict.Local, conflict.Remote, conflict.Local.UpdatedAt)
}

// resolveLatest picks the later-modified side; ties go to local.
func (r *Resolver) resolveLatest(conflict *task.SyncConflict) *task.LocalTask {
	if conflict.Remote == nil {
		return conflict.Local.Clone()
	}
	if conflict.Remote.ModifiedAt().After(conflict.Local.UpdatedAt) {
		return r.remoteAsLocal(conflict)
	}
	return conflict.Local.Clone()
}

// resolveFieldMerge merges field by field: each disagreeing field comes
// from the later-modified side; non-conflicting fields come from
// whichever side actually has a value, local preferred on ties; tag
// sets are unioned rather than replaced.
func (r *Resolver) resolveFieldMerge(conflict *task.SyncConflict) *task.LocalTask {
	if conflict.Remote == nil {
		return conflict.Local.Clone()
	}

	local := conflict.Local
	remote := r.mapper.ToLocal(conflict.Remote)
	remoteNewer := conflict.Remote.ModifiedAt().After(local.UpdatedAt)

	out := local.Clone()
	conflicting := make(map[string]bool, len(conflict.Fields))
	for _, f := range conflict.Fields {
		conflicting[f.Field] = true
	}

	pickString := func(field, localVal, remoteVal string) string {
		if conflicting[field] {
			if remoteNewer {
				return remoteVal
			}
			return localVal
		}
		if localVal != "" {
			return localVal
		}
		return remoteVal
	}

	out.Title = pickString(FieldTitle, local.Title, remote.Title)
	out.Description = pickString(FieldDescription, local.Description, remote.Description)
	out.Project = pickString(FieldProject, local.Project, remote.Project)

	if conflicting[FieldStatus] {
		if remoteNewer {
			out.Status = remote.Status
			out.CompletedAt = remote.CompletedAt
		}
	}

	if conflicting[FieldPriority] {
		if remoteNewer {
			out.Priority = remote.Priority
		}
	} else if out.Priority == 0 {
		out.Priority = remote.Priority
	}

	if conflicting[FieldDueDate] {
		if remoteNewer {
			out.DueDate = remote.DueDate
		}
	} else if out.DueDate == nil {
		out.DueDate = remote.DueDate
	}

	// Tags are array-valued: union instead of replace.
	out.Tags = unionTags(local.Tags, remote.Tags)

	return out
}

func (r *Resolver) record(conflict *task.SyncConflict, strategy task.Strategy, result *task.LocalTask) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.history[conflict.TaskID] = append(r.history[conflict.TaskID], Resolution{
		ConflictID: conflict.ID,
		TaskID:     conflict.TaskID,
		Strategy:   strategy,
		ResolvedAt: r.now(),
		Result:     result.Clone(),
	})
}

func unionTags(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	if len(merged) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(merged))
	out := make([]string, 0, len(merged))
	for _, tag := range merged {
		if _, dup := seen[tag]; dup || tag == "" {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
