package task

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Mapper converts between the local schema and remote snapshots. The
// remote priority scale is inverted relative to the local one: local 1
// is the most urgent, remote 4 is.
type Mapper struct{}

// NewMapper creates a record mapper
func NewMapper() *Mapper {
	return &Mapper{}
}

// ToRemote maps a local task into a remote snapshot
func (m *Mapper) ToRemote(local *LocalTask) *RemoteTask {
	remote := &RemoteTask{
		RemoteID:    local.Sync.RemoteID,
		Content:     local.Title,
		Description: local.Description,
		Priority:    invertPriority(local.Priority),
		Labels:      normalizeTags(local.Tags),
		Project:     local.Project,
		Completed:   local.Status == StatusDone,
		CreatedAt:   local.CreatedAt,
	}
	if local.DueDate != nil {
		due := *local.DueDate
		remote.Due = &due
	}
	if !local.UpdatedAt.IsZero() {
		updated := local.UpdatedAt
		remote.UpdatedAt = &updated
	}
	return remote
}

// ToLocal maps a remote snapshot into the local schema. The caller owns
// assigning the local ID when the remote task is new.
func (m *Mapper) ToLocal(remote *RemoteTask) *LocalTask {
	local := &LocalTask{
		ID:          uuid.New().String(),
		Title:       remote.Content,
		Description: remote.Description,
		Status:      StatusTodo,
		Priority:    invertPriority(remote.Priority),
		Tags:        normalizeTags(remote.Labels),
		Project:     remote.Project,
		CreatedAt:   remote.CreatedAt,
		UpdatedAt:   remote.ModifiedAt(),
		Sync: SyncState{
			RemoteID: remote.RemoteID,
		},
	}
	if remote.Completed {
		local.Status = StatusDone
		completed := remote.ModifiedAt()
		local.CompletedAt = &completed
	}
	if remote.Due != nil {
		due := *remote.Due
		local.DueDate = &due
	}
	return local
}

// ApplyRemote overlays a remote snapshot onto an existing local task,
// preserving the local ID and sync bookkeeping.
func (m *Mapper) ApplyRemote(local *LocalTask, remote *RemoteTask, now time.Time) *LocalTask {
	out := local.Clone()
	out.Title = remote.Content
	out.Description = remote.Description
	out.Priority = invertPriority(remote.Priority)
	out.Tags = normalizeTags(remote.Labels)
	out.Project = remote.Project
	if remote.Due != nil {
		due := *remote.Due
		out.DueDate = &due
	} else {
		out.DueDate = nil
	}
	if remote.Completed {
		out.Status = StatusDone
		if out.CompletedAt == nil {
			completed := remote.ModifiedAt()
			out.CompletedAt = &completed
		}
	} else if out.Status == StatusDone {
		out.Status = StatusTodo
		out.CompletedAt = nil
	}
	out.UpdatedAt = now
	out.Sync.RemoteID = remote.RemoteID
	return out
}

// invertPriority maps between the two 1-4 scales; it is its own inverse.
func invertPriority(p int) int {
	if p < 1 {
		p = 1
	}
	if p > 4 {
		p = 4
	}
	return 5 - p
}

// normalizeTags copies, de-duplicates and sorts a tag set so that
// comparisons are order-independent.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, dup := seen[tag]; dup || tag == "" {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
