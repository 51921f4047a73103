package conflict

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/task"
	"github.com/tasksync/tasksync/pkg/logging"
)

// Field names tracked by the detector
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldDueDate     = "due_date"
	FieldProject     = "project"
	FieldTags        = "tags"
)

// TimestampPrecisionProxy marks conflicts whose remote modification
// instant was only a creation instant.
const TimestampPrecisionProxy = "created-at-proxy"

// Detector decides whether a local/remote pair of the same logical task
// is in conflict and which fields disagree.
type Detector struct {
	mapper *task.Mapper
	now    func() time.Time
	logger *logging.Logger
}

// NewDetector creates a conflict detector
func NewDetector() *Detector {
	return &Detector{
		mapper: task.NewMapper(),
		now:    time.Now,
		logger: logging.GetLogger(),
	}
}

// Detect returns nil when the pair cannot conflict: at least one side is
// unchanged since lastSyncedAt, judged by each side's own modification
// instant. A nil lastSyncedAt treats both sides as possibly changed.
func (d *Detector) Detect(local *task.LocalTask, remote *task.RemoteTask, lastSyncedAt *time.Time) *task.SyncConflict {
	if local == nil || remote == nil {
		return nil
	}

	if lastSyncedAt != nil {
		localChanged := local.UpdatedAt.After(*lastSyncedAt)
		remoteChanged := remote.ModifiedAt().After(*lastSyncedAt)
		if !localChanged || !remoteChanged {
			return nil
		}
	}

	fields := d.compareFields(local, remote)
	if len(fields) == 0 {
		return nil
	}

	severity := task.SeverityLow
	for _, f := range fields {
		severity = severity.Max(f.Severity)
	}

	conflict := &task.SyncConflict{
		ID:            uuid.New().String(),
		TaskID:        local.ID,
		RemoteID:      remote.RemoteID,
		Type:          task.ConflictConcurrentModification,
		DetectedAt:    d.now(),
		Local:         local.Clone(),
		Remote:        remote,
		Fields:        fields,
		Severity:      severity,
		AutoMergeable: autoMergeable(fields, severity),
	}
	conflict.Suggested = suggestStrategy(conflict, local, remote)
	if !remote.HasUpdateInstant() {
		conflict.TimestampPrecision = TimestampPrecisionProxy
	}

	d.logger.LogConflictEvent(context.Background(), "conflict_detected", local.ID, string(conflict.Type), logrus.Fields{
		"fields":         conflict.FieldNames(),
		"severity":       string(severity),
		"auto_mergeable": conflict.AutoMergeable,
	})

	return conflict
}

func (d *Detector) compareFields(local *task.LocalTask, remote *task.RemoteTask) []task.FieldConflict {
	asLocal := d.mapper.ToLocal(remote)
	var fields []task.FieldConflict

	if local.Title != asLocal.Title {
		fields = append(fields, task.FieldConflict{
			Field:       FieldTitle,
			LocalValue:  local.Title,
			RemoteValue: asLocal.Title,
			Severity:    titleSeverity(local.Title, asLocal.Title),
		})
	}

	if local.Description != asLocal.Description {
		// Content disagreements are never safe to auto-merge.
		fields = append(fields, task.FieldConflict{
			Field:       FieldDescription,
			LocalValue:  local.Description,
			RemoteValue: asLocal.Description,
			Severity:    task.SeverityHigh,
		})
	}

	localDone := local.Status == task.StatusDone
	if localDone != remote.Completed {
		fields = append(fields, task.FieldConflict{
			Field:       FieldStatus,
			LocalValue:  string(local.Status),
			RemoteValue: fmt.Sprintf("completed=%t", remote.Completed),
			Severity:    task.SeverityHigh,
		})
	}

	if local.Priority != asLocal.Priority {
		fields = append(fields, task.FieldConflict{
			Field:       FieldPriority,
			LocalValue:  fmt.Sprintf("%d", local.Priority),
			RemoteValue: fmt.Sprintf("%d", asLocal.Priority),
			Severity:    task.SeverityLow,
		})
	}

	if !equalTimePtr(local.DueDate, asLocal.DueDate) {
		fields = append(fields, task.FieldConflict{
			Field:       FieldDueDate,
			LocalValue:  formatTimePtr(local.DueDate),
			RemoteValue: formatTimePtr(asLocal.DueDate),
			Severity:    dueDateSeverity(local.DueDate, asLocal.DueDate),
		})
	}

	if local.Project != asLocal.Project {
		fields = append(fields, task.FieldConflict{
			Field:       FieldProject,
			LocalValue:  local.Project,
			RemoteValue: asLocal.Project,
			Severity:    task.SeverityLow,
		})
	}

	if !equalTags(local.Tags, asLocal.Tags) {
		fields = append(fields, task.FieldConflict{
			Field:       FieldTags,
			LocalValue:  strings.Join(local.Tags, ","),
			RemoteValue: strings.Join(asLocal.Tags, ","),
			Severity:    task.SeverityLow,
		})
	}

	return fields
}

// autoMergeable holds only when no field is high severity and neither
// status nor description is among the disagreements.
func autoMergeable(fields []task.FieldConflict, severity task.Severity) bool {
	if severity == task.SeverityHigh {
		return false
	}
	for _, f := range fields {
		if f.Field == FieldStatus || f.Field == FieldDescription {
			return false
		}
	}
	return true
}

func suggestStrategy(c *task.SyncConflict, local *task.LocalTask, remote *task.RemoteTask) task.Strategy {
	if c.AutoMergeable {
		return task.StrategySuggestedMerge
	}
	if c.Severity == task.SeverityHigh {
		return task.StrategyManual
	}
	localMod := local.UpdatedAt
	remoteMod := remote.ModifiedAt()
	switch {
	case localMod.After(remoteMod):
		return task.StrategyLocalWins
	case remoteMod.After(localMod):
		return task.StrategyRemoteWins
	default:
		return task.StrategyManual
	}
}

// titleSeverity: substring containment is a low-risk disagreement;
// high token overlap is medium; otherwise the titles genuinely diverged.
func titleSeverity(a, b string) task.Severity {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == "" || lb == "" || strings.Contains(la, lb) || strings.Contains(lb, la) {
		return task.SeverityLow
	}
	if tokenSimilarity(la, lb) > 0.7 {
		return task.SeverityMedium
	}
	return task.SeverityHigh
}

// tokenSimilarity is the Jaccard index over whitespace-split tokens
func tokenSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

// dueDateSeverity scales with the day gap between the two dates. A
// missing side counts as high: one side scheduled, the other did not.
func dueDateSeverity(a, b *time.Time) task.Severity {
	if a == nil || b == nil {
		return task.SeverityHigh
	}
	days := math.Abs(a.Sub(*b).Hours()) / 24
	switch {
	case days <= 1:
		return task.SeverityLow
	case days <= 3:
		return task.SeverityMedium
	default:
		return task.SeverityHigh
	}
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// equalTags compares tag sets; both sides arrive normalized (sorted,
// de-duplicated) from the mapper.
func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, tag := range a {
		seen[tag] = struct{}{}
	}
	for _, tag := range b {
		if _, ok := seen[tag]; !ok {
			return false
		}
	}
	return true
}
