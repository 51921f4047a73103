package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasksync/tasksync/internal/task"
)

var (
	syncedAt  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	beforeRef = syncedAt.Add(-time.Hour)
	afterRef  = syncedAt.Add(time.Hour)
)

func localTask(updatedAt time.Time) *task.LocalTask {
	return &task.LocalTask{
		ID:        "local-1",
		Title:     "Write report",
		Status:    task.StatusTodo,
		Priority:  2,
		CreatedAt: syncedAt.Add(-24 * time.Hour),
		UpdatedAt: updatedAt,
		Sync:      task.SyncState{RemoteID: "r-1"},
	}
}

func remoteTask(updatedAt time.Time) *task.RemoteTask {
	updated := updatedAt
	return &task.RemoteTask{
		RemoteID:  "r-1",
		Content:   "Write report",
		Priority:  3, // remote scale: maps to local 2
		CreatedAt: syncedAt.Add(-24 * time.Hour),
		UpdatedAt: &updated,
	}
}

func TestDetectNilWhenOnlyOneSideChanged(t *testing.T) {
	d := NewDetector()

	local := localTask(afterRef)
	local.Title = "Completely different"
	remote := remoteTask(beforeRef)
	assert.Nil(t, d.Detect(local, remote, &syncedAt), "remote unchanged since checkpoint")

	local = localTask(beforeRef)
	remote = remoteTask(afterRef)
	remote.Content = "Completely different"
	assert.Nil(t, d.Detect(local, remote, &syncedAt), "local unchanged since checkpoint")
}

func TestDetectNilWhenNoFieldsDiffer(t *testing.T) {
	d := NewDetector()
	assert.Nil(t, d.Detect(localTask(afterRef), remoteTask(afterRef), &syncedAt),
		"both changed but converged to the same values")
}

func TestDetectReportsDisagreeingFields(t *testing.T) {
	d := NewDetector()

	local := localTask(afterRef)
	local.Title = "Finish the report"
	local.Priority = 1
	remote := remoteTask(afterRef)
	remote.Content = "Write report draft"

	c := d.Detect(local, remote, &syncedAt)
	require.NotNil(t, c)

	assert.Equal(t, task.ConflictConcurrentModification, c.Type)
	assert.ElementsMatch(t, []string{FieldTitle, FieldPriority}, c.FieldNames())
	assert.Equal(t, "local-1", c.TaskID)
	assert.Equal(t, "r-1", c.RemoteID)
	assert.NotEmpty(t, c.ID)
}

func TestDetectNilLastSyncedAtComparesFieldsOnly(t *testing.T) {
	d := NewDetector()

	local := localTask(beforeRef)
	local.Project = "work"
	remote := remoteTask(beforeRef)

	c := d.Detect(local, remote, nil)
	require.NotNil(t, c, "no checkpoint means both sides may have changed")
	assert.ElementsMatch(t, []string{FieldProject}, c.FieldNames())
}

func TestDetectConflictSnapshotIsIndependent(t *testing.T) {
	d := NewDetector()

	local := localTask(afterRef)
	local.Title = "A"
	remote := remoteTask(afterRef)
	remote.Content = "Something else entirely"

	c := d.Detect(local, remote, &syncedAt)
	require.NotNil(t, c)

	local.Title = "mutated later"
	assert.Equal(t, "A", c.Local.Title, "the conflict holds a snapshot, not the live record")
}

func TestStatusAndDescriptionAreAlwaysHigh(t *testing.T) {
	d := NewDetector()

	local := localTask(afterRef)
	local.Status = task.StatusDone
	remote := remoteTask(afterRef)

	c := d.Detect(local, remote, &syncedAt)
	require.NotNil(t, c)
	assert.Equal(t, task.SeverityHigh, c.Severity)
	assert.False(t, c.AutoMergeable)
	assert.Equal(t, task.StrategyManual, c.Suggested)

	local = localTask(afterRef)
	local.Description = "new notes"
	c = d.Detect(local, remote, &syncedAt)
	require.NotNil(t, c)
	assert.Equal(t, task.SeverityHigh, c.Severity)
}

func TestTitleSeverityGrades(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected task.Severity
	}{
		{"substring", "write report", "write report tomorrow", task.SeverityLow},
		{"case insensitive substring", "Write Report", "write report now", task.SeverityLow},
		{"high token overlap", "finish the quarterly report now please", "finish the quarterly report now quickly", task.SeverityMedium},
		{"diverged", "write report", "buy groceries", task.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, titleSeverity(tt.a, tt.b))
		})
	}
}

func TestDueDateSeverityScalesWithGap(t *testing.T) {
	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	day := func(n int) *time.Time {
		d := base.AddDate(0, 0, n)
		return &d
	}

	assert.Equal(t, task.SeverityLow, dueDateSeverity(day(0), day(1)))
	assert.Equal(t, task.SeverityMedium, dueDateSeverity(day(0), day(3)))
	assert.Equal(t, task.SeverityHigh, dueDateSeverity(day(0), day(4)))
	assert.Equal(t, task.SeverityHigh, dueDateSeverity(day(0), nil))
	assert.Equal(t, task.SeverityHigh, dueDateSeverity(nil, day(0)))
}

func TestAutoMergeableLowSeverityFields(t *testing.T) {
	d := NewDetector()

	local := localTask(afterRef)
	local.Priority = 1
	local.Tags = []string{"work"}
	remote := remoteTask(afterRef)

	c := d.Detect(local, remote, &syncedAt)
	require.NotNil(t, c)
	assert.Equal(t, task.SeverityLow, c.Severity)
	assert.True(t, c.AutoMergeable)
	assert.Equal(t, task.StrategySuggestedMerge, c.Suggested)
}

func TestSuggestedStrategyFollowsLaterSide(t *testing.T) {
	c := &task.SyncConflict{Severity: task.SeverityMedium}

	local := localTask(afterRef.Add(time.Hour))
	remote := remoteTask(afterRef)
	assert.Equal(t, task.StrategyLocalWins, suggestStrategy(c, local, remote), "local side modified later")

	remote = remoteTask(afterRef.Add(2 * time.Hour))
	assert.Equal(t, task.StrategyRemoteWins, suggestStrategy(c, local, remote))

	// Identical instants cannot be ordered; punt to a human.
	remote = remoteTask(local.UpdatedAt)
	assert.Equal(t, task.StrategyManual, suggestStrategy(c, local, remote))
}

func TestTimestampPrecisionProxyFlag(t *testing.T) {
	d := NewDetector()

	local := localTask(afterRef)
	local.Project = "work"
	remote := remoteTask(afterRef)
	remote.UpdatedAt = nil
	remote.CreatedAt = afterRef // creation instant stands in for modification

	c := d.Detect(local, remote, &syncedAt)
	require.NotNil(t, c)
	assert.Equal(t, TimestampPrecisionProxy, c.TimestampPrecision)
}

func TestDetectNilSides(t *testing.T) {
	d := NewDetector()
	assert.Nil(t, d.Detect(nil, remoteTask(afterRef), &syncedAt))
	assert.Nil(t, d.Detect(localTask(afterRef), nil, &syncedAt))
}
