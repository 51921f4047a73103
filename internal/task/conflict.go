package task

import (
	"time"
)

// ConflictType classifies a sync conflict
type ConflictType string

const (
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	ConflictDeletion               ConflictType = "deletion_conflict"
)

// Severity grades how risky an automatic resolution would be
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// rank orders severities for max comparisons
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// Max returns the more severe of the two
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Strategy names a conflict resolution approach
type Strategy string

const (
	StrategyLocalWins      Strategy = "local-wins"
	StrategyRemoteWins     Strategy = "remote-wins"
	StrategyLatest         Strategy = "latest-timestamp"
	StrategyFieldMerge     Strategy = "field-level-merge"
	StrategyManual         Strategy = "manual"
	StrategySuggestedMerge Strategy = "merge"
)

// FieldConflict records one disagreeing field
type FieldConflict struct {
	Field       string   `json:"field"`
	LocalValue  string   `json:"local_value"`
	RemoteValue string   `json:"remote_value"`
	Severity    Severity `json:"severity"`
}

// SyncConflict is an immutable record of a detected conflict. Resolution
// produces a new reconciled task; it never mutates the conflict entry.
// Conflicts persist in an append-only log for audit and replay.
type SyncConflict struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	RemoteID       string          `json:"remote_id"`
	Type           ConflictType    `json:"type"`
	DetectedAt     time.Time       `json:"detected_at"`
	Local          *LocalTask      `json:"local_snapshot"`
	Remote         *RemoteTask     `json:"remote_snapshot,omitempty"`
	Fields         []FieldConflict `json:"fields,omitempty"`
	Severity       Severity        `json:"severity"`
	AutoMergeable  bool            `json:"auto_mergeable"`
	Suggested      Strategy        `json:"suggested_strategy"`
	// TimestampPrecision is "created-at-proxy" when the remote side only
	// exposed a creation instant, making the both-sides-changed check
	// conservative for that side.
	TimestampPrecision string `json:"timestamp_precision,omitempty"`
}

// FieldNames returns the names of all disagreeing fields
func (c *SyncConflict) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Field
	}
	return names
}

// HasField reports whether the named field is among the disagreements
func (c *SyncConflict) HasField(name string) bool {
	for _, f := range c.Fields {
		if f.Field == name {
			return true
		}
	}
	return false
}
