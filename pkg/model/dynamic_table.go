package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status of a dynamic table in the registry.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusFailed    Status = "failed"
)

// RefreshStrategy is the user-set refresh policy.
type RefreshStrategy string

const (
	StrategyAuto         RefreshStrategy = "auto"
	StrategyFull         RefreshStrategy = "full"
	StrategyAffectedKeys RefreshStrategy = "affected_keys"
)

// InitializeMode controls when the first (bootstrap) refresh runs.
type InitializeMode string

const (
	InitializeOnCreate   InitializeMode = "on_create"
	InitializeOnSchedule InitializeMode = "on_schedule"
)

// TargetLag is either a duration or the literal "downstream".
type TargetLag struct {
	Downstream bool
	Duration   time.Duration
}

func (t TargetLag) String() string {
	if t.Downstream {
		return "downstream"
	}
	return t.Duration.String()
}

// ParseTargetLag accepts Go durations ("5m"), SQL-ish intervals
// ("5 minutes", "1 hour") and the literal "downstream".
func ParseTargetLag(s string) (TargetLag, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "downstream" {
		return TargetLag{Downstream: true}, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return TargetLag{Duration: d}, nil
	}
	fields := strings.Fields(v)
	if len(fields) == 2 {
		var n float64
		if _, err := fmt.Sscanf(fields[0], "%f", &n); err == nil && n > 0 {
			var unit time.Duration
			switch strings.TrimSuffix(fields[1], "s") {
			case "second", "sec":
				unit = time.Second
			case "minute", "min":
				unit = time.Minute
			case "hour", "hr":
				unit = time.Hour
			case "day":
				unit = 24 * time.Hour
			}
			if unit > 0 {
				return TargetLag{Duration: time.Duration(n * float64(unit))}, nil
			}
		}
	}
	return TargetLag{}, fmt.Errorf("invalid target lag %q", s)
}

// SourceRef names a relation the definition reads from.
type SourceRef struct {
	Name string
	// IsDynamic marks sources that are themselves dynamic tables; those are
	// never snapshot-pinned because they are already materialized.
	IsDynamic bool
}

// DynamicTable is the registry entry for one query-backed table.
type DynamicTable struct {
	Name       string
	SchemaName string
	Definition string
	// GroupingKeys are the GROUP BY columns, empty for full-only queries.
	GroupingKeys []string
	Sources      []SourceRef

	TargetLag            TargetLag
	RefreshStrategy      RefreshStrategy
	Deduplication        bool
	CardinalityThreshold float64
	AllowParallel        bool
	ParallelThreshold    int64
	MaxParallelism       int
	Initialize           InitializeMode
	Status               Status
	Comment              string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QualifiedName renders schema.name, dropping the default schema.
func (t *DynamicTable) QualifiedName() string {
	if t.SchemaName == "" || t.SchemaName == "main" {
		return t.Name
	}
	return t.SchemaName + "." + t.Name
}

// BaseSources returns the sources that are not dynamic tables; only those
// are snapshot-pinned. Change detection covers dynamic-table sources too.
func (t *DynamicTable) BaseSources() []string {
	var out []string
	for _, s := range t.Sources {
		if !s.IsDynamic {
			out = append(out, s.Name)
		}
	}
	return out
}

// DynamicSources returns the names of sources that are dynamic tables.
func (t *DynamicTable) DynamicSources() map[string]bool {
	out := make(map[string]bool)
	for _, s := range t.Sources {
		if s.IsDynamic {
			out[s.Name] = true
		}
	}
	return out
}

// Validate enforces the registry invariants that do not need the metadata
// store: threshold range, parallel tuning, grouping keys vs strategy.
func (t *DynamicTable) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if t.CardinalityThreshold < 0 || t.CardinalityThreshold > 1 {
		return fmt.Errorf("cardinality_threshold must be in [0,1], got %v", t.CardinalityThreshold)
	}
	if t.MaxParallelism < 1 {
		return fmt.Errorf("max_parallelism must be >= 1, got %d", t.MaxParallelism)
	}
	if t.RefreshStrategy == StrategyAffectedKeys && len(t.GroupingKeys) == 0 {
		return fmt.Errorf("refresh_strategy affected_keys requires grouping keys")
	}
	if len(t.Sources) == 0 {
		return fmt.Errorf("definition references no sources")
	}
	return nil
}

// RefreshOutcome is the recorded result of one refresh attempt.
type RefreshOutcome string

const (
	OutcomeSuccess RefreshOutcome = "success"
	OutcomeFailed  RefreshOutcome = "failed"
	OutcomeSkipped RefreshOutcome = "skipped"
)

// RefreshTrigger distinguishes scheduled from operator-requested refreshes.
type RefreshTrigger string

const (
	TriggerScheduled RefreshTrigger = "scheduled"
	TriggerManual    RefreshTrigger = "manual"
)

// ExecutedStrategy is what the executor actually ran, as recorded in history.
type ExecutedStrategy string

const (
	ExecBootstrap ExecutedStrategy = "bootstrap"
	ExecFull      ExecutedStrategy = "full"
	ExecAffected  ExecutedStrategy = "affected_keys"
	ExecParallel  ExecutedStrategy = "parallel_affected_keys"
	ExecSkipped   ExecutedStrategy = "skipped"
)

// HistoryEntry is one refresh_history row.
type HistoryEntry struct {
	ID               int64
	Table            string
	StartedAt        time.Time
	CompletedAt      time.Time
	Status           RefreshOutcome
	Strategy         ExecutedStrategy
	RowsAffected     int64
	AffectedKeyCount int64
	DurationMS       int64
	ErrorCode        string
	ErrorMessage     string
	Snapshots        map[string]int64
	Trigger          RefreshTrigger
	WorkerID         string
}

// SnapshotsJSON renders the consumed snapshot map for storage.
func (h *HistoryEntry) SnapshotsJSON() string {
	if len(h.Snapshots) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(h.Snapshots)
	return string(b)
}

// PendingRefresh is one pending_refreshes row; at most one per table.
type PendingRefresh struct {
	Table      string
	DueAt      time.Time
	Priority   int
	EnqueuedAt time.Time
}
