package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClaimMode distinguishes a plain single-worker refresh from one that has
// fanned out into subtasks.
type ClaimMode string

const (
	ClaimSingle      ClaimMode = "single"
	ClaimCoordinator ClaimMode = "coordinator"
)

// Claim is one refresh_claims row; unique per dynamic table.
type Claim struct {
	Table             string
	WorkerID          string
	ClaimedAt         time.Time
	HeartbeatAt       time.Time
	ExpiresAt         time.Time
	Mode              ClaimMode
	SubtasksTotal     int
	SubtasksCompleted int
}

// SubtaskStatus lifecycle: pending -> claimed -> (completed | failed);
// stale claims drop back to pending while retries remain.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskClaimed   SubtaskStatus = "claimed"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// PartitionKind selects how a subtask scopes its share of the affected keys.
type PartitionKind string

const (
	PartitionHashRange PartitionKind = "hash_range"
	PartitionModulo    PartitionKind = "modulo"
	PartitionLiteral   PartitionKind = "partition"
)

// PartitionSpec is the tagged union serialized into
// refresh_subtasks.partition_spec_json.
type PartitionSpec struct {
	Kind PartitionKind `json:"kind"`
	// Key is the grouping-key column partitioned on (hash_range, modulo).
	Key string `json:"key,omitempty"`
	N   int    `json:"n,omitempty"`
	I   int    `json:"i,omitempty"`
	// Expr is a literal source-partition expression (partition kind).
	Expr string `json:"expr,omitempty"`
	// Stored and Pins carry the coordinator's snapshot pair so every
	// subtask reads the same change feeds the parent refresh planned.
	Stored map[string]int64 `json:"stored,omitempty"`
	Pins   map[string]int64 `json:"pins,omitempty"`
}

// Predicate renders the partition filter applied on top of the affected-keys
// restriction.
func (p PartitionSpec) Predicate() (string, error) {
	switch p.Kind {
	case PartitionHashRange:
		if p.Key == "" || p.N < 1 {
			return "", fmt.Errorf("hash_range spec requires key and n")
		}
		return fmt.Sprintf("hash(%s) %% %d = %d", p.Key, p.N, p.I), nil
	case PartitionModulo:
		if p.Key == "" || p.N < 1 {
			return "", fmt.Errorf("modulo spec requires key and n")
		}
		return fmt.Sprintf("%s %% %d = %d", p.Key, p.N, p.I), nil
	case PartitionLiteral:
		if p.Expr == "" {
			return "", fmt.Errorf("partition spec requires expr")
		}
		return p.Expr, nil
	default:
		return "", fmt.Errorf("unknown partition kind %q", p.Kind)
	}
}

func (p PartitionSpec) JSON() string {
	b, _ := json.Marshal(p)
	return string(b)
}

func ParsePartitionSpec(s string) (PartitionSpec, error) {
	var p PartitionSpec
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("parse partition spec: %w", err)
	}
	return p, nil
}

// Subtask is one refresh_subtasks row.
type Subtask struct {
	ID             int64
	ParentRefresh  string
	Table          string
	Spec           PartitionSpec
	Status         SubtaskStatus
	ResultLocation string
	ClaimedBy      string
	ClaimedAt      time.Time
	HeartbeatAt    time.Time
	CompletedAt    time.Time
	ErrorMessage   string
	RetryCount     int
	CreatedAt      time.Time
}
