package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CREATE DYNAMIC TABLE [IF NOT EXISTS] [schema.]name
//   TARGET_LAG = '5 minutes' | 'downstream'
//   [REFRESH_STRATEGY = 'auto'|'full'|'affected_keys']
//   [DEDUPLICATE = true|false]
//   [CARDINALITY_THRESHOLD = 0.3]
//   [ALLOW_PARALLEL = true|false]
//   [PARALLEL_THRESHOLD = 10000000]
//   [MAX_PARALLELISM = 4]
//   [INITIALIZE = 'on_create'|'on_schedule']
//   [COMMENT = '...']
// AS SELECT ...

var (
	reName      = regexp.MustCompile(`(?i)CREATE\s+DYNAMIC\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(?:(\w+)\.(\w+)|(\w+))`)
	reTargetLag = regexp.MustCompile(`(?i)TARGET_LAG\s*=\s*'([^']+)'`)
	reStrategy  = regexp.MustCompile(`(?i)REFRESH_STRATEGY\s*=\s*'(\w+)'`)
	reDedup     = regexp.MustCompile(`(?i)DEDUPLICATE\s*=\s*(true|false)`)
	reThreshold = regexp.MustCompile(`(?i)CARDINALITY_THRESHOLD\s*=\s*([\d.]+)`)
	reParallel  = regexp.MustCompile(`(?i)ALLOW_PARALLEL\s*=\s*(true|false)`)
	reParThresh = regexp.MustCompile(`(?i)PARALLEL_THRESHOLD\s*=\s*(\d+)`)
	reMaxPar    = regexp.MustCompile(`(?i)MAX_PARALLELISM\s*=\s*(\d+)`)
	reInit      = regexp.MustCompile(`(?i)INITIALIZE\s*=\s*'(\w+)'`)
	reComment   = regexp.MustCompile(`(?i)COMMENT\s*=\s*'([^']*)'`)
	reAs        = regexp.MustCompile(`(?is)\bAS\s+(SELECT\b.+|WITH\b.+)$`)
)

// ParseDDL parses a CREATE DYNAMIC TABLE statement into a DynamicTable with
// defaults applied. Sources and grouping keys are left for the caller to fill
// from the parsed definition query.
func ParseDDL(ddl string) (*DynamicTable, error) {
	ddl = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(ddl), ";"))
	norm := strings.Join(strings.Fields(ddl), " ")

	m := reName.FindStringSubmatch(norm)
	if m == nil {
		return nil, fmt.Errorf("invalid CREATE DYNAMIC TABLE syntax: missing table name")
	}
	t := &DynamicTable{
		SchemaName:           "main",
		RefreshStrategy:      StrategyAuto,
		CardinalityThreshold: 0.3,
		ParallelThreshold:    10_000_000,
		MaxParallelism:       4,
		Initialize:           InitializeOnCreate,
		Status:               StatusActive,
	}
	if m[1] != "" && m[2] != "" {
		t.SchemaName = m[1]
		t.Name = m[2]
	} else {
		t.Name = m[3]
	}

	lag := reTargetLag.FindStringSubmatch(norm)
	if lag == nil {
		return nil, fmt.Errorf("TARGET_LAG is required")
	}
	parsed, err := ParseTargetLag(lag[1])
	if err != nil {
		return nil, err
	}
	t.TargetLag = parsed

	if m := reStrategy.FindStringSubmatch(norm); m != nil {
		switch RefreshStrategy(strings.ToLower(m[1])) {
		case StrategyAuto, StrategyFull, StrategyAffectedKeys:
			t.RefreshStrategy = RefreshStrategy(strings.ToLower(m[1]))
		default:
			return nil, fmt.Errorf("invalid refresh_strategy %q", m[1])
		}
	}
	if m := reDedup.FindStringSubmatch(norm); m != nil {
		t.Deduplication = strings.EqualFold(m[1], "true")
	}
	if m := reThreshold.FindStringSubmatch(norm); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("invalid cardinality_threshold %q", m[1])
		}
		t.CardinalityThreshold = f
	}
	if m := reParallel.FindStringSubmatch(norm); m != nil {
		t.AllowParallel = strings.EqualFold(m[1], "true")
	}
	if m := reParThresh.FindStringSubmatch(norm); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid parallel_threshold %q", m[1])
		}
		t.ParallelThreshold = n
	}
	if m := reMaxPar.FindStringSubmatch(norm); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid max_parallelism %q", m[1])
		}
		t.MaxParallelism = n
	}
	if m := reInit.FindStringSubmatch(norm); m != nil {
		switch InitializeMode(strings.ToLower(m[1])) {
		case InitializeOnCreate, InitializeOnSchedule:
			t.Initialize = InitializeMode(strings.ToLower(m[1]))
		default:
			return nil, fmt.Errorf("invalid initialize mode %q", m[1])
		}
	}
	if m := reComment.FindStringSubmatch(norm); m != nil {
		t.Comment = m[1]
	}

	// Query is taken from the original (un-normalized) text so formatting
	// survives into the registry.
	q := reAs.FindStringSubmatch(ddl)
	if q == nil {
		return nil, fmt.Errorf("missing AS clause with query")
	}
	t.Definition = strings.TrimSpace(q[1])

	return t, nil
}

// AlterableKeys lists the properties dynctl alter may set.
var AlterableKeys = map[string]bool{
	"target_lag":            true,
	"refresh_strategy":      true,
	"deduplication":         true,
	"cardinality_threshold": true,
	"allow_parallel":        true,
	"parallel_threshold":    true,
	"max_parallelism":       true,
	"initialize":            true,
	"comment":               true,
}

// ApplyAlter mutates t with one KEY=VALUE pair, enforcing the same checks as
// ParseDDL. The definition query itself cannot be altered.
func (t *DynamicTable) ApplyAlter(key, value string) error {
	switch strings.ToLower(key) {
	case "target_lag":
		lag, err := ParseTargetLag(value)
		if err != nil {
			return err
		}
		t.TargetLag = lag
	case "refresh_strategy":
		s := RefreshStrategy(strings.ToLower(value))
		if s != StrategyAuto && s != StrategyFull && s != StrategyAffectedKeys {
			return fmt.Errorf("invalid refresh_strategy %q", value)
		}
		if s == StrategyAffectedKeys && len(t.GroupingKeys) == 0 {
			return fmt.Errorf("affected_keys requires grouping keys in the definition")
		}
		t.RefreshStrategy = s
	case "deduplication":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid deduplication %q", value)
		}
		t.Deduplication = b
	case "cardinality_threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("invalid cardinality_threshold %q", value)
		}
		t.CardinalityThreshold = f
	case "allow_parallel":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid allow_parallel %q", value)
		}
		t.AllowParallel = b
	case "parallel_threshold":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid parallel_threshold %q", value)
		}
		t.ParallelThreshold = n
	case "max_parallelism":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid max_parallelism %q", value)
		}
		t.MaxParallelism = n
	case "initialize":
		m := InitializeMode(strings.ToLower(value))
		if m != InitializeOnCreate && m != InitializeOnSchedule {
			return fmt.Errorf("invalid initialize mode %q", value)
		}
		t.Initialize = m
	case "comment":
		t.Comment = value
	default:
		return fmt.Errorf("unknown or immutable property %q", key)
	}
	return nil
}
