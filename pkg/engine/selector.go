package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/rewrite"
)

// Plan is the selector's decision for one pending refresh.
type Plan struct {
	Strategy model.ExecutedStrategy
	// Pins are the new per-source snapshot ids the refresh will consume.
	Pins map[string]int64
	// Stored are the snapshot ids of the last successful refresh; empty on
	// bootstrap.
	Stored map[string]int64
	// ChangedSources lists sources whose snapshot advanced, sorted.
	ChangedSources []string
	AffectedCount  int64
	TotalRows      int64
	Partitions     int
}

// SelectStrategy walks the decision ladder of the refresh policy:
// bootstrap, no-op, full (policy, shape or cardinality) and the two
// affected-keys paths.
func (c *Context) SelectStrategy(ctx context.Context, t *model.DynamicTable) (*Plan, error) {
	stored, err := c.Meta.SourceSnapshots(ctx, t.Name)
	if err != nil {
		return nil, err
	}

	// Dynamic-table sources are materialized lake tables with snapshot
	// history of their own, so change detection covers every source; only
	// the rewrite skips pinning them.
	allSources := make([]string, 0, len(t.Sources))
	for _, s := range t.Sources {
		allSources = append(allSources, s.Name)
	}
	current, err := c.Lake.CurrentSnapshots(ctx, allSources)
	if err != nil {
		return nil, err
	}

	// Never refreshed: capture pins before the query runs so mid-bootstrap
	// writers do not leave the target at an undefined version.
	if len(stored) == 0 {
		return &Plan{Strategy: model.ExecBootstrap, Pins: current}, nil
	}

	var changed []string
	for _, src := range allSources {
		if current[src] != stored[src] {
			changed = append(changed, src)
		}
	}
	sort.Strings(changed)

	if len(changed) == 0 {
		return &Plan{Strategy: model.ExecSkipped, Pins: current, Stored: stored}, nil
	}

	plan := &Plan{Pins: current, Stored: stored, ChangedSources: changed}

	if t.RefreshStrategy == model.StrategyFull || len(t.GroupingKeys) == 0 ||
		rewrite.FullOnly(t.Definition) {
		plan.Strategy = model.ExecFull
		return plan, nil
	}

	affected, err := c.countAffectedKeys(ctx, t, plan)
	if err != nil {
		return nil, err
	}
	plan.AffectedCount = affected

	total, err := c.Lake.CountRows(ctx, t.QualifiedName())
	if err != nil {
		return nil, err
	}
	plan.TotalRows = total

	// Incremental work beyond this share of the target is slower than
	// recomputing from scratch.
	if total > 0 && float64(affected)/float64(total) > t.CardinalityThreshold {
		plan.Strategy = model.ExecFull
		return plan, nil
	}
	if total == 0 {
		plan.Strategy = model.ExecFull
		return plan, nil
	}

	if t.AllowParallel && affected >= t.ParallelThreshold &&
		c.Presence.IdleWorkers(ctx) >= 2 {
		plan.Strategy = model.ExecParallel
		plan.Partitions = partitionCount(affected, t.MaxParallelism)
		return plan, nil
	}

	plan.Strategy = model.ExecAffected
	return plan, nil
}

// rowsPerPartition sizes the fan-out: one subtask per ~5M affected keys.
const rowsPerPartition = 5_000_000

func partitionCount(affected int64, maxParallelism int) int {
	n := int((affected + rowsPerPartition - 1) / rowsPerPartition)
	if n < 2 {
		n = 2
	}
	if n > maxParallelism {
		n = maxParallelism
	}
	return n
}

// countAffectedKeys evaluates the unioned change-feed key query without
// materializing it.
func (c *Context) countAffectedKeys(ctx context.Context, t *model.DynamicTable, plan *Plan) (int64, error) {
	q, err := c.affectedKeysUnion(t, plan)
	if err != nil {
		return 0, err
	}
	n, err := c.Lake.ChangedKeyCount(ctx, q)
	if err != nil {
		return 0, err
	}
	c.Logger.Debug("affected keys counted",
		zap.String("table", t.Name), zap.Int64("keys", n))
	return n, nil
}

// affectedKeysUnion builds the UNION of per-source affected-key queries.
// Every feed uses the same stored/current snapshot pair per source; mixing
// stale and current feeds across sources is forbidden.
func (c *Context) affectedKeysUnion(t *model.DynamicTable, plan *Plan) (string, error) {
	keys, err := rewrite.Keys(t.Definition)
	if err != nil {
		return "", err
	}
	exclude := t.DynamicSources()
	parts := make([]string, 0, len(plan.ChangedSources))
	for _, src := range plan.ChangedSources {
		q, err := rewrite.AffectedKeysQuery(t.Definition, src,
			plan.Stored[src], plan.Pins[src], plan.Pins, exclude, keys)
		if err != nil {
			return "", fmt.Errorf("affected keys for %s via %s: %w", t.Name, src, err)
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " UNION "), nil
}
