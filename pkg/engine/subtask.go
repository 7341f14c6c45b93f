package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/rewrite"
)

// ExecuteSubtask computes one partition of a parallel refresh and
// materializes it into a fresh result table. The caller holds the subtask
// claim and runs its heartbeat; this function only does the data work and
// records the outcome.
func (c *Context) ExecuteSubtask(ctx context.Context, st *model.Subtask) error {
	logger := c.Logger.With(
		zap.Int64("subtask", st.ID),
		zap.String("table", st.Table))

	t, err := c.Meta.GetTable(ctx, st.Table)
	if err != nil {
		return c.failSubtask(ctx, st, err)
	}
	if err := c.Meta.ResolveSources(ctx, t); err != nil {
		return c.failSubtask(ctx, st, err)
	}

	location := resultLocation(st.ID, newResultSuffix())
	if err := c.materializePartition(ctx, t, st, location); err != nil {
		return c.failSubtask(ctx, st, err)
	}

	if err := c.Meta.CompleteSubtask(ctx, st.ID, c.WorkerID, location); err != nil {
		// The claim was swept from under us; the result table is orphaned
		// and will be dropped with the parent's cleanup or by a later sweep.
		logger.Warn("subtask completion lost", zap.Error(err))
		_ = c.Lake.DropTable(ctx, location)
		return err
	}
	logger.Info("subtask completed", zap.String("result", location))
	return nil
}

// materializePartition builds the partition-scoped affected key set and
// evaluates the pinned, filtered definition into the result location.
func (c *Context) materializePartition(ctx context.Context, t *model.DynamicTable, st *model.Subtask, location string) error {
	spec := st.Spec
	if len(spec.Pins) == 0 || len(spec.Stored) == 0 {
		return apperrors.New(apperrors.KindCoordination, apperrors.CodeSubtaskFailed,
			"subtask %d carries no snapshot pair", st.ID)
	}

	plan := &Plan{Pins: spec.Pins, Stored: spec.Stored}
	for _, src := range t.Sources {
		if spec.Pins[src.Name] != spec.Stored[src.Name] {
			plan.ChangedSources = append(plan.ChangedSources, src.Name)
		}
	}

	union, err := c.affectedKeysUnion(t, plan)
	if err != nil {
		return err
	}
	partitionPred, err := spec.Predicate()
	if err != nil {
		return err
	}

	sess, err := c.Lake.Session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	keysRel := affectedTempName(t.Name)
	scoped := fmt.Sprintf("SELECT * FROM (%s) WHERE %s", union, partitionPred)
	if err := sess.CreateTempTableAs(ctx, keysRel, scoped); err != nil {
		return apperrors.Classify(err)
	}

	keys, err := rewrite.Keys(t.Definition)
	if err != nil {
		return err
	}
	keyFilter := rewrite.KeyExprInPredicate(keys, keysRel)
	query, err := rewrite.Rewritten(t.Definition, spec.Pins, t.DynamicSources(), keyFilter)
	if err != nil {
		return err
	}

	return c.withTransientRetry(ctx, fmt.Sprintf("subtask %d", st.ID), func() error {
		if err := sess.CreateTableAs(ctx, location, query); err != nil {
			return apperrors.Classify(err)
		}
		return nil
	})
}

func (c *Context) failSubtask(ctx context.Context, st *model.Subtask, cause error) error {
	classified := apperrors.Classify(cause)
	if err := c.Meta.FailSubtask(ctx, st.ID, c.WorkerID, classified.Error()); err != nil {
		c.Logger.Error("failed to record subtask failure",
			zap.Int64("subtask", st.ID), zap.Error(err))
	}
	return classified
}
