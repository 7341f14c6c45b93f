package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/rewrite"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/ticker"
)

// coordinatorPollInterval is the cadence of the subtask wait loop.
const coordinatorPollInterval = 5 * time.Second

// Coordinate fans one large affected-keys refresh out into subtasks, waits
// for the fleet to finish them, and merges the results atomically. The
// table-level heartbeat keeps running in the worker's task group; losing it
// cancels ctx and aborts the wait.
func (c *Context) Coordinate(ctx context.Context, t *model.DynamicTable, plan *Plan, entry *model.HistoryEntry) (*model.HistoryEntry, error) {
	n := plan.Partitions
	if err := c.Meta.PromoteToCoordinator(ctx, t.Name, c.WorkerID, n); err != nil {
		return c.recordFailure(ctx, t, entry, err)
	}

	specs := make([]model.PartitionSpec, 0, n)
	for i := 0; i < n; i++ {
		specs = append(specs, model.PartitionSpec{
			Kind:   model.PartitionHashRange,
			Key:    t.GroupingKeys[0],
			N:      n,
			I:      i,
			Stored: plan.Stored,
			Pins:   plan.Pins,
		})
	}
	if _, err := c.Meta.InsertSubtasks(ctx, t.Name, t.Name, specs); err != nil {
		return c.recordFailure(ctx, t, entry, err)
	}
	c.Logger.Info("subtasks published",
		zap.String("table", t.Name), zap.Int("partitions", n))

	if err := c.waitForSubtasks(ctx, t, n); err != nil {
		c.cleanupSubtasks(ctx, t.Name)
		return c.recordFailure(ctx, t, entry, err)
	}

	rows, err := c.mergeSubtasks(ctx, t, plan)
	if err != nil {
		c.cleanupSubtasks(ctx, t.Name)
		return c.recordFailure(ctx, t, entry, err)
	}

	entry.Status = model.OutcomeSuccess
	entry.RowsAffected = rows
	entry.CompletedAt = c.clock()
	entry.DurationMS = entry.CompletedAt.Sub(entry.StartedAt).Milliseconds()
	if err := c.advanceMetadata(ctx, t, plan, entry); err != nil {
		return entry, err
	}

	c.cleanupSubtasks(ctx, t.Name)
	return entry, nil
}

// waitForSubtasks polls the subtask table until all partitions complete, a
// partition exhausts its retries, or the wait deadline passes.
func (c *Context) waitForSubtasks(ctx context.Context, t *model.DynamicTable, total int) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.Config.CoordinatorWaitTimeout)
	defer cancel()

	err := ticker.EveryUntilStop(waitCtx, coordinatorPollInterval, func(ctx context.Context) error {
		counts, err := c.Meta.SubtaskCounts(ctx, t.Name)
		if err != nil {
			return err
		}
		completed := counts[model.SubtaskCompleted]
		if err := c.Meta.UpdateClaimProgress(ctx, t.Name, c.WorkerID, completed); err != nil {
			return err
		}
		exceeded, err := c.Meta.MaxRetryExceeded(ctx, t.Name, c.Config.SubtaskRetryMax)
		if err != nil {
			return err
		}
		if exceeded {
			return apperrors.New(apperrors.KindCoordination, apperrors.CodeSubtaskFailed,
				"subtask of %s failed past its retry budget", t.Name)
		}
		if completed >= total {
			return ticker.Stop
		}
		return nil
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.New(apperrors.KindCoordination, apperrors.CodeCoordinatorTimeout,
			"coordinator wait for %s expired", t.Name)
	}
	return err
}

// mergeSubtasks deletes the affected keys and re-inserts every partition
// result in subtask-id order within one lake transaction. A retried merge
// produces the same row sequence, and DELETE-then-INSERT of the complete
// affected set overwrites any partial prior merge.
func (c *Context) mergeSubtasks(ctx context.Context, t *model.DynamicTable, plan *Plan) (int64, error) {
	subtasks, err := c.Meta.CompletedSubtasks(ctx, t.Name)
	if err != nil {
		return 0, err
	}

	sess, err := c.Lake.Session(ctx)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	keysRel := affectedTempName(t.Name)
	union, err := c.affectedKeysUnion(t, plan)
	if err != nil {
		return 0, err
	}
	if err := sess.CreateTempTableAs(ctx, keysRel, union); err != nil {
		return 0, apperrors.Classify(err)
	}
	keys, err := rewrite.Keys(t.Definition)
	if err != nil {
		return 0, err
	}
	keyFilter := rewrite.KeyInPredicate(keys, keysRel)

	var rows int64
	err = c.withTransientRetry(ctx, "merge subtasks "+t.Name, func() error {
		tx, err := sess.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s",
			t.QualifiedName(), keyFilter)); err != nil {
			return err
		}
		var total int64
		for _, st := range subtasks {
			n, err := tx.ExecRows(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s",
				t.QualifiedName(), st.ResultLocation))
			if err != nil {
				return err
			}
			total += n
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		rows = total
		return nil
	})
	return rows, err
}

// cleanupSubtasks drops every partition's result table and deletes the
// subtask rows.
func (c *Context) cleanupSubtasks(ctx context.Context, table string) {
	locations, err := c.Meta.DeleteSubtasks(ctx, table)
	if err != nil {
		c.Logger.Warn("subtask cleanup failed", zap.String("table", table), zap.Error(err))
		return
	}
	for _, loc := range locations {
		if err := c.Lake.DropTable(ctx, loc); err != nil {
			c.Logger.Warn("drop subtask result failed",
				zap.String("location", loc), zap.Error(err))
		}
	}
}

// newResultSuffix keeps concurrent attempts' result tables distinct.
func newResultSuffix() string {
	return uuid.NewString()[:8]
}
