package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/retry"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/rewrite"
)

// ExecuteRefresh carries out one refresh of t under an already-held claim.
// It selects the strategy, applies the data change transactionally on the
// lake, then advances snapshots and history in the metadata store. The
// returned history entry reflects what was recorded.
func (c *Context) ExecuteRefresh(ctx context.Context, t *model.DynamicTable, trigger model.RefreshTrigger) (*model.HistoryEntry, error) {
	startedAt := c.clock()
	ctx, cancel := context.WithTimeout(ctx, c.Config.RefreshTimeout)
	defer cancel()

	entry := &model.HistoryEntry{
		Table:     t.Name,
		StartedAt: startedAt,
		Trigger:   trigger,
		WorkerID:  c.WorkerID,
	}

	plan, err := c.SelectStrategy(ctx, t)
	if err != nil {
		return c.recordFailure(ctx, t, entry, err)
	}
	entry.Strategy = plan.Strategy
	entry.Snapshots = plan.Pins
	entry.AffectedKeyCount = plan.AffectedCount

	c.Logger.Info("refresh strategy selected",
		zap.String("table", t.Name),
		zap.String("strategy", string(plan.Strategy)),
		zap.Int64("affected_keys", plan.AffectedCount))

	switch plan.Strategy {
	case model.ExecSkipped:
		// No snapshot advanced anywhere; record the no-op so staleness
		// resets without touching the lake or triggering downstream tables.
		entry.Status = model.OutcomeSkipped
		entry.CompletedAt = c.clock()
		entry.DurationMS = entry.CompletedAt.Sub(startedAt).Milliseconds()
		if err := c.appendHistoryRetry(ctx, entry); err != nil {
			return entry, err
		}
		return entry, nil
	case model.ExecParallel:
		return c.Coordinate(ctx, t, plan, entry)
	}

	sess, err := c.Lake.Session(ctx)
	if err != nil {
		return c.recordFailure(ctx, t, entry, err)
	}
	defer sess.Close()

	var rows int64
	var skipped bool
	switch plan.Strategy {
	case model.ExecBootstrap, model.ExecFull:
		rows, err = c.applyFull(ctx, sess, t, plan)
	case model.ExecAffected:
		rows, skipped, err = c.applyAffectedKeys(ctx, sess, t, plan)
	default:
		err = fmt.Errorf("unknown strategy %q", plan.Strategy)
	}
	if err != nil {
		return c.recordFailure(ctx, t, entry, err)
	}

	entry.Status = model.OutcomeSuccess
	if skipped {
		// Deduplication found nothing to write: report it like a no-op.
		entry.Strategy = model.ExecSkipped
		entry.Status = model.OutcomeSkipped
	}
	entry.RowsAffected = rows
	entry.CompletedAt = c.clock()
	entry.DurationMS = entry.CompletedAt.Sub(startedAt).Milliseconds()

	// The lake commit is durable at this point. Metadata advancement happens
	// after it and retries on failure; the history insert is idempotent on
	// (table, started_at, worker), so a replay cannot double-record.
	if !skipped {
		if err := c.advanceMetadata(ctx, t, plan, entry); err != nil {
			return entry, err
		}
	} else if err := c.appendHistoryRetry(ctx, entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// applyFull runs the bootstrap/full path: one lake transaction that clears
// the target and reloads it from the pinned definition. The bootstrap pins
// were captured before execution by the selector.
func (c *Context) applyFull(ctx context.Context, sess *lake.Session, t *model.DynamicTable, plan *Plan) (int64, error) {
	pinned, err := rewrite.Rewritten(t.Definition, plan.Pins, t.DynamicSources(), "")
	if err != nil {
		return 0, err
	}
	target := t.QualifiedName()

	exists, err := c.Lake.TableExists(ctx, t.SchemaName, t.Name)
	if err != nil {
		return 0, err
	}
	if !exists {
		// DDL runs outside the data transaction.
		create := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM (%s) LIMIT 0", target, pinned)
		if err := sess.Exec(ctx, create); err != nil {
			return 0, apperrors.Classify(err)
		}
	}

	var rows int64
	err = c.withTransientRetry(ctx, "full refresh "+t.Name, func() error {
		tx, err := sess.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", target)); err != nil {
			return err
		}
		n, err := tx.ExecRows(ctx, fmt.Sprintf("INSERT INTO %s %s", target, pinned))
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		rows = n
		return nil
	})
	return rows, err
}

// applyAffectedKeys runs the incremental path: materialize the affected key
// set, then DELETE-then-INSERT exactly those keys in one transaction.
// Deletes that removed a key's last source row fall out naturally: the
// INSERT produces no row for that key.
func (c *Context) applyAffectedKeys(ctx context.Context, sess *lake.Session, t *model.DynamicTable, plan *Plan) (rows int64, skipped bool, err error) {
	keysRel := affectedTempName(t.Name)
	union, err := c.affectedKeysUnion(t, plan)
	if err != nil {
		return 0, false, err
	}
	if err := sess.CreateTempTableAs(ctx, keysRel, union); err != nil {
		return 0, false, apperrors.Classify(err)
	}

	keys, err := rewrite.Keys(t.Definition)
	if err != nil {
		return 0, false, err
	}
	// The DELETE filters on the target's column names; the INSERT query
	// filters on the definition's own (possibly alias-qualified) exprs.
	insertFilter := rewrite.KeyExprInPredicate(keys, keysRel)
	insertQuery, err := rewrite.Rewritten(t.Definition, plan.Pins, t.DynamicSources(), insertFilter)
	if err != nil {
		return 0, false, err
	}
	target := t.QualifiedName()
	keyFilter := rewrite.KeyInPredicate(keys, keysRel)
	deleteStmt := fmt.Sprintf("DELETE FROM %s WHERE %s", target, keyFilter)

	if t.Deduplication {
		return c.applyDeduplicated(ctx, sess, t, target, keysRel, keyFilter, insertQuery, deleteStmt)
	}

	err = c.withTransientRetry(ctx, "affected-keys refresh "+t.Name, func() error {
		tx, err := sess.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := tx.Exec(ctx, deleteStmt); err != nil {
			return err
		}
		n, err := tx.ExecRows(ctx, fmt.Sprintf("INSERT INTO %s %s", target, insertQuery))
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		rows = n
		return nil
	})
	return rows, false, err
}

// applyDeduplicated materializes the candidate rows first and compares them
// NULL-safely against the restricted target; an identical set skips the
// transaction entirely.
func (c *Context) applyDeduplicated(ctx context.Context, sess *lake.Session, t *model.DynamicTable, target, keysRel, keyFilter, insertQuery, deleteStmt string) (rows int64, skipped bool, err error) {
	candRel := dedupTempName(t.Name)
	if err := sess.CreateTempTableAs(ctx, candRel, insertQuery); err != nil {
		return 0, false, apperrors.Classify(err)
	}

	diffQuery := fmt.Sprintf(`SELECT COUNT(*) FROM (
		(SELECT * FROM %[1]s EXCEPT SELECT * FROM %[2]s WHERE %[3]s)
		UNION ALL
		(SELECT * FROM (SELECT * FROM %[2]s WHERE %[3]s) EXCEPT SELECT * FROM %[1]s)
	)`, candRel, target, keyFilter)
	diff, err := sess.QueryInt64(ctx, diffQuery)
	if err != nil {
		return 0, false, apperrors.Classify(err)
	}
	if diff == 0 {
		return 0, true, nil
	}

	err = c.withTransientRetry(ctx, "deduplicated refresh "+t.Name, func() error {
		tx, err := sess.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := tx.Exec(ctx, deleteStmt); err != nil {
			return err
		}
		n, err := tx.ExecRows(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", target, candRel))
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		rows = n
		return nil
	})
	return rows, false, err
}

// advanceMetadata commits snapshot pointers and the history entry in one
// metadata transaction, after the lake commit, with bounded retry.
func (c *Context) advanceMetadata(ctx context.Context, t *model.DynamicTable, plan *Plan, entry *model.HistoryEntry) error {
	return c.withTransientRetry(ctx, "advance metadata "+t.Name, func() error {
		tx, err := c.Meta.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := c.Meta.AdvanceSnapshots(ctx, tx, t.Name, plan.Pins); err != nil {
			return err
		}
		if err := c.Meta.AppendHistoryTx(ctx, tx, entry); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (c *Context) appendHistoryRetry(ctx context.Context, entry *model.HistoryEntry) error {
	return c.withTransientRetry(ctx, "append history "+entry.Table, func() error {
		return c.Meta.AppendHistory(ctx, entry)
	})
}

// recordFailure classifies err, writes the failed history entry, and moves
// the table to failed on definitional errors so the scheduler stops
// re-enqueuing it.
func (c *Context) recordFailure(ctx context.Context, t *model.DynamicTable, entry *model.HistoryEntry, cause error) (*model.HistoryEntry, error) {
	classified := apperrors.Classify(cause)
	entry.Status = model.OutcomeFailed
	entry.CompletedAt = c.clock()
	entry.DurationMS = entry.CompletedAt.Sub(entry.StartedAt).Milliseconds()
	entry.ErrorCode = string(classified.Code)
	entry.ErrorMessage = classified.Error()

	if err := c.Meta.AppendHistory(ctx, entry); err != nil {
		c.Logger.Error("failed to record refresh failure",
			zap.String("table", t.Name), zap.Error(err))
	}
	if classified.Kind == apperrors.KindDefinitional {
		if err := c.Meta.SetStatus(ctx, t.Name, model.StatusFailed); err != nil {
			c.Logger.Error("failed to mark table failed",
				zap.String("table", t.Name), zap.Error(err))
		}
	}
	return entry, classified
}

// withTransientRetry retries fn with exponential backoff while the error
// classifies as transient; other kinds stop immediately.
func (c *Context) withTransientRetry(ctx context.Context, operation string, fn func() error) error {
	cfg := retry.DefaultConfig()
	if c.Config.MaxRetries > 0 {
		cfg.MaxRetries = c.Config.MaxRetries
	}
	var permanent error
	err := retry.WithBackoff(ctx, cfg, c.Logger, operation, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		classified := apperrors.Classify(err)
		if classified.Kind != apperrors.KindTransient {
			permanent = classified
			return nil
		}
		return classified
	})
	if permanent != nil {
		return permanent
	}
	return err
}
