package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
)

// AppendHistory records one refresh attempt. The insert is idempotent on
// (table, started_at, worker_id) so post-commit retries never duplicate.
func (s *Store) AppendHistory(ctx context.Context, h *model.HistoryEntry) error {
	return s.appendHistory(ctx, s.DB.ExecContext, h)
}

// AppendHistoryTx is AppendHistory inside an existing transaction.
func (s *Store) AppendHistoryTx(ctx context.Context, tx *sql.Tx, h *model.HistoryEntry) error {
	return s.appendHistory(ctx, tx.ExecContext, h)
}

type execFn func(context.Context, string, ...interface{}) (sql.Result, error)

func (s *Store) appendHistory(ctx context.Context, exec execFn, h *model.HistoryEntry) error {
	_, err := exec(ctx, `
		INSERT INTO refresh_history (dynamic_table, started_at, completed_at,
			status, strategy, rows_affected, affected_keys_count, duration_ms,
			error_code, error_message, snapshots_json, trigger, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (dynamic_table, started_at, worker_id) DO NOTHING`,
		h.Table, h.StartedAt, nullTime(h.CompletedAt), string(h.Status),
		string(h.Strategy), h.RowsAffected, h.AffectedKeyCount, h.DurationMS,
		h.ErrorCode, h.ErrorMessage, h.SnapshotsJSON(), string(h.Trigger),
		h.WorkerID)
	if err != nil {
		return fmt.Errorf("append history for %s: %w", h.Table, err)
	}
	return nil
}

// History returns the most recent attempts for a table, newest first.
func (s *Store) History(ctx context.Context, table string, limit int) ([]*model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, dynamic_table, started_at, completed_at, status, strategy,
			rows_affected, affected_keys_count, duration_ms, error_code,
			error_message, snapshots_json, trigger, worker_id
		FROM refresh_history WHERE dynamic_table = $1
		ORDER BY started_at DESC LIMIT $2`, table, limit)
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", table, err)
	}
	defer rows.Close()
	var out []*model.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LastSuccess returns the most recent success or skipped entry, or nil.
func (s *Store) LastSuccess(ctx context.Context, table string) (*model.HistoryEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, dynamic_table, started_at, completed_at, status, strategy,
			rows_affected, affected_keys_count, duration_ms, error_code,
			error_message, snapshots_json, trigger, worker_id
		FROM refresh_history
		WHERE dynamic_table = $1 AND status IN ('success', 'skipped')
		ORDER BY started_at DESC LIMIT 1`, table)
	if err != nil {
		return nil, fmt.Errorf("read last success of %s: %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanHistory(rows)
}

// LastSuccessTimes returns completed_at of the newest success/skipped entry
// per table, for staleness computation over the whole registry.
func (s *Store) LastSuccessTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT dynamic_table, MAX(completed_at)
		FROM refresh_history
		WHERE status IN ('success', 'skipped') AND completed_at IS NOT NULL
		GROUP BY dynamic_table`)
	if err != nil {
		return nil, fmt.Errorf("read last success times: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var table string
		var t time.Time
		if err := rows.Scan(&table, &t); err != nil {
			return nil, err
		}
		out[table] = t
	}
	return out, rows.Err()
}

// SucceededSince lists tables with a success entry (not skipped) completing
// after since. Drives downstream-lag propagation.
func (s *Store) SucceededSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT dynamic_table FROM refresh_history
		WHERE status = 'success' AND completed_at > $1`, since)
	if err != nil {
		return nil, fmt.Errorf("read recent successes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanHistory(r rowScanner) (*model.HistoryEntry, error) {
	var (
		h           model.HistoryEntry
		completedAt sql.NullTime
		status      string
		strategy    string
		trigger     string
		snapJSON    string
	)
	if err := r.Scan(&h.ID, &h.Table, &h.StartedAt, &completedAt, &status,
		&strategy, &h.RowsAffected, &h.AffectedKeyCount, &h.DurationMS,
		&h.ErrorCode, &h.ErrorMessage, &snapJSON, &trigger, &h.WorkerID); err != nil {
		return nil, fmt.Errorf("scan history row: %w", err)
	}
	if completedAt.Valid {
		h.CompletedAt = completedAt.Time
	}
	h.Status = model.RefreshOutcome(status)
	h.Strategy = model.ExecutedStrategy(strategy)
	h.Trigger = model.RefreshTrigger(trigger)
	if snapJSON != "" {
		_ = json.Unmarshal([]byte(snapJSON), &h.Snapshots)
	}
	return &h, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
