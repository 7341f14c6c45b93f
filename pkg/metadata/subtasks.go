package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
)

// InsertSubtasks publishes the partitions of one parallel refresh in a
// single transaction; all start pending.
func (s *Store) InsertSubtasks(ctx context.Context, parent, table string, specs []model.PartitionSpec) ([]int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert subtasks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(specs))
	for _, spec := range specs {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO refresh_subtasks (parent_refresh, dynamic_table, kind,
				partition_spec_json, status)
			VALUES ($1, $2, $3, $4, 'pending')
			RETURNING id`,
			parent, table, string(spec.Kind), spec.JSON()).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert subtask for %s: %w", table, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert subtasks: %w", err)
	}
	return ids, nil
}

// ClaimSubtask takes one pending subtask for workerID, skipping rows other
// workers hold locked. Returns nil when nothing is claimable.
func (s *Store) ClaimSubtask(ctx context.Context, workerID string) (*model.Subtask, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim subtask: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM refresh_subtasks
		WHERE status = 'pending'
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable subtask: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE refresh_subtasks
		SET status = 'claimed', claimed_by = $2, claimed_at = now(), heartbeat_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING id, parent_refresh, dynamic_table, partition_spec_json,
			status, result_location, claimed_by, retry_count, created_at`, id, workerID)
	st, err := scanSubtaskShort(row)
	if err != nil {
		return nil, fmt.Errorf("claim subtask %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim subtask: %w", err)
	}
	return st, nil
}

// HeartbeatSubtask extends a claimed subtask; zero rows means the claim was
// swept and the work must stop.
func (s *Store) HeartbeatSubtask(ctx context.Context, id int64, workerID string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE refresh_subtasks SET heartbeat_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'claimed'`, id, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat subtask %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subtask %d claim lost by %s", id, workerID)
	}
	return nil
}

// CompleteSubtask marks success and records where the partition result was
// materialized.
func (s *Store) CompleteSubtask(ctx context.Context, id int64, workerID, resultLocation string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE refresh_subtasks
		SET status = 'completed', result_location = $3, completed_at = now()
		WHERE id = $1 AND claimed_by = $2 AND status = 'claimed'`,
		id, workerID, resultLocation)
	if err != nil {
		return fmt.Errorf("complete subtask %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subtask %d claim lost by %s", id, workerID)
	}
	return nil
}

// FailSubtask records a failure and bumps the retry counter. The sweeper
// decides whether the row returns to pending.
func (s *Store) FailSubtask(ctx context.Context, id int64, workerID, message string) error {
	if _, err := s.DB.ExecContext(ctx, `
		UPDATE refresh_subtasks
		SET status = 'failed', error_message = $3, retry_count = retry_count + 1
		WHERE id = $1 AND claimed_by = $2`, id, workerID, message); err != nil {
		return fmt.Errorf("fail subtask %d: %w", id, err)
	}
	return nil
}

// SubtaskCounts aggregates subtask status for one parent refresh.
func (s *Store) SubtaskCounts(ctx context.Context, parent string) (map[model.SubtaskStatus]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM refresh_subtasks
		WHERE parent_refresh = $1 GROUP BY status`, parent)
	if err != nil {
		return nil, fmt.Errorf("count subtasks of %s: %w", parent, err)
	}
	defer rows.Close()
	out := make(map[model.SubtaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.SubtaskStatus(status)] = n
	}
	return out, rows.Err()
}

// MaxRetryExceeded reports whether any failed subtask of parent has no
// retries left.
func (s *Store) MaxRetryExceeded(ctx context.Context, parent string, retryMax int) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM refresh_subtasks
		WHERE parent_refresh = $1 AND status = 'failed' AND retry_count >= $2`,
		parent, retryMax).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check subtask retries of %s: %w", parent, err)
	}
	return n > 0, nil
}

// CompletedSubtasks lists the completed partitions of parent in id order;
// the merge reads result locations in this order for determinism.
func (s *Store) CompletedSubtasks(ctx context.Context, parent string) ([]*model.Subtask, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, parent_refresh, dynamic_table, partition_spec_json, status,
			result_location, claimed_by, retry_count, created_at
		FROM refresh_subtasks
		WHERE parent_refresh = $1 AND status = 'completed'
		ORDER BY id`, parent)
	if err != nil {
		return nil, fmt.Errorf("list completed subtasks of %s: %w", parent, err)
	}
	defer rows.Close()
	var out []*model.Subtask
	for rows.Next() {
		st, err := scanSubtaskShort(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteSubtasks removes all subtask rows of one parent refresh after merge
// or abort.
func (s *Store) DeleteSubtasks(ctx context.Context, parent string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		DELETE FROM refresh_subtasks WHERE parent_refresh = $1
		RETURNING result_location`, parent)
	if err != nil {
		return nil, fmt.Errorf("delete subtasks of %s: %w", parent, err)
	}
	defer rows.Close()
	var locations []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		if loc != "" {
			locations = append(locations, loc)
		}
	}
	return locations, rows.Err()
}

// SweepSubtasks handles dead subtask work: claimed rows with stale
// heartbeats return to pending while retries remain, otherwise fail; failed
// rows with retries left return to pending; subtasks whose parent has no
// live coordinator claim are deleted. Returns result locations of deleted
// rows so their temp tables can be dropped.
func (s *Store) SweepSubtasks(ctx context.Context, now time.Time, heartbeatTimeout time.Duration, retryMax int) ([]string, error) {
	if _, err := s.DB.ExecContext(ctx, `
		UPDATE refresh_subtasks
		SET status = CASE WHEN retry_count < $3 THEN 'pending' ELSE 'failed' END,
			retry_count = CASE WHEN status = 'claimed' THEN retry_count + 1 ELSE retry_count END,
			claimed_by = '', claimed_at = NULL, heartbeat_at = NULL
		WHERE (status = 'claimed' AND heartbeat_at < $1 - $2 * interval '1 second')
			OR (status = 'failed' AND retry_count < $3)`,
		now, heartbeatTimeout.Seconds(), retryMax); err != nil {
		return nil, fmt.Errorf("sweep stale subtask claims: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx, `
		DELETE FROM refresh_subtasks
		WHERE parent_refresh NOT IN (
			SELECT dynamic_table FROM refresh_claims WHERE mode = 'coordinator'
		)
		RETURNING result_location`)
	if err != nil {
		return nil, fmt.Errorf("sweep orphaned subtasks: %w", err)
	}
	defer rows.Close()
	var locations []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		if loc != "" {
			locations = append(locations, loc)
		}
	}
	return locations, rows.Err()
}

func scanSubtaskShort(r rowScanner) (*model.Subtask, error) {
	var (
		st       model.Subtask
		specJSON string
		status   string
	)
	if err := r.Scan(&st.ID, &st.ParentRefresh, &st.Table, &specJSON, &status,
		&st.ResultLocation, &st.ClaimedBy, &st.RetryCount, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.Status = model.SubtaskStatus(status)
	spec, err := model.ParsePartitionSpec(specJSON)
	if err != nil {
		return nil, err
	}
	st.Spec = spec
	return &st, nil
}
