package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
)

// AcquireClaim takes the table-level claim for workerID. The unique primary
// key on dynamic_table makes this first-writer-wins across the fleet.
func (s *Store) AcquireClaim(ctx context.Context, table, workerID string, timeout time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO refresh_claims (dynamic_table, worker_id, claimed_at,
			heartbeat_at, expires_at, mode)
		VALUES ($1, $2, now(), now(), now() + $3 * interval '1 second', 'single')
		ON CONFLICT (dynamic_table) DO NOTHING`,
		table, workerID, timeout.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire claim on %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Heartbeat extends the claim. A zero-row update means the claim was lost
// (expired and swept, or taken over); the refresh must abort.
func (s *Store) Heartbeat(ctx context.Context, table, workerID string, timeout time.Duration) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE refresh_claims
		SET heartbeat_at = now(), expires_at = now() + $3 * interval '1 second'
		WHERE dynamic_table = $1 AND worker_id = $2`,
		table, workerID, timeout.Seconds())
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindCoordination, apperrors.CodeHeartbeat,
			"heartbeat write failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindCoordination, apperrors.CodeClaimLost,
			"claim on %s lost by %s", table, workerID)
	}
	return nil
}

// ReleaseClaim drops the claim held by workerID.
func (s *Store) ReleaseClaim(ctx context.Context, table, workerID string) error {
	if _, err := s.DB.ExecContext(ctx, `
		DELETE FROM refresh_claims WHERE dynamic_table = $1 AND worker_id = $2`,
		table, workerID); err != nil {
		return fmt.Errorf("release claim on %s: %w", table, err)
	}
	return nil
}

// GetClaim returns the current claim row, or nil when unclaimed.
func (s *Store) GetClaim(ctx context.Context, table string) (*model.Claim, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT dynamic_table, worker_id, claimed_at, heartbeat_at, expires_at,
			mode, subtasks_total, subtasks_completed
		FROM refresh_claims WHERE dynamic_table = $1`, table)
	var c model.Claim
	var mode string
	err := row.Scan(&c.Table, &c.WorkerID, &c.ClaimedAt, &c.HeartbeatAt,
		&c.ExpiresAt, &mode, &c.SubtasksTotal, &c.SubtasksCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read claim on %s: %w", table, err)
	}
	c.Mode = model.ClaimMode(mode)
	return &c, nil
}

// PromoteToCoordinator converts a single claim into coordinator mode with
// the planned subtask count. Conditional on still holding the claim.
func (s *Store) PromoteToCoordinator(ctx context.Context, table, workerID string, total int) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE refresh_claims
		SET mode = 'coordinator', subtasks_total = $3, subtasks_completed = 0
		WHERE dynamic_table = $1 AND worker_id = $2 AND mode = 'single'`,
		table, workerID, total)
	if err != nil {
		return fmt.Errorf("promote claim on %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.KindCoordination, apperrors.CodeClaimLost,
			"claim on %s not held in single mode by %s", table, workerID)
	}
	return nil
}

// UpdateClaimProgress records coordinator wait-loop progress.
func (s *Store) UpdateClaimProgress(ctx context.Context, table, workerID string, completed int) error {
	if _, err := s.DB.ExecContext(ctx, `
		UPDATE refresh_claims SET subtasks_completed = $3
		WHERE dynamic_table = $1 AND worker_id = $2`,
		table, workerID, completed); err != nil {
		return fmt.Errorf("update claim progress on %s: %w", table, err)
	}
	return nil
}

// ExpireClaims deletes claims whose heartbeat has gone stale and returns the
// affected tables; their queue entries become claimable again.
func (s *Store) ExpireClaims(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		DELETE FROM refresh_claims
		WHERE heartbeat_at < $1 - $2 * interval '1 second'
		RETURNING dynamic_table`, now, timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("expire claims: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
