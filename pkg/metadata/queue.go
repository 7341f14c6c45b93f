package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
)

// Enqueue inserts a pending refresh; at most one per table, first writer
// wins. Manual refreshes pass a negative priority to jump the line.
func (s *Store) Enqueue(ctx context.Context, table string, dueAt time.Time, priority int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO pending_refreshes (dynamic_table, due_at, priority)
		VALUES ($1, $2, $3)
		ON CONFLICT (dynamic_table) DO NOTHING`, table, dueAt, priority)
	if err != nil {
		return fmt.Errorf("enqueue refresh of %s: %w", table, err)
	}
	return nil
}

// Dequeue removes the queue entry once the refresh attempt has concluded.
func (s *Store) Dequeue(ctx context.Context, table string) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM pending_refreshes WHERE dynamic_table = $1`, table); err != nil {
		return fmt.Errorf("dequeue refresh of %s: %w", table, err)
	}
	return nil
}

// DueRefreshes lists due, unclaimed work ordered by priority then due time.
func (s *Store) DueRefreshes(ctx context.Context, now time.Time, limit int) ([]*model.PendingRefresh, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.dynamic_table, p.due_at, p.priority, p.enqueued_at
		FROM pending_refreshes p
		JOIN dynamic_tables dt ON dt.name = p.dynamic_table AND dt.status = 'active'
		LEFT JOIN refresh_claims c ON c.dynamic_table = p.dynamic_table
		WHERE p.due_at <= $1 AND c.dynamic_table IS NULL
		ORDER BY p.priority, p.due_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due refreshes: %w", err)
	}
	defer rows.Close()
	var out []*model.PendingRefresh
	for rows.Next() {
		var p model.PendingRefresh
		if err := rows.Scan(&p.Table, &p.DueAt, &p.Priority, &p.EnqueuedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Pending reports whether the table currently has a queue entry.
func (s *Store) Pending(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_refreshes WHERE dynamic_table = $1`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending refresh of %s: %w", table, err)
	}
	return n > 0, nil
}
