package metadata

import (
	"context"
	"database/sql"
	"fmt"
)

// SourceSnapshots returns the per-source snapshot pointers consumed by the
// table's last successful refresh. An empty map means never refreshed.
func (s *Store) SourceSnapshots(ctx context.Context, table string) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT source, last_snapshot FROM source_snapshots
		WHERE dynamic_table = $1 ORDER BY source`, table)
	if err != nil {
		return nil, fmt.Errorf("read source snapshots of %s: %w", table, err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var source string
		var snap int64
		if err := rows.Scan(&source, &snap); err != nil {
			return nil, err
		}
		out[source] = snap
	}
	return out, rows.Err()
}

// AdvanceSnapshots upserts the snapshot pointers for table inside tx.
// Monotonicity is enforced here: a pointer never moves backwards.
func (s *Store) AdvanceSnapshots(ctx context.Context, tx *sql.Tx, table string, pins map[string]int64) error {
	for source, snap := range pins {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO source_snapshots (dynamic_table, source, last_snapshot, last_processed_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (dynamic_table, source) DO UPDATE
			SET last_snapshot = GREATEST(source_snapshots.last_snapshot, EXCLUDED.last_snapshot),
			    last_processed_at = now()`,
			table, source, snap); err != nil {
			return fmt.Errorf("advance snapshot %s/%s: %w", table, source, err)
		}
	}
	return nil
}
