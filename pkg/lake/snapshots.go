package lake

import (
	"context"
	"database/sql"
	"fmt"
)

// CurrentSnapshot returns the id of the newest snapshot that wrote to
// source, or 0 when the source has never been written. DuckLake snapshots
// are catalog-wide; the per-source value is the latest snapshot whose change
// set names the table, so an untouched source keeps a stable id across other
// tables' writes.
func (c *Client) CurrentSnapshot(ctx context.Context, source string) (int64, error) {
	bare := source
	if i := lastDot(source); i >= 0 {
		bare = source[i+1:]
	}
	var n sql.NullInt64
	row := c.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(snapshot_id)
		FROM %s.snapshots()
		WHERE list_contains(flatten(map_values(changes)), ?)
		   OR list_contains(flatten(map_values(changes)), ?)`, c.Schema),
		source, bare)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("current snapshot of %s: %w", source, err)
	}
	if !n.Valid {
		return 0, nil
	}
	return n.Int64, nil
}

// CurrentSnapshots resolves the current snapshot of every named source.
func (c *Client) CurrentSnapshots(ctx context.Context, sources []string) (map[string]int64, error) {
	out := make(map[string]int64, len(sources))
	for _, src := range sources {
		snap, err := c.CurrentSnapshot(ctx, src)
		if err != nil {
			return nil, err
		}
		out[src] = snap
	}
	return out, nil
}

// ChangedKeyCount evaluates an affected-keys query and returns its distinct
// row count without materializing the set.
func (c *Client) ChangedKeyCount(ctx context.Context, keysQuery string) (int64, error) {
	var n int64
	err := c.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM (%s)", keysQuery)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count affected keys: %w", err)
	}
	return n, nil
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
