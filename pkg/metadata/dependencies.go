package metadata

import (
	"context"
	"fmt"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/graph"
)

// Dependents lists registered dynamic tables that read from name.
func (s *Store) Dependents(ctx context.Context, name string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT d.downstream FROM dependencies d
		JOIN dynamic_tables dt ON dt.name = d.downstream
		WHERE d.upstream = $1 ORDER BY d.downstream`, name)
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", name, err)
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

// LoadGraph builds the dependency arena over every registered table. Edges
// whose upstream is a base-lake relation are carried into the graph but do
// not participate in ordering (only registered nodes do).
func (s *Store) LoadGraph(ctx context.Context) (*graph.Graph, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT dt.name, COALESCE(d.upstream, '')
		FROM dynamic_tables dt
		LEFT JOIN dependencies d ON d.downstream = dt.name
		ORDER BY dt.name, d.upstream`)
	if err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}
	defer rows.Close()

	ups := make(map[string][]string)
	var order []string
	for rows.Next() {
		var name, upstream string
		if err := rows.Scan(&name, &upstream); err != nil {
			return nil, err
		}
		if _, ok := ups[name]; !ok {
			order = append(order, name)
			ups[name] = nil
		}
		if upstream != "" {
			ups[name] = append(ups[name], upstream)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	g := graph.New()
	for _, name := range order {
		if err := g.AddTable(name, ups[name]); err != nil {
			return nil, fmt.Errorf("load dependency graph: %w", err)
		}
	}
	return g, nil
}
