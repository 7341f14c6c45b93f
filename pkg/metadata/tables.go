package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
)

const tableColumns = `name, schema_name, definition, grouping_keys, target_lag,
	refresh_strategy, deduplication, cardinality_threshold, allow_parallel,
	parallel_threshold, max_parallelism, initialize, status, comment,
	created_at, updated_at`

// CreateTable registers a dynamic table and its dependency edges in one
// transaction. Fails when the name is taken.
func (s *Store) CreateTable(ctx context.Context, t *model.DynamicTable) error {
	keys, _ := json.Marshal(t.GroupingKeys)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create table: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dynamic_tables (name, schema_name, definition, grouping_keys,
			target_lag, refresh_strategy, deduplication, cardinality_threshold,
			allow_parallel, parallel_threshold, max_parallelism, initialize,
			status, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (name) DO NOTHING`,
		t.Name, t.SchemaName, t.Definition, string(keys), t.TargetLag.String(),
		string(t.RefreshStrategy), t.Deduplication, t.CardinalityThreshold,
		t.AllowParallel, t.ParallelThreshold, t.MaxParallelism,
		string(t.Initialize), string(t.Status), t.Comment)
	if err != nil {
		return fmt.Errorf("insert dynamic table %s: %w", t.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Definitional(apperrors.CodeTableExists,
			"dynamic table %q already exists", t.Name)
	}
	for _, src := range t.Sources {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependencies (downstream, upstream)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, t.Name, src.Name); err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", t.Name, src.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create table: %w", err)
	}
	return nil
}

// UpdateTable persists the alterable properties of t.
func (s *Store) UpdateTable(ctx context.Context, t *model.DynamicTable) error {
	keys, _ := json.Marshal(t.GroupingKeys)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dynamic_tables SET
			grouping_keys = $2, target_lag = $3, refresh_strategy = $4,
			deduplication = $5, cardinality_threshold = $6, allow_parallel = $7,
			parallel_threshold = $8, max_parallelism = $9, initialize = $10,
			status = $11, comment = $12, updated_at = now()
		WHERE name = $1`,
		t.Name, string(keys), t.TargetLag.String(), string(t.RefreshStrategy),
		t.Deduplication, t.CardinalityThreshold, t.AllowParallel,
		t.ParallelThreshold, t.MaxParallelism, string(t.Initialize),
		string(t.Status), t.Comment)
	if err != nil {
		return fmt.Errorf("update dynamic table %s: %w", t.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Definitional(apperrors.CodeTableNotFound,
			"dynamic table %q does not exist", t.Name)
	}
	return nil
}

// SetStatus transitions a table's status (suspend/resume/fail/clear).
func (s *Store) SetStatus(ctx context.Context, name string, status model.Status) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE dynamic_tables SET status = $2, updated_at = now() WHERE name = $1`,
		name, string(status))
	if err != nil {
		return fmt.Errorf("set status of %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Definitional(apperrors.CodeTableNotFound,
			"dynamic table %q does not exist", name)
	}
	return nil
}

// GetTable loads one registry entry.
func (s *Store) GetTable(ctx context.Context, name string) (*model.DynamicTable, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+tableColumns+` FROM dynamic_tables WHERE name = $1`, name)
	t, err := scanTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Definitional(apperrors.CodeTableNotFound,
			"dynamic table %q does not exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get dynamic table %s: %w", name, err)
	}
	return t, nil
}

// ListTables loads the whole registry ordered by name.
func (s *Store) ListTables(ctx context.Context) ([]*model.DynamicTable, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+tableColumns+` FROM dynamic_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list dynamic tables: %w", err)
	}
	defer rows.Close()
	var out []*model.DynamicTable
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dynamic table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DropTable removes a table and, via cascades, its snapshots, dependencies,
// history, queue entry, claim and subtasks. Refuses while dependents exist.
func (s *Store) DropTable(ctx context.Context, name string) error {
	deps, err := s.Dependents(ctx, name)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return apperrors.Definitional(apperrors.CodeHasDependents,
			"cannot drop %q: tables %v depend on it", name, deps)
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM dynamic_tables WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("drop dynamic table %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Definitional(apperrors.CodeTableNotFound,
			"dynamic table %q does not exist", name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTable(r rowScanner) (*model.DynamicTable, error) {
	var (
		t         model.DynamicTable
		keysJSON  string
		lag       string
		strategy  string
		initMode  string
		status    string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := r.Scan(&t.Name, &t.SchemaName, &t.Definition, &keysJSON, &lag,
		&strategy, &t.Deduplication, &t.CardinalityThreshold, &t.AllowParallel,
		&t.ParallelThreshold, &t.MaxParallelism, &initMode, &status, &t.Comment,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keysJSON), &t.GroupingKeys); err != nil {
		return nil, fmt.Errorf("decode grouping keys of %s: %w", t.Name, err)
	}
	parsedLag, err := model.ParseTargetLag(lag)
	if err != nil {
		return nil, fmt.Errorf("decode target lag of %s: %w", t.Name, err)
	}
	t.TargetLag = parsedLag
	t.RefreshStrategy = model.RefreshStrategy(strategy)
	t.Initialize = model.InitializeMode(initMode)
	t.Status = model.Status(status)
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	return &t, nil
}

// ResolveSources fills t.Sources from the dependency edges, marking each
// upstream that is itself a registered dynamic table.
func (s *Store) ResolveSources(ctx context.Context, t *model.DynamicTable) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT d.upstream, EXISTS (
			SELECT 1 FROM dynamic_tables dt WHERE dt.name = d.upstream
		)
		FROM dependencies d WHERE d.downstream = $1 ORDER BY d.upstream`, t.Name)
	if err != nil {
		return fmt.Errorf("resolve sources of %s: %w", t.Name, err)
	}
	defer rows.Close()
	t.Sources = nil
	for rows.Next() {
		var src model.SourceRef
		if err := rows.Scan(&src.Name, &src.IsDynamic); err != nil {
			return fmt.Errorf("scan source of %s: %w", t.Name, err)
		}
		t.Sources = append(t.Sources, src)
	}
	return rows.Err()
}
