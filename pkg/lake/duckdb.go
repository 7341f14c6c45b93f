// Package lake is the DuckLake client: snapshot reads, change feeds, pinned
// queries and transactional statement execution. All heavy computation runs
// inside DuckDB; this package only plumbs SQL.
package lake

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/config"
)

// Client owns the DuckDB handle with the DuckLake catalog attached.
type Client struct {
	DB     *sql.DB
	Logger *zap.Logger
	// Schema is the catalog alias given at ATTACH time.
	Schema string
}

// Open starts an in-process DuckDB, loads DuckLake and attaches the shared
// catalog. The same PostgreSQL instance that backs the metadata store
// typically also backs the DuckLake catalog.
func Open(ctx context.Context, logger *zap.Logger, cfg config.Config) (*Client, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	c := &Client{
		DB:     db,
		Logger: logger.With(zap.String("component", "lake")),
		Schema: cfg.LakeSchema,
	}

	boot := []string{
		"INSTALL ducklake",
		"LOAD ducklake",
	}
	for _, stmt := range boot {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("load ducklake extension: %w", err)
		}
	}

	attach := fmt.Sprintf("ATTACH '%s' AS %s", cfg.LakeDSN, cfg.LakeSchema)
	if cfg.LakeDataPath != "" {
		attach = fmt.Sprintf("ATTACH '%s' AS %s (DATA_PATH '%s')",
			cfg.LakeDSN, cfg.LakeSchema, cfg.LakeDataPath)
	}
	if _, err := db.ExecContext(ctx, attach); err != nil {
		return nil, fmt.Errorf("attach ducklake catalog: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("USE %s", cfg.LakeSchema)); err != nil {
		return nil, fmt.Errorf("use ducklake catalog: %w", err)
	}

	tuning := []string{
		fmt.Sprintf("SET threads = %d", cfg.LakeThreads),
		fmt.Sprintf("SET memory_limit = '%s'", cfg.LakeMemoryLimit),
		"SET preserve_insertion_order = false",
	}
	for _, stmt := range tuning {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			c.Logger.Warn("lake session tuning failed", zap.String("stmt", stmt), zap.Error(err))
		}
	}

	c.Logger.Info("DuckLake catalog attached", zap.String("schema", cfg.LakeSchema))
	return c, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB, logger *zap.Logger, schema string) *Client {
	return &Client{DB: db, Logger: logger, Schema: schema}
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// Exec runs a single statement outside any explicit transaction.
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	if _, err := c.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("lake exec: %w", err)
	}
	return nil
}

// CountRows returns the row count of a relation.
func (c *Client) CountRows(ctx context.Context, relation string) (int64, error) {
	var n int64
	err := c.DB.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", relation)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", relation, err)
	}
	return n, nil
}

// TableExists checks information_schema for a materialized table.
func (c *Client) TableExists(ctx context.Context, schema, name string) (bool, error) {
	if schema == "" {
		schema = "main"
	}
	var n int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_name = ? AND table_schema = ?`, name, schema).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, name, err)
	}
	return n > 0, nil
}

// DropTable drops a materialized or result table if present.
func (c *Client) DropTable(ctx context.Context, name string) error {
	if _, err := c.DB.ExecContext(ctx,
		fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	return nil
}
