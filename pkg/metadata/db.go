// Package metadata is the typed client for the PostgreSQL coordination
// schema: table registry, snapshot pointers, dependency edges, refresh
// history, the pending queue, claims and subtasks.
package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS dynamic_tables (
	name VARCHAR PRIMARY KEY,
	schema_name VARCHAR NOT NULL DEFAULT 'main',
	definition TEXT NOT NULL,
	grouping_keys JSONB NOT NULL DEFAULT '[]',
	target_lag VARCHAR NOT NULL,
	refresh_strategy VARCHAR NOT NULL DEFAULT 'auto',
	deduplication BOOLEAN NOT NULL DEFAULT FALSE,
	cardinality_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.3,
	allow_parallel BOOLEAN NOT NULL DEFAULT FALSE,
	parallel_threshold BIGINT NOT NULL DEFAULT 10000000,
	max_parallelism INT NOT NULL DEFAULT 4,
	initialize VARCHAR NOT NULL DEFAULT 'on_create',
	status VARCHAR NOT NULL DEFAULT 'active',
	comment TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS source_snapshots (
	dynamic_table VARCHAR NOT NULL REFERENCES dynamic_tables(name) ON DELETE CASCADE,
	source VARCHAR NOT NULL,
	last_snapshot BIGINT NOT NULL,
	last_processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (dynamic_table, source)
);

CREATE TABLE IF NOT EXISTS dependencies (
	downstream VARCHAR NOT NULL REFERENCES dynamic_tables(name) ON DELETE CASCADE,
	upstream VARCHAR NOT NULL,
	PRIMARY KEY (downstream, upstream)
);
CREATE INDEX IF NOT EXISTS idx_dependencies_upstream ON dependencies(upstream);

CREATE TABLE IF NOT EXISTS refresh_history (
	id BIGSERIAL PRIMARY KEY,
	dynamic_table VARCHAR NOT NULL REFERENCES dynamic_tables(name) ON DELETE CASCADE,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	status VARCHAR NOT NULL,
	strategy VARCHAR NOT NULL DEFAULT '',
	rows_affected BIGINT NOT NULL DEFAULT 0,
	affected_keys_count BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error_code VARCHAR NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	snapshots_json JSONB NOT NULL DEFAULT '{}',
	trigger VARCHAR NOT NULL DEFAULT 'scheduled',
	worker_id VARCHAR NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_table ON refresh_history(dynamic_table);
CREATE INDEX IF NOT EXISTS idx_history_started ON refresh_history(started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_history_idempotent
	ON refresh_history(dynamic_table, started_at, worker_id);

CREATE TABLE IF NOT EXISTS pending_refreshes (
	dynamic_table VARCHAR PRIMARY KEY REFERENCES dynamic_tables(name) ON DELETE CASCADE,
	due_at TIMESTAMPTZ NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS refresh_claims (
	dynamic_table VARCHAR PRIMARY KEY REFERENCES dynamic_tables(name) ON DELETE CASCADE,
	worker_id VARCHAR NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	mode VARCHAR NOT NULL DEFAULT 'single',
	subtasks_total INT NOT NULL DEFAULT 0,
	subtasks_completed INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS refresh_subtasks (
	id BIGSERIAL PRIMARY KEY,
	parent_refresh VARCHAR NOT NULL REFERENCES pending_refreshes(dynamic_table) ON DELETE CASCADE,
	dynamic_table VARCHAR NOT NULL,
	kind VARCHAR NOT NULL,
	partition_spec_json JSONB NOT NULL,
	status VARCHAR NOT NULL DEFAULT 'pending',
	result_location VARCHAR NOT NULL DEFAULT '',
	claimed_by VARCHAR NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ,
	heartbeat_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_subtasks_parent ON refresh_subtasks(parent_refresh);
CREATE INDEX IF NOT EXISTS idx_subtasks_status ON refresh_subtasks(status);
`

// Store wraps the metadata database handle.
type Store struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// Open connects to PostgreSQL and initializes the coordination schema.
func Open(ctx context.Context, logger *zap.Logger, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping metadata store: %w", err)
	}
	s := &Store{DB: db, Logger: logger.With(zap.String("component", "metadata"))}
	if err := s.InitializeSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle; schema initialization is the caller's
// concern. Used by tests.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{DB: db, Logger: logger}
}

// InitializeSchema creates the coordination tables when absent.
func (s *Store) InitializeSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("initialize metadata schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}
