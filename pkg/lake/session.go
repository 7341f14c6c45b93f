package lake

import (
	"context"
	"database/sql"
	"fmt"
)

// Session pins work to one connection so session-scoped temp tables stay
// visible across the statements of a refresh.
type Session struct {
	conn *sql.Conn
}

// Session checks a connection out of the pool.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	conn, err := c.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open lake session: %w", err)
	}
	return &Session{conn: conn}, nil
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) Exec(ctx context.Context, query string, args ...interface{}) error {
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("lake session exec: %w", err)
	}
	return nil
}

// ExecRows runs a statement and returns the affected row count.
func (s *Session) ExecRows(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("lake session exec: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueryInt64 evaluates a single-value query.
func (s *Session) QueryInt64(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("lake session query: %w", err)
	}
	return n, nil
}

// CreateTempTableAs materializes a session-scoped temp table from a query.
func (s *Session) CreateTempTableAs(ctx context.Context, name, query string) error {
	stmt := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS %s", name, query)
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create temp table %s: %w", name, err)
	}
	return nil
}

// CreateTableAs materializes a named (cross-session) result table.
func (s *Session) CreateTableAs(ctx context.Context, name, query string) error {
	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", name, query)
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create result table %s: %w", name, err)
	}
	return nil
}

// Tx is an explicit lake transaction with snapshot isolation.
type Tx struct {
	sess *Session
	done bool
}

// Begin opens a transaction on this session.
func (s *Session) Begin(ctx context.Context) (*Tx, error) {
	if _, err := s.conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return nil, fmt.Errorf("begin lake transaction: %w", err)
	}
	return &Tx{sess: s}, nil
}

func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) error {
	return t.sess.Exec(ctx, query, args...)
}

func (t *Tx) ExecRows(ctx context.Context, query string, args ...interface{}) (int64, error) {
	return t.sess.ExecRows(ctx, query, args...)
}

func (t *Tx) Commit(ctx context.Context) error {
	t.done = true
	if _, err := t.sess.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit lake transaction: %w", err)
	}
	return nil
}

// Rollback is a no-op after Commit, so it is safe to defer.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if _, err := t.sess.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback lake transaction: %w", err)
	}
	return nil
}
