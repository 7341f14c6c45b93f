package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	// second enqueue hits ON CONFLICT DO NOTHING and still succeeds
	mock.ExpectExec("INSERT INTO pending_refreshes").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO pending_refreshes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	require.NoError(t, store.Enqueue(context.Background(), "orders_agg", now, 0))
	require.NoError(t, store.Enqueue(context.Background(), "orders_agg", now, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDueRefreshesOrdering(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery("SELECT p.dynamic_table").
		WillReturnRows(sqlmock.NewRows([]string{"dynamic_table", "due_at", "priority", "enqueued_at"}).
			AddRow("roots_first", now, 0, now).
			AddRow("leaf_later", now, 2, now))

	due, err := store.DueRefreshes(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "roots_first", due[0].Table)
	assert.Equal(t, 2, due[1].Priority)
}

func TestHistoryInsertIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("ON CONFLICT \\(dynamic_table, started_at, worker_id\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendHistory(context.Background(), historyFixture())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceSnapshotsIsMonotonic(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	// GREATEST keeps the pointer from moving backwards
	mock.ExpectExec("GREATEST\\(source_snapshots.last_snapshot, EXCLUDED.last_snapshot\\)").
		WithArgs("orders_agg", "orders", int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.AdvanceSnapshots(context.Background(), tx, "orders_agg",
		map[string]int64{"orders": 12}))
	require.NoError(t, tx.Commit())
}
