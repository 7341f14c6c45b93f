package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
)

func expectMetadataAdvance(metaMock sqlmock.Sqlmock) {
	metaMock.ExpectBegin()
	metaMock.ExpectExec("INSERT INTO source_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 1))
	metaMock.ExpectExec("INSERT INTO refresh_history").
		WillReturnResult(sqlmock.NewResult(0, 1))
	metaMock.ExpectCommit()
}

func TestExecuteRefreshBootstrapCreatesTarget(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	tbl := ordersAggTable()

	expectStoredSnapshots(metaMock, nil)
	expectCurrentSnapshot(lakeMock, 12)

	// target does not exist yet: created from the pinned query, DDL outside
	// the data transaction
	lakeMock.ExpectQuery("information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	lakeMock.ExpectExec("CREATE TABLE orders_agg AS SELECT \\* FROM \\(SELECT customer_id, COUNT\\(\\*\\) FROM orders AT \\(VERSION => 12\\) GROUP BY customer_id\\) LIMIT 0").
		WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("BEGIN TRANSACTION").WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("DELETE FROM orders_agg").WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("INSERT INTO orders_agg SELECT customer_id, COUNT\\(\\*\\) FROM orders AT \\(VERSION => 12\\) GROUP BY customer_id").
		WillReturnResult(sqlmock.NewResult(0, 7))
	lakeMock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	expectMetadataAdvance(metaMock)

	entry, err := c.ExecuteRefresh(context.Background(), tbl, model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, model.ExecBootstrap, entry.Strategy)
	assert.Equal(t, model.OutcomeSuccess, entry.Status)
	assert.Equal(t, int64(7), entry.RowsAffected)
	assert.Equal(t, map[string]int64{"orders": 12}, entry.Snapshots)
	assert.NoError(t, lakeMock.ExpectationsWereMet())
	assert.NoError(t, metaMock.ExpectationsWereMet())
}

func TestExecuteRefreshNoOpSkipsLake(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	tbl := ordersAggTable()

	expectStoredSnapshots(metaMock, map[string]int64{"orders": 12})
	expectCurrentSnapshot(lakeMock, 12)
	// only the skipped history entry is written; no lake statements at all
	metaMock.ExpectExec("INSERT INTO refresh_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := c.ExecuteRefresh(context.Background(), tbl, model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, model.ExecSkipped, entry.Strategy)
	assert.Equal(t, model.OutcomeSkipped, entry.Status)
	assert.NoError(t, lakeMock.ExpectationsWereMet())
	assert.NoError(t, metaMock.ExpectationsWereMet())
}

func TestExecuteRefreshAffectedKeysScript(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	tbl := ordersAggTable()

	expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
	expectCurrentSnapshot(lakeMock, 12)
	// selector: affected 2 of 100 keys stays under the 0.3 threshold
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM \\(SELECT DISTINCT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders_agg").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))

	// executor: materialize the key set, then DELETE-then-INSERT those keys
	lakeMock.ExpectExec("CREATE OR REPLACE TEMP TABLE __dt_affected_orders_agg AS SELECT DISTINCT customer_id FROM table_changes\\('orders', 10, 12\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("BEGIN TRANSACTION").WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("DELETE FROM orders_agg WHERE customer_id IN \\(SELECT customer_id FROM __dt_affected_orders_agg\\)").
		WillReturnResult(sqlmock.NewResult(0, 2))
	lakeMock.ExpectExec("INSERT INTO orders_agg SELECT customer_id, COUNT\\(\\*\\) FROM orders AT \\(VERSION => 12\\) WHERE customer_id IN \\(SELECT customer_id FROM __dt_affected_orders_agg\\) GROUP BY customer_id").
		WillReturnResult(sqlmock.NewResult(0, 2))
	lakeMock.ExpectExec("COMMIT").WillReturnResult(sqlmock.NewResult(0, 0))

	expectMetadataAdvance(metaMock)

	entry, err := c.ExecuteRefresh(context.Background(), tbl, model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, model.ExecAffected, entry.Strategy)
	assert.Equal(t, model.OutcomeSuccess, entry.Status)
	assert.Equal(t, int64(2), entry.AffectedKeyCount)
	assert.NoError(t, lakeMock.ExpectationsWereMet())
	assert.NoError(t, metaMock.ExpectationsWereMet())
}

func TestExecuteRefreshDeduplicationSkipsIdenticalRows(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	tbl := ordersAggTable()
	tbl.Deduplication = true

	expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
	expectCurrentSnapshot(lakeMock, 12)
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM \\(SELECT DISTINCT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders_agg").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))

	lakeMock.ExpectExec("CREATE OR REPLACE TEMP TABLE __dt_affected_orders_agg").
		WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("CREATE OR REPLACE TEMP TABLE __dt_candidate_orders_agg").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// NULL-safe row diff comes back empty: no transaction at all
	lakeMock.ExpectQuery("EXCEPT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	metaMock.ExpectExec("INSERT INTO refresh_history").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := c.ExecuteRefresh(context.Background(), tbl, model.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, model.ExecSkipped, entry.Strategy)
	assert.Equal(t, model.OutcomeSkipped, entry.Status)
	assert.NoError(t, lakeMock.ExpectationsWereMet())
}

func TestExecuteRefreshDefinitionalFailureMarksTableFailed(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	tbl := ordersAggTable()
	// the stored definition no longer parses (e.g. a source was renamed and
	// the registry was hand-edited); the rewrite fails definitionally
	tbl.Definition = "SELEC broken"

	expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
	expectCurrentSnapshot(lakeMock, 12)
	metaMock.ExpectExec("INSERT INTO refresh_history").
		WillReturnResult(sqlmock.NewResult(0, 1))
	metaMock.ExpectExec("UPDATE dynamic_tables SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := c.ExecuteRefresh(context.Background(), tbl, model.TriggerScheduled)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindDefinitional, apperrors.KindOf(err))
	assert.Equal(t, model.OutcomeFailed, entry.Status)
	assert.NotEmpty(t, entry.ErrorCode)
}

func TestExecuteRefreshLakeFailureRollsBack(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	tbl := ordersAggTable()

	expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
	expectCurrentSnapshot(lakeMock, 12)
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM \\(SELECT DISTINCT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders_agg").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))
	lakeMock.ExpectExec("CREATE OR REPLACE TEMP TABLE __dt_affected_orders_agg").
		WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("BEGIN TRANSACTION").WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("DELETE FROM orders_agg").
		WillReturnError(fmt.Errorf("Parser Error: syntax error"))
	lakeMock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	metaMock.ExpectExec("INSERT INTO refresh_history").
		WillReturnResult(sqlmock.NewResult(0, 1))
	metaMock.ExpectExec("UPDATE dynamic_tables SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := c.ExecuteRefresh(context.Background(), tbl, model.TriggerScheduled)
	require.Error(t, err)
	assert.Equal(t, model.OutcomeFailed, entry.Status)
	// no snapshot advancement happened on the metadata side
	assert.NoError(t, metaMock.ExpectationsWereMet())
	assert.NoError(t, lakeMock.ExpectationsWereMet())
}
