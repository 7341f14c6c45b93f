package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
)

func registryColumns() []string {
	return []string{"name", "schema_name", "definition", "grouping_keys",
		"target_lag", "refresh_strategy", "deduplication",
		"cardinality_threshold", "allow_parallel", "parallel_threshold",
		"max_parallelism", "initialize", "status", "comment", "created_at",
		"updated_at"}
}

func expectOrdersAggRegistry(metaMock sqlmock.Sqlmock) {
	now := time.Now()
	metaMock.ExpectQuery("FROM dynamic_tables WHERE name").
		WillReturnRows(sqlmock.NewRows(registryColumns()).
			AddRow("orders_agg", "main",
				"SELECT customer_id, COUNT(*) FROM orders GROUP BY customer_id",
				`["customer_id"]`, "5m", "auto", false, 0.3, true, 10000000, 4,
				"on_create", "active", "", now, now))
	metaMock.ExpectQuery("FROM dependencies d WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"upstream", "exists"}).
			AddRow("orders", false))
}

func TestExecuteSubtaskMaterializesPartition(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	st := &model.Subtask{
		ID:            3,
		ParentRefresh: "orders_agg",
		Table:         "orders_agg",
		Status:        model.SubtaskClaimed,
		ClaimedBy:     "w-test",
		Spec: model.PartitionSpec{
			Kind: model.PartitionHashRange, Key: "customer_id", N: 4, I: 2,
			Stored: map[string]int64{"orders": 10},
			Pins:   map[string]int64{"orders": 12},
		},
	}

	expectOrdersAggRegistry(metaMock)

	// the partition-scoped key set, then the pinned filtered query into a
	// fresh result table
	lakeMock.ExpectExec("CREATE OR REPLACE TEMP TABLE __dt_affected_orders_agg AS SELECT \\* FROM \\(SELECT DISTINCT customer_id FROM table_changes\\('orders', 10, 12\\)(.+)WHERE hash\\(customer_id\\) % 4 = 2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	lakeMock.ExpectExec("CREATE OR REPLACE TABLE __dt_part_3_(.+) AS SELECT customer_id, COUNT\\(\\*\\) FROM orders AT \\(VERSION => 12\\) WHERE customer_id IN").
		WillReturnResult(sqlmock.NewResult(0, 0))

	metaMock.ExpectExec("UPDATE refresh_subtasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.ExecuteSubtask(context.Background(), st))
	assert.NoError(t, lakeMock.ExpectationsWereMet())
	assert.NoError(t, metaMock.ExpectationsWereMet())
}

func TestExecuteSubtaskWithoutSnapshotPairFails(t *testing.T) {
	c, metaMock, _ := testContext(t, 1)
	st := &model.Subtask{
		ID:    4,
		Table: "orders_agg",
		Spec:  model.PartitionSpec{Kind: model.PartitionHashRange, Key: "customer_id", N: 2, I: 0},
	}

	expectOrdersAggRegistry(metaMock)
	// the failure is recorded with its retry counter bumped
	metaMock.ExpectExec("UPDATE refresh_subtasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.ExecuteSubtask(context.Background(), st)
	require.Error(t, err)
}
