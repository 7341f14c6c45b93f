package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/config"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metadata"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/presence"
)

// testContext wires an engine context over two sqlmock handles.
func testContext(t *testing.T, fleet int) (*Context, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	metaDB, metaMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	lakeDB, lakeMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metaDB.Close(); _ = lakeDB.Close() })

	cfg := config.Config{
		RefreshTimeout:         time.Hour,
		CoordinatorWaitTimeout: time.Hour,
		MaxRetries:             1,
		SubtaskRetryMax:        3,
	}
	return &Context{
		Meta:     metadata.NewWithDB(metaDB, zap.NewNop()),
		Lake:     lake.NewWithDB(lakeDB, zap.NewNop(), "lake"),
		Presence: &presence.StaticTracker{Fleet: fleet},
		Logger:   zap.NewNop(),
		Config:   cfg,
		WorkerID: "w-test",
		Now:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}, metaMock, lakeMock
}

func ordersAggTable() *model.DynamicTable {
	return &model.DynamicTable{
		Name:                 "orders_agg",
		SchemaName:           "main",
		Definition:           "SELECT customer_id, COUNT(*) FROM orders GROUP BY customer_id",
		GroupingKeys:         []string{"customer_id"},
		Sources:              []model.SourceRef{{Name: "orders"}},
		RefreshStrategy:      model.StrategyAuto,
		CardinalityThreshold: 0.3,
		ParallelThreshold:    10_000_000,
		MaxParallelism:       4,
		Status:               model.StatusActive,
	}
}

func expectStoredSnapshots(mock sqlmock.Sqlmock, pairs map[string]int64) {
	rows := sqlmock.NewRows([]string{"source", "last_snapshot"})
	for src, snap := range pairs {
		rows.AddRow(src, snap)
	}
	mock.ExpectQuery("FROM source_snapshots").WillReturnRows(rows)
}

func expectCurrentSnapshot(mock sqlmock.Sqlmock, snap int64) {
	mock.ExpectQuery("MAX\\(snapshot_id\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(snap))
}

func TestSelectStrategyBootstrap(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	expectStoredSnapshots(metaMock, nil)
	expectCurrentSnapshot(lakeMock, 12)

	plan, err := c.SelectStrategy(context.Background(), ordersAggTable())
	require.NoError(t, err)
	assert.Equal(t, model.ExecBootstrap, plan.Strategy)
	// pins were captured before the query runs
	assert.Equal(t, map[string]int64{"orders": 12}, plan.Pins)
}

func TestSelectStrategyNoOp(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	expectStoredSnapshots(metaMock, map[string]int64{"orders": 12})
	expectCurrentSnapshot(lakeMock, 12)

	plan, err := c.SelectStrategy(context.Background(), ordersAggTable())
	require.NoError(t, err)
	assert.Equal(t, model.ExecSkipped, plan.Strategy)
	assert.Empty(t, plan.ChangedSources)
}

func TestSelectStrategyFullPolicy(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
	expectCurrentSnapshot(lakeMock, 12)

	tbl := ordersAggTable()
	tbl.RefreshStrategy = model.StrategyFull

	plan, err := c.SelectStrategy(context.Background(), tbl)
	require.NoError(t, err)
	assert.Equal(t, model.ExecFull, plan.Strategy)
	assert.Equal(t, []string{"orders"}, plan.ChangedSources)
}

func TestSelectStrategyFullForKeylessQuery(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
	expectCurrentSnapshot(lakeMock, 12)

	tbl := ordersAggTable()
	tbl.Definition = "SELECT customer_id FROM orders"
	tbl.GroupingKeys = nil

	plan, err := c.SelectStrategy(context.Background(), tbl)
	require.NoError(t, err)
	assert.Equal(t, model.ExecFull, plan.Strategy)
}

func TestSelectStrategyCardinalityFlip(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
	expectCurrentSnapshot(lakeMock, 12)
	// 40% of keys changed with threshold 0.3: incremental loses to full
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM \\(SELECT DISTINCT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(40))
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders_agg").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))

	plan, err := c.SelectStrategy(context.Background(), ordersAggTable())
	require.NoError(t, err)
	assert.Equal(t, model.ExecFull, plan.Strategy)
	assert.Equal(t, int64(40), plan.AffectedCount)
	assert.Equal(t, int64(100), plan.TotalRows)
}

func TestSelectStrategyAffectedKeys(t *testing.T) {
	c, metaMock, lakeMock := testContext(t, 1)
	expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
	expectCurrentSnapshot(lakeMock, 12)
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM \\(SELECT DISTINCT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders_agg").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100))

	plan, err := c.SelectStrategy(context.Background(), ordersAggTable())
	require.NoError(t, err)
	assert.Equal(t, model.ExecAffected, plan.Strategy)
}

func TestSelectStrategyParallelNeedsIdleWorkers(t *testing.T) {
	run := func(fleet int) *Plan {
		c, metaMock, lakeMock := testContext(t, fleet)
		expectStoredSnapshots(metaMock, map[string]int64{"orders": 10})
		expectCurrentSnapshot(lakeMock, 12)
		lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM \\(SELECT DISTINCT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(20_000_000))
		lakeMock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM orders_agg").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(100_000_000))

		tbl := ordersAggTable()
		tbl.AllowParallel = true
		plan, err := c.SelectStrategy(context.Background(), tbl)
		require.NoError(t, err)
		return plan
	}

	// enough idle workers: fan out into 4 hash_range partitions
	plan := run(4)
	assert.Equal(t, model.ExecParallel, plan.Strategy)
	assert.Equal(t, 4, plan.Partitions)

	// a lone worker keeps the single-worker path
	plan = run(1)
	assert.Equal(t, model.ExecAffected, plan.Strategy)
}

func TestPartitionCount(t *testing.T) {
	assert.Equal(t, 4, partitionCount(20_000_000, 4))
	assert.Equal(t, 2, partitionCount(6_000_000, 8))
	assert.Equal(t, 4, partitionCount(100_000_000, 4))
	assert.Equal(t, 2, partitionCount(1, 4))
}
