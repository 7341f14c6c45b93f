package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDDL = `
CREATE DYNAMIC TABLE analytics.customer_orders
  TARGET_LAG = '5 minutes'
  REFRESH_STRATEGY = 'affected_keys'
  DEDUPLICATE = true
  CARDINALITY_THRESHOLD = 0.25
  ALLOW_PARALLEL = true
  PARALLEL_THRESHOLD = 10000000
  MAX_PARALLELISM = 8
  INITIALIZE = 'on_schedule'
  COMMENT = 'orders per customer'
AS SELECT customer_id, COUNT(*) FROM orders GROUP BY customer_id;
`

func TestParseDDLFull(t *testing.T) {
	tbl, err := ParseDDL(sampleDDL)
	require.NoError(t, err)

	assert.Equal(t, "customer_orders", tbl.Name)
	assert.Equal(t, "analytics", tbl.SchemaName)
	assert.False(t, tbl.TargetLag.Downstream)
	assert.Equal(t, 5*time.Minute, tbl.TargetLag.Duration)
	assert.Equal(t, StrategyAffectedKeys, tbl.RefreshStrategy)
	assert.True(t, tbl.Deduplication)
	assert.Equal(t, 0.25, tbl.CardinalityThreshold)
	assert.True(t, tbl.AllowParallel)
	assert.Equal(t, int64(10_000_000), tbl.ParallelThreshold)
	assert.Equal(t, 8, tbl.MaxParallelism)
	assert.Equal(t, InitializeOnSchedule, tbl.Initialize)
	assert.Equal(t, "orders per customer", tbl.Comment)
	assert.Equal(t, "SELECT customer_id, COUNT(*) FROM orders GROUP BY customer_id", tbl.Definition)
}

func TestParseDDLDefaults(t *testing.T) {
	tbl, err := ParseDDL(`CREATE DYNAMIC TABLE t TARGET_LAG = '1 hour' AS SELECT a, COUNT(*) FROM s GROUP BY a`)
	require.NoError(t, err)

	assert.Equal(t, "main", tbl.SchemaName)
	assert.Equal(t, StrategyAuto, tbl.RefreshStrategy)
	assert.False(t, tbl.Deduplication)
	assert.Equal(t, 0.3, tbl.CardinalityThreshold)
	assert.False(t, tbl.AllowParallel)
	assert.Equal(t, 4, tbl.MaxParallelism)
	assert.Equal(t, InitializeOnCreate, tbl.Initialize)
	assert.Equal(t, StatusActive, tbl.Status)
}

func TestParseDDLDownstreamLag(t *testing.T) {
	tbl, err := ParseDDL(`CREATE DYNAMIC TABLE t TARGET_LAG = 'downstream' AS SELECT a, COUNT(*) FROM s GROUP BY a`)
	require.NoError(t, err)
	assert.True(t, tbl.TargetLag.Downstream)
}

func TestParseDDLErrors(t *testing.T) {
	cases := map[string]string{
		"missing name":       `CREATE TABLE t TARGET_LAG = '1m' AS SELECT 1`,
		"missing target lag": `CREATE DYNAMIC TABLE t AS SELECT 1 FROM s`,
		"missing query":      `CREATE DYNAMIC TABLE t TARGET_LAG = '1m'`,
		"bad strategy":       `CREATE DYNAMIC TABLE t TARGET_LAG = '1m' REFRESH_STRATEGY = 'sometimes' AS SELECT a FROM s`,
		"bad threshold":      `CREATE DYNAMIC TABLE t TARGET_LAG = '1m' CARDINALITY_THRESHOLD = 1.5 AS SELECT a FROM s`,
		"bad lag":            `CREATE DYNAMIC TABLE t TARGET_LAG = 'whenever' AS SELECT a FROM s`,
	}
	for name, ddl := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDDL(ddl)
			assert.Error(t, err)
		})
	}
}

func TestParseTargetLag(t *testing.T) {
	lag, err := ParseTargetLag("5 minutes")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, lag.Duration)

	lag, err = ParseTargetLag("2h")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, lag.Duration)

	lag, err = ParseTargetLag("1 day")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, lag.Duration)

	lag, err = ParseTargetLag("DOWNSTREAM")
	require.NoError(t, err)
	assert.True(t, lag.Downstream)

	_, err = ParseTargetLag("soon")
	assert.Error(t, err)
}

func TestApplyAlter(t *testing.T) {
	tbl := &DynamicTable{
		Name:                 "t",
		GroupingKeys:         []string{"a"},
		RefreshStrategy:      StrategyAuto,
		CardinalityThreshold: 0.3,
		MaxParallelism:       4,
	}

	require.NoError(t, tbl.ApplyAlter("target_lag", "10m"))
	assert.Equal(t, 10*time.Minute, tbl.TargetLag.Duration)

	require.NoError(t, tbl.ApplyAlter("refresh_strategy", "affected_keys"))
	assert.Equal(t, StrategyAffectedKeys, tbl.RefreshStrategy)

	require.NoError(t, tbl.ApplyAlter("deduplication", "true"))
	assert.True(t, tbl.Deduplication)

	// grouping keys gate the affected_keys strategy
	bare := &DynamicTable{Name: "u", MaxParallelism: 1}
	assert.Error(t, bare.ApplyAlter("refresh_strategy", "affected_keys"))

	assert.Error(t, tbl.ApplyAlter("cardinality_threshold", "2"))
	assert.Error(t, tbl.ApplyAlter("definition", "SELECT 1"))
	assert.Error(t, tbl.ApplyAlter("nope", "x"))
}

func TestDynamicTableValidate(t *testing.T) {
	tbl := &DynamicTable{
		Name:                 "t",
		Sources:              []SourceRef{{Name: "s"}},
		GroupingKeys:         []string{"a"},
		RefreshStrategy:      StrategyAffectedKeys,
		CardinalityThreshold: 0.3,
		MaxParallelism:       4,
	}
	require.NoError(t, tbl.Validate())

	tbl.GroupingKeys = nil
	assert.Error(t, tbl.Validate())

	tbl.GroupingKeys = []string{"a"}
	tbl.CardinalityThreshold = -1
	assert.Error(t, tbl.Validate())
}

func TestBaseAndDynamicSources(t *testing.T) {
	tbl := &DynamicTable{Sources: []SourceRef{
		{Name: "orders"},
		{Name: "daily", IsDynamic: true},
	}}
	assert.Equal(t, []string{"orders"}, tbl.BaseSources())
	assert.Equal(t, map[string]bool{"daily": true}, tbl.DynamicSources())
}

func TestQualifiedName(t *testing.T) {
	assert.Equal(t, "t", (&DynamicTable{Name: "t", SchemaName: "main"}).QualifiedName())
	assert.Equal(t, "s.t", (&DynamicTable{Name: "t", SchemaName: "s"}).QualifiedName())
}
