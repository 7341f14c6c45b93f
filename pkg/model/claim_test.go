package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionSpecPredicates(t *testing.T) {
	p := PartitionSpec{Kind: PartitionHashRange, Key: "customer_id", N: 4, I: 2}
	pred, err := p.Predicate()
	require.NoError(t, err)
	assert.Equal(t, "hash(customer_id) % 4 = 2", pred)

	p = PartitionSpec{Kind: PartitionModulo, Key: "customer_id", N: 3, I: 0}
	pred, err = p.Predicate()
	require.NoError(t, err)
	assert.Equal(t, "customer_id % 3 = 0", pred)

	p = PartitionSpec{Kind: PartitionLiteral, Expr: "region = 'eu'"}
	pred, err = p.Predicate()
	require.NoError(t, err)
	assert.Equal(t, "region = 'eu'", pred)
}

func TestPartitionSpecPredicateErrors(t *testing.T) {
	_, err := PartitionSpec{Kind: PartitionHashRange}.Predicate()
	assert.Error(t, err)
	_, err = PartitionSpec{Kind: PartitionLiteral}.Predicate()
	assert.Error(t, err)
	_, err = PartitionSpec{Kind: "wedge"}.Predicate()
	assert.Error(t, err)
}

func TestPartitionSpecRoundTrip(t *testing.T) {
	p := PartitionSpec{
		Kind:   PartitionHashRange,
		Key:    "customer_id",
		N:      4,
		I:      1,
		Stored: map[string]int64{"orders": 3},
		Pins:   map[string]int64{"orders": 9},
	}
	parsed, err := ParsePartitionSpec(p.JSON())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParsePartitionSpec("{broken")
	assert.Error(t, err)
}

func TestHistorySnapshotsJSON(t *testing.T) {
	h := &HistoryEntry{Snapshots: map[string]int64{"orders": 12}}
	assert.JSONEq(t, `{"orders":12}`, h.SnapshotsJSON())
	assert.Equal(t, "{}", (&HistoryEntry{}).SnapshotsJSON())
}
