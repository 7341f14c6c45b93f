package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTableRejectsCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTable("a", nil))
	require.NoError(t, g.AddTable("b", []string{"a"}))
	require.NoError(t, g.AddTable("c", []string{"b"}))

	// closing the loop must fail and leave the graph untouched
	err := g.AddTable("a", []string{"c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
	assert.Empty(t, g.Upstreams("a"))
}

func TestSelfCycleRejected(t *testing.T) {
	g := New()
	assert.Error(t, g.AddTable("a", []string{"a"}))
}

func TestTopoSortChain(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTable("c", []string{"b"}))
	require.NoError(t, g.AddTable("b", []string{"a"}))
	require.NoError(t, g.AddTable("a", nil))

	order, err := g.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTopoSortIsDeterministic(t *testing.T) {
	build := func() *Graph {
		g := New()
		_ = g.AddTable("root", nil)
		_ = g.AddTable("mid1", []string{"root"})
		_ = g.AddTable("mid2", []string{"root"})
		_ = g.AddTable("leaf", []string{"mid1", "mid2"})
		return g
	}
	first, err := build().TopoSort()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := build().TopoSort()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestBaseSourcesIgnoredInOrdering(t *testing.T) {
	// edges to base-lake tables are kept but do not create nodes
	g := New()
	require.NoError(t, g.AddTable("daily", []string{"orders", "customers"}))
	require.NoError(t, g.AddTable("weekly", []string{"daily"}))

	order, err := g.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"daily", "weekly"}, order)
	assert.Empty(t, g.Upstreams("daily"))
	assert.Equal(t, []string{"daily"}, g.Upstreams("weekly"))
}

func TestDepth(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTable("a", nil))
	require.NoError(t, g.AddTable("b", []string{"a"}))
	require.NoError(t, g.AddTable("c", []string{"b"}))
	require.NoError(t, g.AddTable("d", []string{"a", "c"}))

	depth := g.Depth()
	assert.Equal(t, 0, depth["a"])
	assert.Equal(t, 1, depth["b"])
	assert.Equal(t, 2, depth["c"])
	assert.Equal(t, 3, depth["d"])
}

func TestClosurePullsInUpstreams(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTable("a", nil))
	require.NoError(t, g.AddTable("b", []string{"a"}))
	require.NoError(t, g.AddTable("c", []string{"b"}))
	require.NoError(t, g.AddTable("x", nil))

	assert.Equal(t, []string{"a", "b", "c"}, g.Closure([]string{"c"}))
	assert.Equal(t, []string{"x"}, g.Closure([]string{"x"}))
}

func TestDownstreams(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTable("a", nil))
	require.NoError(t, g.AddTable("b", []string{"a"}))
	require.NoError(t, g.AddTable("c", []string{"a"}))

	assert.Equal(t, []string{"b", "c"}, g.Downstreams("a"))
	assert.Empty(t, g.Downstreams("b"))
}

func TestRemoveTable(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTable("a", nil))
	require.NoError(t, g.AddTable("b", []string{"a"}))
	g.RemoveTable("a")
	assert.False(t, g.Has("a"))
	// b's edge now points at an external source
	assert.Empty(t, g.Upstreams("b"))
}
