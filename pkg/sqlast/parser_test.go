package sqlast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleAggregate(t *testing.T) {
	stmt, err := Parse("SELECT customer_id, COUNT(*) FROM orders GROUP BY customer_id")
	require.NoError(t, err)

	sel := stmt.OuterSelect()
	require.NotNil(t, sel)
	require.Len(t, sel.Items, 2)
	assert.Equal(t, "customer_id", sel.Items[0].Expr)
	assert.Equal(t, []string{"customer_id"}, sel.GroupBy)

	ref, ok := sel.From.(*TableRef)
	require.True(t, ok)
	assert.Equal(t, "orders", ref.Name)
}

func TestParseJoinWithAliases(t *testing.T) {
	stmt, err := Parse(`SELECT o.customer_id, SUM(o.amount) AS total
		FROM orders o JOIN customers c ON o.customer_id = c.id
		WHERE c.active = true
		GROUP BY o.customer_id`)
	require.NoError(t, err)

	sel := stmt.OuterSelect()
	require.NotNil(t, sel)
	join, ok := sel.From.(*Join)
	require.True(t, ok)
	assert.Equal(t, "JOIN", join.Type)

	left := join.Left.(*TableRef)
	right := join.Right.(*TableRef)
	assert.Equal(t, "orders", left.Name)
	assert.Equal(t, "o", left.Alias)
	assert.Equal(t, "customers", right.Name)
	assert.Equal(t, "c", right.Alias)
	assert.Equal(t, "o.customer_id = c.id", join.On)
	assert.Equal(t, "c.active = true", sel.Where)
	assert.Equal(t, "total", sel.Items[1].Alias)
}

func TestParseSchemaQualifiedAndSubquery(t *testing.T) {
	stmt, err := Parse(`SELECT region, cnt FROM (
		SELECT region, COUNT(*) AS cnt FROM sales.orders GROUP BY region
	) AS agg`)
	require.NoError(t, err)

	sel := stmt.OuterSelect()
	sub, ok := sel.From.(*Subquery)
	require.True(t, ok)
	assert.Equal(t, "agg", sub.Alias)

	inner := sub.Query.OuterSelect()
	ref := inner.From.(*TableRef)
	assert.Equal(t, "sales", ref.Schema)
	assert.Equal(t, "orders", ref.Name)
}

func TestParseCTE(t *testing.T) {
	stmt, err := Parse(`WITH recent AS (
		SELECT * FROM events WHERE day > 10
	) SELECT kind, COUNT(*) FROM recent GROUP BY kind`)
	require.NoError(t, err)

	require.Len(t, stmt.With, 1)
	assert.Equal(t, "recent", stmt.With[0].Name)
	assert.True(t, stmt.CTENames()["RECENT"])

	// source collection excludes CTE-defined names
	assert.Equal(t, []string{"events"}, stmt.SourceNames())
}

func TestParseSetOperation(t *testing.T) {
	stmt, err := Parse("SELECT id FROM a UNION ALL SELECT id FROM b")
	require.NoError(t, err)
	require.True(t, stmt.HasSetOp())

	op := stmt.Body.(*SetOp)
	assert.Equal(t, "UNION ALL", op.Op)
	assert.ElementsMatch(t, []string{"a", "b"}, stmt.SourceNames())
}

func TestParseTableFunction(t *testing.T) {
	stmt, err := Parse("SELECT DISTINCT customer_id FROM table_changes('orders', 3, 7) AS ch")
	require.NoError(t, err)

	sel := stmt.OuterSelect()
	fn, ok := sel.From.(*TableFunc)
	require.True(t, ok)
	assert.Equal(t, "table_changes", fn.Name)
	assert.Equal(t, "ch", fn.Alias)
	assert.Contains(t, fn.Args, "'orders'")
	assert.True(t, sel.Distinct)
}

func TestParsePinnedReference(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders AT (VERSION => 42) AS o")
	require.NoError(t, err)

	ref := stmt.OuterSelect().From.(*TableRef)
	require.NotNil(t, ref.Pin)
	assert.Equal(t, int64(42), *ref.Pin)
	assert.Equal(t, "o", ref.Alias)
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	_, err := Parse("SELECT 1 FROM t extra nonsense here")
	require.Error(t, err)
}

func TestRenderIsDeterministic(t *testing.T) {
	q := `SELECT  o.customer_id ,  COUNT( * )
		FROM   orders o
		JOIN customers c ON o.customer_id=c.id
		GROUP BY  o.customer_id`

	s1, err := Parse(q)
	require.NoError(t, err)
	s2, err := Parse(Render(s1))
	require.NoError(t, err)

	// render(parse(render(x))) == render(x): rendering is a fixpoint
	assert.Equal(t, Render(s1), Render(s2))
}

func TestRenderRoundTripPreservesStructure(t *testing.T) {
	q := "SELECT a, b FROM t WHERE a > 1 GROUP BY a, b HAVING COUNT(*) > 2 ORDER BY a LIMIT 10"
	stmt, err := Parse(q)
	require.NoError(t, err)
	out := Render(stmt)

	assert.Contains(t, out, "WHERE a > 1")
	assert.Contains(t, out, "GROUP BY a, b")
	assert.Contains(t, out, "HAVING COUNT(*) > 2")
	assert.Contains(t, out, "ORDER BY a")
	assert.Contains(t, out, "LIMIT 10")
}

func TestWalkTablesVisitsAllOccurrences(t *testing.T) {
	stmt, err := Parse(`SELECT a.id FROM orders a JOIN orders b ON a.id = b.parent_id
		WHERE a.id IN (SELECT id FROM customers)`)
	require.NoError(t, err)

	var names []string
	WalkTables(stmt, func(r *TableRef) { names = append(names, r.Name) })
	// the IN-subquery lives in WHERE text, not the FROM tree; both self-join
	// arms are visited
	assert.Equal(t, []string{"orders", "orders"}, names)
}

func TestInspectWindow(t *testing.T) {
	w := InspectWindow("ROW_NUMBER() OVER (PARTITION BY a ORDER BY b)")
	assert.True(t, w.HasWindow)
	assert.True(t, w.HasPartitionKey)

	w = InspectWindow("ROW_NUMBER() OVER (ORDER BY b)")
	assert.True(t, w.HasWindow)
	assert.False(t, w.HasPartitionKey)

	w = InspectWindow("COUNT(*)")
	assert.False(t, w.HasWindow)
}

func TestExprContainsCall(t *testing.T) {
	assert.True(t, ExprContainsCall("random()", "random"))
	assert.True(t, ExprContainsCall("a + NOW()", "now"))
	assert.False(t, ExprContainsCall("randomness", "random"))
	assert.False(t, ExprContainsCall("COUNT(*)", "random"))
}
