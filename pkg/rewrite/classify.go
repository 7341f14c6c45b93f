package rewrite

import (
	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/sqlast"
)

// nonDeterministicFuncs are rejected in the projection of affected-keys
// tables: re-evaluating them per refresh would churn rows whose inputs never
// changed.
var nonDeterministicFuncs = []string{
	"random", "rand", "uuid", "gen_random_uuid",
	"now", "current_timestamp", "current_date", "current_time",
	"today", "get_current_timestamp",
}

// Validate classifies the definition query against the supported subset.
// affectedKeys selects the stricter rule set used when the table may refresh
// incrementally.
func Validate(query string, affectedKeys bool) error {
	stmt, err := parse(query)
	if err != nil {
		return err
	}
	return validateStatement(stmt, affectedKeys)
}

func validateStatement(stmt *sqlast.Statement, affectedKeys bool) error {
	if affectedKeys {
		if stmt.Recursive {
			return unsupported("recursive CTEs are not supported with affected_keys")
		}
		if stmt.HasSetOp() {
			return unsupported("set operations are not supported with affected_keys")
		}
	}

	var selects []*sqlast.Select
	collectSelects(stmt.Body, &selects)
	for _, c := range stmt.With {
		collectSelects(c.Query.Body, &selects)
	}

	for _, sel := range selects {
		for _, item := range sel.Items {
			w := sqlast.InspectWindow(item.Expr)
			if w.HasWindow && !w.HasPartitionKey {
				return unsupported("window functions without a partition key are not supported")
			}
			if sqlast.ExprContainsSelect(item.Expr) {
				return unsupported("scalar subqueries in the projection are not supported")
			}
		}
		if sel.Limit != "" && len(sel.OrderBy) == 0 {
			return unsupported("LIMIT without ORDER BY is not supported")
		}
		// Predicate subqueries hide sources from snapshot pinning.
		if sqlast.ExprContainsSelect(sel.Where) || sqlast.ExprContainsSelect(sel.Having) {
			return unsupported("subqueries in WHERE or HAVING are not supported")
		}
	}

	if affectedKeys {
		outer := stmt.OuterSelect()
		if outer != nil {
			if outer.Distinct && len(outer.GroupBy) == 0 {
				return unsupported("DISTINCT without GROUP BY is not supported with affected_keys")
			}
			for _, item := range outer.Items {
				if sqlast.ExprContainsCall(item.Expr, nonDeterministicFuncs...) {
					return unsupported("non-deterministic functions in the projection are not supported with affected_keys")
				}
			}
		}
	}
	return nil
}

func collectSelects(e sqlast.SetExpr, out *[]*sqlast.Select) {
	switch v := e.(type) {
	case *sqlast.SetOp:
		collectSelects(v.Left, out)
		collectSelects(v.Right, out)
	case *sqlast.Select:
		*out = append(*out, v)
		if v.From != nil {
			collectFromSelects(v.From, out)
		}
	}
}

func collectFromSelects(e sqlast.TableExpr, out *[]*sqlast.Select) {
	switch v := e.(type) {
	case *sqlast.Subquery:
		collectSelects(v.Query.Body, out)
		for _, c := range v.Query.With {
			collectSelects(c.Query.Body, out)
		}
	case *sqlast.Join:
		collectFromSelects(v.Left, out)
		collectFromSelects(v.Right, out)
	}
}

// FullOnly reports whether the query must always refresh fully even when the
// table carries grouping keys.
func FullOnly(query string) bool {
	stmt, err := parse(query)
	if err != nil {
		return true
	}
	if stmt.Recursive || stmt.HasSetOp() {
		return true
	}
	outer := stmt.OuterSelect()
	if outer == nil {
		return true
	}
	if outer.Distinct && len(outer.GroupBy) == 0 {
		return true
	}
	return len(outer.GroupBy) == 0
}

func unsupported(msg string) error {
	return apperrors.Definitional(apperrors.CodeUnsupportedQuery, "%s", msg)
}
