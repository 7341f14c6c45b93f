// Package rewrite transforms dynamic-table definition queries: snapshot
// pinning, affected-key predicates and change-feed substitution. All
// operations parse, transform the AST and render in one final step, so two
// calls with the same inputs yield byte-identical output.
package rewrite

import (
	"fmt"
	"strings"

	apperrors "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/errors"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/sqlast"
)

// PinSnapshots qualifies every occurrence of a pinned source with an
// AT (VERSION => n) clause. CTE-defined names and members of exclude
// (dynamic-table sources) are left untouched.
func PinSnapshots(query string, pins map[string]int64, exclude map[string]bool) (string, error) {
	stmt, err := parse(query)
	if err != nil {
		return "", err
	}
	if err := pinStatement(stmt, pins, exclude); err != nil {
		return "", err
	}
	return sqlast.Render(stmt), nil
}

func pinStatement(stmt *sqlast.Statement, pins map[string]int64, exclude map[string]bool) error {
	ctes := stmt.CTENames()
	sqlast.WalkTables(stmt, func(ref *sqlast.TableRef) {
		if ref.Schema == "" && ctes[strings.ToUpper(ref.Name)] {
			return
		}
		if excluded(ref, exclude) {
			return
		}
		for name, snap := range pins {
			if ref.Matches(name) {
				s := snap
				ref.Pin = &s
				return
			}
		}
	})
	return nil
}

func excluded(ref *sqlast.TableRef, exclude map[string]bool) bool {
	for name := range exclude {
		if ref.Matches(name) {
			return true
		}
	}
	return false
}

// AddPredicate AND-combines predicate into the outermost SELECT's WHERE,
// creating the clause when absent. Set-operation bodies are rejected; those
// queries are full-only and never need key restriction.
func AddPredicate(query, predicate string) (string, error) {
	stmt, err := parse(query)
	if err != nil {
		return "", err
	}
	if err := addPredicate(stmt, predicate); err != nil {
		return "", err
	}
	return sqlast.Render(stmt), nil
}

func addPredicate(stmt *sqlast.Statement, predicate string) error {
	sel := stmt.OuterSelect()
	if sel == nil {
		return apperrors.Definitional(apperrors.CodeUnsupportedQuery,
			"cannot add predicate to a set operation")
	}
	if sel.Where == "" {
		sel.Where = predicate
	} else {
		sel.Where = fmt.Sprintf("(%s) AND (%s)", sel.Where, predicate)
	}
	return nil
}

// Rewritten produces the executable refresh query: the definition pinned at
// pins, restricted to the affected-keys relation when keyFilter is
// non-empty.
func Rewritten(query string, pins map[string]int64, exclude map[string]bool, keyFilter string) (string, error) {
	stmt, err := parse(query)
	if err != nil {
		return "", err
	}
	if err := pinStatement(stmt, pins, exclude); err != nil {
		return "", err
	}
	if keyFilter != "" {
		if err := addPredicate(stmt, keyFilter); err != nil {
			return "", err
		}
	}
	return sqlast.Render(stmt), nil
}

// Key is one grouping key: Expr is how the definition query spells it
// (possibly alias-qualified), Name is the output column it lands in on the
// target.
type Key struct {
	Expr string
	Name string
}

// Keys pairs the outermost GROUP BY expressions with their target-side
// column names, resolved through the projection.
func Keys(query string) ([]Key, error) {
	stmt, err := parse(query)
	if err != nil {
		return nil, err
	}
	sel := stmt.OuterSelect()
	if sel == nil || len(sel.GroupBy) == 0 {
		return nil, nil
	}
	out := make([]Key, 0, len(sel.GroupBy))
	for _, g := range sel.GroupBy {
		name := ""
		for _, item := range sel.Items {
			if item.Expr == g {
				if item.Alias != "" {
					name = item.Alias
				}
				break
			}
		}
		if name == "" {
			name = outputName(g)
		}
		if name == "" {
			return nil, apperrors.Definitional(apperrors.CodeUnsupportedQuery,
				"grouping expression %q needs an alias in the projection", g)
		}
		out = append(out, Key{Expr: g, Name: name})
	}
	return out, nil
}

// outputName derives the implicit output column of a bare (possibly
// qualified) column reference; empty for anything more complex.
func outputName(expr string) string {
	parts := strings.Split(expr, ".")
	for _, p := range parts {
		for _, r := range p {
			if !(r == '_' || r == '$' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(r >= '0' && r <= '9')) {
				return ""
			}
		}
	}
	return parts[len(parts)-1]
}

// KeyInPredicate restricts target-side columns to the key relation; used for
// DELETE statements against the target.
func KeyInPredicate(keys []Key, rel string) string {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Name
	}
	return inPredicate(names, names, rel)
}

// KeyExprInPredicate restricts the definition query's own expressions to the
// key relation; used when filtering the rewritten INSERT query.
func KeyExprInPredicate(keys []Key, rel string) string {
	exprs := make([]string, len(keys))
	names := make([]string, len(keys))
	for i, k := range keys {
		exprs[i] = k.Expr
		names[i] = k.Name
	}
	return inPredicate(exprs, names, rel)
}

func inPredicate(left, sel []string, rel string) string {
	l := strings.Join(left, ", ")
	s := strings.Join(sel, ", ")
	if len(left) == 1 {
		return fmt.Sprintf("%s IN (SELECT %s FROM %s)", l, s, rel)
	}
	return fmt.Sprintf("(%s) IN (SELECT %s FROM %s)", l, s, rel)
}

// AffectedKeysQuery derives the query that maps one changed source's change
// feed into distinct target grouping keys. The changed source is replaced by
// table_changes(source, from, to); every other pinned base source keeps its
// new pin so multi-source joins translate keys at a consistent state.
// Aggregation clauses are stripped: the result is SELECT DISTINCT keys,
// projected under their target-side names.
func AffectedKeysQuery(query, source string, from, to int64, pins map[string]int64, exclude map[string]bool, keys []Key) (string, error) {
	stmt, err := parse(query)
	if err != nil {
		return "", err
	}
	if stmt.HasSetOp() {
		return "", apperrors.Definitional(apperrors.CodeUnsupportedQuery,
			"set operations are not supported with affected_keys")
	}

	ctes := stmt.CTENames()
	replaced := false
	sqlast.WalkTables(stmt, func(ref *sqlast.TableRef) {
		if ref.Schema == "" && ctes[strings.ToUpper(ref.Name)] {
			return
		}
		if ref.Matches(source) {
			if ref.Alias == "" {
				ref.Alias = ref.Name
			}
			ref.Replacement = fmt.Sprintf("table_changes('%s', %d, %d)", source, from, to)
			replaced = true
			return
		}
		if excluded(ref, exclude) {
			return
		}
		for name, snap := range pins {
			if strings.EqualFold(name, source) {
				continue
			}
			if ref.Matches(name) {
				s := snap
				ref.Pin = &s
				return
			}
		}
	})
	if !replaced {
		return "", fmt.Errorf("source %q not referenced by query", source)
	}

	sel := stmt.OuterSelect()
	if sel == nil {
		return "", apperrors.Definitional(apperrors.CodeUnsupportedQuery,
			"set operations are not supported with affected_keys")
	}
	items := make([]sqlast.SelectItem, 0, len(keys))
	for _, k := range keys {
		item := sqlast.SelectItem{Expr: k.Expr}
		if k.Name != k.Expr {
			item.Alias = k.Name
		}
		items = append(items, item)
	}
	sel.Distinct = true
	sel.Items = items
	sel.GroupBy = nil
	sel.Having = ""
	sel.OrderBy = nil
	sel.Limit = ""
	sel.Offset = ""

	return sqlast.Render(stmt), nil
}

// GroupingKeys extracts the target-side grouping key names of a definition
// query; empty when the query does not aggregate by key.
func GroupingKeys(query string) ([]string, error) {
	keys, err := Keys(query)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Name
	}
	return out, nil
}

// Sources lists the distinct relations the query reads, excluding CTEs.
func Sources(query string) ([]string, error) {
	stmt, err := parse(query)
	if err != nil {
		return nil, err
	}
	return stmt.SourceNames(), nil
}

func parse(query string) (*sqlast.Statement, error) {
	stmt, err := sqlast.Parse(query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindDefinitional, apperrors.CodeParse, "invalid query")
	}
	return stmt, nil
}
