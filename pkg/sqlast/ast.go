package sqlast

import "strings"

// Statement is a parsed query: optional WITH clause plus a select body that
// may be a set operation over select cores.
type Statement struct {
	Recursive bool
	With      []CTE
	Body      SetExpr
}

// CTE is one WITH entry. CTE names shadow real tables and are never pinned.
type CTE struct {
	Name    string
	Columns []string
	Query   *Statement
}

// SetExpr is either *Select or *SetOp.
type SetExpr interface {
	setExpr()
}

// SetOp combines two select bodies with UNION/INTERSECT/EXCEPT.
type SetOp struct {
	Op    string // "UNION", "UNION ALL", "INTERSECT", "EXCEPT"
	Left  SetExpr
	Right SetExpr
}

func (*SetOp) setExpr() {}

// Select is one select core. Expression text is stored as canonical token
// strings; only the FROM tree is fully structured.
type Select struct {
	Distinct bool
	Items    []SelectItem
	From     TableExpr // nil when the select has no FROM
	Where    string
	GroupBy  []string
	Having   string
	OrderBy  []string
	Limit    string
	Offset   string
}

func (*Select) setExpr() {}

// SelectItem is one projection entry. Star marks `*` / `t.*`.
type SelectItem struct {
	Expr  string
	Alias string
	Star  bool
}

// TableExpr is one node of the FROM tree: *TableRef, *Subquery, *TableFunc
// or *Join.
type TableExpr interface {
	tableExpr()
}

// TableRef is a named relation. Pin, when set, renders an
// AT (VERSION => n) clause after the name.
type TableRef struct {
	Schema string
	Name   string
	Alias  string
	Pin    *int64
	// Replacement, when non-empty, substitutes the whole relation (used to
	// swap a source for its change feed). The alias is preserved.
	Replacement string
}

func (*TableRef) tableExpr() {}

// QualifiedName renders schema.name as written.
func (t *TableRef) QualifiedName() string {
	if t.Schema != "" {
		return t.Schema + "." + t.Name
	}
	return t.Name
}

// Matches reports whether this reference names logical source `name`,
// comparing case-insensitively on the fully qualified form when the
// reference is qualified, and on the bare name otherwise.
func (t *TableRef) Matches(name string) bool {
	if strings.EqualFold(t.QualifiedName(), name) {
		return true
	}
	// unqualified reference to a schema-qualified logical name
	if t.Schema == "" {
		if i := strings.LastIndex(name, "."); i >= 0 {
			return strings.EqualFold(t.Name, name[i+1:])
		}
	}
	return false
}

// Subquery is a derived table.
type Subquery struct {
	Query *Statement
	Alias string
}

func (*Subquery) tableExpr() {}

// TableFunc is a table-valued function call such as table_changes(...).
type TableFunc struct {
	Name  string
	Args  string
	Alias string
}

func (*TableFunc) tableExpr() {}

// Join combines two table expressions.
type Join struct {
	Type  string // "JOIN", "LEFT JOIN", "CROSS JOIN", ...
	Left  TableExpr
	Right TableExpr
	On    string
	Using []string
}

func (*Join) tableExpr() {}

// WalkTables visits every TableRef in the statement, including those inside
// subqueries, joins and CTE bodies.
func WalkTables(s *Statement, fn func(*TableRef)) {
	for i := range s.With {
		WalkTables(s.With[i].Query, fn)
	}
	walkSetExpr(s.Body, fn)
}

func walkSetExpr(e SetExpr, fn func(*TableRef)) {
	switch v := e.(type) {
	case *SetOp:
		walkSetExpr(v.Left, fn)
		walkSetExpr(v.Right, fn)
	case *Select:
		walkTableExpr(v.From, fn)
	}
}

func walkTableExpr(e TableExpr, fn func(*TableRef)) {
	switch v := e.(type) {
	case nil:
	case *TableRef:
		fn(v)
	case *Subquery:
		WalkTables(v.Query, fn)
	case *Join:
		walkTableExpr(v.Left, fn)
		walkTableExpr(v.Right, fn)
	}
}

// CTENames returns the set of names defined by the statement's WITH clause,
// uppercased for case-insensitive lookup.
func (s *Statement) CTENames() map[string]bool {
	out := make(map[string]bool, len(s.With))
	for _, c := range s.With {
		out[strings.ToUpper(c.Name)] = true
	}
	return out
}

// SourceNames collects the distinct referenced relation names (qualified as
// written), excluding CTE-defined names, sorted for determinism.
func (s *Statement) SourceNames() []string {
	ctes := s.CTENames()
	seen := make(map[string]bool)
	var out []string
	WalkTables(s, func(t *TableRef) {
		q := t.QualifiedName()
		if t.Schema == "" && ctes[strings.ToUpper(t.Name)] {
			return
		}
		key := strings.ToLower(q)
		if !seen[key] {
			seen[key] = true
			out = append(out, q)
		}
	})
	sortStrings(out)
	return out
}

// OuterSelect returns the outermost select core, or nil when the body is a
// set operation.
func (s *Statement) OuterSelect() *Select {
	sel, _ := s.Body.(*Select)
	return sel
}

// HasSetOp reports whether the statement body combines selects with
// UNION/INTERSECT/EXCEPT.
func (s *Statement) HasSetOp() bool {
	_, ok := s.Body.(*SetOp)
	return ok
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && strings.ToLower(s[j]) < strings.ToLower(s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
