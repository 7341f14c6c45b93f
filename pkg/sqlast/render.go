package sqlast

import (
	"fmt"
	"strings"
)

// Render produces the canonical SQL text of a statement. Rendering is
// deterministic: equal trees render byte-identically.
func Render(s *Statement) string {
	var b strings.Builder
	renderStatement(&b, s)
	return b.String()
}

func renderStatement(b *strings.Builder, s *Statement) {
	if len(s.With) > 0 {
		b.WriteString("WITH ")
		if s.Recursive {
			b.WriteString("RECURSIVE ")
		}
		for i, c := range s.With {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(c.Name))
			if len(c.Columns) > 0 {
				b.WriteString(" (")
				for j, col := range c.Columns {
					if j > 0 {
						b.WriteString(", ")
					}
					b.WriteString(quoteIdent(col))
				}
				b.WriteString(")")
			}
			b.WriteString(" AS (")
			renderStatement(b, c.Query)
			b.WriteString(")")
		}
		b.WriteString(" ")
	}
	renderSetExpr(b, s.Body)
}

func renderSetExpr(b *strings.Builder, e SetExpr) {
	switch v := e.(type) {
	case *SetOp:
		renderSetExpr(b, v.Left)
		b.WriteString(" ")
		b.WriteString(v.Op)
		b.WriteString(" ")
		renderSetExpr(b, v.Right)
	case *Select:
		renderSelect(b, v)
	}
}

func renderSelect(b *strings.Builder, s *Select) {
	b.WriteString("SELECT ")
	if s.Distinct {
		b.WriteString("DISTINCT ")
	}
	for i, item := range s.Items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(item.Expr)
		if item.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(quoteIdent(item.Alias))
		}
	}
	if s.From != nil {
		b.WriteString(" FROM ")
		renderTableExpr(b, s.From)
	}
	if s.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(s.Where)
	}
	if len(s.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(s.GroupBy, ", "))
	}
	if s.Having != "" {
		b.WriteString(" HAVING ")
		b.WriteString(s.Having)
	}
	if len(s.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(s.OrderBy, ", "))
	}
	if s.Limit != "" {
		b.WriteString(" LIMIT ")
		b.WriteString(s.Limit)
	}
	if s.Offset != "" {
		b.WriteString(" OFFSET ")
		b.WriteString(s.Offset)
	}
}

func renderTableExpr(b *strings.Builder, e TableExpr) {
	switch v := e.(type) {
	case *TableRef:
		if v.Replacement != "" {
			b.WriteString(v.Replacement)
		} else {
			if v.Schema != "" {
				b.WriteString(quoteIdent(v.Schema))
				b.WriteString(".")
			}
			b.WriteString(quoteIdent(v.Name))
			if v.Pin != nil {
				fmt.Fprintf(b, " AT (VERSION => %d)", *v.Pin)
			}
		}
		if v.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(quoteIdent(v.Alias))
		}
	case *Subquery:
		b.WriteString("(")
		renderStatement(b, v.Query)
		b.WriteString(")")
		if v.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(quoteIdent(v.Alias))
		}
	case *TableFunc:
		b.WriteString(v.Name)
		b.WriteString("(")
		b.WriteString(v.Args)
		b.WriteString(")")
		if v.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(quoteIdent(v.Alias))
		}
	case *Join:
		renderTableExpr(b, v.Left)
		if v.Type == "," {
			b.WriteString(", ")
		} else {
			b.WriteString(" ")
			b.WriteString(v.Type)
			b.WriteString(" ")
		}
		renderTableExpr(b, v.Right)
		if v.On != "" {
			b.WriteString(" ON ")
			b.WriteString(v.On)
		}
		if len(v.Using) > 0 {
			b.WriteString(" USING (")
			for i, c := range v.Using {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(quoteIdent(c))
			}
			b.WriteString(")")
		}
	}
}

// quoteIdent quotes identifiers that need it; plain lowercase-safe names are
// left bare so rendered SQL stays readable.
func quoteIdent(s string) string {
	if s == "" {
		return s
	}
	plain := true
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_', r == '$':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				plain = false
			}
		default:
			plain = false
		}
		if !plain {
			break
		}
	}
	if plain && !isReserved(strings.ToUpper(s)) {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
