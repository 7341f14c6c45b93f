package sqlast

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse parses a SELECT statement (optionally WITH-prefixed, optionally a
// set operation) into a Statement. The supported subset is what dynamic
// table definitions may use; anything else fails with a parse error.
func Parse(sql string) (*Statement, error) {
	toks, err := Lex(sql)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if !p.at(TokenEOF) && p.cur().Text != ";" {
		return nil, fmt.Errorf("unexpected %q after query", p.cur().Text)
	}
	return stmt, nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) cur() Token  { return p.toks[p.pos] }
func (p *parser) peek() Token { return p.toks[p.pos+1] }

func (p *parser) at(t TokenType) bool { return p.cur().Type == t }

func (p *parser) atKeyword(kws ...string) bool {
	for _, kw := range kws {
		if p.cur().isKeyword(kw) {
			return true
		}
	}
	return false
}

func (p *parser) next() Token {
	t := p.cur()
	if t.Type != TokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) expectKeyword(kw string) error {
	if !p.atKeyword(kw) {
		return fmt.Errorf("expected %s, got %q", kw, p.cur().Text)
	}
	p.next()
	return nil
}

func (p *parser) expectPunct(text string) error {
	if p.cur().Text != text {
		return fmt.Errorf("expected %q, got %q", text, p.cur().Text)
	}
	p.next()
	return nil
}

func (p *parser) parseStatement() (*Statement, error) {
	stmt := &Statement{}
	if p.atKeyword("WITH") {
		p.next()
		if p.atKeyword("RECURSIVE") {
			stmt.Recursive = true
			p.next()
		}
		for {
			cte, err := p.parseCTE()
			if err != nil {
				return nil, err
			}
			stmt.With = append(stmt.With, *cte)
			if p.cur().Text == "," {
				p.next()
				continue
			}
			break
		}
	}
	body, err := p.parseSetExpr()
	if err != nil {
		return nil, err
	}
	stmt.Body = body
	return stmt, nil
}

func (p *parser) parseCTE() (*CTE, error) {
	if !p.at(TokenIdent) && !p.at(TokenQuotedIdent) {
		return nil, fmt.Errorf("expected CTE name, got %q", p.cur().Text)
	}
	cte := &CTE{Name: unquote(p.next().Text)}
	if p.cur().Text == "(" {
		p.next()
		for {
			if !p.at(TokenIdent) && !p.at(TokenQuotedIdent) {
				return nil, fmt.Errorf("expected column name in CTE %s", cte.Name)
			}
			cte.Columns = append(cte.Columns, unquote(p.next().Text))
			if p.cur().Text == "," {
				p.next()
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	inner, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	cte.Query = inner
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return cte, nil
}

func (p *parser) parseSetExpr() (SetExpr, error) {
	left, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	var out SetExpr = left
	for p.atKeyword("UNION", "INTERSECT", "EXCEPT") {
		op := p.next().Upper
		if op == "UNION" && p.atKeyword("ALL") {
			p.next()
			op = "UNION ALL"
		}
		right, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		out = &SetOp{Op: op, Left: out, Right: right}
	}
	return out, nil
}

func (p *parser) parseSelect() (*Select, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	sel := &Select{}
	if p.atKeyword("DISTINCT") {
		sel.Distinct = true
		p.next()
	} else if p.atKeyword("ALL") {
		p.next()
	}

	items, err := p.parseSelectItems()
	if err != nil {
		return nil, err
	}
	sel.Items = items

	if p.atKeyword("FROM") {
		p.next()
		from, err := p.parseFromList()
		if err != nil {
			return nil, err
		}
		sel.From = from
	}
	if p.atKeyword("WHERE") {
		p.next()
		sel.Where = p.scanExpr(selectClauseStops)
	}
	if p.atKeyword("GROUP") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		sel.GroupBy = p.scanExprList(selectClauseStops)
	}
	if p.atKeyword("HAVING") {
		p.next()
		sel.Having = p.scanExpr(selectClauseStops)
	}
	if p.atKeyword("ORDER") {
		p.next()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		sel.OrderBy = p.scanExprList(selectClauseStops)
	}
	if p.atKeyword("LIMIT") {
		p.next()
		sel.Limit = p.scanExpr(selectClauseStops)
	}
	if p.atKeyword("OFFSET") {
		p.next()
		sel.Offset = p.scanExpr(selectClauseStops)
	}
	return sel, nil
}

func (p *parser) parseSelectItems() ([]SelectItem, error) {
	var items []SelectItem
	for {
		toks := p.collect(func(t Token, depth int) bool {
			if depth > 0 {
				return false
			}
			return t.Text == "," || t.isKeyword("FROM") || t.isKeyword("WHERE") ||
				t.isKeyword("GROUP") || t.isKeyword("ORDER") || t.isKeyword("HAVING") ||
				t.isKeyword("LIMIT") || t.isKeyword("OFFSET") ||
				t.isKeyword("UNION") || t.isKeyword("INTERSECT") || t.isKeyword("EXCEPT") ||
				t.Type == TokenEOF || t.Text == ")"
		})
		if len(toks) == 0 {
			return nil, fmt.Errorf("empty select item")
		}
		items = append(items, makeSelectItem(toks))
		if p.cur().Text == "," {
			p.next()
			continue
		}
		break
	}
	return items, nil
}

func makeSelectItem(toks []Token) SelectItem {
	item := SelectItem{}
	if len(toks) == 1 && toks[0].Text == "*" {
		item.Star = true
		item.Expr = "*"
		return item
	}
	if len(toks) >= 3 && toks[len(toks)-1].Text == "*" && toks[len(toks)-2].Text == "." {
		item.Star = true
		item.Expr = renderTokens(append(toks, Token{Type: TokenEOF}))
		return item
	}
	// split a top-level AS alias
	depth := 0
	for i, t := range toks {
		switch t.Text {
		case "(":
			depth++
		case ")":
			depth--
		}
		if depth == 0 && t.isKeyword("AS") && i+1 < len(toks) {
			item.Expr = renderTokens(append(append([]Token{}, toks[:i]...), Token{Type: TokenEOF}))
			item.Alias = unquote(toks[i+1].Text)
			return item
		}
	}
	// trailing bare alias: expr ident, where the ident does not follow an
	// operator or dot
	if len(toks) >= 2 {
		last := toks[len(toks)-1]
		prev := toks[len(toks)-2]
		if (last.Type == TokenIdent || last.Type == TokenQuotedIdent) && !isReserved(last.Upper) &&
			(prev.Type == TokenNumber || prev.Type == TokenString || prev.Text == ")" ||
				prev.Type == TokenIdent || prev.Type == TokenQuotedIdent) &&
			prev.Text != "." && !isReserved(prev.Upper) {
			item.Expr = renderTokens(append(append([]Token{}, toks[:len(toks)-1]...), Token{Type: TokenEOF}))
			item.Alias = unquote(last.Text)
			return item
		}
	}
	item.Expr = renderTokens(append(toks, Token{Type: TokenEOF}))
	return item
}

func (p *parser) parseFromList() (TableExpr, error) {
	left, err := p.parseJoinChain()
	if err != nil {
		return nil, err
	}
	for p.cur().Text == "," {
		p.next()
		right, err := p.parseJoinChain()
		if err != nil {
			return nil, err
		}
		left = &Join{Type: ",", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseJoinChain() (TableExpr, error) {
	left, err := p.parseTablePrimary()
	if err != nil {
		return nil, err
	}
	for {
		jt, ok := p.parseJoinType()
		if !ok {
			return left, nil
		}
		right, err := p.parseTablePrimary()
		if err != nil {
			return nil, err
		}
		j := &Join{Type: jt, Left: left, Right: right}
		if p.atKeyword("ON") {
			p.next()
			j.On = p.scanExpr(joinStops)
		} else if p.atKeyword("USING") {
			p.next()
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			for {
				if !p.at(TokenIdent) && !p.at(TokenQuotedIdent) {
					return nil, fmt.Errorf("expected column in USING")
				}
				j.Using = append(j.Using, unquote(p.next().Text))
				if p.cur().Text == "," {
					p.next()
					continue
				}
				break
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
		}
		left = j
	}
}

func (p *parser) parseJoinType() (string, bool) {
	switch {
	case p.atKeyword("JOIN"):
		p.next()
		return "JOIN", true
	case p.atKeyword("INNER"):
		p.next()
		_ = p.expectKeyword("JOIN")
		return "INNER JOIN", true
	case p.atKeyword("LEFT"), p.atKeyword("RIGHT"), p.atKeyword("FULL"):
		side := p.next().Upper
		if p.atKeyword("OUTER") {
			p.next()
		}
		_ = p.expectKeyword("JOIN")
		return side + " JOIN", true
	case p.atKeyword("CROSS"):
		p.next()
		_ = p.expectKeyword("JOIN")
		return "CROSS JOIN", true
	}
	return "", false
}

func (p *parser) parseTablePrimary() (TableExpr, error) {
	if p.cur().Text == "(" {
		p.next()
		inner, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		sub := &Subquery{Query: inner}
		sub.Alias = p.parseOptionalAlias()
		return sub, nil
	}

	if !p.at(TokenIdent) && !p.at(TokenQuotedIdent) {
		return nil, fmt.Errorf("expected table reference, got %q", p.cur().Text)
	}
	first := p.next()

	// table-valued function
	if p.cur().Text == "(" {
		depth := 0
		var args []Token
		p.next()
		depth = 1
		for depth > 0 {
			t := p.next()
			if t.Type == TokenEOF {
				return nil, fmt.Errorf("unterminated function call %s", first.Text)
			}
			switch t.Text {
			case "(":
				depth++
			case ")":
				depth--
				if depth == 0 {
					continue
				}
			}
			if depth > 0 {
				args = append(args, t)
			}
		}
		fn := &TableFunc{
			Name: unquote(first.Text),
			Args: renderTokens(append(args, Token{Type: TokenEOF})),
		}
		fn.Alias = p.parseOptionalAlias()
		return fn, nil
	}

	ref := &TableRef{Name: unquote(first.Text)}
	if p.cur().Text == "." {
		p.next()
		if !p.at(TokenIdent) && !p.at(TokenQuotedIdent) {
			return nil, fmt.Errorf("expected identifier after %q.", first.Text)
		}
		ref.Schema = ref.Name
		ref.Name = unquote(p.next().Text)
	}
	if pin, ok, err := p.parseOptionalPin(); err != nil {
		return nil, err
	} else if ok {
		ref.Pin = &pin
	}
	ref.Alias = p.parseOptionalAlias()
	return ref, nil
}

// parseOptionalPin consumes AT (VERSION => n) when present.
func (p *parser) parseOptionalPin() (int64, bool, error) {
	if !p.atKeyword("AT") || p.peek().Text != "(" {
		return 0, false, nil
	}
	p.next()
	p.next()
	if err := p.expectKeyword("VERSION"); err != nil {
		return 0, false, err
	}
	if p.cur().Text != "=>" {
		return 0, false, fmt.Errorf("expected => in AT (VERSION => n)")
	}
	p.next()
	if !p.at(TokenNumber) {
		return 0, false, fmt.Errorf("expected snapshot id in AT (VERSION => n)")
	}
	n, err := strconv.ParseInt(p.next().Text, 10, 64)
	if err != nil {
		return 0, false, err
	}
	if err := p.expectPunct(")"); err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (p *parser) parseOptionalAlias() string {
	if p.atKeyword("AS") {
		p.next()
		if p.at(TokenIdent) || p.at(TokenQuotedIdent) {
			return unquote(p.next().Text)
		}
		return ""
	}
	if (p.at(TokenIdent) || p.at(TokenQuotedIdent)) && !isReserved(p.cur().Upper) {
		return unquote(p.next().Text)
	}
	return ""
}

// scanExpr consumes tokens until a stop keyword at depth zero and renders
// them canonically.
func (p *parser) scanExpr(stop func(Token, int) bool) string {
	toks := p.collect(stop)
	return renderTokens(append(toks, Token{Type: TokenEOF}))
}

func (p *parser) scanExprList(stop func(Token, int) bool) []string {
	var out []string
	for {
		toks := p.collect(func(t Token, depth int) bool {
			if depth == 0 && t.Text == "," {
				return true
			}
			return stop(t, depth)
		})
		out = append(out, renderTokens(append(toks, Token{Type: TokenEOF})))
		if p.cur().Text == "," {
			p.next()
			continue
		}
		break
	}
	return out
}

// collect consumes tokens until stop returns true at the current depth. The
// stopping token is not consumed. A close paren below depth zero also stops
// (end of an enclosing subquery).
func (p *parser) collect(stop func(Token, int) bool) []Token {
	var out []Token
	depth := 0
	for {
		t := p.cur()
		if t.Type == TokenEOF {
			return out
		}
		if t.Text == ")" && depth == 0 {
			return out
		}
		if depth == 0 && stop(t, depth) {
			return out
		}
		switch t.Text {
		case "(":
			depth++
		case ")":
			depth--
		}
		out = append(out, p.next())
	}
}

func selectClauseStops(t Token, depth int) bool {
	if depth > 0 {
		return false
	}
	return t.isKeyword("WHERE") || t.isKeyword("GROUP") || t.isKeyword("HAVING") ||
		t.isKeyword("ORDER") || t.isKeyword("LIMIT") || t.isKeyword("OFFSET") ||
		t.isKeyword("UNION") || t.isKeyword("INTERSECT") || t.isKeyword("EXCEPT")
}

func joinStops(t Token, depth int) bool {
	if depth > 0 {
		return false
	}
	return selectClauseStops(t, depth) || t.Text == "," ||
		t.isKeyword("JOIN") || t.isKeyword("INNER") || t.isKeyword("LEFT") ||
		t.isKeyword("RIGHT") || t.isKeyword("FULL") || t.isKeyword("CROSS")
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

var reservedWords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "GROUP": true, "BY": true,
	"HAVING": true, "ORDER": true, "LIMIT": true, "OFFSET": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"CROSS": true, "OUTER": true, "ON": true, "USING": true, "AS": true,
	"UNION": true, "INTERSECT": true, "EXCEPT": true, "ALL": true,
	"DISTINCT": true, "WITH": true, "RECURSIVE": true, "AND": true,
	"OR": true, "NOT": true, "IN": true, "EXISTS": true, "CASE": true,
	"WHEN": true, "THEN": true, "ELSE": true, "END": true, "IS": true,
	"NULL": true, "LIKE": true, "BETWEEN": true, "AT": true, "ASC": true,
	"DESC": true, "VALUES": true, "SET": true,
}

func isReserved(upper string) bool { return reservedWords[upper] }

// exprTokens re-lexes a canonical expression string; used by classifiers
// that need token-level inspection of stored expression text.
func exprTokens(expr string) []Token {
	toks, err := Lex(expr)
	if err != nil {
		return nil
	}
	return toks
}

// ExprContainsCall reports whether expr calls one of the named functions
// (case-insensitive).
func ExprContainsCall(expr string, names ...string) bool {
	toks := exprTokens(expr)
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].Type == TokenIdent && toks[i+1].Text == "(" {
			for _, n := range names {
				if toks[i].Upper == strings.ToUpper(n) {
					return true
				}
			}
		}
	}
	return false
}

// ExprContainsSelect reports whether expression text embeds a subquery.
// Predicate and scalar subqueries hide from the FROM tree, so the rewriter
// cannot pin sources inside them; callers reject such queries up front.
func ExprContainsSelect(expr string) bool {
	for _, t := range exprTokens(expr) {
		if t.isKeyword("SELECT") {
			return true
		}
	}
	return false
}

// WindowInfo describes OVER clauses found in an expression.
type WindowInfo struct {
	HasWindow       bool
	HasPartitionKey bool
}

// InspectWindow scans expr for OVER ( ... ) and whether the window declares
// a PARTITION BY.
func InspectWindow(expr string) WindowInfo {
	toks := exprTokens(expr)
	info := WindowInfo{}
	for i := 0; i < len(toks); i++ {
		if toks[i].isKeyword("OVER") && i+1 < len(toks) && toks[i+1].Text == "(" {
			info.HasWindow = true
			depth := 0
			for j := i + 1; j < len(toks); j++ {
				switch toks[j].Text {
				case "(":
					depth++
				case ")":
					depth--
				}
				if toks[j].isKeyword("PARTITION") && depth > 0 {
					info.HasPartitionKey = true
				}
				if depth == 0 && j > i+1 {
					break
				}
			}
		}
	}
	return info
}
