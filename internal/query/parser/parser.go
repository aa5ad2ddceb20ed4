package parser

import (
	"fmt"
	"strconv"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s (got %s)", e.Position, e.Message, e.Token.Literal)
}

// Parser turns the supported SQL subset into the query IR:
//
//	SELECT [DISTINCT] cols FROM t [[AS] a]
//	  [[INNER|LEFT] JOIN u [[AS] b] ON cond]...
//	  [WHERE cond] [ORDER BY expr [ASC|DESC], ...] [LIMIT n]
//
// Top-level AND chains become the query's Where list; parenthesized
// expressions and OR chains become Groupings.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a SELECT statement.
func Parse(input string) (*Query, error) {
	p := NewParser(input)
	q, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}
	return q, nil
}

// ParsePredicate parses a WHERE-clause expression. Unqualified columns are
// qualified with table.
func ParsePredicate(table, input string) ([]Predicate, error) {
	p := NewParser(input)
	preds, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	if err := p.expectEnd(); err != nil {
		return nil, err
	}
	q := qualifier{table: table}
	return q.predicates(preds), nil
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return &ParseError{
		Message:  fmt.Sprintf(format, args...),
		Position: p.curToken.Pos,
		Token:    p.curToken,
	}
}

// expect consumes the current token if it has type t.
func (p *Parser) expect(t TokenType) error {
	if !p.curTokenIs(t) {
		return p.errorf("expected %s", t.String())
	}
	p.nextToken()
	return nil
}

func (p *Parser) expectEnd() error {
	if p.curTokenIs(TokenSemicolon) {
		p.nextToken()
	}
	if p.curTokenIs(TokenError) {
		return p.errorf("invalid token")
	}
	if !p.curTokenIs(TokenEOF) {
		return p.errorf("unexpected trailing input")
	}
	return nil
}

func (p *Parser) parseSelect() (*Query, error) {
	if err := p.expect(TokenSelect); err != nil {
		return nil, err
	}

	q := &Query{}
	if p.curTokenIs(TokenDistinct) {
		q.Distinct = true
		p.nextToken()
	}

	columns, err := p.parseSelectColumns()
	if err != nil {
		return nil, err
	}
	q.Columns = columns

	if err := p.expect(TokenFrom); err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenIdent) {
		return nil, p.errorf("expected table name")
	}
	q.From = p.curToken.Literal
	p.nextToken()

	qual := qualifier{table: q.From, aliases: map[string]string{}}
	if alias := p.parseAlias(); alias != "" {
		qual.aliases[alias] = q.From
	}

	for p.curTokenIs(TokenJoin) || p.curTokenIs(TokenInner) || p.curTokenIs(TokenLeft) {
		join, err := p.parseJoin()
		if err != nil {
			return nil, err
		}
		q.Joins = append(q.Joins, join)
	}

	if p.curTokenIs(TokenWhere) {
		p.nextToken()
		where, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		q.Where = where
	}

	if p.curTokenIs(TokenOrderBy) {
		p.nextToken()
		if err := p.expect(TokenBy); err != nil {
			return nil, err
		}
		orders, err := p.parseOrderByList()
		if err != nil {
			return nil, err
		}
		q.OrderBy = orders
	}

	if p.curTokenIs(TokenLimit) {
		p.nextToken()
		if !p.curTokenIs(TokenNumber) {
			return nil, p.errorf("expected number after LIMIT")
		}
		limit, err := strconv.ParseInt(p.curToken.Literal, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid LIMIT value")
		}
		q.Limit = &limit
		p.nextToken()
	}

	return qual.query(q), nil
}

func (p *Parser) parseAlias() string {
	if p.curTokenIs(TokenAs) && p.peekTokenIs(TokenIdent) {
		p.nextToken()
	}
	if p.curTokenIs(TokenIdent) {
		alias := p.curToken.Literal
		p.nextToken()
		return alias
	}
	return ""
}

func (p *Parser) parseSelectColumns() ([]Projection, error) {
	if p.curTokenIs(TokenStar) {
		p.nextToken()
		return nil, nil
	}

	var columns []Projection
	for {
		expr, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		col := Projection{Expr: expr}
		if p.curTokenIs(TokenAs) {
			p.nextToken()
			if !p.curTokenIs(TokenIdent) {
				return nil, p.errorf("expected identifier after AS")
			}
			col.Alias = p.curToken.Literal
			p.nextToken()
		} else if p.curTokenIs(TokenIdent) {
			col.Alias = p.curToken.Literal
			p.nextToken()
		}
		columns = append(columns, col)

		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	return columns, nil
}

func (p *Parser) parseJoin() (Join, error) {
	join := Join{Kind: InnerJoin, Role: JoinRegular}
	switch {
	case p.curTokenIs(TokenLeft):
		join.Kind = LeftJoin
		p.nextToken()
	case p.curTokenIs(TokenInner):
		p.nextToken()
	}
	if err := p.expect(TokenJoin); err != nil {
		return join, err
	}
	if !p.curTokenIs(TokenIdent) {
		return join, p.errorf("expected table name after JOIN")
	}
	join.Table = p.curToken.Literal
	p.nextToken()
	if !p.curTokenIs(TokenOn) {
		join.Alias = p.parseAlias()
	}
	if err := p.expect(TokenOn); err != nil {
		return join, err
	}
	on, err := p.parseCondition()
	if err != nil {
		return join, err
	}
	join.On = on
	return join, nil
}

func (p *Parser) parseOrderByList() ([]Order, error) {
	var orders []Order
	for {
		expr, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		order := Order{Expr: expr}
		if p.curTokenIs(TokenAsc) {
			p.nextToken()
		} else if p.curTokenIs(TokenDesc) {
			order.Desc = true
			p.nextToken()
		}
		orders = append(orders, order)

		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	return orders, nil
}

// parseCondition returns an implicit conjunction. An OR chain comes back as a
// single Or grouping.
func (p *Parser) parseCondition() ([]Predicate, error) {
	first, err := p.parseConjunction()
	if err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenOr) {
		return first, nil
	}

	alternatives := []Predicate{conjunctionOf(first)}
	for p.curTokenIs(TokenOr) {
		p.nextToken()
		next, err := p.parseConjunction()
		if err != nil {
			return nil, err
		}
		alternatives = append(alternatives, conjunctionOf(next))
	}
	return []Predicate{&Grouping{Op: Or, Children: alternatives}}, nil
}

func (p *Parser) parseConjunction() ([]Predicate, error) {
	first, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{first}
	for p.curTokenIs(TokenAnd) {
		p.nextToken()
		next, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		preds = append(preds, next)
	}
	return preds, nil
}

func conjunctionOf(preds []Predicate) Predicate {
	if len(preds) == 1 {
		return preds[0]
	}
	return &Grouping{Op: And, Children: preds}
}

func (p *Parser) parsePrimary() (Predicate, error) {
	switch {
	case p.curTokenIs(TokenLParen):
		p.nextToken()
		inner, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		if len(inner) == 1 {
			if g, ok := inner[0].(*Grouping); ok {
				return g, nil
			}
		}
		return &Grouping{Op: And, Children: inner}, nil

	case p.curTokenIs(TokenExists), p.curTokenIs(TokenNot) && p.peekTokenIs(TokenExists):
		negated := p.curTokenIs(TokenNot)
		if negated {
			p.nextToken()
		}
		p.nextToken()
		sub, err := p.parseSubquery()
		if err != nil {
			return nil, err
		}
		return &Exists{Subquery: sub, Negated: negated}, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	negated := false
	if p.curTokenIs(TokenNot) {
		negated = true
		p.nextToken()
		if !p.curTokenIs(TokenLike) && !p.curTokenIs(TokenIn) {
			return nil, p.errorf("expected LIKE or IN after NOT")
		}
	}

	op := p.curToken
	switch op.Type {
	case TokenEq, TokenNe, TokenLt, TokenLe, TokenGt, TokenGe, TokenLike:
		p.nextToken()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return comparisonFor(op.Type, negated, left, right), nil

	case TokenIn:
		p.nextToken()
		return p.parseMembership(left, negated)

	case TokenBetween:
		p.nextToken()
		low, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenAnd); err != nil {
			return nil, err
		}
		high, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Grouping{Op: And, Children: []Predicate{
			&Comparison{Op: OpGte, Left: left, Right: low},
			&Comparison{Op: OpLte, Left: CloneOperand(left), Right: high},
		}}, nil

	default:
		return nil, p.errorf("expected comparison operator")
	}
}

func comparisonFor(t TokenType, negated bool, left, right Operand) Predicate {
	switch t {
	case TokenEq:
		return &Equality{Left: left, Right: right}
	case TokenNe:
		return &NotEqual{Left: left, Right: right}
	case TokenLt:
		return &Comparison{Op: OpLt, Left: left, Right: right}
	case TokenLe:
		return &Comparison{Op: OpLte, Left: left, Right: right}
	case TokenGt:
		return &Comparison{Op: OpGt, Left: left, Right: right}
	case TokenGe:
		return &Comparison{Op: OpGte, Left: left, Right: right}
	default:
		if negated {
			return &Comparison{Op: OpNotLike, Left: left, Right: right}
		}
		return &Comparison{Op: OpLike, Left: left, Right: right}
	}
}

func (p *Parser) parseMembership(left Operand, negated bool) (Predicate, error) {
	if !p.curTokenIs(TokenLParen) {
		return nil, p.errorf("expected ( after IN")
	}
	if p.peekTokenIs(TokenSelect) {
		sub, err := p.parseSubquery()
		if err != nil {
			return nil, err
		}
		return &Membership{Left: left, Subquery: sub, Negated: negated}, nil
	}

	p.nextToken()
	var values []Operand
	for {
		v, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if !p.curTokenIs(TokenComma) {
			break
		}
		p.nextToken()
	}
	if err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return &Membership{Left: left, Values: values, Negated: negated}, nil
}

func (p *Parser) parseSubquery() (*Query, error) {
	if err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	sub, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if err := p.expect(TokenRParen); err != nil {
		return nil, err
	}
	return sub, nil
}

func (p *Parser) parseOperand() (Operand, error) {
	tok := p.curToken
	switch tok.Type {
	case TokenIdent:
		p.nextToken()
		if p.curTokenIs(TokenDot) {
			p.nextToken()
			if !p.curTokenIs(TokenIdent) {
				return nil, p.errorf("expected column name after dot")
			}
			col := &ColumnRef{Table: tok.Literal, Column: p.curToken.Literal}
			p.nextToken()
			return col, nil
		}
		return &ColumnRef{Column: tok.Literal}, nil

	case TokenNumber:
		p.nextToken()
		return parseNumber(tok, false)

	case TokenMinus:
		p.nextToken()
		if !p.curTokenIs(TokenNumber) {
			return nil, p.errorf("expected number after -")
		}
		num := p.curToken
		p.nextToken()
		return parseNumber(num, true)

	case TokenString:
		p.nextToken()
		return &Literal{Value: tok.Literal}, nil

	case TokenNull:
		p.nextToken()
		return &Literal{Value: nil}, nil

	case TokenTrue, TokenFalse:
		p.nextToken()
		return &Literal{Value: tok.Type == TokenTrue}, nil

	default:
		return nil, p.errorf("unexpected token in expression")
	}
}

func parseNumber(tok Token, negative bool) (Operand, error) {
	lit := tok.Literal
	if negative {
		lit = "-" + lit
	}
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return &Literal{Value: i}, nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, &ParseError{Message: "invalid number", Position: tok.Pos, Token: tok}
	}
	return &Literal{Value: f}, nil
}

// qualifier resolves aliases of the FROM table and qualifies bare column
// names with it. Subqueries are qualified when they are parsed and are left
// alone here.
type qualifier struct {
	table   string
	aliases map[string]string
}

func (q qualifier) query(in *Query) *Query {
	out := &Query{
		From:     in.From,
		Distinct: in.Distinct,
		Limit:    in.Limit,
		Where:    q.predicates(in.Where),
	}
	if in.Columns != nil {
		out.Columns = make([]Projection, len(in.Columns))
		for i, c := range in.Columns {
			out.Columns[i] = Projection{Expr: q.operand(c.Expr), Alias: c.Alias}
		}
	}
	for _, j := range in.Joins {
		nj := j
		nj.On = q.predicates(j.On)
		out.Joins = append(out.Joins, nj)
	}
	for _, o := range in.OrderBy {
		out.OrderBy = append(out.OrderBy, Order{Expr: q.operand(o.Expr), Desc: o.Desc})
	}
	return out
}

func (q qualifier) predicates(preds []Predicate) []Predicate {
	if preds == nil {
		return nil
	}
	out := make([]Predicate, len(preds))
	for i, p := range preds {
		out[i] = q.predicate(p)
	}
	return out
}

func (q qualifier) predicate(p Predicate) Predicate {
	switch n := p.(type) {
	case *Equality:
		return &Equality{Left: q.operand(n.Left), Right: q.operand(n.Right)}
	case *NotEqual:
		return &NotEqual{Left: q.operand(n.Left), Right: q.operand(n.Right)}
	case *Comparison:
		return &Comparison{Op: n.Op, Left: q.operand(n.Left), Right: q.operand(n.Right)}
	case *Membership:
		m := &Membership{Left: q.operand(n.Left), Subquery: n.Subquery, Negated: n.Negated}
		for _, v := range n.Values {
			m.Values = append(m.Values, q.operand(v))
		}
		return m
	case *Grouping:
		return &Grouping{Op: n.Op, Children: q.predicates(n.Children)}
	default:
		return p
	}
}

func (q qualifier) operand(o Operand) Operand {
	col, ok := o.(*ColumnRef)
	if !ok {
		return o
	}
	switch {
	case col.Table == "":
		return &ColumnRef{Table: q.table, Column: col.Column}
	case q.aliases[col.Table] != "":
		return &ColumnRef{Table: q.aliases[col.Table], Column: col.Column}
	default:
		return col
	}
}
