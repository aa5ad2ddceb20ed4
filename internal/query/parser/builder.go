package parser

// Constructors for building queries in code. Every With* method returns a new
// Query and leaves the receiver untouched.

// NewQuery selects every column of table.
func NewQuery(table string) *Query {
	return &Query{From: table}
}

// Col returns a qualified column reference.
func Col(table, column string) *ColumnRef {
	return &ColumnRef{Table: table, Column: column}
}

// Lit returns a literal operand.
func Lit(v interface{}) *Literal {
	return &Literal{Value: v}
}

// Lits converts values to literal operands.
func Lits(values ...interface{}) []Operand {
	out := make([]Operand, len(values))
	for i, v := range values {
		out[i] = Lit(v)
	}
	return out
}

// Eq returns left = right.
func Eq(left, right Operand) *Equality {
	return &Equality{Left: left, Right: right}
}

// Ne returns left <> right.
func Ne(left, right Operand) *NotEqual {
	return &NotEqual{Left: left, Right: right}
}

// Cmp returns left op right.
func Cmp(left Operand, op CompareOp, right Operand) *Comparison {
	return &Comparison{Op: op, Left: left, Right: right}
}

// In returns left IN (values...).
func In(left Operand, values ...Operand) *Membership {
	return &Membership{Left: left, Values: values}
}

// InQuery returns left IN (sub).
func InQuery(left Operand, sub *Query) *Membership {
	return &Membership{Left: left, Subquery: sub}
}

// AllOf returns a parenthesized conjunction.
func AllOf(children ...Predicate) *Grouping {
	return &Grouping{Op: And, Children: children}
}

// AnyOf returns a parenthesized disjunction.
func AnyOf(children ...Predicate) *Grouping {
	return &Grouping{Op: Or, Children: children}
}

// Raw returns a raw SQL fragment.
func Raw(sql string, args ...interface{}) *RawFragment {
	return &RawFragment{SQL: sql, Args: args}
}

// WithWhere returns a copy with the predicates appended to the conjunction.
func (q *Query) WithWhere(preds ...Predicate) *Query {
	cp := q.Clone()
	for _, p := range preds {
		cp.Where = append(cp.Where, ClonePredicate(p))
	}
	return cp
}

// WithColumns returns a copy selecting exactly the given projections.
func (q *Query) WithColumns(cols ...Projection) *Query {
	cp := q.Clone()
	cp.Columns = cloneProjections(cols)
	return cp
}

// WithJoin returns a copy with the join appended.
func (q *Query) WithJoin(j Join) *Query {
	cp := q.Clone()
	cp.Joins = append(cp.Joins, cloneJoin(j))
	return cp
}

// WithOrder returns a copy with the ordering appended.
func (q *Query) WithOrder(orders ...Order) *Query {
	cp := q.Clone()
	cp.OrderBy = append(cp.OrderBy, cloneOrders(orders)...)
	return cp
}

// WithLimit returns a copy limited to n rows.
func (q *Query) WithLimit(n int64) *Query {
	cp := q.Clone()
	cp.Limit = &n
	return cp
}

// Clone returns a deep copy of the query.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	cp := &Query{
		From:     q.From,
		Distinct: q.Distinct,
		Columns:  cloneProjections(q.Columns),
		OrderBy:  cloneOrders(q.OrderBy),
	}
	if q.Joins != nil {
		cp.Joins = make([]Join, len(q.Joins))
		for i, j := range q.Joins {
			cp.Joins[i] = cloneJoin(j)
		}
	}
	cp.Where = clonePredicates(q.Where)
	if q.Limit != nil {
		limit := *q.Limit
		cp.Limit = &limit
	}
	return cp
}

// ClonePredicate returns a deep copy of p.
func ClonePredicate(p Predicate) Predicate {
	switch n := p.(type) {
	case nil:
		return nil
	case *Equality:
		return &Equality{Left: CloneOperand(n.Left), Right: CloneOperand(n.Right)}
	case *NotEqual:
		return &NotEqual{Left: CloneOperand(n.Left), Right: CloneOperand(n.Right)}
	case *Comparison:
		return &Comparison{Op: n.Op, Left: CloneOperand(n.Left), Right: CloneOperand(n.Right)}
	case *Membership:
		cp := &Membership{Left: CloneOperand(n.Left), Subquery: n.Subquery.Clone(), Negated: n.Negated}
		if n.Values != nil {
			cp.Values = make([]Operand, len(n.Values))
			for i, v := range n.Values {
				cp.Values[i] = CloneOperand(v)
			}
		}
		return cp
	case *Grouping:
		return &Grouping{Op: n.Op, Children: clonePredicates(n.Children)}
	case *RawFragment:
		return &RawFragment{SQL: n.SQL, Args: append([]interface{}(nil), n.Args...)}
	case *Exists:
		return &Exists{Subquery: n.Subquery.Clone(), Negated: n.Negated}
	default:
		return p
	}
}

// CloneOperand returns a copy of o.
func CloneOperand(o Operand) Operand {
	switch n := o.(type) {
	case *ColumnRef:
		cp := *n
		return &cp
	case *PayloadRef:
		cp := *n
		return &cp
	case *Literal:
		cp := *n
		return &cp
	case *RawExpr:
		cp := *n
		return &cp
	default:
		return o
	}
}

func clonePredicates(preds []Predicate) []Predicate {
	if preds == nil {
		return nil
	}
	out := make([]Predicate, len(preds))
	for i, p := range preds {
		out[i] = ClonePredicate(p)
	}
	return out
}

func cloneProjections(cols []Projection) []Projection {
	if cols == nil {
		return nil
	}
	out := make([]Projection, len(cols))
	for i, c := range cols {
		out[i] = Projection{Expr: CloneOperand(c.Expr), Alias: c.Alias}
	}
	return out
}

func cloneOrders(orders []Order) []Order {
	if orders == nil {
		return nil
	}
	out := make([]Order, len(orders))
	for i, o := range orders {
		out[i] = Order{Expr: CloneOperand(o.Expr), Desc: o.Desc}
	}
	return out
}

func cloneJoin(j Join) Join {
	cp := j
	cp.On = clonePredicates(j.On)
	return cp
}
