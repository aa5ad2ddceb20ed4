package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/tempora/tempora/pkg/types"
)

// Operand is a value-producing term: a column, a payload field, a literal or
// raw SQL text.
type Operand interface {
	operandNode()
	String() string
}

// ColumnRef references a column of a relation, qualified by table or alias.
type ColumnRef struct {
	Table  string
	Column string
}

func (c *ColumnRef) operandNode() {}

func (c *ColumnRef) String() string {
	if c.Table != "" {
		return c.Table + "." + c.Column
	}
	return c.Column
}

// PayloadRef references a field inside a journal table's payload document.
type PayloadRef struct {
	Table string
	Field string
}

func (p *PayloadRef) operandNode() {}

func (p *PayloadRef) String() string {
	return fmt.Sprintf("%s.payload->'%s'", p.Table, p.Field)
}

// Literal is a constant bound as a query argument.
type Literal struct {
	Value interface{}
}

func (l *Literal) operandNode() {}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case time.Time:
		return "'" + v.UTC().Format(time.RFC3339Nano) + "'"
	case types.Value:
		if v.Kind() == types.KindString || v.Kind() == types.KindTime {
			return "'" + strings.ReplaceAll(v.String(), "'", "''") + "'"
		}
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RawExpr is SQL text used verbatim in projections and orderings.
type RawExpr struct {
	SQL string
}

func (r *RawExpr) operandNode() {}

func (r *RawExpr) String() string { return r.SQL }

// Predicate is a boolean condition. The set of variants is closed: every
// consumer switches over the concrete types below.
type Predicate interface {
	predicateNode()
	// Kind names the variant, e.g. "Equality".
	Kind() string
	String() string
}

// Equality is Left = Right.
type Equality struct {
	Left, Right Operand
}

// NotEqual is Left <> Right.
type NotEqual struct {
	Left, Right Operand
}

// CompareOp is an ordering or pattern operator.
type CompareOp int

const (
	OpLt CompareOp = iota
	OpLte
	OpGt
	OpGte
	OpLike
	OpNotLike
)

func (op CompareOp) String() string {
	switch op {
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLike:
		return "LIKE"
	case OpNotLike:
		return "NOT LIKE"
	default:
		return "?"
	}
}

// Comparison is Left Op Right for ordering and LIKE operators.
type Comparison struct {
	Op          CompareOp
	Left, Right Operand
}

// Membership is Left [NOT] IN (Values...) or Left [NOT] IN (Subquery).
type Membership struct {
	Left     Operand
	Values   []Operand
	Subquery *Query
	Negated  bool
}

// LogicalOp joins the children of a Grouping.
type LogicalOp int

const (
	And LogicalOp = iota
	Or
)

func (op LogicalOp) String() string {
	if op == Or {
		return "OR"
	}
	return "AND"
}

// Grouping is a parenthesized conjunction or disjunction.
type Grouping struct {
	Op       LogicalOp
	Children []Predicate
}

// RawFragment is SQL text with positional arguments, used verbatim after
// table-name substitution.
type RawFragment struct {
	SQL  string
	Args []interface{}
}

// Exists is [NOT] EXISTS (Subquery).
type Exists struct {
	Subquery *Query
	Negated  bool
}

func (*Equality) predicateNode()    {}
func (*NotEqual) predicateNode()    {}
func (*Comparison) predicateNode()  {}
func (*Membership) predicateNode()  {}
func (*Grouping) predicateNode()    {}
func (*RawFragment) predicateNode() {}
func (*Exists) predicateNode()      {}

func (*Equality) Kind() string    { return "Equality" }
func (*NotEqual) Kind() string    { return "NotEqual" }
func (*Comparison) Kind() string  { return "Comparison" }
func (*Membership) Kind() string  { return "Membership" }
func (*Grouping) Kind() string    { return "Grouping" }
func (*RawFragment) Kind() string { return "RawFragment" }
func (*Exists) Kind() string      { return "Exists" }

func (e *Equality) String() string {
	return fmt.Sprintf("%s = %s", e.Left, e.Right)
}

func (n *NotEqual) String() string {
	return fmt.Sprintf("%s <> %s", n.Left, n.Right)
}

func (c *Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

func (m *Membership) String() string {
	op := "IN"
	if m.Negated {
		op = "NOT IN"
	}
	if m.Subquery != nil {
		return fmt.Sprintf("%s %s (%s)", m.Left, op, m.Subquery)
	}
	vals := make([]string, len(m.Values))
	for i, v := range m.Values {
		vals[i] = v.String()
	}
	return fmt.Sprintf("%s %s (%s)", m.Left, op, strings.Join(vals, ", "))
}

func (g *Grouping) String() string {
	parts := make([]string, len(g.Children))
	for i, c := range g.Children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, " "+g.Op.String()+" ") + ")"
}

func (r *RawFragment) String() string { return "(" + r.SQL + ")" }

func (e *Exists) String() string {
	if e.Negated {
		return fmt.Sprintf("NOT EXISTS (%s)", e.Subquery)
	}
	return fmt.Sprintf("EXISTS (%s)", e.Subquery)
}

// Projection is one item of the select list.
type Projection struct {
	Expr  Operand
	Alias string
}

func (p Projection) String() string {
	if p.Alias != "" {
		return p.Expr.String() + " AS " + p.Alias
	}
	return p.Expr.String()
}

// Name returns the result column name the projection produces.
func (p Projection) Name() string {
	if p.Alias != "" {
		return p.Alias
	}
	switch e := p.Expr.(type) {
	case *ColumnRef:
		return e.Column
	case *PayloadRef:
		return e.Field
	default:
		return p.Expr.String()
	}
}

// Order is one ORDER BY item.
type Order struct {
	Expr Operand
	Desc bool
}

func (o Order) String() string {
	if o.Desc {
		return o.Expr.String() + " DESC"
	}
	return o.Expr.String() + " ASC"
}

// JoinKind is the SQL join type.
type JoinKind int

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

func (k JoinKind) String() string {
	if k == LeftJoin {
		return "LEFT JOIN"
	}
	return "INNER JOIN"
}

// JoinRole tags joins added by the historic rewrite so later stages can find
// them without inspecting SQL text.
type JoinRole int

const (
	JoinRegular JoinRole = iota
	// JoinAsOf selects, per entity, the journal entry valid at Timestamp.
	JoinAsOf
	// JoinCreation exposes entity creation times.
	JoinCreation
)

func (r JoinRole) String() string {
	switch r {
	case JoinAsOf:
		return "as-of"
	case JoinCreation:
		return "creation"
	default:
		return "regular"
	}
}

// Join is one join clause. Regular joins name a table and conditions, or carry
// Raw SQL text. As-of and creation joins are derived relations rendered by the
// compiler from JournalTable/Timestamp and EntityTable.
type Join struct {
	Kind  JoinKind
	Role  JoinRole
	Table string
	Alias string
	On    []Predicate
	Raw   string

	JournalTable string
	Timestamp    types.Timestamp

	EntityTable string
}

// Name returns the alias, or the table name when there is none.
func (j Join) Name() string {
	if j.Alias != "" {
		return j.Alias
	}
	return j.Table
}

func (j Join) String() string {
	if j.Raw != "" {
		return j.Raw
	}
	var target string
	switch j.Role {
	case JoinAsOf:
		target = fmt.Sprintf("(%s AS OF %s)", j.JournalTable, j.Timestamp)
	case JoinCreation:
		target = fmt.Sprintf("(SELECT id, created_at FROM %s)", j.EntityTable)
	default:
		target = j.Table
	}
	s := j.Kind.String() + " " + target
	if j.Alias != "" {
		s += " AS " + j.Alias
	}
	if len(j.On) > 0 {
		parts := make([]string, len(j.On))
		for i, p := range j.On {
			parts[i] = p.String()
		}
		s += " ON " + strings.Join(parts, " AND ")
	}
	return s
}

// Query is an immutable-by-convention relational query. Where holds an
// implicit conjunction; nil Columns selects every column of From.
type Query struct {
	From     string
	Distinct bool
	Columns  []Projection
	Joins    []Join
	Where    []Predicate
	OrderBy  []Order
	Limit    *int64
}

// String renders the query as SQL-like text with inline literals.
func (q *Query) String() string {
	if q == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.Distinct {
		sb.WriteString("DISTINCT ")
	}
	if len(q.Columns) == 0 {
		sb.WriteString(q.From + ".*")
	} else {
		cols := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			cols[i] = c.String()
		}
		sb.WriteString(strings.Join(cols, ", "))
	}
	sb.WriteString(" FROM " + q.From)
	for _, j := range q.Joins {
		sb.WriteString(" " + j.String())
	}
	if len(q.Where) > 0 {
		parts := make([]string, len(q.Where))
		for i, p := range q.Where {
			parts[i] = p.String()
		}
		sb.WriteString(" WHERE " + strings.Join(parts, " AND "))
	}
	if len(q.OrderBy) > 0 {
		parts := make([]string, len(q.OrderBy))
		for i, o := range q.OrderBy {
			parts[i] = o.String()
		}
		sb.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if q.Limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *q.Limit)
	}
	return sb.String()
}
