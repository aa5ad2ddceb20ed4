// Package planner rewrites queries over live entity relations into queries
// that read the same state from the entity journal as of a timestamp.
package planner

import (
	"fmt"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/query/parser"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/pkg/types"
)

// maxRawFragmentDepth is the deepest grouping level a raw fragment may sit at.
// Deeper fragments are rejected rather than rewritten textually.
const maxRawFragmentDepth = 1

// Rewriter turns a query over an entity table into its historic equivalent.
// It is stateless apart from the catalog and safe for concurrent use.
type Rewriter struct {
	catalog *schema.Catalog
}

// NewRewriter creates a rewriter resolving relations through catalog.
func NewRewriter(catalog *schema.Catalog) *Rewriter {
	return &Rewriter{catalog: catalog}
}

// AsOf returns a query that yields, for every entity the input would select,
// the entity's state as recorded by the journal entry valid at ts. Entities
// without such an entry are absent from the result. Relative timestamps are
// kept symbolic and resolved when the query executes. The input is not
// modified.
func (r *Rewriter) AsOf(q *parser.Query, ts types.Timestamp) (*parser.Query, error) {
	if q == nil {
		return nil, errors.NewInvalidInput("as-of rewrite needs a query, got nil")
	}
	if ts.IsZero() {
		return nil, errors.NewValidationError(errors.CodeInvalidTimestamp, "as-of rewrite needs a timestamp")
	}
	rel, ok := r.catalog.ByTable(q.From)
	if !ok {
		if _, journal := r.catalog.ByJournalTable(q.From); journal {
			return nil, errors.NewInvalidInput("query over %s already reads a journal", q.From)
		}
		return nil, errors.NewInvalidInput("query over %s does not target a journaled relation", q.From).
			WithDetails(map[string]interface{}{"table": q.From})
	}

	s := newSubstitution(rel)

	// Base relation becomes the journal table.
	out := &parser.Query{From: rel.JournalTable, Distinct: q.Distinct}
	if q.Limit != nil {
		limit := *q.Limit
		out.Limit = &limit
	}

	where, err := r.predicates(q.Where, s, ts, 0)
	if err != nil {
		return nil, err
	}
	out.Where = where

	joins, err := r.joins(q.Joins, s, ts)
	if err != nil {
		return nil, err
	}
	joins = append(joins, asOfJoin(rel, ts), creationJoin(rel))
	out.Joins = historicJoinsFirst(joins)

	out.Columns = projections(q.Columns, s, ts)
	out.OrderBy = orders(q.OrderBy, s)

	return out, nil
}

func asOfJoin(rel schema.Relation, ts types.Timestamp) parser.Join {
	return parser.Join{
		Kind:         parser.InnerJoin,
		Role:         parser.JoinAsOf,
		Alias:        schema.AsOfAlias,
		JournalTable: rel.JournalTable,
		Timestamp:    ts,
		On: []parser.Predicate{
			parser.Eq(parser.Col(schema.AsOfAlias, "id"), parser.Col(rel.JournalTable, "id")),
		},
	}
}

func creationJoin(rel schema.Relation) parser.Join {
	return parser.Join{
		Kind:        parser.InnerJoin,
		Role:        parser.JoinCreation,
		Alias:       schema.CreationAlias,
		EntityTable: rel.Table,
		On: []parser.Predicate{
			parser.Eq(parser.Col(schema.CreationAlias, "id"), parser.Col(schema.AsOfAlias, "entity_id")),
		},
	}
}

// historicJoinsFirst orders the as-of join first and the creation join second,
// since later joins may reference either alias. Other joins keep their order.
func historicJoinsFirst(joins []parser.Join) []parser.Join {
	out := make([]parser.Join, 0, len(joins))
	for _, role := range []parser.JoinRole{parser.JoinAsOf, parser.JoinCreation, parser.JoinRegular} {
		for _, j := range joins {
			if j.Role == role {
				out = append(out, j)
			}
		}
	}
	return out
}

func (r *Rewriter) joins(joins []parser.Join, s *substitution, ts types.Timestamp) ([]parser.Join, error) {
	out := make([]parser.Join, 0, len(joins)+2)
	for _, j := range joins {
		if j.Role != parser.JoinRegular {
			return nil, errors.NewInvalidInput("query already contains a %s join", j.Role)
		}
		nj := j
		if j.Raw != "" {
			nj.Raw = s.text(j.Raw)
		}
		on, err := r.predicates(j.On, s, ts, 0)
		if err != nil {
			return nil, err
		}
		nj.On = on
		out = append(out, nj)
	}
	return out, nil
}

// predicates rewrites a conjunction. depth counts enclosing groupings.
func (r *Rewriter) predicates(preds []parser.Predicate, s *substitution, ts types.Timestamp, depth int) ([]parser.Predicate, error) {
	if preds == nil {
		return nil, nil
	}
	out := make([]parser.Predicate, len(preds))
	for i, p := range preds {
		rewritten, err := r.predicate(p, s, ts, depth)
		if err != nil {
			return nil, err
		}
		out[i] = rewritten
	}
	return out, nil
}

func (r *Rewriter) predicate(p parser.Predicate, s *substitution, ts types.Timestamp, depth int) (parser.Predicate, error) {
	switch n := p.(type) {
	case *parser.Equality:
		return &parser.Equality{Left: s.operand(n.Left), Right: s.operand(n.Right)}, nil

	case *parser.NotEqual:
		return &parser.NotEqual{Left: s.operand(n.Left), Right: s.operand(n.Right)}, nil

	case *parser.Comparison:
		return &parser.Comparison{Op: n.Op, Left: s.operand(n.Left), Right: s.operand(n.Right)}, nil

	case *parser.Membership:
		m := &parser.Membership{Left: s.operand(n.Left), Negated: n.Negated}
		if n.Values != nil {
			m.Values = make([]parser.Operand, len(n.Values))
			for i, v := range n.Values {
				m.Values[i] = s.operand(v)
			}
		}
		if n.Subquery != nil {
			sub, err := r.subquery(n.Subquery, s, ts)
			if err != nil {
				return nil, err
			}
			m.Subquery = sub
		}
		return m, nil

	case *parser.Grouping:
		children, err := r.predicates(n.Children, s, ts, depth+1)
		if err != nil {
			return nil, err
		}
		return &parser.Grouping{Op: n.Op, Children: children}, nil

	case *parser.RawFragment:
		if depth > maxRawFragmentDepth {
			return nil, errors.NewUnsupportedPredicate(fmt.Sprintf("RawFragment at grouping depth %d", depth))
		}
		return &parser.RawFragment{SQL: s.text(n.SQL), Args: append([]interface{}(nil), n.Args...)}, nil

	case nil:
		return nil, errors.NewInvalidInput("query contains a nil predicate")

	default:
		return nil, errors.NewUnsupportedPredicate(p.Kind())
	}
}

// subquery rewrites a membership subquery. Subqueries over the same entity
// table are read as of the same timestamp; subqueries over other relations
// only get their correlated references to the rewritten table substituted.
func (r *Rewriter) subquery(sub *parser.Query, s *substitution, ts types.Timestamp) (*parser.Query, error) {
	if sub.From == s.rel.Table {
		return r.AsOf(sub, ts)
	}

	correlated := &correlatedSubstitution{outer: s}
	out := &parser.Query{From: sub.From, Distinct: sub.Distinct, Limit: sub.Limit}
	out.Columns = sub.Columns
	out.Joins = sub.Joins
	out.OrderBy = sub.OrderBy
	where, err := correlated.predicates(sub.Where)
	if err != nil {
		return nil, err
	}
	out.Where = where
	return out.Clone(), nil
}

// correlatedSubstitution rewrites only explicitly qualified references to the
// outer entity table, leaving the subquery's own columns alone.
type correlatedSubstitution struct {
	outer *substitution
}

func (c *correlatedSubstitution) operand(o parser.Operand) parser.Operand {
	if col, ok := o.(*parser.ColumnRef); ok && col.Table == c.outer.rel.Table {
		return c.outer.column(col.Column)
	}
	return parser.CloneOperand(o)
}

func (c *correlatedSubstitution) predicates(preds []parser.Predicate) ([]parser.Predicate, error) {
	if preds == nil {
		return nil, nil
	}
	out := make([]parser.Predicate, len(preds))
	for i, p := range preds {
		switch n := p.(type) {
		case *parser.Equality:
			out[i] = &parser.Equality{Left: c.operand(n.Left), Right: c.operand(n.Right)}
		case *parser.NotEqual:
			out[i] = &parser.NotEqual{Left: c.operand(n.Left), Right: c.operand(n.Right)}
		case *parser.Comparison:
			out[i] = &parser.Comparison{Op: n.Op, Left: c.operand(n.Left), Right: c.operand(n.Right)}
		case *parser.Grouping:
			children, err := c.predicates(n.Children)
			if err != nil {
				return nil, err
			}
			out[i] = &parser.Grouping{Op: n.Op, Children: children}
		case *parser.Membership:
			m := parser.ClonePredicate(n).(*parser.Membership)
			m.Left = c.operand(n.Left)
			out[i] = m
		case *parser.RawFragment:
			out[i] = &parser.RawFragment{SQL: c.outer.text(n.SQL), Args: append([]interface{}(nil), n.Args...)}
		default:
			return nil, errors.NewUnsupportedPredicate(p.Kind())
		}
	}
	return out, nil
}

// projections builds the historic select list. No projection selects the full
// snapshot; a lone id projection selects the entity id so the query can serve
// as an id subquery.
func projections(cols []parser.Projection, s *substitution, ts types.Timestamp) []parser.Projection {
	if len(cols) == 0 {
		return []parser.Projection{
			{Expr: parser.Lit(ts.String()), Alias: "timestamp"},
			{Expr: parser.Col(s.rel.JournalTable, schema.JournalDocumentColumn), Alias: schema.JournalDocumentColumn},
			{Expr: parser.Col(schema.AsOfAlias, "entity_id"), Alias: "id"},
			{Expr: parser.Col(schema.CreationAlias, "created_at"), Alias: "created_at"},
			{Expr: parser.Col(schema.AsOfAlias, "recorded_at"), Alias: "updated_at"},
			{Expr: parser.Col(schema.AsOfAlias, "version"), Alias: "version"},
		}
	}

	if len(cols) == 1 {
		if col, ok := cols[0].Expr.(*parser.ColumnRef); ok && col.Column == "id" && s.owns(col.Table) {
			return []parser.Projection{{Expr: parser.Col(schema.AsOfAlias, "entity_id"), Alias: "id"}}
		}
	}

	out := make([]parser.Projection, len(cols))
	for i, c := range cols {
		alias := c.Alias
		switch c.Expr.(type) {
		case *parser.ColumnRef, *parser.PayloadRef:
			// Keep result column names stable across the rewrite.
			alias = c.Name()
		}
		out[i] = parser.Projection{Expr: s.operand(c.Expr), Alias: alias}
	}
	return out
}

func orders(in []parser.Order, s *substitution) []parser.Order {
	if in == nil {
		return nil
	}
	out := make([]parser.Order, len(in))
	for i, o := range in {
		out[i] = parser.Order{Expr: s.operand(o.Expr), Desc: o.Desc}
	}
	return out
}
