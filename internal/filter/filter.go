// Package filter defines named entity filters and evaluates them against
// entity snapshots as of a timestamp.
package filter

import (
	"fmt"
	"strings"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/query/parser"
)

// Operators accepted in conditions.
const (
	OpEquals      = "="
	OpNotEquals   = "!"
	OpContains    = "~"
	OpNotContains = "!~"
	OpAtMost      = "<="
	OpAtLeast     = ">="
	OpAny         = "*"
	OpNone        = "!*"
)

// Condition is one field/operator/values triple, e.g. subject ~ "original".
type Condition struct {
	Field    string        `json:"field" yaml:"field"`
	Operator string        `json:"operator" yaml:"operator"`
	Values   []interface{} `json:"values,omitempty" yaml:"values,omitempty"`
}

// Filter is a named predicate over entities of one kind. Conditions and the
// optional SQL expression are combined with AND.
type Filter struct {
	Name       string      `json:"name" yaml:"name"`
	Kind       string      `json:"kind" yaml:"kind"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expr       string      `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// New returns a filter with a single condition.
func New(name, kind, field, operator string, values ...interface{}) *Filter {
	return &Filter{
		Name:       name,
		Kind:       kind,
		Conditions: []Condition{{Field: field, Operator: operator, Values: values}},
	}
}

// Parse returns a filter defined by a WHERE-clause expression.
func Parse(name, kind, expr string) (*Filter, error) {
	// Validate eagerly; the table is supplied again when predicates are built.
	if _, err := parser.ParsePredicate("t", expr); err != nil {
		return nil, err
	}
	return &Filter{Name: name, Kind: kind, Expr: expr}, nil
}

// Where returns a copy with an extra condition.
func (f *Filter) Where(field, operator string, values ...interface{}) *Filter {
	cp := *f
	cp.Conditions = append(append([]Condition(nil), f.Conditions...),
		Condition{Field: field, Operator: operator, Values: values})
	return &cp
}

// Predicates builds the filter's predicates over columns of table.
func (f *Filter) Predicates(table string) ([]parser.Predicate, error) {
	var preds []parser.Predicate
	for _, c := range f.Conditions {
		p, err := c.predicate(table)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if f.Expr != "" {
		parsed, err := parser.ParsePredicate(table, f.Expr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, parsed...)
	}
	return preds, nil
}

// likeEscaper quotes LIKE wildcards; patterns are compiled with ESCAPE '\'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (c Condition) predicate(table string) (parser.Predicate, error) {
	if c.Field == "" {
		return nil, errors.NewInvalidInput("filter condition needs a field")
	}
	col := parser.Col(table, c.Field)

	switch c.Operator {
	case OpAny:
		return parser.Ne(col, parser.Lit(nil)), nil
	case OpNone:
		return parser.Eq(col, parser.Lit(nil)), nil
	}

	if len(c.Values) == 0 {
		return nil, errors.NewInvalidInput("filter %s %s needs a value", c.Field, c.Operator)
	}

	switch c.Operator {
	case OpEquals:
		if len(c.Values) == 1 {
			return parser.Eq(col, parser.Lit(c.Values[0])), nil
		}
		return parser.In(col, parser.Lits(c.Values...)...), nil

	case OpNotEquals:
		// Entities without the attribute do not equal any value.
		var differs parser.Predicate = &parser.Membership{Left: col, Values: parser.Lits(c.Values...), Negated: true}
		if len(c.Values) == 1 {
			differs = parser.Ne(col, parser.Lit(c.Values[0]))
		}
		return parser.AnyOf(parser.Eq(col, parser.Lit(nil)), differs), nil

	case OpContains, OpNotContains:
		if len(c.Values) != 1 {
			return nil, errors.NewInvalidInput("filter %s %s takes one value, got %d", c.Field, c.Operator, len(c.Values))
		}
		pattern := parser.Lit("%" + likeEscaper.Replace(fmt.Sprint(c.Values[0])) + "%")
		if c.Operator == OpContains {
			return parser.Cmp(col, parser.OpLike, pattern), nil
		}
		return parser.AnyOf(parser.Eq(col, parser.Lit(nil)), parser.Cmp(col, parser.OpNotLike, pattern)), nil

	case OpAtMost, OpAtLeast:
		if len(c.Values) != 1 {
			return nil, errors.NewInvalidInput("filter %s %s takes one value, got %d", c.Field, c.Operator, len(c.Values))
		}
		op := parser.OpLte
		if c.Operator == OpAtLeast {
			op = parser.OpGte
		}
		return parser.Cmp(col, op, parser.Lit(c.Values[0])), nil

	default:
		return nil, errors.NewInvalidInput("unknown filter operator %q", c.Operator)
	}
}
