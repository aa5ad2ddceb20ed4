package filter

import (
	"context"
	"fmt"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/query/executor"
	"github.com/tempora/tempora/internal/query/parser"
	"github.com/tempora/tempora/internal/query/planner"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/pkg/types"
)

// Matcher evaluates filters against entity snapshots.
type Matcher struct {
	catalog  *schema.Catalog
	rewriter *planner.Rewriter
	exec     executor.Executor
}

// NewMatcher creates a matcher.
func NewMatcher(catalog *schema.Catalog, rewriter *planner.Rewriter, exec executor.Executor) *Matcher {
	return &Matcher{catalog: catalog, rewriter: rewriter, exec: exec}
}

// Query returns the live query selecting the ids among ids that match f.
func (m *Matcher) Query(f *Filter, ids []string) (*parser.Query, error) {
	if f == nil {
		return nil, errors.NewInvalidInput("filter is nil")
	}
	rel, ok := m.catalog.ByKind(f.Kind)
	if !ok {
		return nil, errors.NewValidationError(errors.CodeUnknownRelation,
			fmt.Sprintf("unknown entity kind %q", f.Kind))
	}
	if !rel.Filterable {
		return nil, errors.NewNotImplemented(fmt.Sprintf("filtering %s entities as of a timestamp is not supported", f.Kind))
	}

	preds, err := f.Predicates(rel.Table)
	if err != nil {
		return nil, err
	}

	id := parser.Col(rel.Table, "id")
	var scope parser.Predicate
	if len(ids) == 1 {
		scope = parser.Eq(id, parser.Lit(ids[0]))
	} else {
		values := make([]interface{}, len(ids))
		for i, v := range ids {
			values[i] = v
		}
		scope = parser.In(id, parser.Lits(values...)...)
	}

	q := parser.NewQuery(rel.Table).
		WithColumns(parser.Projection{Expr: id}).
		WithWhere(append(preds, scope)...)
	return q, nil
}

// MatchingIDs returns the ids among ids whose snapshot at ts matches f, in
// one query. Entities without a snapshot at ts never match.
func (m *Matcher) MatchingIDs(ctx context.Context, f *Filter, ids []string, ts types.Timestamp) (map[string]bool, error) {
	q, err := m.Query(f, ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	historic, err := m.rewriter.AsOf(q, ts)
	if err != nil {
		return nil, err
	}
	result, err := m.exec.Query(ctx, historic)
	if err != nil {
		return nil, err
	}
	matched, err := result.IDs()
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(matched))
	for _, id := range matched {
		out[id] = true
	}
	return out, nil
}
