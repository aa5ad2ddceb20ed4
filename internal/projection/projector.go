// Package projection decorates live entities with their journal snapshots and
// filter matches at a list of timestamps. Work is batched per timestamp: one
// snapshot query, plus one match query when a filter is given, regardless of
// the number of entities.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/filter"
	"github.com/tempora/tempora/internal/query/executor"
	"github.com/tempora/tempora/internal/query/parser"
	"github.com/tempora/tempora/internal/query/planner"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/pkg/types"
)

// Options controls a projection.
type Options struct {
	// Filter, when set, is evaluated at every timestamp.
	Filter *filter.Filter

	// DiffMode keeps in each snapshot only the attributes whose value differs
	// from the current one.
	DiffMode bool
}

// Projector builds decorated entities.
type Projector struct {
	catalog  *schema.Catalog
	rewriter *planner.Rewriter
	exec     executor.Executor
	matcher  *filter.Matcher
	clock    func() time.Time
}

// NewProjector creates a projector.
func NewProjector(catalog *schema.Catalog, rewriter *planner.Rewriter, exec executor.Executor) *Projector {
	return &Projector{
		catalog:  catalog,
		rewriter: rewriter,
		exec:     exec,
		matcher:  filter.NewMatcher(catalog, rewriter, exec),
		clock:    time.Now,
	}
}

// SetClock sets the clock that decides whether the current timestamp lies in
// the past.
func (p *Projector) SetClock(clock func() time.Time) {
	p.clock = clock
}

// Wrap decorates a single entity.
func (p *Projector) Wrap(ctx context.Context, entity *types.Entity, timestamps []types.Timestamp, opts Options) (*Decorated, error) {
	out, err := p.WrapMany(ctx, []*types.Entity{entity}, timestamps, opts)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// WrapMany decorates entities of one kind. The result is in input order.
// Entities are not modified; decorated copies are returned.
func (p *Projector) WrapMany(ctx context.Context, entities []*types.Entity, timestamps []types.Timestamp, opts Options) ([]*Decorated, error) {
	if len(timestamps) == 0 {
		return nil, errors.NewInvalidInput("projection needs at least one timestamp")
	}
	for _, ts := range timestamps {
		if ts.IsZero() {
			return nil, errors.NewValidationError(errors.CodeInvalidTimestamp, "projection timestamps must not be empty")
		}
	}
	if len(entities) == 0 {
		return []*Decorated{}, nil
	}

	rel, ids, err := p.relation(entities)
	if err != nil {
		return nil, err
	}
	if opts.Filter != nil {
		if opts.Filter.Kind == "" {
			f := *opts.Filter
			f.Kind = rel.Kind
			opts.Filter = &f
		}
		if opts.Filter.Kind != rel.Kind {
			return nil, errors.NewInvalidInput("filter %q applies to %s, not %s", opts.Filter.Name, opts.Filter.Kind, rel.Kind)
		}
		// Reject unsupported kinds before running any snapshot query.
		if _, err := p.matcher.Query(opts.Filter, ids); err != nil {
			return nil, err
		}
	}

	distinct := distinctTimestamps(timestamps)

	// key → entity id → snapshot
	snapshots := make(map[string]map[string]*types.Snapshot, len(distinct))
	matches := make(map[string]map[string]bool, len(distinct))
	for _, ts := range distinct {
		byID, err := p.snapshots(ctx, rel, ids, ts)
		if err != nil {
			return nil, err
		}
		snapshots[ts.Key()] = byID

		if opts.Filter != nil {
			matched, err := p.matcher.MatchingIDs(ctx, opts.Filter, ids, ts)
			if err != nil {
				return nil, err
			}
			matches[ts.Key()] = matched
		}
	}

	current := timestamps[len(timestamps)-1]
	historic := current.IsHistoricAt(p.clock())
	out := make([]*Decorated, len(entities))
	for i, e := range entities {
		out[i] = decorate(e, timestamps, current, historic, snapshots, matches, opts)
	}
	return out, nil
}

// relation resolves the entities' relation and collects their distinct ids.
func (p *Projector) relation(entities []*types.Entity) (schema.Relation, []string, error) {
	var kind string
	ids := make([]string, 0, len(entities))
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e == nil {
			return schema.Relation{}, nil, errors.NewInvalidInput("cannot project a nil entity")
		}
		if e.ID == "" {
			return schema.Relation{}, nil, errors.NewInvalidInput("cannot project an entity without id")
		}
		if kind == "" {
			kind = e.Kind
		} else if e.Kind != kind {
			return schema.Relation{}, nil, errors.NewInvalidInput("cannot project %s and %s entities together", kind, e.Kind)
		}
		if !seen[e.ID] {
			seen[e.ID] = true
			ids = append(ids, e.ID)
		}
	}

	rel, ok := p.catalog.ByKind(kind)
	if !ok {
		return schema.Relation{}, nil, errors.NewValidationError(errors.CodeUnknownRelation,
			fmt.Sprintf("unknown entity kind %q", kind))
	}
	return rel, ids, nil
}

// snapshots runs one as-of query for every id at ts.
func (p *Projector) snapshots(ctx context.Context, rel schema.Relation, ids []string, ts types.Timestamp) (map[string]*types.Snapshot, error) {
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

	q, err := p.rewriter.AsOf(parser.NewQuery(rel.Table).WithWhere(scope), ts)
	if err != nil {
		return nil, err
	}
	result, err := p.exec.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	snaps, err := result.Snapshots()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*types.Snapshot, len(snaps))
	for i := range snaps {
		s := snaps[i]
		s.Timestamp = ts.Key()
		out[s.EntityID] = &s
	}
	return out, nil
}

func decorate(e *types.Entity, timestamps []types.Timestamp, current types.Timestamp, historic bool,
	snapshots map[string]map[string]*types.Snapshot, matches map[string]map[string]bool, opts Options) *Decorated {

	live := *e
	live.Attributes = e.Attributes.Clone()
	if live.Attributes == nil {
		live.Attributes = types.Attributes{}
	}

	d := &Decorated{
		entity:          &live,
		timestamps:      append([]types.Timestamp(nil), timestamps...),
		attributes:      make(map[string]types.Attributes),
		snapshots:       make(map[string]*types.Snapshot),
		filtered:        opts.Filter != nil,
		matches:         make(map[string]bool),
		historic:        historic,
		existsAtCurrent: true,
	}

	// The default view follows the latest requested timestamp.
	if d.historic {
		if snap, ok := snapshots[current.Key()][e.ID]; ok {
			live.Attributes = snap.Attributes.Clone()
			live.UpdatedAt = snap.UpdatedAt
		} else {
			live.Attributes = types.Attributes{}
			d.existsAtCurrent = false
		}
	}

	for key, byID := range snapshots {
		snap, ok := byID[e.ID]
		if !ok {
			continue
		}
		d.snapshots[key] = snap
		if opts.DiffMode {
			d.attributes[key] = snap.Attributes.Without(live.Attributes)
		} else {
			d.attributes[key] = snap.Attributes.Clone()
		}
	}

	for key, matched := range matches {
		if matched[e.ID] {
			d.matches[key] = true
		}
	}
	return d
}

// distinctTimestamps drops repeated canonical keys, keeping first occurrences.
func distinctTimestamps(timestamps []types.Timestamp) []types.Timestamp {
	seen := make(map[string]bool, len(timestamps))
	out := make([]types.Timestamp, 0, len(timestamps))
	for _, ts := range timestamps {
		if seen[ts.Key()] {
			continue
		}
		seen[ts.Key()] = true
		out = append(out, ts)
	}
	return out
}
