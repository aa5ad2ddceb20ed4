package filter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/query/executor"
	"github.com/tempora/tempora/internal/query/planner"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/internal/store"
	"github.com/tempora/tempora/pkg/types"
)

func TestFilter_Predicates(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		want string
	}{
		{"equals", Condition{"status", OpEquals, []interface{}{"open"}}, "work_packages.status = 'open'"},
		{"equals many", Condition{"status", OpEquals, []interface{}{"open", "new"}}, "work_packages.status IN ('open', 'new')"},
		{"not equals", Condition{"status", OpNotEquals, []interface{}{"closed"}}, "(work_packages.status = NULL OR work_packages.status <> 'closed')"},
		{"contains", Condition{"subject", OpContains, []interface{}{"original"}}, "work_packages.subject LIKE '%original%'"},
		{"not contains", Condition{"subject", OpNotContains, []interface{}{"x"}}, "(work_packages.subject = NULL OR work_packages.subject NOT LIKE '%x%')"},
		{"at most", Condition{"priority", OpAtMost, []interface{}{3}}, "work_packages.priority <= 3"},
		{"at least", Condition{"priority", OpAtLeast, []interface{}{3}}, "work_packages.priority >= 3"},
		{"contains wildcards", Condition{"subject", OpContains, []interface{}{`50%_\`}}, `work_packages.subject LIKE '%50\%\_\\%'`},
		{"any", Condition{"assignee", OpAny, nil}, "work_packages.assignee <> NULL"},
		{"none", Condition{"assignee", OpNone, nil}, "work_packages.assignee = NULL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &Filter{Name: tt.name, Kind: "work_package", Conditions: []Condition{tt.cond}}
			preds, err := f.Predicates("work_packages")
			if err != nil {
				t.Fatalf("Predicates failed: %v", err)
			}
			if len(preds) != 1 || preds[0].String() != tt.want {
				t.Errorf("expected %s, got %v", tt.want, preds)
			}
		})
	}
}

func TestFilter_InvalidConditions(t *testing.T) {
	tests := []Condition{
		{"status", "??", []interface{}{"x"}},
		{"status", OpEquals, nil},
		{"subject", OpContains, []interface{}{"a", "b"}},
		{"", OpEquals, []interface{}{"x"}},
	}
	for _, c := range tests {
		f := &Filter{Kind: "work_package", Conditions: []Condition{c}}
		if _, err := f.Predicates("work_packages"); !errors.HasCode(err, errors.CodeInvalidInput) {
			t.Errorf("%+v: expected invalid input, got %v", c, err)
		}
	}
}

func TestFilter_ParseAndWhere(t *testing.T) {
	f, err := Parse("open bugs", "work_package", "type = 'bug' AND priority > 2")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	g := f.Where("status", OpEquals, "open")

	if len(f.Conditions) != 0 {
		t.Errorf("Where modified the receiver")
	}
	preds, err := g.Predicates("work_packages")
	if err != nil {
		t.Fatalf("Predicates failed: %v", err)
	}
	if len(preds) != 3 {
		t.Fatalf("expected 3 predicates, got %d", len(preds))
	}
	if preds[1].String() != "work_packages.type = 'bug'" {
		t.Errorf("expected expression qualified with table, got %s", preds[1])
	}

	if _, err := Parse("broken", "work_package", "status = "); err == nil {
		t.Error("expected parse error")
	}
}

type fixture struct {
	store   *store.SQLiteStore
	matcher *Matcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := schema.DefaultCatalog()
	s, err := store.Open(filepath.Join(t.TempDir(), "tempora.db"), catalog, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	config := executor.DefaultExecutorConfig()
	config.Clock = func() time.Time { return time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC) }
	exec := executor.NewSQLiteExecutor(s.DB(), executor.NewCompiler(catalog, nil), nil, config)
	t.Cleanup(func() { exec.Close() })

	return &fixture{store: s, matcher: NewMatcher(catalog, planner.NewRewriter(catalog), exec)}
}

func (f *fixture) record(t *testing.T, kind, id string, at time.Time, attrs types.Attributes) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.GetEntity(ctx, kind, id); err != nil {
		e := &types.Entity{ID: id, Kind: kind, CreatedAt: at, Attributes: attrs}
		if err := f.store.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity failed: %v", err)
		}
	}
	if err := f.store.Append(ctx, kind, &types.JournalEntry{EntityID: id, RecordedAt: at, Payload: attrs}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func TestMatcher_MatchingIDs(t *testing.T) {
	fx := newFixture(t)
	jan := func(d int) time.Time { return time.Date(2022, 1, d, 0, 0, 0, 0, time.UTC) }

	fx.record(t, "work_package", "wp-1", jan(1), types.Attributes{"subject": types.String("The original work package")})
	fx.record(t, "work_package", "wp-1", jan(2), types.Attributes{"subject": types.String("The current work package")})
	fx.record(t, "work_package", "wp-2", jan(1), types.Attributes{"subject": types.String("Another original")})
	fx.record(t, "work_package", "wp-3", jan(2), types.Attributes{"subject": types.String("original but late")})

	f := New("original", "work_package", "subject", OpContains, "original")
	ids := []string{"wp-1", "wp-2", "wp-3"}
	ctx := context.Background()

	matched, err := fx.matcher.MatchingIDs(ctx, f, ids, types.At(jan(1)))
	if err != nil {
		t.Fatalf("MatchingIDs failed: %v", err)
	}
	if len(matched) != 2 || !matched["wp-1"] || !matched["wp-2"] {
		t.Errorf("expected wp-1 and wp-2 at Jan 1, got %v", matched)
	}

	matched, err = fx.matcher.MatchingIDs(ctx, f, ids, types.Now())
	if err != nil {
		t.Fatalf("MatchingIDs failed: %v", err)
	}
	if len(matched) != 2 || !matched["wp-2"] || !matched["wp-3"] {
		t.Errorf("expected wp-2 and wp-3 now, got %v", matched)
	}

	matched, err = fx.matcher.MatchingIDs(ctx, f, []string{"wp-1"}, types.At(jan(1)))
	if err != nil {
		t.Fatalf("MatchingIDs failed: %v", err)
	}
	if !matched["wp-1"] {
		t.Errorf("expected single id match, got %v", matched)
	}
}

func TestMatcher_Errors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.matcher.MatchingIDs(ctx, New("p", "project", "name", OpEquals, "x"), []string{"p-1"}, types.Now())
	if !errors.HasCode(err, errors.CodeNotImplemented) {
		t.Errorf("non-filterable kind: expected not implemented, got %v", err)
	}

	_, err = fx.matcher.MatchingIDs(ctx, New("u", "user", "name", OpEquals, "x"), []string{"u-1"}, types.Now())
	if !errors.HasCode(err, errors.CodeUnknownRelation) {
		t.Errorf("unknown kind: expected unknown relation, got %v", err)
	}

	matched, err := fx.matcher.MatchingIDs(ctx, New("w", "work_package", "subject", OpEquals, "x"), nil, types.Now())
	if err != nil || len(matched) != 0 {
		t.Errorf("empty id set: expected empty result, got %v, %v", matched, err)
	}
}

func TestMatcher_TimeValues(t *testing.T) {
	fx := newFixture(t)
	jan := func(d int) time.Time { return time.Date(2022, 1, d, 0, 0, 0, 0, time.UTC) }

	fx.record(t, "work_package", "wp-1", jan(1), types.Attributes{"due_date": types.Time(jan(5))})
	fx.record(t, "work_package", "wp-2", jan(2), types.Attributes{"due_date": types.Time(jan(6))})

	ids := []string{"wp-1", "wp-2"}
	ctx := context.Background()
	expr := func(e string) *Filter {
		f, err := Parse(e, "work_package", e)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", e, err)
		}
		return f
	}

	tests := []struct {
		name string
		f    *Filter
		want []string
	}{
		{"payload equals time", New("due", "work_package", "due_date", OpEquals, jan(5)), []string{"wp-1"}},
		{"payload equals string", New("due", "work_package", "due_date", OpEquals, "2022-01-05T00:00:00Z"), []string{"wp-1"}},
		{"payload equals offset", New("due", "work_package", "due_date", OpEquals, "2022-01-05T01:00:00+01:00"), []string{"wp-1"}},
		{"payload at most", New("due", "work_package", "due_date", OpAtMost, "2022-01-05T00:00:00Z"), []string{"wp-1"}},
		{"payload at least", New("due", "work_package", "due_date", OpAtLeast, "2022-01-05T00:00:00Z"), []string{"wp-1", "wp-2"}},
		{"payload expression", expr("due_date = '2022-01-05T00:00:00Z'"), []string{"wp-1"}},
		{"updated_at equals", New("upd", "work_package", "updated_at", OpEquals, "2022-01-01T00:00:00Z"), []string{"wp-1"}},
		{"updated_at at most", New("upd", "work_package", "updated_at", OpAtMost, "2022-01-01T00:00:00Z"), []string{"wp-1"}},
		{"updated_at at least", expr("updated_at >= '2022-01-01T00:00:00Z'"), []string{"wp-1", "wp-2"}},
		{"created_at at least", expr("created_at >= '2022-01-02T00:00:00Z'"), []string{"wp-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := fx.matcher.MatchingIDs(ctx, tt.f, ids, types.Now())
			if err != nil {
				t.Fatalf("MatchingIDs failed: %v", err)
			}
			if len(matched) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, matched)
			}
			for _, id := range tt.want {
				if !matched[id] {
					t.Errorf("expected %s to match, got %v", id, matched)
				}
			}
		})
	}
}

func TestMatcher_ContainsLiteralWildcards(t *testing.T) {
	fx := newFixture(t)
	at := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	fx.record(t, "work_package", "wp-1", at, types.Attributes{"subject": types.String("500 apples")})
	fx.record(t, "work_package", "wp-2", at, types.Attributes{"subject": types.String("50% off")})
	fx.record(t, "work_package", "wp-3", at, types.Attributes{"subject": types.String("axb")})
	fx.record(t, "work_package", "wp-4", at, types.Attributes{"subject": types.String(`a_b and c\d`)})

	ids := []string{"wp-1", "wp-2", "wp-3", "wp-4"}
	ctx := context.Background()
	tests := []struct {
		value string
		op    string
		want  []string
	}{
		{"50%", OpContains, []string{"wp-2"}},
		{"a_b", OpContains, []string{"wp-4"}},
		{`c\d`, OpContains, []string{"wp-4"}},
		{"50%", OpNotContains, []string{"wp-1", "wp-3", "wp-4"}},
	}
	for _, tt := range tests {
		matched, err := fx.matcher.MatchingIDs(ctx, New("s", "work_package", "subject", tt.op, tt.value), ids, types.Now())
		if err != nil {
			t.Fatalf("MatchingIDs failed: %v", err)
		}
		if len(matched) != len(tt.want) {
			t.Errorf("subject %s %q: expected %v, got %v", tt.op, tt.value, tt.want, matched)
			continue
		}
		for _, id := range tt.want {
			if !matched[id] {
				t.Errorf("subject %s %q: expected %s to match, got %v", tt.op, tt.value, id, matched)
			}
		}
	}
}
