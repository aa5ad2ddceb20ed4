package executor

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/observability"
	"github.com/tempora/tempora/internal/query/parser"
	"github.com/tempora/tempora/internal/query/planner"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/pkg/types"
)

var fixedNow = time.Date(2022, 1, 2, 0, 0, 0, 0, time.UTC)

func asOf(t *testing.T, q *parser.Query, ts string) *parser.Query {
	t.Helper()
	out, err := planner.NewRewriter(schema.DefaultCatalog()).AsOf(q, types.MustParseTimestamp(ts))
	if err != nil {
		t.Fatalf("AsOf failed: %v", err)
	}
	return out
}

func TestCompile_AsOfQuery(t *testing.T) {
	q := parser.NewQuery("work_packages").WithWhere(parser.Eq(parser.Col("work_packages", "id"), parser.Lit("wp-1")))

	stmt, err := NewCompiler(schema.DefaultCatalog(), nil).Compile(asOf(t, q, "2022-01-01T00:00:00Z"), fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	for _, fragment := range []string{
		`SELECT ? AS "timestamp", work_package_journals.payload AS "payload", journals.entity_id AS "id"`,
		"FROM work_package_journals INNER JOIN (SELECT id, entity_id, version, recorded_at FROM (",
		"ROW_NUMBER() OVER (PARTITION BY entity_id ORDER BY version DESC) AS rn FROM work_package_journals WHERE recorded_at <= ?) WHERE rn = 1) AS journals ON journals.id = work_package_journals.id",
		"INNER JOIN (SELECT id, created_at FROM work_packages) AS journables ON journables.id = journals.entity_id",
		"WHERE journals.entity_id = ?",
	} {
		if !strings.Contains(stmt.SQL, fragment) {
			t.Errorf("expected SQL to contain %q\ngot: %s", fragment, stmt.SQL)
		}
	}

	want := []interface{}{"2022-01-01T00:00:00Z", "2022-01-01T00:00:00.000000Z", "wp-1"}
	if !reflect.DeepEqual(stmt.Args, want) {
		t.Errorf("expected args %v, got %v", want, stmt.Args)
	}
}

func TestCompile_RelativeTimestampResolvesAtExecution(t *testing.T) {
	q := asOf(t, parser.NewQuery("work_packages"), "P-1D")
	c := NewCompiler(schema.DefaultCatalog(), nil)

	first, err := c.Compile(q, fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	second, err := c.Compile(q, fixedNow.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if first.SQL != second.SQL {
		t.Errorf("expected identical SQL for both evaluations")
	}
	if first.Args[0] != "P-1D" {
		t.Errorf("expected symbolic key in select list, got %v", first.Args[0])
	}
	if first.Args[1] != "2022-01-01T00:00:00.000000Z" {
		t.Errorf("expected instant one day before now, got %v", first.Args[1])
	}
	if second.Args[1] != "2022-01-03T00:00:00.000000Z" {
		t.Errorf("expected instant one day before later now, got %v", second.Args[1])
	}
}

func TestCompile_DocumentFields(t *testing.T) {
	live := parser.NewQuery("work_packages").WithWhere(parser.Cmp(parser.Col("work_packages", "subject"), parser.OpLike, parser.Lit("%original%")))
	c := NewCompiler(schema.DefaultCatalog(), nil)

	stmt, err := c.Compile(live, fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !strings.Contains(stmt.SQL, "json_extract(work_packages.attributes, '$.subject') LIKE ? ESCAPE '\\'") {
		t.Errorf("expected entity document field, got %s", stmt.SQL)
	}

	stmt, err = c.Compile(asOf(t, live, "2022-01-01T00:00:00Z"), fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !strings.Contains(stmt.SQL, "json_extract(work_package_journals.payload, '$.subject') LIKE ?") {
		t.Errorf("expected journal payload field, got %s", stmt.SQL)
	}
}

func TestCompile_InstantLiterals(t *testing.T) {
	q, err := parser.Parse("SELECT id FROM work_packages WHERE updated_at >= '2022-01-01T00:00:00Z' AND due_date IN ('2022-01-05T00:00:00+01:00', '2022-01-05') AND subject LIKE '2022-01-01T00:00:00Z'")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	stmt, err := NewCompiler(schema.DefaultCatalog(), nil).Compile(asOf(t, q, "2022-01-01T00:00:00Z"), fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !strings.Contains(stmt.SQL, "journals.recorded_at >= ?") {
		t.Errorf("expected updated_at on the journal, got %s", stmt.SQL)
	}

	// Instants compared with columns use the storage layout; dates, patterns
	// and the select list key are bound unchanged.
	want := []interface{}{
		"2022-01-01T00:00:00Z",
		"2022-01-01T00:00:00.000000Z",
		"2022-01-01T00:00:00.000000Z",
		"2022-01-04T23:00:00.000000Z",
		"2022-01-05",
		"2022-01-01T00:00:00Z",
	}
	if !reflect.DeepEqual(stmt.Args, want) {
		t.Errorf("expected args %v, got %v", want, stmt.Args)
	}
}

func TestCompile_AliasedDocumentField(t *testing.T) {
	q, err := parser.Parse("SELECT p.name FROM work_packages INNER JOIN projects AS p ON p.id = work_packages.project_id")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	stmt, err := NewCompiler(schema.DefaultCatalog(), nil).Compile(q, fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !strings.Contains(stmt.SQL, "json_extract(p.attributes, '$.name')") {
		t.Errorf("expected aliased document field, got %s", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, "ON p.id = json_extract(work_packages.attributes, '$.project_id')") {
		t.Errorf("expected physical id kept, got %s", stmt.SQL)
	}
}

func TestCompile_NullAndEmptySets(t *testing.T) {
	c := NewCompiler(schema.DefaultCatalog(), nil)
	q := parser.NewQuery("work_packages").WithWhere(
		parser.Eq(parser.Col("work_packages", "assignee"), parser.Lit(nil)),
		parser.Ne(parser.Col("work_packages", "status"), parser.Lit(nil)),
		parser.In(parser.Col("work_packages", "id")),
		&parser.Membership{Left: parser.Col("work_packages", "id"), Negated: true},
	)

	stmt, err := c.Compile(q, fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	want := "WHERE json_extract(work_packages.attributes, '$.assignee') IS NULL AND " +
		"json_extract(work_packages.attributes, '$.status') IS NOT NULL AND 1 = 0 AND 1 = 1"
	if !strings.HasSuffix(stmt.SQL, want) {
		t.Errorf("expected SQL ending in %q\ngot: %s", want, stmt.SQL)
	}
	if len(stmt.Args) != 0 {
		t.Errorf("expected no args, got %v", stmt.Args)
	}
}

func TestCompile_LiteralConversion(t *testing.T) {
	when := time.Date(2021, 12, 31, 8, 30, 0, 0, time.FixedZone("X", 3600))
	q := parser.NewQuery("work_packages").WithWhere(
		parser.Cmp(parser.Col("work_packages", "created_at"), parser.OpGte, parser.Lit(when)),
		parser.Eq(parser.Col("work_packages", "done"), parser.Lit(types.Bool(true))),
		parser.Eq(parser.Col("work_packages", "priority"), parser.Lit(3)),
	)

	stmt, err := NewCompiler(schema.DefaultCatalog(), nil).Compile(q, fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	want := []interface{}{"2021-12-31T07:30:00.000000Z", true, int64(3)}
	if !reflect.DeepEqual(stmt.Args, want) {
		t.Errorf("expected args %v, got %v", want, stmt.Args)
	}
	if !strings.Contains(stmt.SQL, "work_packages.created_at >= ?") {
		t.Errorf("expected physical created_at column, got %s", stmt.SQL)
	}
}

func TestCompile_RejectsInvalidIdentifiers(t *testing.T) {
	c := NewCompiler(schema.DefaultCatalog(), nil)

	tests := []*parser.Query{
		parser.NewQuery("work_packages; DROP TABLE x"),
		parser.NewQuery("work_packages").WithWhere(parser.Eq(parser.Col("work_packages", "a b"), parser.Lit(1))),
		nil,
	}
	for i, q := range tests {
		if _, err := c.Compile(q, fixedNow); !errors.HasCode(err, errors.CodeInvalidInput) {
			t.Errorf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestCompile_RawFragmentArgsInOrder(t *testing.T) {
	q := parser.NewQuery("work_packages").WithWhere(
		parser.Eq(parser.Col("work_packages", "id"), parser.Lit("a")),
		parser.Raw("work_packages.updated_at > ?", time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)),
		parser.Eq(parser.Col("work_packages", "id"), parser.Lit("b")),
	)

	stmt, err := NewCompiler(schema.DefaultCatalog(), nil).Compile(q, fixedNow)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	want := []interface{}{"a", "2022-01-01T00:00:00.000000Z", "b"}
	if !reflect.DeepEqual(stmt.Args, want) {
		t.Errorf("expected args %v, got %v", want, stmt.Args)
	}
}

func TestCompile_RecordsFieldStats(t *testing.T) {
	stats := observability.NewQueryStats(time.Hour)
	c := NewCompiler(schema.DefaultCatalog(), stats)

	q := parser.NewQuery("work_packages").WithWhere(
		parser.Cmp(parser.Col("work_packages", "subject"), parser.OpLike, parser.Lit("%x%")),
		parser.Eq(parser.Col("work_packages", "id"), parser.Lit("a")),
	)
	if _, err := c.Compile(asOf(t, q, "PT0S"), fixedNow); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	fields := stats.GetTopPayloadFields(10)
	if len(fields) != 1 || fields[0].Column != "subject" {
		t.Errorf("expected subject recorded as payload field, got %+v", fields)
	}
	preds := stats.GetTopPredicates(10)
	if len(preds) != 1 || preds[0].Column != "journals.entity_id" {
		t.Errorf("expected journals.entity_id recorded as predicate, got %+v", preds)
	}
}
