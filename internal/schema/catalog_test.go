package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/tempora/tempora/internal/observability"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	wp, ok := c.ByKind("work_package")
	if !ok {
		t.Fatal("work_package should be registered")
	}
	if wp.Table != "work_packages" || wp.JournalTable != "work_package_journals" || !wp.Filterable {
		t.Errorf("unexpected relation %+v", wp)
	}

	project, ok := c.ByTable("projects")
	if !ok {
		t.Fatal("projects table should be registered")
	}
	if project.Filterable {
		t.Error("projects should not be filterable")
	}

	if _, ok := c.ByJournalTable("project_journals"); !ok {
		t.Error("project_journals should resolve to the project relation")
	}
	if _, ok := c.ByTable("work_package_journals"); ok {
		t.Error("journal tables must not resolve as entity tables")
	}
}

func TestRegisterRejectsDuplicatesAndBadNames(t *testing.T) {
	c := DefaultCatalog()
	if err := c.Register(NewRelation("work_package", true)); err == nil {
		t.Error("expected duplicate kind to be rejected")
	}
	if err := c.Register(NewRelation("bad-kind", false)); err == nil {
		t.Error("expected invalid identifier to be rejected")
	}
	if err := c.Register(Relation{Kind: "x", Table: "xs", JournalTable: "xs"}); err == nil {
		t.Error("expected shared entity/journal table to be rejected")
	}
}

func TestDocumentColumn(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		table, column string
		doc           string
		physical, ok  bool
	}{
		{"work_packages", "id", "attributes", true, true},
		{"work_packages", "subject", "attributes", false, true},
		{"work_package_journals", "recorded_at", "payload", true, true},
		{"work_package_journals", "subject", "payload", false, true},
		{"journals", "entity_id", "", false, false},
	}

	for _, tt := range tests {
		doc, physical, ok := c.DocumentColumn(tt.table, tt.column)
		if doc != tt.doc || physical != tt.physical || ok != tt.ok {
			t.Errorf("DocumentColumn(%s, %s) = (%q, %v, %v), want (%q, %v, %v)",
				tt.table, tt.column, doc, physical, ok, tt.doc, tt.physical, tt.ok)
		}
	}
}

func TestRelationDDL(t *testing.T) {
	ddl := NewRelation("work_package", true).DDL()
	if len(ddl) != 4 {
		t.Fatalf("expected 4 statements, got %d", len(ddl))
	}
	if !strings.Contains(ddl[1], "UNIQUE (entity_id, version)") {
		t.Errorf("journal table must enforce unique versions: %s", ddl[1])
	}
	if !strings.Contains(ddl[2], "work_package_journals(entity_id, recorded_at)") {
		t.Errorf("expected as-of lookup index, got %s", ddl[2])
	}
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"subject", "_x", "work_package_journals", "a1"}
	invalid := []string{"", "1a", "a-b", "a b", "a.b", "x'); DROP TABLE y; --"}

	for _, name := range valid {
		if !ValidateIdentifier(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	for _, name := range invalid {
		if ValidateIdentifier(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}

func TestIndexAdvisorThreshold(t *testing.T) {
	stats := observability.NewQueryStats(time.Hour)
	for i := 0; i < 3; i++ {
		stats.RecordPayloadField("subject", "LIKE")
	}
	stats.RecordPayloadField("status", "=")
	stats.RecordPayloadField("bad field", "=")
	for i := 0; i < 3; i++ {
		stats.RecordPayloadField("bad field", "=")
	}

	advisor := NewIndexAdvisor(DefaultCatalog(), stats, 3, 4)
	indexes := advisor.Advise()

	// subject crosses the threshold for both journal tables; "bad field" is
	// frequent but not a valid identifier.
	if len(indexes) != 2 {
		t.Fatalf("expected 2 indexes, got %d: %+v", len(indexes), indexes)
	}
	for _, idx := range indexes {
		if idx.Field != "subject" {
			t.Errorf("unexpected field %q", idx.Field)
		}
	}
	if !strings.Contains(indexes[1].DDL(), "json_extract(payload, '$.subject')") {
		t.Errorf("unexpected DDL %s", indexes[1].DDL())
	}

	advisor.Advise()
	if m := advisor.Metrics(); m.Calls != 2 || m.CacheHits != 1 {
		t.Errorf("expected cached second call, got %+v", m)
	}

	advisor.SetThreshold(1)
	if got := len(advisor.Advise()); got != 4 {
		t.Errorf("expected 4 indexes after lowering threshold, got %d", got)
	}
}
