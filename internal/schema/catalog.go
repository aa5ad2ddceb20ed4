// Package schema describes the journaled relations tempora knows about and
// the SQLite DDL that backs them.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Alias names used by historic queries.
const (
	// AsOfAlias names the derived relation holding, per entity, the journal
	// entry valid at the requested timestamp.
	AsOfAlias = "journals"

	// CreationAlias names the derived relation exposing entity creation times.
	CreationAlias = "journables"
)

// Physical columns of entity and journal tables. Any other name addressed on
// these tables is a field inside the document column.
var (
	EntityColumns  = []string{"id", "created_at", "updated_at", "attributes"}
	JournalColumns = []string{"id", "entity_id", "version", "recorded_at", "payload"}
)

const (
	EntityDocumentColumn  = "attributes"
	JournalDocumentColumn = "payload"
)

// Relation describes one journaled entity kind.
type Relation struct {
	// Kind is the entity kind, e.g. "work_package"
	Kind string `json:"kind" yaml:"kind"`

	// Table holds the current state of each entity
	Table string `json:"table" yaml:"table"`

	// JournalTable holds every version of each entity
	JournalTable string `json:"journal_table" yaml:"journal_table"`

	// Filterable marks kinds whose snapshots can be matched against filters
	Filterable bool `json:"filterable" yaml:"filterable"`
}

// NewRelation derives table names from the kind: "work_package" becomes
// "work_packages" and "work_package_journals".
func NewRelation(kind string, filterable bool) Relation {
	return Relation{
		Kind:         kind,
		Table:        kind + "s",
		JournalTable: kind + "_journals",
		Filterable:   filterable,
	}
}

// Catalog is a registry of relations addressable by kind or table name.
type Catalog struct {
	mu        sync.RWMutex
	byKind    map[string]Relation
	byTable   map[string]Relation
	byJournal map[string]Relation
}

// NewCatalog returns a catalog with the given relations registered.
func NewCatalog(relations ...Relation) (*Catalog, error) {
	c := &Catalog{
		byKind:    make(map[string]Relation),
		byTable:   make(map[string]Relation),
		byJournal: make(map[string]Relation),
	}
	for _, r := range relations {
		if err := c.Register(r); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog registers work packages, the only filterable kind, and projects.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(
		NewRelation("work_package", true),
		NewRelation("project", false),
	)
	return c
}

// Register adds a relation. Kind and table names must be unique identifiers.
func (c *Catalog) Register(r Relation) error {
	for _, name := range []string{r.Kind, r.Table, r.JournalTable} {
		if !ValidateIdentifier(name) {
			return fmt.Errorf("schema: invalid identifier %q", name)
		}
	}
	if r.Table == r.JournalTable {
		return fmt.Errorf("schema: relation %s uses the same table for entities and journals", r.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byKind[r.Kind]; exists {
		return fmt.Errorf("schema: relation %s already registered", r.Kind)
	}
	if _, exists := c.byTable[r.Table]; exists {
		return fmt.Errorf("schema: table %s already registered", r.Table)
	}
	c.byKind[r.Kind] = r
	c.byTable[r.Table] = r
	c.byJournal[r.JournalTable] = r
	return nil
}

// ByKind looks up a relation by entity kind.
func (c *Catalog) ByKind(kind string) (Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byKind[kind]
	return r, ok
}

// ByTable looks up a relation by its entity table.
func (c *Catalog) ByTable(table string) (Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byTable[table]
	return r, ok
}

// ByJournalTable looks up a relation by its journal table.
func (c *Catalog) ByJournalTable(table string) (Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byJournal[table]
	return r, ok
}

// Relations returns all relations sorted by kind.
func (c *Catalog) Relations() []Relation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Relation, 0, len(c.byKind))
	for _, r := range c.byKind {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// DocumentColumn reports the JSON document column of a catalog table and
// whether column is one of its physical columns. ok is false for tables the
// catalog does not know.
func (c *Catalog) DocumentColumn(table, column string) (doc string, physical bool, ok bool) {
	if _, found := c.ByTable(table); found {
		return EntityDocumentColumn, contains(EntityColumns, column), true
	}
	if _, found := c.ByJournalTable(table); found {
		return JournalDocumentColumn, contains(JournalColumns, column), true
	}
	return "", false, false
}

// DDL returns the statements creating every registered relation.
func (c *Catalog) DDL() []string {
	var stmts []string
	for _, r := range c.Relations() {
		stmts = append(stmts, r.DDL()...)
	}
	return stmts
}

// DDL returns the statements creating the relation's tables and indexes.
// Instants are TEXT in types.StorageTimeLayout so the driver never coerces them.
func (r Relation) DDL() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    attributes TEXT NOT NULL DEFAULT '{}'
)`, r.Table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    recorded_at TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    UNIQUE (entity_id, version)
)`, r.JournalTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_entity_recorded ON %s(entity_id, recorded_at)`,
			r.JournalTable, r.JournalTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_recorded ON %s(recorded_at)`,
			r.JournalTable, r.JournalTable),
	}
}

// ValidateIdentifier checks that name is usable unquoted as a SQLite identifier.
func ValidateIdentifier(name string) bool {
	if len(name) == 0 || len(name) > 100 {
		return false
	}
	first := name[0]
	if (first < 'a' || first > 'z') && (first < 'A' || first > 'Z') && first != '_' {
		return false
	}
	for i := 1; i < len(name); i++ {
		ch := name[i]
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') && ch != '_' {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
