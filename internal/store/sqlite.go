package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/pkg/types"
)

// SQLiteStore implements EntityStore and JournalStore over one SQLite
// database. Writes are serialized; reads share the connection pool.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	catalog *schema.Catalog
	mu      sync.Mutex // Write-only lock (reads don't need this)
}

// Open opens (creating if needed) the database at dbPath and creates the
// tables of every catalog relation.
func Open(dbPath string, catalog *schema.Catalog, busyTimeout time.Duration) (*SQLiteStore, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", dbPath, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db, dbPath: dbPath, catalog: catalog}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	for _, stmt := range s.catalog.DDL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the handle queries are executed on.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// EnsurePayloadIndexes creates the payload expression indexes the advisor
// recommends. It returns the number of indexes requested.
func (s *SQLiteStore) EnsurePayloadIndexes(ctx context.Context, advisor *schema.IndexAdvisor) (int, error) {
	indexes := advisor.Advise()
	if len(indexes) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx.DDL()); err != nil {
			return 0, fmt.Errorf("store: failed to create index %s: %w", idx.Name, err)
		}
	}
	log.Printf("store: ensured %d payload indexes", len(indexes))
	return len(indexes), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) relation(kind string) (schema.Relation, error) {
	rel, ok := s.catalog.ByKind(kind)
	if !ok {
		return schema.Relation{}, errors.NewValidationError(errors.CodeUnknownRelation,
			fmt.Sprintf("unknown entity kind %q", kind))
	}
	return rel, nil
}

// CreateEntity implements EntityStore.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *types.Entity) error {
	rel, err := s.relation(e.Kind)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = types.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	doc, err := types.EncodeAttributes(e.Attributes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, created_at, updated_at, attributes) VALUES (?, ?, ?, ?)`, rel.Table),
		e.ID, types.FormatStorageTime(e.CreatedAt), types.FormatStorageTime(e.UpdatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("store: failed to insert %s %s: %w", e.Kind, e.ID, err)
	}
	return nil
}

// UpdateEntity implements EntityStore.
func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *types.Entity) error {
	rel, err := s.relation(e.Kind)
	if err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	doc, err := types.EncodeAttributes(e.Attributes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET updated_at = ?, attributes = ? WHERE id = ?`, rel.Table),
		types.FormatStorageTime(e.UpdatedAt), string(doc), e.ID)
	if err != nil {
		return fmt.Errorf("store: failed to update %s %s: %w", e.Kind, e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewInvalidInput("%s %s does not exist", e.Kind, e.ID)
	}
	return nil
}

// GetEntity implements EntityStore.
func (s *SQLiteStore) GetEntity(ctx context.Context, kind, id string) (*types.Entity, error) {
	entities, err := s.GetEntities(ctx, kind, []string{id})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, errors.NewInvalidInput("%s %s does not exist", kind, id)
	}
	return entities[0], nil
}

// GetEntities implements EntityStore.
func (s *SQLiteStore) GetEntities(ctx context.Context, kind string, ids []string) ([]*types.Entity, error) {
	rel, err := s.relation(kind)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT id, created_at, updated_at, attributes FROM %s WHERE id IN (%s) ORDER BY id`,
		rel.Table, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query %s: %w", rel.Table, err)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		var id, createdAt, updatedAt, doc string
		if err := rows.Scan(&id, &createdAt, &updatedAt, &doc); err != nil {
			return nil, fmt.Errorf("store: failed to scan %s: %w", rel.Table, err)
		}
		e := &types.Entity{ID: id, Kind: kind}
		if e.CreatedAt, err = types.ParseStorageTime(createdAt); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = types.ParseStorageTime(updatedAt); err != nil {
			return nil, err
		}
		if e.Attributes, err = types.DecodeAttributes([]byte(doc)); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreationTimes implements EntityStore.
func (s *SQLiteStore) CreationTimes(ctx context.Context, kind string, ids []string) (map[string]time.Time, error) {
	rel, err := s.relation(kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := fmt.Sprintf(`SELECT id, created_at FROM %s WHERE id IN (%s)`, rel.Table, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query %s: %w", rel.Table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, err
		}
		t, err := types.ParseStorageTime(createdAt)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, rows.Err()
}

// ListIDs implements EntityStore.
func (s *SQLiteStore) ListIDs(ctx context.Context, kind string) ([]string, error) {
	rel, err := s.relation(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, rel.Table))
	if err != nil {
		return nil, fmt.Errorf("store: failed to list %s: %w", rel.Table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Append implements JournalStore.
func (s *SQLiteStore) Append(ctx context.Context, kind string, entry *types.JournalEntry) error {
	rel, err := s.relation(kind)
	if err != nil {
		return err
	}
	if entry.EntityID == "" {
		return errors.NewInvalidInput("journal entry needs an entity id")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	doc, err := types.EncodeAttributes(entry.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int64
	var lastAt sql.NullString
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(version), 0), MAX(recorded_at) FROM %s WHERE entity_id = ?`, rel.JournalTable),
		entry.EntityID).Scan(&last, &lastAt)
	if err != nil {
		return fmt.Errorf("store: failed to read last version: %w", err)
	}

	if entry.Version == 0 {
		entry.Version = last + 1
	}
	if entry.Version <= last {
		return errors.NewValidationError(errors.CodeVersionConflict,
			fmt.Sprintf("%s %s: version %d does not follow %d", kind, entry.EntityID, entry.Version, last)).
			WithDetails(map[string]interface{}{"entity_id": entry.EntityID, "last_version": last})
	}
	recordedAt := types.FormatStorageTime(entry.RecordedAt)
	if lastAt.Valid && recordedAt < lastAt.String {
		return errors.NewValidationError(errors.CodeVersionConflict,
			fmt.Sprintf("%s %s: version %d recorded before version %d", kind, entry.EntityID, entry.Version, last))
	}
	if entry.ID == "" {
		entry.ID = types.NewID()
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, entity_id, version, recorded_at, payload) VALUES (?, ?, ?, ?, ?)`, rel.JournalTable),
		entry.ID, entry.EntityID, entry.Version, recordedAt, string(doc))
	if err != nil {
		return fmt.Errorf("store: failed to append journal entry: %w", err)
	}
	return tx.Commit()
}

// Entries implements JournalStore.
func (s *SQLiteStore) Entries(ctx context.Context, kind, entityID string) ([]*types.JournalEntry, error) {
	rel, err := s.relation(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, entity_id, version, recorded_at, payload FROM %s WHERE entity_id = ? ORDER BY version`, rel.JournalTable),
		entityID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query %s: %w", rel.JournalTable, err)
	}
	defer rows.Close()

	var out []*types.JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// EntryAt implements JournalStore.
func (s *SQLiteStore) EntryAt(ctx context.Context, kind, entityID string, instant time.Time) (*types.JournalEntry, error) {
	rel, err := s.relation(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, entity_id, version, recorded_at, payload FROM %s
			WHERE entity_id = ? AND recorded_at <= ? ORDER BY version DESC LIMIT 1`, rel.JournalTable),
		entityID, types.FormatStorageTime(instant))
	if err != nil {
		return nil, fmt.Errorf("store: failed to query %s: %w", rel.JournalTable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEntry(rows)
}

func scanEntry(rows *sql.Rows) (*types.JournalEntry, error) {
	var entry types.JournalEntry
	var recordedAt, doc string
	if err := rows.Scan(&entry.ID, &entry.EntityID, &entry.Version, &recordedAt, &doc); err != nil {
		return nil, fmt.Errorf("store: failed to scan journal entry: %w", err)
	}
	var err error
	if entry.RecordedAt, err = types.ParseStorageTime(recordedAt); err != nil {
		return nil, err
	}
	if entry.Payload, err = types.DecodeAttributes([]byte(doc)); err != nil {
		return nil, err
	}
	return &entry, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
