package executor

import (
	"context"
	"database/sql"
	"sync"

	"github.com/tempora/tempora/internal/observability"
)

type cachedStmt struct {
	sql  string
	stmt *sql.Stmt
}

// stmtCache keeps prepared statements keyed by SQL fingerprint. The text is
// compared on lookup so a fingerprint collision only costs a re-prepare.
type stmtCache struct {
	db      *sql.DB
	mu      sync.RWMutex
	entries map[uint64]*cachedStmt
	order   []uint64
	max     int
}

func newStmtCache(db *sql.DB, max int) *stmtCache {
	return &stmtCache{
		db:      db,
		entries: make(map[uint64]*cachedStmt),
		max:     max,
	}
}

func (c *stmtCache) get(ctx context.Context, query string) (*sql.Stmt, error) {
	fp := observability.Fingerprint(query)

	c.mu.RLock()
	if e, ok := c.entries[fp]; ok && e.sql == query {
		c.mu.RUnlock()
		return e.stmt, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if e, ok := c.entries[fp]; ok && e.sql == query {
		return e.stmt, nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	if old, ok := c.entries[fp]; ok {
		old.stmt.Close()
	} else {
		c.order = append(c.order, fp)
	}
	c.entries[fp] = &cachedStmt{sql: query, stmt: stmt}

	for len(c.order) > c.max {
		evict := c.order[0]
		c.order = c.order[1:]
		if e, ok := c.entries[evict]; ok {
			e.stmt.Close()
			delete(c.entries, evict)
		}
	}
	return stmt, nil
}

func (c *stmtCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *stmtCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.stmt.Close()
	}
	c.entries = make(map[uint64]*cachedStmt)
	c.order = nil
}
