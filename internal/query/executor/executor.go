// Package executor compiles query IR to SQLite SQL and runs it.
package executor

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/observability"
	"github.com/tempora/tempora/internal/query/parser"
)

// Executor runs queries against the entity and journal store.
type Executor interface {
	// Query compiles and runs q, returning every row.
	Query(ctx context.Context, q *parser.Query) (*Result, error)
}

// ExecutorConfig holds configuration for the SQLite executor.
type ExecutorConfig struct {
	// Timeout bounds a single query; zero disables it.
	Timeout time.Duration

	// StatementCacheSize is the number of prepared statements kept (default: 128).
	StatementCacheSize int

	// SlowQueryThreshold logs queries slower than this; zero disables it.
	SlowQueryThreshold time.Duration

	// Clock returns the instant relative timestamps resolve against.
	Clock func() time.Time
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Timeout:            30 * time.Second,
		StatementCacheSize: 128,
		SlowQueryThreshold: 500 * time.Millisecond,
		Clock:              time.Now,
	}
}

// SQLiteExecutor implements Executor over a database/sql handle opened with
// the sqlite3 driver.
type SQLiteExecutor struct {
	db       *sql.DB
	compiler *Compiler
	stats    *observability.QueryStats
	cache    *stmtCache
	config   ExecutorConfig
}

// NewSQLiteExecutor creates an executor. stats may be nil.
func NewSQLiteExecutor(db *sql.DB, compiler *Compiler, stats *observability.QueryStats, config ExecutorConfig) *SQLiteExecutor {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.StatementCacheSize <= 0 {
		config.StatementCacheSize = 128
	}
	return &SQLiteExecutor{
		db:       db,
		compiler: compiler,
		stats:    stats,
		cache:    newStmtCache(db, config.StatementCacheSize),
		config:   config,
	}
}

// Explain compiles q without running it.
func (e *SQLiteExecutor) Explain(q *parser.Query) (Statement, error) {
	return e.compiler.Compile(q, e.config.Clock())
}

// Query compiles q against the configured clock and runs it.
func (e *SQLiteExecutor) Query(ctx context.Context, q *parser.Query) (*Result, error) {
	stmt, err := e.compiler.Compile(q, e.config.Clock())
	if err != nil {
		return nil, err
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := e.run(ctx, stmt)
	elapsed := time.Since(start)
	if e.stats != nil {
		e.stats.RecordQuery(stmt.SQL, elapsed)
	}
	if err != nil {
		return nil, errors.NewExecutionError("query failed", err).
			WithDetails(map[string]interface{}{"sql": stmt.SQL})
	}
	result.Elapsed = elapsed

	if e.config.SlowQueryThreshold > 0 && elapsed > e.config.SlowQueryThreshold {
		log.Printf("[WARN] executor: slow query (%v, %d rows): %s", elapsed, result.Len(), stmt.SQL)
	}
	return result, nil
}

func (e *SQLiteExecutor) run(ctx context.Context, stmt Statement) (*Result, error) {
	prepared, err := e.cache.get(ctx, stmt.SQL)
	if err != nil {
		return nil, err
	}

	rows, err := prepared.QueryContext(ctx, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close releases cached prepared statements. The database handle is owned by
// the caller.
func (e *SQLiteExecutor) Close() error {
	e.cache.close()
	return nil
}
