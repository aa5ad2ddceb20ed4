// Package app wires the tempora components from a configuration.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tempora/tempora/internal/config"
	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/export"
	"github.com/tempora/tempora/internal/filter"
	"github.com/tempora/tempora/internal/observability"
	"github.com/tempora/tempora/internal/projection"
	"github.com/tempora/tempora/internal/query/executor"
	"github.com/tempora/tempora/internal/query/parser"
	"github.com/tempora/tempora/internal/query/planner"
	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/internal/storage"
	"github.com/tempora/tempora/internal/store"
	"github.com/tempora/tempora/pkg/types"
)

// App owns the store, the query pipeline and the export backend.
type App struct {
	cfg *config.Config

	catalog   *schema.Catalog
	store     *store.SQLiteStore
	stats     *observability.QueryStats
	advisor   *schema.IndexAdvisor
	executor  *executor.SQLiteExecutor
	rewriter  *planner.Rewriter
	projector *projection.Projector
	matcher   *filter.Matcher
	storage   storage.ObjectStorage
	exporter  *export.Exporter

	mu     sync.Mutex
	closed bool
}

// New creates an App with the given configuration. The clock drives
// relative timestamp resolution; nil means time.Now.
func New(ctx context.Context, cfg *config.Config, clock func() time.Time) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if clock == nil {
		clock = time.Now
	}

	a := &App{cfg: cfg}
	if err := a.init(ctx, clock); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, clock func() time.Time) error {
	var err error

	a.catalog, err = a.cfg.Catalog()
	if err != nil {
		return err
	}

	a.store, err = store.Open(a.cfg.Database.Path, a.catalog, a.cfg.Database.BusyTimeout)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	log.Printf("app: store opened: %s", a.cfg.Database.Path)

	a.stats = observability.NewQueryStats(a.cfg.Query.StatsWindow)
	a.advisor = schema.NewIndexAdvisor(a.catalog, a.stats, a.cfg.Query.IndexThreshold, a.cfg.Query.MaxIndexes)

	execCfg := executor.DefaultExecutorConfig()
	execCfg.Timeout = a.cfg.Query.Timeout
	execCfg.StatementCacheSize = a.cfg.Query.StatementCacheSize
	execCfg.SlowQueryThreshold = a.cfg.Query.SlowQueryThreshold
	execCfg.Clock = clock
	a.executor = executor.NewSQLiteExecutor(a.store.DB(), executor.NewCompiler(a.catalog, a.stats), a.stats, execCfg)

	a.rewriter = planner.NewRewriter(a.catalog)
	a.projector = projection.NewProjector(a.catalog, a.rewriter, a.executor)
	a.projector.SetClock(clock)
	a.matcher = filter.NewMatcher(a.catalog, a.rewriter, a.executor)

	// Initialize storage
	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("app: storage initialized: type=%s", a.cfg.Storage.Type)

	a.exporter = export.NewExporter(a.catalog, a.rewriter, a.executor, a.storage, a.cfg.Export.WorkDir, a.cfg.Export.Prefix)
	a.exporter.SetClock(clock)
	return nil
}

// Catalog returns the relation catalog.
func (a *App) Catalog() *schema.Catalog { return a.catalog }

// Store returns the entity and journal store.
func (a *App) Store() *store.SQLiteStore { return a.store }

// Stats returns the query statistics.
func (a *App) Stats() *observability.QueryStats { return a.stats }

// Projector returns the historic projector.
func (a *App) Projector() *projection.Projector { return a.projector }

// Exporter returns the snapshot exporter.
func (a *App) Exporter() *export.Exporter { return a.exporter }

// Rewrite parses sql and rewrites it as of ts.
func (a *App) Rewrite(sql string, ts types.Timestamp) (*parser.Query, error) {
	q, err := parser.Parse(sql)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryQuery, errors.CodeParseError, "invalid query", err)
	}
	return a.rewriter.AsOf(q, ts)
}

// AsOf runs sql as of ts.
func (a *App) AsOf(ctx context.Context, sql string, ts types.Timestamp) (*executor.Result, error) {
	q, err := a.Rewrite(sql, ts)
	if err != nil {
		return nil, err
	}
	return a.executor.Query(ctx, q)
}

// Explain returns the SQL that AsOf would run.
func (a *App) Explain(sql string, ts types.Timestamp) (executor.Statement, error) {
	q, err := a.Rewrite(sql, ts)
	if err != nil {
		return executor.Statement{}, err
	}
	return a.executor.Explain(q)
}

// Wrap loads the entities of kind with ids and decorates them.
func (a *App) Wrap(ctx context.Context, kind string, ids []string, timestamps []types.Timestamp, opts projection.Options) ([]*projection.Decorated, error) {
	loaded, err := a.store.GetEntities(ctx, kind, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Entity, len(loaded))
	for _, e := range loaded {
		byID[e.ID] = e
	}

	// Decorated results follow the requested order.
	entities := make([]*types.Entity, len(ids))
	for i, id := range ids {
		e, ok := byID[id]
		if !ok {
			return nil, errors.NewInvalidInput("%s %q not found", kind, id)
		}
		entities[i] = e
	}
	return a.projector.WrapMany(ctx, entities, timestamps, opts)
}

// Match returns which of ids match f at ts.
func (a *App) Match(ctx context.Context, f *filter.Filter, ids []string, ts types.Timestamp) (map[string]bool, error) {
	return a.matcher.MatchingIDs(ctx, f, ids, ts)
}

// Export writes a snapshot of kind at ts to object storage.
func (a *App) Export(ctx context.Context, kind string, ts types.Timestamp, objectPath string) (*export.Info, error) {
	return a.exporter.Export(ctx, kind, ts, objectPath)
}

// SetIndexThreshold overrides how often a payload field must be filtered on
// before the advisor proposes an index for it.
func (a *App) SetIndexThreshold(threshold int64) {
	a.advisor.SetThreshold(threshold)
}

// EnsureIndexes drops statistics older than the stats window, then creates
// the payload indexes the advisor proposes from the remaining workload.
func (a *App) EnsureIndexes(ctx context.Context) ([]schema.PayloadIndex, error) {
	a.stats.Prune()
	a.advisor.InvalidateCache()

	if _, err := a.store.EnsurePayloadIndexes(ctx, a.advisor); err != nil {
		return nil, err
	}
	return a.advisor.Advise(), nil
}

// Close releases all resources. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	if a.executor != nil {
		if err := a.executor.Close(); err != nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
