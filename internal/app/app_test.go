package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tempora/tempora/internal/config"
	"github.com/tempora/tempora/internal/errors"
	"github.com/tempora/tempora/internal/filter"
	"github.com/tempora/tempora/internal/projection"
	"github.com/tempora/tempora/pkg/types"
)

var now = time.Date(2022, 1, 10, 0, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, modify ...func(*config.Config)) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	for _, m := range modify {
		m(cfg)
	}

	a, err := New(context.Background(), cfg, func() time.Time { return now })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	ctx := context.Background()
	for _, id := range []string{"wp-1", "wp-2"} {
		e := &types.Entity{
			ID:         id,
			Kind:       "work_package",
			CreatedAt:  time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
			Attributes: types.Attributes{"subject": types.String(id + " now"), "status": types.String("closed")},
		}
		if err := a.Store().CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity failed: %v", err)
		}
		for i, at := range []time.Time{
			time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2022, 1, 8, 0, 0, 0, 0, time.UTC),
		} {
			payload := types.Attributes{"subject": types.String(id + " then"), "status": types.String("open")}
			if i == 1 {
				payload = e.Attributes
			}
			entry := &types.JournalEntry{EntityID: id, RecordedAt: at, Payload: payload}
			if err := a.Store().Append(ctx, "work_package", entry); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
	}
	return a
}

func TestApp_AsOf(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	result, err := a.AsOf(ctx, "SELECT id, subject FROM work_packages WHERE status = 'open' ORDER BY id", types.MustParseTimestamp("P-7D"))
	if err != nil {
		t.Fatalf("AsOf failed: %v", err)
	}
	ids, err := result.IDs()
	if err != nil {
		t.Fatalf("IDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "wp-1" {
		t.Errorf("expected both work packages open a week ago, got %v", ids)
	}

	result, err = a.AsOf(ctx, "SELECT id FROM work_packages WHERE status = 'open'", types.Now())
	if err != nil {
		t.Fatalf("AsOf failed: %v", err)
	}
	if result.Len() != 0 {
		t.Errorf("expected no open work packages now, got %d", result.Len())
	}

	if _, err := a.AsOf(ctx, "SELEC nope", types.Now()); !errors.HasCode(err, errors.CodeParseError) {
		t.Errorf("expected PARSE_ERROR, got %v", err)
	}
}

func TestApp_Explain(t *testing.T) {
	a := newTestApp(t)

	stmt, err := a.Explain("SELECT id FROM work_packages", types.MustParseTimestamp("2022-01-05T00:00:00Z"))
	if err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if !strings.Contains(stmt.SQL, "ROW_NUMBER() OVER (PARTITION BY entity_id ORDER BY version DESC)") {
		t.Errorf("expected as-of join, got %s", stmt.SQL)
	}
	if a.Stats().TotalQueries() != 0 {
		t.Error("Explain must not execute")
	}
}

func TestApp_Wrap(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	weekAgo := types.MustParseTimestamp("P-7D")

	f := filter.New("open", "work_package", "status", filter.OpEquals, "open")
	decorated, err := a.Wrap(ctx, "work_package", []string{"wp-2", "wp-1"}, []types.Timestamp{weekAgo, types.Now()},
		projection.Options{Filter: f})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if len(decorated) != 2 || decorated[0].ID() != "wp-2" {
		t.Fatalf("expected results in request order, got %d", len(decorated))
	}
	attrs, ok := decorated[1].AttributesAt(weekAgo)
	if !ok {
		t.Fatal("expected snapshot a week ago")
	}
	if v, _ := attrs.Get("subject"); v.Str() != "wp-1 then" {
		t.Errorf("expected wp-1 then, got %q", v.Str())
	}
	if !decorated[1].MatchesAt(weekAgo) || decorated[1].MatchesAtCurrent() {
		t.Error("expected a match a week ago only")
	}

	if _, err := a.Wrap(ctx, "work_package", []string{"wp-9"}, []types.Timestamp{types.Now()}, projection.Options{}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for a missing entity, got %v", err)
	}
}

func TestApp_Export(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	info, err := a.Export(ctx, "work_package", types.Now(), "")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	snaps, err := a.Exporter().Load(ctx, info.ObjectPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("expected 2 snapshots, got %d", len(snaps))
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func indexExists(t *testing.T, a *App, name string) bool {
	t.Helper()
	var n int
	err := a.Store().DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", name).Scan(&n)
	if err != nil {
		t.Fatalf("index lookup failed: %v", err)
	}
	return n == 1
}

func TestApp_EnsureIndexes(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) { c.Query.IndexThreshold = 2 })
	ctx := context.Background()

	indexes, err := a.EnsureIndexes(ctx)
	if err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}
	if len(indexes) != 0 {
		t.Fatalf("expected no indexes without a workload, got %+v", indexes)
	}

	for i := 0; i < 2; i++ {
		if _, err := a.AsOf(ctx, "SELECT id FROM work_packages WHERE status = 'open'", types.MustParseTimestamp("P-7D")); err != nil {
			t.Fatalf("AsOf failed: %v", err)
		}
	}
	indexes, err = a.EnsureIndexes(ctx)
	if err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}
	if len(indexes) == 0 || indexes[0].Field != "status" {
		t.Fatalf("expected a status index, got %+v", indexes)
	}
	if !indexExists(t, a, "idx_work_package_journals_payload_status") {
		t.Error("expected the status index on the journal table")
	}

	// The index serves later as-of queries without changing their results.
	result, err := a.AsOf(ctx, "SELECT id FROM work_packages WHERE status = 'open'", types.MustParseTimestamp("P-7D"))
	if err != nil {
		t.Fatalf("AsOf failed: %v", err)
	}
	if result.Len() != 2 {
		t.Errorf("expected 2 rows, got %d", result.Len())
	}
}

func TestApp_EnsureIndexes_PrunesStaleWorkload(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) {
		c.Query.StatsWindow = time.Millisecond
	})
	a.SetIndexThreshold(1)
	ctx := context.Background()

	if _, err := a.AsOf(ctx, "SELECT id FROM work_packages WHERE status = 'open'", types.Now()); err != nil {
		t.Fatalf("AsOf failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	indexes, err := a.EnsureIndexes(ctx)
	if err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}
	if len(indexes) != 0 {
		t.Errorf("expected stale statistics pruned, got %+v", indexes)
	}
	if len(a.Stats().GetTopPayloadFields(10)) != 0 {
		t.Error("expected payload field statistics pruned")
	}
	if indexExists(t, a, "idx_work_package_journals_payload_status") {
		t.Error("no index expected from a stale workload")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Storage.Type = "ftp"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("expected configuration error")
	}
}
