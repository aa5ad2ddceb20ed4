package schema

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tempora/tempora/internal/observability"
)

// PayloadIndex is an expression index over one journal payload field.
type PayloadIndex struct {
	JournalTable string
	Field        string
	Name         string
}

// DDL returns the CREATE INDEX statement for the index.
func (p PayloadIndex) DDL() string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(json_extract(%s, '$.%s'))",
		p.Name, p.JournalTable, JournalDocumentColumn, p.Field)
}

// AdvisorMetrics holds advisor statistics.
type AdvisorMetrics struct {
	Calls          int64
	IndexesAdvised int64
	CacheHits      int64
}

// IndexAdvisor picks payload fields filtered often enough to deserve an
// expression index on every journal table.
type IndexAdvisor struct {
	catalog    *Catalog
	stats      *observability.QueryStats
	threshold  int64
	maxIndexes int

	mu         sync.RWMutex
	metrics    AdvisorMetrics
	cache      []PayloadIndex
	cacheUntil time.Time
	cacheTTL   time.Duration
}

// NewIndexAdvisor creates an advisor.
// threshold: minimum number of recorded filters on a field.
// maxIndexes: maximum number of fields to index.
func NewIndexAdvisor(catalog *Catalog, stats *observability.QueryStats, threshold int64, maxIndexes int) *IndexAdvisor {
	if threshold <= 0 {
		threshold = 50
	}
	if maxIndexes <= 0 {
		maxIndexes = 8
	}
	return &IndexAdvisor{
		catalog:    catalog,
		stats:      stats,
		threshold:  threshold,
		maxIndexes: maxIndexes,
		cacheTTL:   5 * time.Minute,
	}
}

// Metrics returns current advisor metrics.
func (a *IndexAdvisor) Metrics() AdvisorMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

// Advise returns the payload indexes that should exist. Results are cached
// for cacheTTL.
func (a *IndexAdvisor) Advise() []PayloadIndex {
	a.mu.Lock()
	a.metrics.Calls++
	if a.cache != nil && time.Now().Before(a.cacheUntil) {
		a.metrics.CacheHits++
		result := a.cache
		a.mu.Unlock()
		return result
	}
	threshold := a.threshold
	a.mu.Unlock()

	indexes := []PayloadIndex{}
	if a.stats != nil {
		fields := 0
		for _, field := range a.stats.GetTopPayloadFields(a.maxIndexes * 2) {
			if fields >= a.maxIndexes {
				break
			}
			if field.Frequency < threshold || !ValidateIdentifier(field.Column) {
				continue
			}
			fields++
			for _, r := range a.catalog.Relations() {
				indexes = append(indexes, PayloadIndex{
					JournalTable: r.JournalTable,
					Field:        field.Column,
					Name:         fmt.Sprintf("idx_%s_payload_%s", r.JournalTable, field.Column),
				})
			}
		}
	}

	a.mu.Lock()
	a.cache = indexes
	a.cacheUntil = time.Now().Add(a.cacheTTL)
	a.metrics.IndexesAdvised += int64(len(indexes))
	a.mu.Unlock()

	if len(indexes) > 0 {
		log.Printf("schema: advised %d payload indexes (threshold=%d)", len(indexes), threshold)
	}
	return indexes
}

// InvalidateCache clears the cached result.
func (a *IndexAdvisor) InvalidateCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = nil
}

// SetThreshold updates the advice threshold.
func (a *IndexAdvisor) SetThreshold(threshold int64) {
	if threshold <= 0 {
		return
	}
	a.mu.Lock()
	a.threshold = threshold
	a.cache = nil
	a.mu.Unlock()
}
