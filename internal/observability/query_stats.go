// Package observability tracks how tempora queries the journal: statement
// counts per fingerprint and which columns and payload fields are filtered on.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// QueryStats tracks statement executions and predicate frequency.
type QueryStats struct {
	mu            sync.RWMutex
	statements    map[uint64]*StatementStats
	totalQueries  int64
	predicateFreq map[string]*ColumnStats
	payloadFreq   map[string]*ColumnStats
	window        time.Duration
}

// StatementStats holds execution statistics for one SQL text.
type StatementStats struct {
	Fingerprint uint64
	SQL         string
	Executions  int64
	TotalTime   time.Duration
	LastSeen    time.Time
}

// ColumnStats holds statistics for a column or payload field.
type ColumnStats struct {
	Column    string
	Frequency int64
	LastSeen  time.Time
	Operators map[string]int // operator → count (e.g., "=" → 5, "IN" → 2)
}

// NewQueryStats creates a new query statistics tracker.
// window: time duration for pruning old entries (e.g., 1 hour)
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		statements:    make(map[uint64]*StatementStats),
		predicateFreq: make(map[string]*ColumnStats),
		payloadFreq:   make(map[string]*ColumnStats),
		window:        window,
	}
}

// Fingerprint returns the murmur3 hash identifying a SQL text.
func Fingerprint(sql string) uint64 {
	return murmur3.Sum64([]byte(sql))
}

// RecordQuery records one execution of a statement.
func (q *QueryStats) RecordQuery(sql string, elapsed time.Duration) {
	fp := Fingerprint(sql)

	q.mu.Lock()
	defer q.mu.Unlock()

	stats, exists := q.statements[fp]
	if !exists {
		stats = &StatementStats{Fingerprint: fp, SQL: sql}
		q.statements[fp] = stats
	}
	stats.Executions++
	stats.TotalTime += elapsed
	stats.LastSeen = time.Now()
	q.totalQueries++
}

// TotalQueries returns the number of statements executed since creation or Reset.
func (q *QueryStats) TotalQueries() int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.totalQueries
}

// Statements returns per-fingerprint statistics, most executed first.
func (q *QueryStats) Statements() []StatementStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]StatementStats, 0, len(q.statements))
	for _, s := range q.statements {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Executions != out[j].Executions {
			return out[i].Executions > out[j].Executions
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// RecordPredicate records a predicate access for a column.
// column: the qualified column name (e.g., "journals.entity_id")
// operator: the comparison operator (e.g., "=", "IN", ">")
func (q *QueryStats) RecordPredicate(column, operator string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	record(q.predicateFreq, column, operator)
}

// RecordPayloadField records a filter on a journal payload field.
// field: the field name (e.g., "subject")
func (q *QueryStats) RecordPayloadField(field, operator string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	record(q.payloadFreq, field, operator)
}

func record(freq map[string]*ColumnStats, column, operator string) {
	stats, exists := freq[column]
	if !exists {
		stats = &ColumnStats{
			Column:    column,
			Operators: make(map[string]int),
		}
		freq[column] = stats
	}
	stats.Frequency++
	stats.LastSeen = time.Now()
	if operator != "" {
		stats.Operators[operator]++
	}
}

// GetTopPredicates returns the top N predicates by frequency.
func (q *QueryStats) GetTopPredicates(n int) []ColumnStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return topN(q.predicateFreq, n)
}

// GetTopPayloadFields returns the top N payload fields by frequency.
func (q *QueryStats) GetTopPayloadFields(n int) []ColumnStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return topN(q.payloadFreq, n)
}

// topN copies the stats so callers cannot modify tracked state.
func topN(freq map[string]*ColumnStats, n int) []ColumnStats {
	if n <= 0 || len(freq) == 0 {
		return []ColumnStats{}
	}

	stats := make([]ColumnStats, 0, len(freq))
	for _, s := range freq {
		statsCopy := ColumnStats{
			Column:    s.Column,
			Frequency: s.Frequency,
			LastSeen:  s.LastSeen,
			Operators: make(map[string]int, len(s.Operators)),
		}
		for op, count := range s.Operators {
			statsCopy.Operators[op] = count
		}
		stats = append(stats, statsCopy)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Column < stats[j].Column
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Reset clears all counters.
func (q *QueryStats) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statements = make(map[uint64]*StatementStats)
	q.predicateFreq = make(map[string]*ColumnStats)
	q.payloadFreq = make(map[string]*ColumnStats)
	q.totalQueries = 0
}

// Prune removes entries where time.Since(LastSeen) > window.
// Total query count is not affected.
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := time.Now().Add(-q.window)

	for fp, stats := range q.statements {
		if stats.LastSeen.Before(threshold) {
			delete(q.statements, fp)
		}
	}
	for col, stats := range q.predicateFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.predicateFreq, col)
		}
	}
	for field, stats := range q.payloadFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.payloadFreq, field)
		}
	}
}
