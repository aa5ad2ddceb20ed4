package observability

import (
	"sync"
	"testing"
	"time"
)

func TestRecordQueryConcurrent(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	var wg sync.WaitGroup
	workers := 8
	perWorker := 50

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				qs.RecordQuery("SELECT id FROM work_packages", time.Millisecond)
				qs.RecordPredicate("journals.entity_id", "IN")
			}
		}()
	}
	wg.Wait()

	if got := qs.TotalQueries(); got != int64(workers*perWorker) {
		t.Errorf("expected %d queries, got %d", workers*perWorker, got)
	}

	statements := qs.Statements()
	if len(statements) != 1 {
		t.Fatalf("expected 1 fingerprint, got %d", len(statements))
	}
	if statements[0].Executions != int64(workers*perWorker) {
		t.Errorf("expected %d executions, got %d", workers*perWorker, statements[0].Executions)
	}
	if statements[0].TotalTime != time.Duration(workers*perWorker)*time.Millisecond {
		t.Errorf("unexpected total time %v", statements[0].TotalTime)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("SELECT 1")
	b := Fingerprint("SELECT 1")
	c := Fingerprint("SELECT 2")
	if a != b {
		t.Error("same SQL should have the same fingerprint")
	}
	if a == c {
		t.Error("different SQL should have different fingerprints")
	}
}

func TestStatementsOrdering(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	for i := 0; i < 3; i++ {
		qs.RecordQuery("SELECT a", 0)
	}
	qs.RecordQuery("SELECT b", 0)

	statements := qs.Statements()
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(statements))
	}
	if statements[0].SQL != "SELECT a" || statements[0].Executions != 3 {
		t.Errorf("expected SELECT a first with 3 executions, got %s with %d", statements[0].SQL, statements[0].Executions)
	}
}

func TestGetTopPredicatesOrdering(t *testing.T) {
	qs := NewQueryStats(time.Hour)

	for i := 0; i < 10; i++ {
		qs.RecordPredicate("journals.entity_id", "=")
	}
	for i := 0; i < 5; i++ {
		qs.RecordPredicate("journables.created_at", ">")
	}
	for i := 0; i < 20; i++ {
		qs.RecordPredicate("journals.recorded_at", "<=")
	}

	top := qs.GetTopPredicates(3)
	if len(top) != 3 {
		t.Fatalf("expected 3 predicates, got %d", len(top))
	}
	if top[0].Column != "journals.recorded_at" || top[0].Frequency != 20 {
		t.Errorf("expected journals.recorded_at with frequency 20, got %s with %d", top[0].Column, top[0].Frequency)
	}
	if top[1].Column != "journals.entity_id" || top[1].Frequency != 10 {
		t.Errorf("expected journals.entity_id with frequency 10, got %s with %d", top[1].Column, top[1].Frequency)
	}
	if top[2].Column != "journables.created_at" || top[2].Frequency != 5 {
		t.Errorf("expected journables.created_at with frequency 5, got %s with %d", top[2].Column, top[2].Frequency)
	}
}

func TestRecordPayloadFieldOperators(t *testing.T) {
	qs := NewQueryStats(time.Hour)

	for i := 0; i < 4; i++ {
		qs.RecordPayloadField("subject", "LIKE")
	}
	qs.RecordPayloadField("subject", "=")
	qs.RecordPayloadField("status", "=")

	top := qs.GetTopPayloadFields(1)
	if len(top) != 1 {
		t.Fatalf("expected 1 field, got %d", len(top))
	}
	if top[0].Column != "subject" || top[0].Frequency != 5 {
		t.Errorf("expected subject with frequency 5, got %s with %d", top[0].Column, top[0].Frequency)
	}
	if top[0].Operators["LIKE"] != 4 || top[0].Operators["="] != 1 {
		t.Errorf("unexpected operator distribution %v", top[0].Operators)
	}
}

func TestGetTopReturnsCopies(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	qs.RecordPayloadField("subject", "=")

	top := qs.GetTopPayloadFields(1)
	top[0].Operators["="] = 99

	again := qs.GetTopPayloadFields(1)
	if again[0].Operators["="] != 1 {
		t.Error("modifying returned stats must not affect tracked state")
	}
}

func TestPruneRemovesOldEntries(t *testing.T) {
	window := 100 * time.Millisecond
	qs := NewQueryStats(window)

	qs.RecordPredicate("journals.entity_id", "=")
	qs.RecordPayloadField("subject", "LIKE")
	qs.RecordQuery("SELECT 1", 0)

	time.Sleep(window + 50*time.Millisecond)
	qs.Prune()

	if len(qs.GetTopPredicates(10)) != 0 {
		t.Error("expected predicates to be pruned")
	}
	if len(qs.GetTopPayloadFields(10)) != 0 {
		t.Error("expected payload fields to be pruned")
	}
	if len(qs.Statements()) != 0 {
		t.Error("expected statements to be pruned")
	}
	if qs.TotalQueries() != 1 {
		t.Errorf("prune must keep the total count, got %d", qs.TotalQueries())
	}
}

func TestResetClearsEverything(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	qs.RecordQuery("SELECT 1", 0)
	qs.RecordPredicate("journals.entity_id", "=")
	qs.Reset()

	if qs.TotalQueries() != 0 || len(qs.Statements()) != 0 || len(qs.GetTopPredicates(10)) != 0 {
		t.Error("Reset should clear all counters")
	}
}

func TestGetTopEmpty(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	if len(qs.GetTopPredicates(10)) != 0 {
		t.Error("expected no predicates")
	}
	if len(qs.GetTopPayloadFields(0)) != 0 {
		t.Error("expected no payload fields for n=0")
	}
}
