package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/workflow-orchestrator/internal/models"
)

type memStore struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	fail    error
	block   chan struct{}
}

func (m *memStore) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, *e)
	return nil
}

type memSink struct {
	mu      sync.Mutex
	records []FallbackRecord
}

func (s *memSink) Write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, v.(FallbackRecord))
	return nil
}

func TestRecorderPersistsInOrder(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	r := NewRecorder(store, &memSink{}, Options{})
	for i := 0; i < 10; i++ {
		r.Record(models.AuditEntry{TaskID: "t1", ActionType: fmt.Sprintf("a%d", i), Success: true})
	}
	r.Close()
	if len(store.entries) != 10 {
		t.Fatalf("persisted %d entries, want 10", len(store.entries))
	}
	for i, e := range store.entries {
		if e.ActionType != fmt.Sprintf("a%d", i) || e.CreatedAt.IsZero() {
			t.Fatalf("entry %d out of order or unstamped: %+v", i, e)
		}
	}
}

func TestRecorderFallsBackWhenStoreUnavailable(t *testing.T) {
	t.Parallel()
	store := &memStore{fail: fmt.Errorf("append: %w", models.ErrPersistence)}
	sink := &memSink{}
	r := NewRecorder(store, sink, Options{Retries: 2, RetryDelay: time.Millisecond})
	r.Record(models.AuditEntry{TaskID: "t1", ActionType: ActionTaskCreated})
	r.Close()
	if len(sink.records) != 1 {
		t.Fatalf("fallback records = %d, want 1", len(sink.records))
	}
	rec := sink.records[0]
	if rec.Entry.ActionType != ActionTaskCreated || rec.Error == "" {
		t.Fatalf("unexpected fallback record: %+v", rec)
	}
}

func TestRecorderSpillsWhenBufferFull(t *testing.T) {
	t.Parallel()
	store := &memStore{block: make(chan struct{})}
	sink := &memSink{}
	r := NewRecorder(store, sink, Options{BufferSize: 1})
	// The first entry is picked up by the writer and blocks there, the
	// second fills the buffer, so later ones must spill.
	for i := 0; i < 5; i++ {
		r.Record(models.AuditEntry{TaskID: "t1", ActionType: "x"})
	}
	close(store.block)
	r.Close()
	total := len(store.entries) + len(sink.records)
	if total != 5 {
		t.Fatalf("entries lost: store=%d fallback=%d", len(store.entries), len(sink.records))
	}
	if len(sink.records) == 0 {
		t.Fatal("expected at least one spilled entry")
	}
}

func TestRecordAfterCloseSpills(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	r := NewRecorder(&memStore{}, sink, Options{})
	r.Close()
	r.Close()
	r.Record(models.AuditEntry{ActionType: "late"})
	if len(sink.records) != 1 || sink.records[0].Error == "" {
		t.Fatalf("late record not spilled: %+v", sink.records)
	}
}

func TestNonPersistenceErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	calls := 0
	store := appenderFunc(func(ctx context.Context, e *models.AuditEntry) error {
		calls++
		return errors.New("bad entry")
	})
	sink := &memSink{}
	r := NewRecorder(store, sink, Options{Retries: 5, RetryDelay: time.Millisecond})
	r.Record(models.AuditEntry{ActionType: "x"})
	r.Close()
	if calls != 1 || len(sink.records) != 1 {
		t.Fatalf("calls=%d fallback=%d", calls, len(sink.records))
	}
}

type appenderFunc func(ctx context.Context, e *models.AuditEntry) error

func (f appenderFunc) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error { return f(ctx, e) }
