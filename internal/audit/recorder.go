// Package audit records an append-only trail of every state transition and
// external call. Recording never blocks orchestration on the store; entries
// the store rejects are written to a fallback sink instead of being dropped.
package audit

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/example/workflow-orchestrator/internal/models"
)

// Action types written by the gate and the scheduler.
const (
	ActionEventAccepted  = "event_accepted"
	ActionEventDuplicate = "event_duplicate"
	ActionEventRejected  = "event_rejected"
	ActionTaskCreated    = "task_created"
	ActionTaskStarted    = "task_started"
	ActionTaskCompleted  = "task_completed"
	ActionTaskFailed     = "task_failed"
	ActionTaskCancelled  = "task_cancelled"
	ActionStepDispatched = "step_dispatched"
	ActionStepSucceeded  = "step_succeeded"
	ActionStepFailed     = "step_failed"
	ActionStepRetry      = "step_retry_scheduled"
	ActionStepSkipped    = "step_skipped"
	ActionStepReclaimed  = "step_reclaimed"
	ActionGateEvaluated  = "quality_gate_evaluated"
	ActionAgentCall      = "agent_call"
)

type Appender interface {
	AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error
}

type FallbackSink interface {
	Write(v any) error
}

// FallbackRecord is what lands in the fallback sink.
type FallbackRecord struct {
	Entry models.AuditEntry `json:"entry"`
	Error string            `json:"error"`
}

type Options struct {
	BufferSize int
	Retries    int
	RetryDelay time.Duration
	Now        func() time.Time
}

type Recorder struct {
	store    Appender
	fallback FallbackSink
	opts     Options

	mu     sync.RWMutex
	closed bool
	queue  chan models.AuditEntry
	done   chan struct{}
}

func NewRecorder(store Appender, fallback FallbackSink, opts Options) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Recorder{
		store:    store,
		fallback: fallback,
		opts:     opts,
		queue:    make(chan models.AuditEntry, opts.BufferSize),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e. The creation time is stamped here so that entries keep
// the order in which callers produced them.
func (r *Recorder) Record(e models.AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.opts.Now().UTC()
	}
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.spill(e, errors.New("recorder closed"))
		return
	}
	select {
	case r.queue <- e:
		r.mu.RUnlock()
	default:
		r.mu.RUnlock()
		r.spill(e, errors.New("audit buffer full"))
	}
}

// Close stops accepting entries and waits until the queue is drained.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		if err := r.persist(e); err != nil {
			r.spill(e, err)
		}
	}
}

func (r *Recorder) persist(e models.AuditEntry) error {
	var err error
	for attempt := 0; attempt < r.opts.Retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		entry := e
		err = r.store.AppendAuditEntry(ctx, &entry)
		cancel()
		if err == nil || !errors.Is(err, models.ErrPersistence) {
			return err
		}
		time.Sleep(r.opts.RetryDelay * time.Duration(1<<attempt))
	}
	return err
}

func (r *Recorder) spill(e models.AuditEntry, cause error) {
	if r.fallback == nil {
		log.Printf("audit: dropped %s for task %s: %v", e.ActionType, e.TaskID, cause)
		return
	}
	if err := r.fallback.Write(FallbackRecord{Entry: e, Error: cause.Error()}); err != nil {
		log.Printf("audit: fallback write failed for %s task %s: %v (cause: %v)", e.ActionType, e.TaskID, err, cause)
	}
}
