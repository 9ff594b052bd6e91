package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/workflow-orchestrator/internal/agents"
	"github.com/example/workflow-orchestrator/internal/audit"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/observability"
	"github.com/example/workflow-orchestrator/internal/store"
	"github.com/example/workflow-orchestrator/internal/templates"
	"github.com/example/workflow-orchestrator/internal/worker"
)

// Dispatcher is the worker pool as seen by the scheduler.
type Dispatcher interface {
	Submit(job worker.Job, done worker.DoneFunc) error
	CancelTask(taskID string) int
}

// Auditor receives audit entries. It must not block.
type Auditor interface {
	Record(e models.AuditEntry)
}

type Config struct {
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	DefaultMaxAttempts int
	DefaultStepTimeout time.Duration
	// LeaseGrace is added to a step's timeout to form the lease deadline a
	// sweep uses to reclaim steps orphaned by a crashed process.
	LeaseGrace         time.Duration
	SweepInterval      time.Duration
	DispatchRetryDelay time.Duration
	// EventRetention, when set, makes each sweep prune dedup rows older
	// than it.
	EventRetention  time.Duration
	PersistRetries  int
	PersistBackoff  time.Duration
	PreviewMaxBytes int
}

func (c *Config) setDefaults() {
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 10 * time.Minute
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DispatchRetryDelay <= 0 {
		c.DispatchRetryDelay = time.Second
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 100 * time.Millisecond
	}
	if c.PreviewMaxBytes <= 0 {
		c.PreviewMaxBytes = 20000
	}
}

type Deps struct {
	Store     store.Store
	Templates *templates.Registry
	Executor  agents.Executor
	Verifier  agents.Verifier
	Planner   agents.Planner
	Pool      Dispatcher
	Audit     Auditor
	Logger    *observability.Logger
}

// Orchestrator drives tasks through their step graphs. It keeps no
// authoritative state: every decision is taken on a fresh read of the store
// and applied through compare-and-set transitions, so concurrent drives of the
// same task are safe.
type Orchestrator struct {
	store     store.Store
	templates *templates.Registry
	executor  agents.Executor
	verifier  agents.Verifier
	planner   agents.Planner
	pool      Dispatcher
	audit     Auditor
	logger    *observability.Logger
	hub       *Hub
	cfg       Config

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	timers map[string]redrive
}

type redrive struct {
	at   time.Time
	stop func() bool
}

type nopAuditor struct{}

func (nopAuditor) Record(models.AuditEntry) {}

func New(deps Deps, cfg Config) *Orchestrator {
	cfg.setDefaults()
	if deps.Audit == nil {
		deps.Audit = nopAuditor{}
	}
	if deps.Logger == nil {
		deps.Logger = observability.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     deps.Store,
		templates: deps.Templates,
		executor:  deps.Executor,
		verifier:  deps.Verifier,
		planner:   deps.Planner,
		pool:      deps.Pool,
		audit:     deps.Audit,
		logger:    deps.Logger,
		hub:       NewHub(),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		afterFunc: func(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop },
		bgCtx:     ctx,
		bgCancel:  cancel,
		timers:    map[string]redrive{},
	}
}

// SetClock replaces the clock and the timer used for retry re-drives.
func (o *Orchestrator) SetClock(now func() time.Time, afterFunc func(d time.Duration, f func()) func() bool) {
	if now != nil {
		o.now = now
	}
	if afterFunc != nil {
		o.afterFunc = afterFunc
	}
}

func (o *Orchestrator) Hub() *Hub { return o.hub }

// Subscribe returns a channel carrying JSON-encoded Event payloads for a specific task.
// The caller must call the returned unsubscribe func when done.
func (o *Orchestrator) Subscribe(taskID string) (<-chan []byte, func()) {
	ch, unsub := o.hub.Subscribe(taskID)
	return ch, unsub
}

func (o *Orchestrator) defaults() templates.Defaults {
	return templates.Defaults{MaxAttempts: o.cfg.DefaultMaxAttempts, Timeout: o.cfg.DefaultStepTimeout}
}

// BuildTask turns a creation request into a pending task without persisting
// it. A request names a template, carries its own steps, or neither, in which
// case the planner proposes steps from the input text.
func (o *Orchestrator) BuildTask(ctx context.Context, req models.TaskRequest) (*models.Task, error) {
	var (
		steps []*models.Step
		err   error
	)
	switch {
	case req.TemplateID != "" && len(req.Steps) > 0:
		return nil, fmt.Errorf("%w: give either template_id or steps, not both", models.ErrValidation)
	case req.TemplateID != "":
		if o.templates == nil {
			return nil, fmt.Errorf("template %s: %w", req.TemplateID, models.ErrNotFound)
		}
		tpl, err := o.templates.Get(req.TemplateID)
		if err != nil {
			return nil, err
		}
		if steps, err = templates.Instantiate(tpl, o.defaults()); err != nil {
			return nil, err
		}
	case len(req.Steps) > 0:
		if steps, err = templates.StepsFromSpecs(req.Steps, o.defaults()); err != nil {
			return nil, err
		}
	default:
		if o.planner == nil || strings.TrimSpace(req.Input) == "" {
			return nil, fmt.Errorf("%w: a template_id, steps or input text is required", models.ErrValidation)
		}
		specs, err := o.planner.Plan(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("plan: %w", err)
		}
		if steps, err = templates.StepsFromSpecs(specs, o.defaults()); err != nil {
			return nil, err
		}
	}
	now := o.now()
	return &models.Task{
		ID:           uuid.NewString(),
		Status:       models.TaskPending,
		CurrentPhase: "queued",
		TemplateID:   req.TemplateID,
		Input:        req.Input,
		Source:       req.Source,
		Priority:     req.Priority,
		Steps:        steps,
		Results:      map[string]string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Submit creates a task from req and starts driving it.
func (o *Orchestrator) Submit(ctx context.Context, req models.TaskRequest) (string, error) {
	task, err := o.BuildTask(ctx, req)
	if err != nil {
		return "", err
	}
	if err := o.withRetry(ctx, "create task", func() error { return o.store.CreateTask(ctx, task) }); err != nil {
		return "", err
	}
	o.Launch(task)
	return task.ID, nil
}

// Launch announces a freshly persisted task and schedules its first drive.
func (o *Orchestrator) Launch(task *models.Task) {
	o.record(task.ID, "", audit.ActionTaskCreated, "", true, "", 0, map[string]string{
		"template_id": task.TemplateID,
		"source":      task.Source,
		"steps":       fmt.Sprint(len(task.Steps)),
	})
	o.logger.LogTask(task.ID, map[string]any{"status": task.Status, "template_id": task.TemplateID, "steps": len(task.Steps)})
	o.publishTask(task.ID, task.Status, 0, task.CurrentPhase, "")
	o.Kick(task.ID)
}

// Kick drives a task asynchronously.
func (o *Orchestrator) Kick(taskID string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.bgWG.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.bgWG.Done()
		if err := o.Drive(o.bgCtx, taskID); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("scheduler: task %s: %v", taskID, err)
		}
	}()
}

// Cancel moves a non-terminal task to cancelled, skips its open steps and
// cancels its in-flight work.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	var skipped []string
	err := o.withRetry(ctx, "cancel task", func() error {
		var err error
		skipped, err = o.store.CancelTask(ctx, taskID, "cancelled by request")
		return err
	})
	if err != nil {
		return err
	}
	if o.pool != nil {
		o.pool.CancelTask(taskID)
	}
	o.stopRedrive(taskID)
	for _, name := range skipped {
		o.record(taskID, name, audit.ActionStepSkipped, "", true, "task cancelled", 0, nil)
		o.publishStep(taskID, name, models.StepSkipped, 0, "task cancelled")
	}
	o.record(taskID, "", audit.ActionTaskCancelled, "", true, "", 0, map[string]string{"skipped": strings.Join(skipped, ",")})
	o.logger.LogTask(taskID, map[string]any{"status": models.TaskCancelled, "skipped": skipped})
	o.publishTask(taskID, models.TaskCancelled, -1, "cancelled", "cancelled by request")
	return nil
}

// Close stops timers and background drives. In-flight pool jobs still report
// their results to the store.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for id, t := range o.timers {
		t.stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()
	o.bgCancel()
	o.bgWG.Wait()
}

func (o *Orchestrator) scheduleRedrive(taskID string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if cur, ok := o.timers[taskID]; ok {
		if !cur.at.After(at) {
			return
		}
		cur.stop()
	}
	d := at.Sub(o.now())
	if d < 0 {
		d = 0
	}
	stop := o.afterFunc(d, func() {
		o.mu.Lock()
		if cur, ok := o.timers[taskID]; ok && cur.at.Equal(at) {
			delete(o.timers, taskID)
		}
		o.mu.Unlock()
		o.Kick(taskID)
	})
	o.timers[taskID] = redrive{at: at, stop: stop}
}

func (o *Orchestrator) stopRedrive(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.timers[taskID]; ok {
		cur.stop()
		delete(o.timers, taskID)
	}
}

// withRetry retries fn while it fails with a persistence error.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < o.cfg.PersistRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, models.ErrPersistence) {
			return err
		}
		log.Printf("scheduler: %s: %v (attempt %d/%d)", op, err, attempt+1, o.cfg.PersistRetries)
		t := time.NewTimer(o.cfg.PersistBackoff * time.Duration(1<<attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (o *Orchestrator) record(taskID, step, action, agent string, success bool, errMsg string, took time.Duration, details map[string]string) {
	o.audit.Record(models.AuditEntry{
		TaskID:        taskID,
		StepName:      step,
		ActionType:    action,
		AgentID:       agent,
		Success:       success,
		ErrorMessage:  errMsg,
		ExecutionTime: took,
		Details:       details,
		CreatedAt:     o.now(),
	})
}
