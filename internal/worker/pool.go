// Package worker runs dispatched steps on a fixed number of goroutines fed by
// a bounded queue. The pool enforces each job's timeout itself: it never waits
// on an executor that ignores its context.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/workflow-orchestrator/internal/models"
)

// Job is one dispatched step attempt.
type Job struct {
	TaskID  string
	Step    string
	Attempt int
	Timeout time.Duration
	Run     func(ctx context.Context) (string, error)
}

// Result is the single outcome reported for a Job.
type Result struct {
	TaskID   string
	Step     string
	Attempt  int
	Output   string
	Err      error
	Started  time.Time
	Finished time.Time
}

type DoneFunc func(Result)

type Config struct {
	Concurrency int
	QueueSize   int
	Now         func() time.Time
}

type queued struct {
	job    Job
	done   DoneFunc
	ctx    context.Context
	cancel context.CancelFunc
}

type Pool struct {
	cfg   Config
	queue chan *queued

	base       context.Context
	cancelBase context.CancelFunc
	group      *errgroup.Group

	mu      sync.Mutex
	closed  bool
	started bool
	byTask  map[string]map[*queued]struct{}

	inflight sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		queue:      make(chan *queued, cfg.QueueSize),
		base:       base,
		cancelBase: cancel,
		byTask:     map[string]map[*queued]struct{}{},
	}
}

// Start launches the workers. They stop when ctx is done or the pool is closed.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			p.loop(gctx)
			return nil
		})
	}
	p.group = g
}

// Submit enqueues job. done is called exactly once unless Submit returns an
// error, in which case it is never called.
func (p *Pool) Submit(job Job, done DoneFunc) error {
	if job.Run == nil || done == nil {
		return fmt.Errorf("%w: job needs a run func and a done callback", models.ErrValidation)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: pool closed", models.ErrDispatchQueueUnavailable)
	}
	ctx, cancel := context.WithCancel(p.base)
	q := &queued{job: job, done: done, ctx: ctx, cancel: cancel}
	p.inflight.Add(1)
	select {
	case p.queue <- q:
	default:
		p.inflight.Done()
		cancel()
		return fmt.Errorf("%w: queue full (%d)", models.ErrDispatchQueueUnavailable, cap(p.queue))
	}
	set := p.byTask[job.TaskID]
	if set == nil {
		set = map[*queued]struct{}{}
		p.byTask[job.TaskID] = set
	}
	set[q] = struct{}{}
	return nil
}

// CancelTask cancels every queued and running job of a task. Their results
// carry models.ErrCancelled.
func (p *Pool) CancelTask(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for q := range p.byTask[taskID] {
		q.cancel()
		n++
	}
	return n
}

// Wait blocks until every submitted job has reported its result.
func (p *Pool) Wait() {
	p.inflight.Wait()
}

// Close stops accepting jobs, lets the workers finish the queue and waits for
// them. Jobs still queued after the workers stopped report
// ErrDispatchQueueUnavailable.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	g := p.group
	p.mu.Unlock()

	var err error
	if g != nil {
		err = g.Wait()
	}
	for q := range p.queue {
		now := p.cfg.Now()
		p.finish(q, Result{Err: fmt.Errorf("%w: pool stopped", models.ErrDispatchQueueUnavailable), Started: now, Finished: now})
	}
	p.cancelBase()
	return err
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(q)
		}
	}
}

type outcome struct {
	output string
	err    error
}

func (p *Pool) run(q *queued) {
	started := p.cfg.Now()
	if err := q.ctx.Err(); err != nil {
		p.finish(q, Result{Err: fmt.Errorf("step %s: %w", q.job.Step, models.ErrCancelled), Started: started, Finished: started})
		return
	}
	ctx := q.ctx
	cancel := func() {}
	if q.job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(q.ctx, q.job.Timeout)
	}
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: executor panic: %v", models.ErrStepExecution, r)}
			}
		}()
		out, err := q.job.Run(ctx)
		ch <- outcome{output: out, err: err}
	}()

	var res Result
	select {
	case o := <-ch:
		res = Result{Output: o.output, Err: o.err}
		if o.err != nil && ctx.Err() != nil {
			res.Err = p.contextErr(q, ctx)
		} else if o.err != nil {
			res.Err = classify(o.err)
		}
	case <-ctx.Done():
		res = Result{Err: p.contextErr(q, ctx)}
	}
	res.Started = started
	res.Finished = p.cfg.Now()
	p.finish(q, res)
}

func (p *Pool) contextErr(q *queued, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && q.ctx.Err() == nil {
		return fmt.Errorf("step %s exceeded %s: %w", q.job.Step, q.job.Timeout, models.ErrStepTimeout)
	}
	return fmt.Errorf("step %s: %w", q.job.Step, models.ErrCancelled)
}

// classify makes sure executor failures land in the retryable taxonomy.
func classify(err error) error {
	if errors.Is(err, models.ErrStepExecution) || errors.Is(err, models.ErrStepTimeout) || errors.Is(err, models.ErrGateFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrStepExecution, err)
}

func (p *Pool) finish(q *queued, res Result) {
	res.TaskID = q.job.TaskID
	res.Step = q.job.Step
	res.Attempt = q.job.Attempt
	p.mu.Lock()
	if set := p.byTask[q.job.TaskID]; set != nil {
		delete(set, q)
		if len(set) == 0 {
			delete(p.byTask, q.job.TaskID)
		}
	}
	p.mu.Unlock()
	q.cancel()
	defer p.inflight.Done()
	q.done(res)
}
