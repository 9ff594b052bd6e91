package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/workflow-orchestrator/internal/audit"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/observability"
	"github.com/example/workflow-orchestrator/internal/store"
)

// Run sweeps once immediately and then every SweepInterval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("scheduler: sweep: %v", err)
	}
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("scheduler: sweep: %v", err)
			}
		}
	}
}

// Sweep reclaims running steps whose lease deadline has passed and re-drives
// every non-terminal task. It is how work survives a restart: nothing about a
// task lives outside the store.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	var tasks []*models.Task
	err := o.withRetry(ctx, "list open tasks", func() error {
		var err error
		tasks, err = o.store.ListTasks(ctx, store.TaskFilter{Statuses: []models.TaskStatus{models.TaskPending, models.TaskRunning}})
		return err
	})
	if err != nil {
		return err
	}
	now := o.now()
	reclaimed := 0
	for _, t := range tasks {
		for _, s := range t.Steps {
			if s.Status != models.StepRunning || s.Deadline == nil || !now.After(*s.Deadline) {
				continue
			}
			reclaimed++
			o.record(t.ID, s.Name, audit.ActionStepReclaimed, s.Agent, false, "lease expired", 0, map[string]string{
				"attempt":  fmt.Sprint(s.AttemptCount),
				"deadline": s.Deadline.Format(time.RFC3339),
			})
			cause := fmt.Errorf("step %s lease expired at %s: %w", s.Name, s.Deadline.Format(time.RFC3339), models.ErrStepTimeout)
			o.failAttempt(ctx, t.ID, s, s.AttemptCount, cause, now)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range tasks {
		id := t.ID
		g.Go(func() error {
			if err := o.Drive(gctx, id); err != nil && !errors.Is(err, models.ErrNotFound) {
				log.Printf("scheduler: sweep drive %s: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var pruned int64
	if o.cfg.EventRetention > 0 {
		err := o.withRetry(ctx, "prune events", func() error {
			var err error
			pruned, err = o.store.PruneEvents(ctx, now.Add(-o.cfg.EventRetention))
			return err
		})
		if err != nil {
			return err
		}
	}
	o.logger.Log(observability.Event{Type: observability.EventTypeSweep, Data: map[string]any{
		"open_tasks": len(tasks), "reclaimed": reclaimed, "events_pruned": pruned,
	}})
	return ctx.Err()
}
