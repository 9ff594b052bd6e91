package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/example/workflow-orchestrator/internal/agents"
	"github.com/example/workflow-orchestrator/internal/audit"
	"github.com/example/workflow-orchestrator/internal/dag"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/observability"
	"github.com/example/workflow-orchestrator/internal/store"
	"github.com/example/workflow-orchestrator/internal/worker"
)

type skipDecision struct {
	step   string
	reason string
}

// schedule is what one look at a task's steps allows the scheduler to do.
type schedule struct {
	skip  []skipDecision
	ready []*models.Step
	// wake is the earliest retry time of a step whose dependencies are met
	// but whose backoff has not elapsed.
	wake *time.Time
	// open counts waiting and running steps left after skip propagation.
	open int
}

// planSchedule is pure: it decides skips and the ordered ready set from a
// snapshot of the task.
func planSchedule(task *models.Task, now time.Time, reorder bool) schedule {
	status := make(map[string]models.StepStatus, len(task.Steps))
	for _, s := range task.Steps {
		status[s.Name] = s.Status
	}

	var sc schedule
	for changed := true; changed; {
		changed = false
		for _, s := range task.Steps {
			if status[s.Name] != models.StepWaiting {
				continue
			}
			if _, blocked := depsState(s, status); blocked != "" {
				status[s.Name] = models.StepSkipped
				sc.skip = append(sc.skip, skipDecision{step: s.Name, reason: fmt.Sprintf("dependency %s did not succeed", blocked)})
				changed = true
			}
		}
	}

	for _, s := range task.Steps {
		st := status[s.Name]
		if st == models.StepRunning {
			sc.open++
			continue
		}
		if st != models.StepWaiting {
			continue
		}
		sc.open++
		if met, _ := depsState(s, status); !met {
			continue
		}
		if s.NextAttemptAt != nil && now.Before(*s.NextAttemptAt) {
			if sc.wake == nil || s.NextAttemptAt.Before(*sc.wake) {
				at := *s.NextAttemptAt
				sc.wake = &at
			}
			continue
		}
		sc.ready = append(sc.ready, s)
	}

	var dependents map[string]int
	if reorder {
		dependents = dag.DependentCounts(dag.FromSteps(task.Steps))
	}
	sort.SliceStable(sc.ready, func(i, j int) bool {
		a, b := sc.ready[i], sc.ready[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if ga, gb := groupRank(a), groupRank(b); ga != gb {
			return ga < gb
		}
		if reorder && dependents[a.Name] != dependents[b.Name] {
			return dependents[a.Name] > dependents[b.Name]
		}
		return a.Position < b.Position
	})
	return sc
}

// depsState reports whether every dependency allows s to run, or the first
// dependency that rules it out for good.
func depsState(s *models.Step, status map[string]models.StepStatus) (met bool, blocked string) {
	met = true
	for _, dep := range s.Dependencies {
		switch status[dep] {
		case models.StepSucceeded:
		case models.StepFailed, models.StepSkipped:
			if !s.AllowFailedDeps {
				return false, dep
			}
		default:
			met = false
		}
	}
	return met, ""
}

func groupRank(s *models.Step) int {
	if s.ParallelGroup < 0 {
		return math.MaxInt
	}
	return s.ParallelGroup
}

// Drive brings a task one round forward: it starts a pending task, propagates
// skips, dispatches every ready step and finalizes the task once nothing is
// left to run. Every change goes through a store compare-and-set, so a drive
// that loses a race simply leaves the step to the winner.
func (o *Orchestrator) Drive(ctx context.Context, taskID string) error {
	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		o.stopRedrive(taskID)
		return nil
	}
	if task.Status == models.TaskPending {
		err := o.withRetry(ctx, "start task", func() error {
			return o.store.TransitionTask(ctx, taskID, store.TaskTransition{
				From: []models.TaskStatus{models.TaskPending}, To: models.TaskRunning, Phase: "running",
			})
		})
		switch {
		case err == nil:
			o.record(taskID, "", audit.ActionTaskStarted, "", true, "", 0, nil)
			o.logger.LogTask(taskID, map[string]any{"status": models.TaskRunning})
			o.publishTask(taskID, models.TaskRunning, 0, "running", "")
		case errors.Is(err, models.ErrConflict):
		default:
			return err
		}
		if task, err = o.loadTask(ctx, taskID); err != nil {
			return err
		}
		if task.Status != models.TaskRunning {
			return nil
		}
	}

	now := o.now()
	sc := planSchedule(task, now, o.allowReordering(task))

	for _, sk := range sc.skip {
		err := o.withRetry(ctx, "skip step", func() error {
			return o.store.TransitionStep(ctx, taskID, sk.step, store.StepTransition{
				From: models.StepWaiting, To: models.StepSkipped, Error: sk.reason, FinishedAt: &now, ClearSchedule: true,
			})
		})
		if err != nil {
			if errors.Is(err, models.ErrConflict) {
				continue
			}
			return err
		}
		o.record(taskID, sk.step, audit.ActionStepSkipped, "", true, sk.reason, 0, nil)
		o.logger.LogStep(taskID, sk.step, map[string]any{"status": models.StepSkipped, "reason": sk.reason})
		o.publishStep(taskID, sk.step, models.StepSkipped, 0, sk.reason)
	}

	for _, s := range sc.ready {
		dispatched, err := o.dispatch(ctx, task, s, now)
		if err != nil {
			return err
		}
		if !dispatched {
			break
		}
	}
	if sc.wake != nil {
		o.scheduleRedrive(taskID, *sc.wake)
	}

	if sc.open == 0 {
		return o.finalize(ctx, taskID)
	}
	return o.updateProgress(ctx, taskID)
}

func (o *Orchestrator) loadTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task *models.Task
	err := o.withRetry(ctx, "load task", func() error {
		var err error
		task, err = o.store.GetTask(ctx, taskID)
		return err
	})
	return task, err
}

func (o *Orchestrator) allowReordering(task *models.Task) bool {
	if task.TemplateID == "" || o.templates == nil {
		return false
	}
	tpl, err := o.templates.Get(task.TemplateID)
	return err == nil && tpl.AllowReordering
}

// dispatch claims a ready step and hands it to the pool. It reports false when
// the pool refused the job, in which case the claim has been rolled back.
func (o *Orchestrator) dispatch(ctx context.Context, task *models.Task, s *models.Step, now time.Time) (bool, error) {
	prev := s.AttemptCount
	attempt := prev + 1
	deadline := now.Add(s.Timeout + o.cfg.LeaseGrace)
	err := o.withRetry(ctx, "claim step", func() error {
		return o.store.TransitionStep(ctx, task.ID, s.Name, store.StepTransition{
			From: models.StepWaiting, To: models.StepRunning,
			ExpectAttempt: &prev, AttemptCount: &attempt,
			StartedAt: &now, Deadline: &deadline,
		})
	})
	if errors.Is(err, models.ErrConflict) {
		// Another drive claimed it, or the task was cancelled.
		return true, nil
	}
	if err != nil {
		return false, err
	}

	upstream := map[string]string{}
	for _, dep := range s.Dependencies {
		if out, ok := task.Results[dep]; ok {
			upstream[dep] = out
		}
	}
	input := replacePlaceholders(s.TaskText, task.Results, task.Input)
	step := *s
	step.AttemptCount = attempt

	job := worker.Job{
		TaskID:  task.ID,
		Step:    s.Name,
		Attempt: attempt,
		Timeout: s.Timeout,
		Run: func(ctx context.Context) (string, error) {
			start := o.now()
			out, err := o.executor.Execute(ctx, agents.Request{Capability: s.Agent, TaskText: input, Upstream: upstream})
			errMsg := ""
			if err != nil {
				errMsg = err.Error()
			}
			o.record(task.ID, s.Name, audit.ActionAgentCall, s.Agent, err == nil, errMsg, o.now().Sub(start),
				map[string]string{"attempt": fmt.Sprint(attempt)})
			return out, err
		},
	}
	submitErr := o.pool.Submit(job, func(res worker.Result) {
		o.handleResult(task, &step, input, res)
	})
	if submitErr != nil {
		o.unclaim(ctx, task.ID, s.Name, attempt, prev, submitErr)
		return false, nil
	}

	o.record(task.ID, s.Name, audit.ActionStepDispatched, s.Agent, true, "", 0, map[string]string{
		"attempt":  fmt.Sprint(attempt),
		"deadline": deadline.Format(time.RFC3339),
	})
	o.logger.Log(observability.Event{Type: observability.EventTypeDispatch, TaskID: task.ID, Step: s.Name, Data: map[string]any{
		"agent": s.Agent, "attempt": attempt, "timeout": s.Timeout.String(),
	}})
	o.publishStep(task.ID, s.Name, models.StepRunning, attempt, "")
	return true, nil
}

// unclaim puts a step the pool would not take back to waiting with its
// attempt count restored and re-drives the task shortly after.
func (o *Orchestrator) unclaim(ctx context.Context, taskID, step string, attempt, prev int, cause error) {
	retryAt := o.now().Add(o.cfg.DispatchRetryDelay)
	err := o.withRetry(ctx, "unclaim step", func() error {
		return o.store.TransitionStep(ctx, taskID, step, store.StepTransition{
			From: models.StepRunning, To: models.StepWaiting,
			ExpectAttempt: &attempt, AttemptCount: &prev,
			NextAttemptAt: &retryAt, Error: cause.Error(),
		})
	})
	if err != nil && !errors.Is(err, models.ErrConflict) {
		o.logger.LogStep(taskID, step, map[string]any{"unclaim_error": err.Error()})
	}
	o.record(taskID, step, audit.ActionStepDispatched, "", false, cause.Error(), 0, nil)
	o.scheduleRedrive(taskID, retryAt)
}

func (o *Orchestrator) updateProgress(ctx context.Context, taskID string) error {
	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskRunning {
		return nil
	}
	progress := computeProgress(task)
	phase := currentPhase(task)
	if progress == task.Progress && phase == task.CurrentPhase {
		return nil
	}
	err = o.withRetry(ctx, "update progress", func() error {
		return o.store.UpdateProgress(ctx, taskID, progress, phase)
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil
		}
		return err
	}
	if progress < task.Progress {
		progress = task.Progress
	}
	o.publishTask(taskID, models.TaskRunning, progress, phase, "")
	return nil
}

// computeProgress is the share of non-skipped steps that succeeded.
func computeProgress(task *models.Task) int {
	succeeded, counted := 0, 0
	for _, s := range task.Steps {
		if s.Status == models.StepSkipped {
			continue
		}
		counted++
		if s.Status == models.StepSucceeded {
			succeeded++
		}
	}
	if counted == 0 {
		return 0
	}
	return succeeded * 100 / counted
}

func currentPhase(task *models.Task) string {
	var running, retrying []string
	for _, s := range task.Steps {
		switch {
		case s.Status == models.StepRunning:
			running = append(running, s.Name)
		case s.Status == models.StepWaiting && s.AttemptCount > 0:
			retrying = append(retrying, s.Name)
		}
	}
	switch {
	case len(running) > 0:
		return "running: " + strings.Join(running, ", ")
	case len(retrying) > 0:
		return "waiting to retry: " + strings.Join(retrying, ", ")
	default:
		return "running"
	}
}

// finalize settles a task whose steps are all terminal. A terminally failed
// required step fails the task with the message of the earliest such failure;
// otherwise the task completes when at least one step succeeded.
func (o *Orchestrator) finalize(ctx context.Context, taskID string) error {
	task, err := o.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskRunning {
		return nil
	}
	for _, s := range task.Steps {
		if !s.Status.IsTerminal() {
			return nil
		}
	}

	to, errMsg := settle(task)
	progress := computeProgress(task)
	phase := string(to)
	err = o.withRetry(ctx, "finalize task", func() error {
		return o.store.TransitionTask(ctx, taskID, store.TaskTransition{
			From: []models.TaskStatus{models.TaskRunning}, To: to, Phase: phase, ErrorMessage: errMsg, Progress: &progress,
		})
	})
	if errors.Is(err, models.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	o.stopRedrive(taskID)
	action := audit.ActionTaskCompleted
	if to == models.TaskFailed {
		action = audit.ActionTaskFailed
	}
	o.record(taskID, "", action, "", to == models.TaskCompleted, errMsg, 0, map[string]string{"progress": fmt.Sprint(progress)})
	o.logger.LogTask(taskID, map[string]any{"status": to, "progress": progress, "error": errMsg})
	o.publishTask(taskID, to, progress, phase, errMsg)
	return nil
}

func settle(task *models.Task) (models.TaskStatus, string) {
	var firstFailed *models.Step
	anySucceeded := false
	for _, s := range task.Steps {
		switch s.Status {
		case models.StepSucceeded:
			anySucceeded = true
		case models.StepFailed:
			if s.Optional {
				continue
			}
			if firstFailed == nil || finishedBefore(s, firstFailed) {
				firstFailed = s
			}
		}
	}
	if firstFailed != nil {
		return models.TaskFailed, fmt.Sprintf("step %s failed: %s", firstFailed.Name, firstFailed.Error)
	}
	if !anySucceeded {
		return models.TaskFailed, "no step succeeded"
	}
	return models.TaskCompleted, ""
}

func finishedBefore(a, b *models.Step) bool {
	if a.FinishedAt == nil || b.FinishedAt == nil {
		return a.FinishedAt != nil
	}
	return a.FinishedAt.Before(*b.FinishedAt)
}
