package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/workflow-orchestrator/internal/audit"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/observability"
	"github.com/example/workflow-orchestrator/internal/store"
	"github.com/example/workflow-orchestrator/internal/worker"
)

// handleResult is the pool's completion callback for one attempt. It runs on
// a worker goroutine, so the follow-up drive is kicked off asynchronously.
func (o *Orchestrator) handleResult(task *models.Task, step *models.Step, input string, res worker.Result) {
	ctx := o.bgCtx
	if errors.Is(res.Err, models.ErrCancelled) {
		// The task was cancelled; the store already skipped the step.
		return
	}
	if errors.Is(res.Err, models.ErrDispatchQueueUnavailable) {
		o.unclaim(ctx, task.ID, step.Name, res.Attempt, res.Attempt-1, res.Err)
		return
	}
	defer o.Kick(task.ID)

	entry := &models.ConversationEntry{
		TaskID:   task.ID,
		StepName: step.Name,
		Agent:    step.Agent,
		Attempt:  res.Attempt,
		Input:    input,
		Output:   res.Output,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if err := o.withRetry(ctx, "append conversation", func() error { return o.store.AppendConversationEntry(ctx, entry) }); err != nil {
		o.logger.LogStep(task.ID, step.Name, map[string]any{"conversation_error": err.Error()})
	}

	cause := res.Err
	if cause == nil && len(step.Gates) > 0 && o.verifier != nil {
		ok, reason := o.verifier.Verify(ctx, task, step, res.Output)
		o.record(task.ID, step.Name, audit.ActionGateEvaluated, step.Agent, ok, "", 0, map[string]string{"reason": reason})
		o.logger.Log(observability.Event{Type: observability.EventTypeGate, TaskID: task.ID, Step: step.Name, Data: map[string]any{
			"passed": ok, "reason": reason, "attempt": res.Attempt,
		}})
		if !ok {
			cause = fmt.Errorf("%w: %s", models.ErrGateFailed, reason)
		}
	}
	if cause != nil {
		o.failAttempt(ctx, task.ID, step, res.Attempt, cause, o.now())
		return
	}

	finished := o.now()
	output := res.Output
	attempt := res.Attempt
	err := o.withRetry(ctx, "complete step", func() error {
		return o.store.TransitionStep(ctx, task.ID, step.Name, store.StepTransition{
			From: models.StepRunning, To: models.StepSucceeded, ExpectAttempt: &attempt,
			Output: &output, FinishedAt: &finished, ClearSchedule: true,
		})
	})
	if err != nil {
		o.lateResult(task.ID, step.Name, attempt, err)
		return
	}
	o.record(task.ID, step.Name, audit.ActionStepSucceeded, step.Agent, true, "", res.Finished.Sub(res.Started),
		map[string]string{"attempt": fmt.Sprint(attempt), "bytes": fmt.Sprint(len(output))})
	o.logger.LogStep(task.ID, step.Name, map[string]any{"status": models.StepSucceeded, "attempt": attempt, "duration": res.Finished.Sub(res.Started).String()})
	o.publishStep(task.ID, step.Name, models.StepSucceeded, attempt, "")
	o.publishResult(task.ID, step.Name, output)
}

// failAttempt sends a failed attempt down the retry path when the failure is
// retryable and attempts remain, and fails the step otherwise.
func (o *Orchestrator) failAttempt(ctx context.Context, taskID string, step *models.Step, attempt int, cause error, finished time.Time) {
	if finished.IsZero() {
		finished = o.now()
	}
	if models.Retryable(cause) && attempt < step.MaxAttempts {
		delay := o.backoff(attempt)
		next := finished.Add(delay)
		err := o.withRetry(ctx, "schedule retry", func() error {
			return o.store.TransitionStep(ctx, taskID, step.Name, store.StepTransition{
				From: models.StepRunning, To: models.StepWaiting, ExpectAttempt: &attempt,
				Error: cause.Error(), NextAttemptAt: &next, FinishedAt: &finished,
			})
		})
		if err != nil {
			o.lateResult(taskID, step.Name, attempt, err)
			return
		}
		o.record(taskID, step.Name, audit.ActionStepRetry, step.Agent, false, cause.Error(), 0, map[string]string{
			"attempt":         fmt.Sprint(attempt),
			"next_attempt_at": next.Format(time.RFC3339Nano),
		})
		o.logger.LogRetry(taskID, step.Name, attempt, delay, cause.Error())
		o.publishStep(taskID, step.Name, models.StepWaiting, attempt, cause.Error())
		o.scheduleRedrive(taskID, next)
		return
	}

	err := o.withRetry(ctx, "fail step", func() error {
		return o.store.TransitionStep(ctx, taskID, step.Name, store.StepTransition{
			From: models.StepRunning, To: models.StepFailed, ExpectAttempt: &attempt,
			Error: cause.Error(), FinishedAt: &finished, ClearSchedule: true,
		})
	})
	if err != nil {
		o.lateResult(taskID, step.Name, attempt, err)
		return
	}
	o.record(taskID, step.Name, audit.ActionStepFailed, step.Agent, false, cause.Error(), 0, map[string]string{"attempt": fmt.Sprint(attempt)})
	o.logger.LogStep(taskID, step.Name, map[string]any{"status": models.StepFailed, "attempt": attempt, "error": cause.Error()})
	o.publishStep(taskID, step.Name, models.StepFailed, attempt, cause.Error())
}

// lateResult logs an outcome the store refused. A conflict means the step was
// cancelled, reclaimed or already settled, and the outcome is discarded.
func (o *Orchestrator) lateResult(taskID, step string, attempt int, err error) {
	data := map[string]any{"attempt": attempt, "discarded": true, "error": err.Error()}
	if !errors.Is(err, models.ErrConflict) {
		data["discarded"] = false
	}
	o.logger.LogStep(taskID, step, data)
}

// backoff is RetryBaseDelay * 2^(attempt-1), capped at RetryMaxDelay.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := o.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.RetryMaxDelay {
			return o.cfg.RetryMaxDelay
		}
	}
	if d > o.cfg.RetryMaxDelay {
		return o.cfg.RetryMaxDelay
	}
	return d
}
