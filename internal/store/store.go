// Package store is the single source of truth for orchestration state.
// Every status change is a compare-and-set against the persisted status, so
// concurrent schedulers (or a scheduler racing a late worker result) can never
// both win the same transition.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/example/workflow-orchestrator/internal/models"
)

type Store interface {
	// CreateTask validates the step graph and persists the task with all of
	// its steps atomically.
	CreateTask(ctx context.Context, task *models.Task) error
	// IngestEvent deduplicates ev.Token inside window and, on first sight,
	// creates task in the same transaction. It returns the task id that owns
	// the token and whether the event was a duplicate.
	IngestEvent(ctx context.Context, ev models.IngestedEvent, window time.Duration, task *models.Task) (string, bool, error)
	// LookupEvent reports the task that owns token when it was recorded no
	// earlier than now-window. It never writes.
	LookupEvent(ctx context.Context, token string, now time.Time, window time.Duration) (string, bool, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	TransitionStep(ctx context.Context, taskID, step string, tr StepTransition) error
	TransitionTask(ctx context.Context, id string, tr TaskTransition) error
	// CancelTask moves a non-terminal task to cancelled and skips every
	// non-terminal step in one transaction.
	CancelTask(ctx context.Context, id, reason string) ([]string, error)
	UpdateProgress(ctx context.Context, id string, progress int, phase string) error

	AppendConversationEntry(ctx context.Context, e *models.ConversationEntry) error
	ListConversation(ctx context.Context, taskID string) ([]models.ConversationEntry, error)
	AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error
	ListAudit(ctx context.Context, taskID string) ([]models.AuditEntry, error)

	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

type TaskFilter struct {
	Statuses []models.TaskStatus
	Limit    int
}

// StepTransition is a compare-and-set on a step. Nil pointer fields are left
// untouched; Error always overwrites the stored error text.
type StepTransition struct {
	From          models.StepStatus
	To            models.StepStatus
	ExpectAttempt *int
	AttemptCount  *int
	Output        *string
	Error         string
	NextAttemptAt *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Deadline      *time.Time
	// ClearSchedule resets next_attempt_at and deadline to NULL.
	ClearSchedule bool
}

type TaskTransition struct {
	From         []models.TaskStatus
	To           models.TaskStatus
	Phase        string
	ErrorMessage string
	Progress     *int
}

var allowedStepTransitions = map[models.StepStatus]map[models.StepStatus]struct{}{
	models.StepWaiting: {
		models.StepRunning: {},
		models.StepSkipped: {},
	},
	models.StepRunning: {
		models.StepSucceeded: {},
		models.StepFailed:    {},
		models.StepWaiting:   {},
		models.StepSkipped:   {},
	},
	models.StepSucceeded: {},
	models.StepFailed:    {},
	models.StepSkipped:   {},
}

var allowedTaskTransitions = map[models.TaskStatus]map[models.TaskStatus]struct{}{
	models.TaskPending: {
		models.TaskRunning:   {},
		models.TaskCancelled: {},
	},
	models.TaskRunning: {
		models.TaskCompleted: {},
		models.TaskFailed:    {},
		models.TaskCancelled: {},
	},
	models.TaskCompleted: {},
	models.TaskFailed:    {},
	models.TaskCancelled: {},
}

func ValidateStepTransition(from, to models.StepStatus) error {
	next, ok := allowedStepTransitions[from]
	if !ok {
		return fmt.Errorf("%w: invalid step status %q", models.ErrValidation, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: invalid step transition %s -> %s", models.ErrValidation, from, to)
	}
	return nil
}

func ValidateTaskTransition(from, to models.TaskStatus) error {
	next, ok := allowedTaskTransitions[from]
	if !ok {
		return fmt.Errorf("%w: invalid task status %q", models.ErrValidation, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: invalid task transition %s -> %s", models.ErrValidation, from, to)
	}
	return nil
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%s: %w (%w)", op, models.ErrPersistence, err)
}
