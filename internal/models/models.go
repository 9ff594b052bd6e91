package models

import (
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type StepStatus string

const (
	StepWaiting   StepStatus = "waiting"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// Task is one orchestrated unit of work. Steps are kept in declaration order.
// Results is rebuilt from succeeded steps whenever a task is loaded.
type Task struct {
	ID           string            `json:"task_id"`
	Status       TaskStatus        `json:"status"`
	Progress     int               `json:"progress"`
	CurrentPhase string            `json:"current_phase"`
	TemplateID   string            `json:"template_id,omitempty"`
	Input        string            `json:"input,omitempty"`
	Source       string            `json:"source,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	Steps        []*Step           `json:"steps"`
	Results      map[string]string `json:"results"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Step returns the step with the given name, or nil.
func (t *Task) Step(name string) *Step {
	for _, s := range t.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Step is one node of a task's dependency graph.
type Step struct {
	Name            string             `json:"name"`
	Position        int                `json:"-"`
	Agent           string             `json:"agent"`
	TaskText        string             `json:"task"`
	Dependencies    []string           `json:"dependencies,omitempty"`
	Timeout         time.Duration      `json:"timeout"`
	Priority        int                `json:"priority"`
	AttemptCount    int                `json:"attempt_count"`
	MaxAttempts     int                `json:"max_attempts"`
	Optional        bool               `json:"optional,omitempty"`
	AllowFailedDeps bool               `json:"allow_failed_dependencies,omitempty"`
	Gates           map[string]float64 `json:"gates,omitempty"`
	ParallelGroup   int                `json:"parallel_group"`
	Status          StepStatus         `json:"status"`
	Output          *string            `json:"output,omitempty"`
	Error           string             `json:"error,omitempty"`
	NextAttemptAt   *time.Time         `json:"next_attempt_at,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	Deadline        *time.Time         `json:"deadline,omitempty"`
}

// StepSpec describes a step before it belongs to a task. Templates, the API
// and the planner all produce StepSpecs.
type StepSpec struct {
	Name            string   `json:"name" yaml:"name"`
	Agent           string   `json:"agent" yaml:"agent"`
	Task            string   `json:"task" yaml:"task"`
	Dependencies    []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TimeoutMinutes  float64  `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`
	Priority        int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxAttempts     int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Optional        bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	AllowFailedDeps bool     `json:"allow_failed_dependencies,omitempty" yaml:"allow_failed_dependencies,omitempty"`
	Gates           []string `json:"gates,omitempty" yaml:"gates,omitempty"`
}

// Template is an immutable, versioned step graph.
type Template struct {
	ID              string             `json:"id" yaml:"id"`
	Version         int                `json:"version,omitempty" yaml:"version,omitempty"`
	Description     string             `json:"description,omitempty" yaml:"description,omitempty"`
	Steps           []StepSpec         `json:"steps" yaml:"steps"`
	ParallelGroups  [][]string         `json:"parallel_groups,omitempty" yaml:"parallel_groups,omitempty"`
	QualityGates    map[string]float64 `json:"quality_gates,omitempty" yaml:"quality_gates,omitempty"`
	AllowReordering bool               `json:"allow_reordering" yaml:"allow_reordering"`
}

// TaskRequest is a task creation request, either bound to a template or
// carrying an ad-hoc step list.
type TaskRequest struct {
	TemplateID string            `json:"template_id,omitempty"`
	Steps      []StepSpec        `json:"steps,omitempty"`
	Input      string            `json:"input,omitempty"`
	Source     string            `json:"source,omitempty"`
	Priority   string            `json:"priority,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type ConversationEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	StepName  string    `json:"step"`
	Agent     string    `json:"agent"`
	Attempt   int       `json:"attempt"`
	Input     string    `json:"input"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditEntry struct {
	ID            int64             `json:"id"`
	TaskID        string            `json:"task_id,omitempty"`
	StepName      string            `json:"step,omitempty"`
	ActionType    string            `json:"action_type"`
	AgentID       string            `json:"agent_id,omitempty"`
	Success       bool              `json:"success"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ExecutionTime time.Duration     `json:"execution_time"`
	Details       map[string]string `json:"details,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// IngestedEvent is the dedup record for an accepted external event.
type IngestedEvent struct {
	Token      string    `json:"token"`
	TaskID     string    `json:"task_id"`
	ReceivedAt time.Time `json:"received_at"`
	BodyHash   string    `json:"body_hash"`
}
