package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeIngest    EventType = "ingest"
	EventTypeTask      EventType = "task"
	EventTypeStep      EventType = "step"
	EventTypeDispatch  EventType = "dispatch"
	EventTypeRetry     EventType = "retry"
	EventTypeGate      EventType = "quality_gate"
	EventTypeSweep     EventType = "sweep"
	EventTypeAuditDrop EventType = "audit_fallback"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger emits structured JSON events, one per line.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{out: w, now: time.Now}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLoggerTo(io.Discard)
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error": "failed to marshal event: %v"}`, err))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

func (l *Logger) LogStep(taskID, step string, data map[string]any) {
	l.Log(Event{Type: EventTypeStep, TaskID: taskID, Step: step, Data: data})
}

func (l *Logger) LogTask(taskID string, data map[string]any) {
	l.Log(Event{Type: EventTypeTask, TaskID: taskID, Data: data})
}

func (l *Logger) LogRetry(taskID, step string, attempt int, delay time.Duration, reason string) {
	l.Log(Event{
		Type:   EventTypeRetry,
		TaskID: taskID,
		Step:   step,
		Data: map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
			"reason":  reason,
		},
	})
}
