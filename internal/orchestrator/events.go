package orchestrator

import (
	"encoding/json"
	"sync"

	"github.com/example/workflow-orchestrator/internal/models"
)

// Event is a generic SSE payload wrapper.
type Event struct {
	Event   string      `json:"event"`
	TaskID  string      `json:"task_id"`
	Payload interface{} `json:"payload,omitempty"`
}

const (
	EventTaskStatus = "task_status"
	EventStepStatus = "step_status"
	EventResult     = "result"
)

type subscriber chan []byte

// Hub fans task events out to live subscribers. Slow subscribers miss events
// rather than block the scheduler; the store remains the record.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[subscriber]struct{} // taskID -> set of subscribers
}

func NewHub() *Hub { return &Hub{subs: map[string]map[subscriber]struct{}{}} }

func (h *Hub) Subscribe(taskID string) (<-chan []byte, func()) {
	ch := make(subscriber, 16)
	h.mu.Lock()
	set := h.subs[taskID]
	if set == nil {
		set = map[subscriber]struct{}{}
		h.subs[taskID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[taskID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, taskID)
				}
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(taskID string, ev Event) {
	b, _ := json.Marshal(ev)
	h.mu.RLock()
	set := h.subs[taskID]
	for ch := range set {
		// non-blocking send
		select {
		case ch <- b:
		default:
		}
	}
	h.mu.RUnlock()
}

func (o *Orchestrator) publishTask(taskID string, status models.TaskStatus, progress int, phase, errMsg string) {
	payload := map[string]any{"status": status, "phase": phase}
	if progress >= 0 {
		payload["progress"] = progress
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	o.hub.Publish(taskID, Event{Event: EventTaskStatus, TaskID: taskID, Payload: payload})
}

func (o *Orchestrator) publishStep(taskID, step string, status models.StepStatus, attempt int, errMsg string) {
	payload := map[string]any{"step": step, "status": status}
	if attempt > 0 {
		payload["attempt"] = attempt
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	o.hub.Publish(taskID, Event{Event: EventStepStatus, TaskID: taskID, Payload: payload})
}

func (o *Orchestrator) publishResult(taskID, step, output string) {
	o.hub.Publish(taskID, Event{Event: EventResult, TaskID: taskID, Payload: previewResult(step, output, o.cfg.PreviewMaxBytes)})
}
