package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/workflow-orchestrator/internal/dag"
	"github.com/example/workflow-orchestrator/internal/gate"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/store"
)

// Scheduler is the part of the orchestrator the API drives.
type Scheduler interface {
	Submit(ctx context.Context, req models.TaskRequest) (string, error)
	Cancel(ctx context.Context, taskID string) error
	Subscribe(taskID string) (<-chan []byte, func())
}

type EventGate interface {
	Accept(ctx context.Context, ev gate.RawEvent) (gate.Receipt, error)
}

// TaskReader is the read side of the store.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error)
	ListConversation(ctx context.Context, taskID string) ([]models.ConversationEntry, error)
	ListAudit(ctx context.Context, taskID string) ([]models.AuditEntry, error)
}

type TemplateSource interface {
	Get(id string) (*models.Template, error)
	List() []*models.Template
}

const (
	HeaderSignature   = "X-Signature"
	HeaderTimestamp   = "X-Timestamp"
	HeaderIdempotency = "X-Idempotency-Key"

	maxEventBytes = 10 << 20
	maxTaskBytes  = 1 << 20
)

type Server struct {
	scheduler Scheduler
	gate      EventGate
	tasks     TaskReader
	templates TemplateSource
	// KeepAlive is the interval between SSE comment frames.
	KeepAlive time.Duration
}

func NewServer(scheduler Scheduler, g EventGate, tasks TaskReader, templates TemplateSource) *Server {
	return &Server{scheduler: scheduler, gate: g, tasks: tasks, templates: templates, KeepAlive: 15 * time.Second}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /events", s.handleEvent)

	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		t, err := s.tasks.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, t)
	})
	mux.HandleFunc("POST /tasks/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.scheduler.Cancel(r.Context(), id); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(models.TaskCancelled)})
	})
	mux.HandleFunc("GET /tasks/{id}/audit", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.tasks.GetTask(r.Context(), id); err != nil {
			respondError(w, err)
			return
		}
		entries, err := s.tasks.ListAudit(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, nonNil(entries))
	})
	mux.HandleFunc("GET /tasks/{id}/conversation", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.tasks.GetTask(r.Context(), id); err != nil {
			respondError(w, err)
			return
		}
		entries, err := s.tasks.ListConversation(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, nonNil(entries))
	})
	mux.HandleFunc("GET /tasks/{id}/events", s.handleTaskEvents)

	mux.HandleFunc("GET /templates", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, nonNil(s.templates.List()))
	})
	mux.HandleFunc("GET /templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		tpl, err := s.templates.Get(r.PathValue("id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, templateView{Template: tpl, Stages: dag.Stages(dag.FromSpecs(tpl.Steps))})
	})
}

// templateView adds the dependency stages to a template: every step in a
// stage depends only on steps in earlier stages.
type templateView struct {
	*models.Template
	Stages [][]string `json:"stages"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		respondError(w, fmt.Errorf("%w: read body: %w", models.ErrValidation, err))
		return
	}
	receipt, err := s.gate.Accept(r.Context(), gate.RawEvent{
		Body:             body,
		Signature:        r.Header.Get(HeaderSignature),
		Timestamp:        r.Header.Get(HeaderTimestamp),
		IdempotencyToken: r.Header.Get(HeaderIdempotency),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusAccepted
	if receipt.Status == gate.StatusDuplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, receipt)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	id, err := s.scheduler.Submit(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"task_id": id, "status": gate.StatusAccepted})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter store.TaskFilter
	for _, st := range strings.Split(r.URL.Query().Get("status"), ",") {
		if st = strings.TrimSpace(st); st != "" {
			filter.Statuses = append(filter.Statuses, models.TaskStatus(st))
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, fmt.Errorf("%w: invalid limit %q", models.ErrValidation, v))
			return
		}
		filter.Limit = n
	}
	tasks, err := s.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(tasks))
}

// handleTaskEvents streams live task events as server-sent events. The
// first frame is a snapshot of the task so clients need no separate fetch.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsubscribe := s.scheduler.Subscribe(id)
	defer unsubscribe()

	t, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot, _ := json.Marshal(map[string]any{"event": "snapshot", "task_id": id, "payload": t})
	fmt.Fprintf(w, "data: %s\n\n", snapshot)
	flusher.Flush()
	if t.Status.IsTerminal() {
		return
	}

	keepAlive := time.NewTicker(s.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
			if terminalEvent(msg) {
				return
			}
		}
	}
}

func terminalEvent(msg []byte) bool {
	var ev struct {
		Event   string `json:"event"`
		Payload struct {
			Status models.TaskStatus `json:"status"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return false
	}
	return ev.Event == "task_status" && ev.Payload.Status.IsTerminal()
}

// StatusCode maps an error from the core to an HTTP status.
func StatusCode(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrStaleEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrPersistence), errors.Is(err, models.ErrDispatchQueueUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= 500 {
		log.Printf("api: %v", err)
	}
	respondJSON(w, code, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
