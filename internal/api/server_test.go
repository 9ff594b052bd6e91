package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/workflow-orchestrator/internal/gate"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/store"
)

type fakeScheduler struct {
	mu        sync.Mutex
	submitted []models.TaskRequest
	submitErr error
	cancelErr error
	events    chan []byte
}

func (f *fakeScheduler) Submit(ctx context.Context, req models.TaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return fmt.Sprintf("task-%d", len(f.submitted)), nil
}

func (f *fakeScheduler) Cancel(ctx context.Context, id string) error { return f.cancelErr }

func (f *fakeScheduler) Subscribe(taskID string) (<-chan []byte, func()) {
	return f.events, func() {}
}

type fakeGate struct {
	last gate.RawEvent
}

// Accept keys its outcome off the signature header so tests can pick one.
func (g *fakeGate) Accept(ctx context.Context, ev gate.RawEvent) (gate.Receipt, error) {
	g.last = ev
	switch ev.Signature {
	case "bad":
		return gate.Receipt{}, fmt.Errorf("mismatch: %w", models.ErrSignatureInvalid)
	case "stale":
		return gate.Receipt{}, fmt.Errorf("old: %w", models.ErrStaleEvent)
	case "dup":
		return gate.Receipt{TaskID: "task-1", Status: gate.StatusDuplicate}, nil
	}
	return gate.Receipt{TaskID: "task-1", Status: gate.StatusAccepted}, nil
}

type fakeReader struct {
	tasks map[string]*models.Task
}

func (r *fakeReader) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}

func (r *fakeReader) ListTasks(ctx context.Context, f store.TaskFilter) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range r.tasks {
		for _, st := range f.Statuses {
			if t.Status == st {
				out = append(out, t)
			}
		}
		if len(f.Statuses) == 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeReader) ListConversation(ctx context.Context, id string) ([]models.ConversationEntry, error) {
	return nil, nil
}

func (r *fakeReader) ListAudit(ctx context.Context, id string) ([]models.AuditEntry, error) {
	return []models.AuditEntry{{TaskID: id, ActionType: "task_created", Success: true}}, nil
}

type fakeTemplates struct{}

func (fakeTemplates) Get(id string) (*models.Template, error) {
	if id != "code-review" {
		return nil, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	return &models.Template{ID: id, Steps: []models.StepSpec{
		{Name: "review", Agent: "reviewer", Task: "review"},
		{Name: "security", Agent: "security_reviewer", Task: "audit", Dependencies: []string{"review"}},
		{Name: "tests", Agent: "tester", Task: "test", Dependencies: []string{"review"}},
		{Name: "report", Agent: "summarize", Task: "report", Dependencies: []string{"security", "tests"}},
	}}, nil
}

func (fakeTemplates) List() []*models.Template {
	tpl, _ := fakeTemplates{}.Get("code-review")
	return []*models.Template{tpl}
}

type testAPI struct {
	sched  *fakeScheduler
	gate   *fakeGate
	reader *fakeReader
	mux    *http.ServeMux
}

func newTestAPI() *testAPI {
	a := &testAPI{
		sched: &fakeScheduler{events: make(chan []byte, 4)},
		gate:  &fakeGate{},
		reader: &fakeReader{tasks: map[string]*models.Task{
			"t1": {ID: "t1", Status: models.TaskRunning, CurrentPhase: "running: a", Results: map[string]string{}},
			"t2": {ID: "t2", Status: models.TaskCompleted, Progress: 100, Results: map[string]string{"a": "done"}},
		}},
		mux: http.NewServeMux(),
	}
	NewServer(a.sched, a.gate, a.reader, fakeTemplates{}).RegisterRoutes(a.mux)
	return a
}

func (a *testAPI) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := newTestAPI().do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestPostEventStatusCodes(t *testing.T) {
	a := newTestAPI()
	cases := map[string]int{
		"good":  http.StatusAccepted,
		"dup":   http.StatusOK,
		"bad":   http.StatusUnauthorized,
		"stale": http.StatusUnprocessableEntity,
	}
	for sig, want := range cases {
		rec := a.do(http.MethodPost, "/events", `{"input":"x"}`, map[string]string{
			HeaderSignature: sig, HeaderTimestamp: "1700000000", HeaderIdempotency: "tok",
		})
		if rec.Code != want {
			t.Errorf("%s: code %d, want %d (%s)", sig, rec.Code, want, rec.Body.String())
		}
	}
	if a.gate.last.Timestamp != "1700000000" || a.gate.last.IdempotencyToken != "tok" || string(a.gate.last.Body) != `{"input":"x"}` {
		t.Fatalf("headers not forwarded: %+v", a.gate.last)
	}

	rec := a.do(http.MethodPost, "/events", "", map[string]string{HeaderSignature: "good"})
	var receipt gate.Receipt
	if err := json.NewDecoder(rec.Body).Decode(&receipt); err != nil || receipt.TaskID != "task-1" || receipt.Status != gate.StatusAccepted {
		t.Fatalf("receipt = %+v err=%v", receipt, err)
	}
}

func TestCreateTask(t *testing.T) {
	a := newTestAPI()
	rec := a.do(http.MethodPost, "/tasks", `{"template_id":"code-review","input":"diff"}`, nil)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"task-1"`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	if got := a.sched.submitted[0]; got.TemplateID != "code-review" || got.Source != "api" {
		t.Fatalf("submitted %+v", got)
	}

	if rec := a.do(http.MethodPost, "/tasks", `{"template":`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}
	if rec := a.do(http.MethodPost, "/tasks", `{"query":"old field"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", rec.Code)
	}
	a.sched.submitErr = fmt.Errorf("template nope: %w", models.ErrNotFound)
	if rec := a.do(http.MethodPost, "/tasks", `{"template_id":"nope"}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown template: %d", rec.Code)
	}
}

func TestGetAndListTasks(t *testing.T) {
	a := newTestAPI()
	rec := a.do(http.MethodGet, "/tasks/t2", "", nil)
	var task models.Task
	if err := json.NewDecoder(rec.Body).Decode(&task); err != nil || task.Status != models.TaskCompleted || task.Results["a"] != "done" {
		t.Fatalf("task = %+v err=%v", task, err)
	}
	if rec := a.do(http.MethodGet, "/tasks/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task: %d", rec.Code)
	}

	rec = a.do(http.MethodGet, "/tasks?status=running", "", nil)
	var tasks []models.Task
	if err := json.NewDecoder(rec.Body).Decode(&tasks); err != nil || len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("tasks = %+v err=%v", tasks, err)
	}
	if rec := a.do(http.MethodGet, "/tasks?limit=-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestCancelTask(t *testing.T) {
	a := newTestAPI()
	if rec := a.do(http.MethodPost, "/tasks/t1/cancel", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d", rec.Code)
	}
	a.sched.cancelErr = fmt.Errorf("already done: %w", models.ErrConflict)
	if rec := a.do(http.MethodPost, "/tasks/t2/cancel", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("cancel terminal: %d", rec.Code)
	}
}

func TestAuditConversationAndTemplates(t *testing.T) {
	a := newTestAPI()
	if rec := a.do(http.MethodGet, "/tasks/t1/conversation", "", nil); rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("conversation: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(http.MethodGet, "/tasks/t1/audit", "", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "task_created") {
		t.Fatalf("audit: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(http.MethodGet, "/tasks/missing/audit", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("audit of missing task: %d", rec.Code)
	}
	if rec := a.do(http.MethodGet, "/templates", "", nil); !strings.Contains(rec.Body.String(), "code-review") {
		t.Fatalf("templates: %s", rec.Body.String())
	}
	if rec := a.do(http.MethodGet, "/templates/unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown template: %d", rec.Code)
	}
}

func TestTemplateIncludesStages(t *testing.T) {
	a := newTestAPI()
	rec := a.do(http.MethodGet, "/templates/code-review", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var got struct {
		ID     string            `json:"id"`
		Steps  []models.StepSpec `json:"steps"`
		Stages [][]string        `json:"stages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "code-review" || len(got.Steps) != 4 {
		t.Fatalf("template fields lost: %+v", got)
	}
	want := [][]string{{"review"}, {"security", "tests"}, {"report"}}
	if fmt.Sprint(got.Stages) != fmt.Sprint(want) {
		t.Fatalf("stages = %v, want %v", got.Stages, want)
	}
}

func TestTaskEventsStream(t *testing.T) {
	a := newTestAPI()
	srv := httptest.NewServer(a.mux)
	defer srv.Close()

	a.sched.events <- []byte(`{"event":"step_status","task_id":"t1","payload":{"step":"a","status":"succeeded"}}`)
	a.sched.events <- []byte(`{"event":"task_status","task_id":"t1","payload":{"status":"completed","progress":100}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/tasks/t1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	var frames []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(frames) != 3 {
		t.Fatalf("frames = %v", frames)
	}
	if !strings.Contains(frames[0], `"snapshot"`) || !strings.Contains(frames[2], `"completed"`) {
		t.Fatalf("frames = %v", frames)
	}
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrSignatureInvalid, http.StatusUnauthorized},
		{models.ErrStaleEvent, http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", models.ErrValidation), http.StatusBadRequest},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrConflict, http.StatusConflict},
		{models.ErrPersistence, http.StatusServiceUnavailable},
		{models.ErrDispatchQueueUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w", models.ErrValidation, &http.MaxBytesError{Limit: 1}), http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusCode(tc.err); got != tc.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
