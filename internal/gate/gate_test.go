package gate

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/workflow-orchestrator/internal/audit"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/store"
)

var secret = []byte("test-secret")

type fakeBuilder struct {
	mu       sync.Mutex
	built    int
	launched []string
	requests []models.TaskRequest
	// maxBuilds fails every build past the first maxBuilds when set.
	maxBuilds int
}

func (b *fakeBuilder) BuildTask(ctx context.Context, req models.TaskRequest) (*models.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxBuilds > 0 && b.built >= b.maxBuilds {
		return nil, fmt.Errorf("%w: template no longer builds", models.ErrValidation)
	}
	b.built++
	b.requests = append(b.requests, req)
	now := time.Now().UTC()
	return &models.Task{
		ID:         fmt.Sprintf("task-%d", b.built),
		Status:     models.TaskPending,
		TemplateID: req.TemplateID,
		Input:      req.Input,
		Source:     req.Source,
		Priority:   req.Priority,
		Steps: []*models.Step{{
			Name: "a", Agent: "echo", Timeout: time.Minute, MaxAttempts: 1, ParallelGroup: -1, Status: models.StepWaiting,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (b *fakeBuilder) Launch(task *models.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launched = append(b.launched, task.ID)
}

type auditLog struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *auditLog) Record(e models.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditLog) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.ActionType
	}
	return out
}

type fixture struct {
	gate    *Gate
	store   *store.SQLiteStore
	builder *fakeBuilder
	audit   *auditLog
	now     time.Time
	mu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	f := &fixture{store: st, builder: &fakeBuilder{}, audit: &auditLog{}, now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	f.gate = New(Config{Secret: secret, MaxAge: 5 * time.Minute, ReplayWindow: 10 * time.Minute}, st, f.builder, nil, f.audit, nil)
	f.gate.SetClock(f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) event(body, token string) RawEvent {
	return RawEvent{
		Body:             []byte(body),
		Signature:        SignatureHeader(secret, []byte(body)),
		Timestamp:        strconv.FormatInt(f.clock().Unix(), 10),
		IdempotencyToken: token,
	}
}

func TestAcceptIsIdempotentWithinReplayWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := `{"kind":"api","input":"hello","template_id":"email-triage"}`

	first, err := f.gate.Accept(ctx, f.event(body, "tok-1"))
	if err != nil || first.Status != StatusAccepted {
		t.Fatalf("first: %+v err=%v", first, err)
	}
	f.advance(4 * time.Minute)
	second, err := f.gate.Accept(ctx, f.event(body, "tok-1"))
	if err != nil || second.Status != StatusDuplicate || second.TaskID != first.TaskID {
		t.Fatalf("second: %+v err=%v", second, err)
	}
	f.advance(7 * time.Minute)
	third, err := f.gate.Accept(ctx, f.event(body, "tok-1"))
	if err != nil || third.Status != StatusAccepted || third.TaskID == first.TaskID {
		t.Fatalf("after window: %+v err=%v", third, err)
	}

	tasks, err := f.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil || len(tasks) != 2 {
		t.Fatalf("tasks=%d err=%v", len(tasks), err)
	}
	if got := strings.Join(f.builder.launched, ","); got != first.TaskID+","+third.TaskID {
		t.Fatalf("launched = %s", got)
	}
	want := []string{audit.ActionEventAccepted, audit.ActionEventDuplicate, audit.ActionEventAccepted}
	if got := f.audit.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit = %v", got)
	}
}

func TestDuplicateAnsweredWithoutRebuildingTask(t *testing.T) {
	f := newFixture(t)
	f.builder.maxBuilds = 1
	ctx := context.Background()
	body := `{"kind":"api","input":"hello","template_id":"email-triage"}`

	first, err := f.gate.Accept(ctx, f.event(body, "tok-once"))
	if err != nil || first.Status != StatusAccepted {
		t.Fatalf("first: %+v err=%v", first, err)
	}
	f.advance(time.Minute)
	second, err := f.gate.Accept(ctx, f.event(body, "tok-once"))
	if err != nil {
		t.Fatalf("redelivery must not rebuild the task: %v", err)
	}
	if second.Status != StatusDuplicate || second.TaskID != first.TaskID {
		t.Fatalf("second: %+v", second)
	}
	f.builder.mu.Lock()
	built, requests := f.builder.built, len(f.builder.requests)
	f.builder.mu.Unlock()
	if built != 1 || requests != 1 {
		t.Fatalf("built=%d requests=%d, want 1 each", built, requests)
	}
	want := []string{audit.ActionEventAccepted, audit.ActionEventDuplicate}
	if got := f.audit.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit = %v", got)
	}
}

func TestConcurrentDuplicatesCreateOneTask(t *testing.T) {
	f := newFixture(t)
	ev := f.event(`{"input":"same event","template_id":"x"}`, "tok-race")
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
		acc int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.gate.Accept(context.Background(), ev)
			if err != nil {
				t.Errorf("Accept: %v", err)
				return
			}
			mu.Lock()
			ids[r.TaskID]++
			if r.Status == StatusAccepted {
				acc++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 || acc != 1 {
		t.Fatalf("ids=%v accepted=%d", ids, acc)
	}
	tasks, _ := f.store.ListTasks(context.Background(), store.TaskFilter{})
	if len(tasks) != 1 {
		t.Fatalf("created %d tasks", len(tasks))
	}
}

func TestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := `{"input":"hi"}`
	cases := map[string]string{
		"wrong secret": SignatureHeader([]byte("other"), []byte(body)),
		"tampered":     SignatureHeader(secret, []byte(body+" ")),
		"not hex":      "sha256=zz",
		"empty":        "",
	}
	for name, sig := range cases {
		ev := f.event(body, "tok-"+name)
		ev.Signature = sig
		if _, err := f.gate.Accept(context.Background(), ev); !errors.Is(err, models.ErrSignatureInvalid) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
	if f.builder.built != 0 {
		t.Fatalf("rejected events reached the builder %d times", f.builder.built)
	}
	tasks, _ := f.store.ListTasks(context.Background(), store.TaskFilter{})
	if len(tasks) != 0 {
		t.Fatalf("rejected events created %d tasks", len(tasks))
	}
	for _, e := range f.audit.entries {
		if e.ActionType != audit.ActionEventRejected || e.Details["reason"] != "signature_invalid" {
			t.Fatalf("unexpected audit entry %+v", e)
		}
	}

	ev := f.event(body, "tok-bare")
	ev.Signature = hex.EncodeToString(Sign(secret, []byte(body)))
	if _, err := f.gate.Accept(context.Background(), ev); err != nil {
		t.Fatalf("bare hex signature rejected: %v", err)
	}
}

func TestRejectsStaleTimestamps(t *testing.T) {
	f := newFixture(t)
	now := f.clock()
	cases := map[string]string{
		"too old":     strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10),
		"future":      now.Add(6 * time.Minute).Format(time.RFC3339),
		"unparseable": "yesterday",
		"missing":     "",
	}
	for name, ts := range cases {
		ev := f.event(`{"input":"hi"}`, "tok-"+name)
		ev.Timestamp = ts
		if _, err := f.gate.Accept(context.Background(), ev); !errors.Is(err, models.ErrStaleEvent) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
	ev := f.event(`{"input":"hi"}`, "tok-rfc")
	ev.Timestamp = now.Add(-4 * time.Minute).Format(time.RFC3339)
	if _, err := f.gate.Accept(context.Background(), ev); err != nil {
		t.Fatalf("RFC3339 timestamp inside max age rejected: %v", err)
	}
}

func TestMissingTokenAndBadBody(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gate.Accept(context.Background(), f.event(`{"input":"hi"}`, " ")); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("missing token: %v", err)
	}
	if _, err := f.gate.Accept(context.Background(), f.event(`{"input":`, "tok")); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("malformed json: %v", err)
	}
	last := f.audit.entries[len(f.audit.entries)-1]
	if last.ActionType != audit.ActionEventRejected || last.Details["reason"] != "validation" {
		t.Fatalf("rejection not audited: %+v", last)
	}
}

func TestParseBodyEmailWithHTMLAndAttachments(t *testing.T) {
	body := fmt.Sprintf(`{
		"kind": "email",
		"from": "ops@example.com",
		"subject": "Disk alert",
		"html": "<p>Hello &amp; <b>team</b></p><script>alert(1)</script><p>Line   2</p>",
		"attachments": [
			{"filename": "notes.txt", "content_type": "text/plain", "data_base64": %q},
			{"filename": "image.png", "content_type": "image/png", "data_base64": "AAAA"}
		]
	}`, base64.StdEncoding.EncodeToString([]byte("disk at 91%")))
	req, err := ParseBody(context.Background(), []byte(body), 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Subject: Disk alert", "From: ops@example.com", "Hello & team", "Line 2", "--- attachment: notes.txt ---\ndisk at 91%", "(image/png attachment not converted)"} {
		if !strings.Contains(req.Input, want) {
			t.Fatalf("input missing %q:\n%s", want, req.Input)
		}
	}
	if strings.Contains(req.Input, "alert(1)") {
		t.Fatalf("script content leaked: %s", req.Input)
	}
	if req.Source != "email:ops@example.com" || req.Metadata["subject"] != "Disk alert" {
		t.Fatalf("source=%q meta=%v", req.Source, req.Metadata)
	}
}

func TestParseBodyVariants(t *testing.T) {
	req, err := ParseBody(context.Background(), []byte("  plain text email  "), 5)
	if err != nil || req.Input != "plain text email" || req.Metadata["kind"] != "email" {
		t.Fatalf("plain: %+v err=%v", req, err)
	}
	req, err = ParseBody(context.Background(), []byte(`{"template_id":"code-review","priority":"HIGH"}`), 5)
	if err != nil || req.TemplateID != "code-review" || req.Priority != "high" || req.Source != "api" {
		t.Fatalf("api: %+v err=%v", req, err)
	}
	if _, err := ParseBody(context.Background(), []byte(`{"kind":"api"}`), 5); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty envelope: %v", err)
	}
	if _, err := ParseBody(context.Background(), []byte(`{"input":"x","attachments":[{"filename":"a.pdf","data_base64":"%%"}]}`), 5); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad base64: %v", err)
	}
	req, err = ParseBody(context.Background(), []byte(`{"input":"x","attachments":[{"filename":"a.pdf","data_base64":"bm90IGEgcGRm"}]}`), 5)
	if err != nil || !strings.Contains(req.Input, "(unreadable pdf:") {
		t.Fatalf("garbage pdf: %+v err=%v", req, err)
	}
}

func TestClassifier(t *testing.T) {
	c := DefaultClassifier()
	cases := []struct {
		req      models.TaskRequest
		template string
		priority string
	}{
		{models.TaskRequest{Input: "URGENT: please review this change in the pull request"}, "code-review", "high"},
		{models.TaskRequest{Input: "research https://go.dev for a brief"}, "research-brief", "normal"},
		{models.TaskRequest{Input: "research without a link"}, "", "normal"},
		{models.TaskRequest{Input: "invoice question", Metadata: map[string]string{"kind": "email"}}, "email-triage", "normal"},
		{models.TaskRequest{Input: "asap", TemplateID: "custom", Priority: "low"}, "custom", "low"},
		{models.TaskRequest{Input: "code review", Steps: []models.StepSpec{{Name: "a", Agent: "echo"}}}, "", "normal"},
	}
	for i, tc := range cases {
		req := tc.req
		c.Apply(&req)
		if req.TemplateID != tc.template || req.Priority != tc.priority {
			t.Errorf("case %d: template=%q priority=%q", i, req.TemplateID, req.Priority)
		}
	}
}
