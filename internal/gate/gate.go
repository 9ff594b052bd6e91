// Package gate authenticates inbound events and turns each new one into
// exactly one task. Signature and age checks run before anything is parsed,
// and a replayed token is answered before the body is parsed or a task is
// built. Deduplication and task creation share a single store transaction.
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/example/workflow-orchestrator/internal/audit"
	"github.com/example/workflow-orchestrator/internal/models"
	"github.com/example/workflow-orchestrator/internal/observability"
)

// RawEvent is an event exactly as received.
type RawEvent struct {
	Body             []byte
	Signature        string
	Timestamp        string
	IdempotencyToken string
}

const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

type Receipt struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskBuilder builds a pending task from a request and starts it once it is
// persisted. The orchestrator implements it.
type TaskBuilder interface {
	BuildTask(ctx context.Context, req models.TaskRequest) (*models.Task, error)
	Launch(task *models.Task)
}

type Ingester interface {
	LookupEvent(ctx context.Context, token string, now time.Time, window time.Duration) (string, bool, error)
	IngestEvent(ctx context.Context, ev models.IngestedEvent, window time.Duration, task *models.Task) (string, bool, error)
}

type Auditor interface {
	Record(e models.AuditEntry)
}

type nopAuditor struct{}

func (nopAuditor) Record(models.AuditEntry) {}

type Config struct {
	Secret       []byte
	MaxAge       time.Duration
	ReplayWindow time.Duration
	// MaxAttachmentPages bounds PDF attachment extraction.
	MaxAttachmentPages int
}

type Gate struct {
	cfg        Config
	store      Ingester
	builder    TaskBuilder
	classifier *Classifier
	audit      Auditor
	logger     *observability.Logger
	now        func() time.Time
}

func New(cfg Config, st Ingester, builder TaskBuilder, classifier *Classifier, rec Auditor, logger *observability.Logger) *Gate {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 24 * time.Hour
	}
	if cfg.MaxAttachmentPages <= 0 {
		cfg.MaxAttachmentPages = 20
	}
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	if logger == nil {
		logger = observability.Discard()
	}
	if rec == nil {
		rec = nopAuditor{}
	}
	return &Gate{
		cfg:        cfg,
		store:      st,
		builder:    builder,
		classifier: classifier,
		audit:      rec,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gate) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Accept verifies, deduplicates and ingests ev. A token seen inside the
// replay window returns the task created for it with StatusDuplicate.
func (g *Gate) Accept(ctx context.Context, ev RawEvent) (Receipt, error) {
	now := g.now()
	if err := g.verify(ev, now); err != nil {
		g.reject(ev, err)
		return Receipt{}, err
	}
	if id, dup, err := g.store.LookupEvent(ctx, ev.IdempotencyToken, now, g.cfg.ReplayWindow); err != nil {
		g.reject(ev, err)
		return Receipt{}, err
	} else if dup {
		return g.duplicate(ev, id, now, map[string]string{"token": ev.IdempotencyToken}), nil
	}

	req, err := ParseBody(ctx, ev.Body, g.cfg.MaxAttachmentPages)
	if err != nil {
		g.reject(ev, err)
		return Receipt{}, err
	}
	g.classifier.Apply(&req)
	task, err := g.builder.BuildTask(ctx, req)
	if err != nil {
		g.reject(ev, err)
		return Receipt{}, err
	}

	sum := sha256.Sum256(ev.Body)
	record := models.IngestedEvent{Token: ev.IdempotencyToken, TaskID: task.ID, ReceivedAt: now, BodyHash: hex.EncodeToString(sum[:])}
	id, dup, err := g.store.IngestEvent(ctx, record, g.cfg.ReplayWindow, task)
	if err != nil {
		g.reject(ev, err)
		return Receipt{}, err
	}
	details := map[string]string{"token": ev.IdempotencyToken, "source": req.Source, "template_id": req.TemplateID}
	if dup {
		// Lost a race with a concurrent delivery of the same token.
		return g.duplicate(ev, id, now, details), nil
	}
	g.audit.Record(models.AuditEntry{TaskID: id, ActionType: audit.ActionEventAccepted, Success: true, Details: details, CreatedAt: now})
	g.logger.Log(observability.Event{Type: observability.EventTypeIngest, TaskID: id, Data: map[string]any{
		"status": StatusAccepted, "token": ev.IdempotencyToken, "template_id": req.TemplateID, "priority": req.Priority,
	}})
	g.builder.Launch(task)
	return Receipt{TaskID: id, Status: StatusAccepted}, nil
}

func (g *Gate) duplicate(ev RawEvent, taskID string, now time.Time, details map[string]string) Receipt {
	g.audit.Record(models.AuditEntry{TaskID: taskID, ActionType: audit.ActionEventDuplicate, Success: true, Details: details, CreatedAt: now})
	g.logger.Log(observability.Event{Type: observability.EventTypeIngest, TaskID: taskID, Data: map[string]any{"status": StatusDuplicate, "token": ev.IdempotencyToken}})
	return Receipt{TaskID: taskID, Status: StatusDuplicate}
}

func (g *Gate) verify(ev RawEvent, now time.Time) error {
	if err := g.checkSignature(ev); err != nil {
		return err
	}
	if err := g.checkTimestamp(ev.Timestamp, now); err != nil {
		return err
	}
	if strings.TrimSpace(ev.IdempotencyToken) == "" {
		return fmt.Errorf("%w: idempotency token is required", models.ErrValidation)
	}
	return nil
}

func (g *Gate) checkSignature(ev RawEvent) error {
	if len(g.cfg.Secret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", models.ErrSignatureInvalid)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(ev.Signature), "sha256="))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: malformed signature", models.ErrSignatureInvalid)
	}
	if !hmac.Equal(got, Sign(g.cfg.Secret, ev.Body)) {
		return fmt.Errorf("%w: signature mismatch", models.ErrSignatureInvalid)
	}
	return nil
}

func (g *Gate) checkTimestamp(raw string, now time.Time) error {
	ts, err := parseTimestamp(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStaleEvent, err)
	}
	if age := now.Sub(ts); math.Abs(float64(age)) > float64(g.cfg.MaxAge) {
		return fmt.Errorf("%w: timestamp %s is %s away from now (max %s)", models.ErrStaleEvent,
			ts.Format(time.RFC3339), age.Round(time.Second), g.cfg.MaxAge)
	}
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
	}
	return ts, nil
}

func (g *Gate) reject(ev RawEvent, cause error) {
	g.audit.Record(models.AuditEntry{
		ActionType:   audit.ActionEventRejected,
		Success:      false,
		ErrorMessage: cause.Error(),
		Details:      map[string]string{"token": ev.IdempotencyToken, "reason": reason(cause)},
		CreatedAt:    g.now(),
	})
	g.logger.Log(observability.Event{Type: observability.EventTypeIngest, Data: map[string]any{
		"status": "rejected", "token": ev.IdempotencyToken, "reason": reason(cause), "error": cause.Error(),
	}})
}

func reason(err error) string {
	switch {
	case errors.Is(err, models.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, models.ErrStaleEvent):
		return "stale_event"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "unknown_template"
	case errors.Is(err, models.ErrPersistence):
		return "persistence"
	default:
		return "error"
	}
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a signature the way senders put it on the wire.
func SignatureHeader(secret, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}
