package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/example/workflow-orchestrator/internal/dag"
	"github.com/example/workflow-orchestrator/internal/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_phase TEXT NOT NULL DEFAULT '',
		template_id TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER,
		error_message TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, created_at);`,
	`CREATE TABLE IF NOT EXISTS steps (
		task_id TEXT NOT NULL REFERENCES tasks (id),
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		agent TEXT NOT NULL,
		task_text TEXT NOT NULL,
		dependencies TEXT NOT NULL DEFAULT '[]',
		timeout_ms INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		optional INTEGER NOT NULL DEFAULT 0,
		allow_failed_deps INTEGER NOT NULL DEFAULT 0,
		gates TEXT NOT NULL DEFAULT '{}',
		parallel_group INTEGER NOT NULL DEFAULT -1,
		status TEXT NOT NULL,
		output TEXT,
		error TEXT NOT NULL DEFAULT '',
		next_attempt_at INTEGER,
		started_at INTEGER,
		finished_at INTEGER,
		deadline INTEGER,
		PRIMARY KEY (task_id, name)
	);`,
	`CREATE TABLE IF NOT EXISTS conversation_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		agent TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_task ON conversation_entries (task_id, id);`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL DEFAULT '',
		step_name TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		execution_ns INTEGER NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_entries (task_id, id);`,
	`CREATE TABLE IF NOT EXISTS ingested_events (
		token TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		body_hash TEXT NOT NULL DEFAULT ''
	);`,
}

// SQLiteStore persists orchestration state through database/sql and the
// pure-Go sqlite driver. A single connection serialises writers, which keeps
// every compare-and-set atomic without relying on sqlite busy handling.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("%w: db path is required", models.ErrValidation)
	}
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if dbPath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, persistErr("open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, persistErr("create schema", err)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock overrides the clock used for updated_at bookkeeping.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin create task", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertTaskTx(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit create task", err)
	}
	return nil
}

func (s *SQLiteStore) IngestEvent(ctx context.Context, ev models.IngestedEvent, window time.Duration, task *models.Task) (string, bool, error) {
	if strings.TrimSpace(ev.Token) == "" {
		return "", false, fmt.Errorf("%w: idempotency token is required", models.ErrValidation)
	}
	if err := validateTask(task); err != nil {
		return "", false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, persistErr("begin ingest", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	var receivedAt int64
	switch err := tx.QueryRowContext(ctx,
		`SELECT task_id, received_at FROM ingested_events WHERE token = ?`, ev.Token,
	).Scan(&existingID, &receivedAt); {
	case err == nil:
		if ev.ReceivedAt.Sub(time.Unix(0, receivedAt)) <= window {
			if err := tx.Commit(); err != nil {
				return "", false, persistErr("commit ingest lookup", err)
			}
			return existingID, true, nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", false, persistErr("lookup ingested event", err)
	}

	if err := insertTaskTx(ctx, tx, task); err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ingested_events (token, task_id, received_at, body_hash) VALUES (?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET task_id = excluded.task_id, received_at = excluded.received_at, body_hash = excluded.body_hash`,
		ev.Token, task.ID, ev.ReceivedAt.UnixNano(), ev.BodyHash); err != nil {
		return "", false, persistErr("record ingested event", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, persistErr("commit ingest", err)
	}
	return task.ID, false, nil
}

func (s *SQLiteStore) LookupEvent(ctx context.Context, token string, now time.Time, window time.Duration) (string, bool, error) {
	var taskID string
	var receivedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, received_at FROM ingested_events WHERE token = ?`, token,
	).Scan(&taskID, &receivedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, persistErr("lookup ingested event", err)
	}
	if now.Sub(time.Unix(0, receivedAt)) > window {
		return "", false, nil
	}
	return taskID, true, nil
}

func validateTask(task *models.Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("%w: task id is required", models.ErrValidation)
	}
	if task.Status != models.TaskPending {
		return fmt.Errorf("%w: new task must be pending, got %q", models.ErrValidation, task.Status)
	}
	if err := dag.Validate(dag.FromSteps(task.Steps)); err != nil {
		return err
	}
	for _, st := range task.Steps {
		if st.MaxAttempts <= 0 {
			return fmt.Errorf("%w: step %q: max_attempts must be > 0", models.ErrValidation, st.Name)
		}
		if st.Timeout <= 0 {
			return fmt.Errorf("%w: step %q: timeout must be > 0", models.ErrValidation, st.Name)
		}
		if st.Status != models.StepWaiting {
			return fmt.Errorf("%w: step %q: new step must be waiting", models.ErrValidation, st.Name)
		}
	}
	return nil
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, task *models.Task) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, status, progress, current_phase, template_id, input, source, priority, created_at, updated_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`,
		task.ID, task.Status, task.Progress, task.CurrentPhase, task.TemplateID, task.Input, task.Source, task.Priority,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano()); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: task id %q already exists", models.ErrValidation, task.ID)
		}
		return persistErr("insert task", err)
	}
	for i, st := range task.Steps {
		deps, _ := json.Marshal(nonNil(st.Dependencies))
		gates, _ := json.Marshal(st.Gates)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO steps (task_id, name, position, agent, task_text, dependencies, timeout_ms, priority,
				attempt_count, max_attempts, optional, allow_failed_deps, gates, parallel_group, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
			task.ID, st.Name, i, st.Agent, st.TaskText, string(deps), st.Timeout.Milliseconds(), st.Priority,
			st.MaxAttempts, boolInt(st.Optional), boolInt(st.AllowFailedDeps), string(gates), st.ParallelGroup, st.Status); err != nil {
			return persistErr("insert step", err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("begin read task", err)
	}
	defer func() { _ = tx.Rollback() }()
	t, err := scanTask(tx.QueryRowContext(ctx, taskColumns+` WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("read task", err)
	}
	if err := loadStepsTx(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("begin list tasks", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := taskColumns
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list tasks", err)
	}
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, persistErr("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, persistErr("list tasks", err)
	}
	rows.Close()
	for _, t := range out {
		if err := loadStepsTx(ctx, tx, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const taskColumns = `SELECT id, status, progress, current_phase, template_id, input, source, priority,
	created_at, updated_at, completed_at, error_message FROM tasks`

func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	var (
		t                models.Task
		created, updated int64
		completed        sql.NullInt64
	)
	if err := scan(&t.ID, &t.Status, &t.Progress, &t.CurrentPhase, &t.TemplateID, &t.Input, &t.Source, &t.Priority,
		&created, &updated, &completed, &t.ErrorMessage); err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	t.CompletedAt = fromNull(completed)
	return &t, nil
}

func loadStepsTx(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT name, position, agent, task_text, dependencies, timeout_ms, priority, attempt_count, max_attempts,
			optional, allow_failed_deps, gates, parallel_group, status, output, error,
			next_attempt_at, started_at, finished_at, deadline
		FROM steps WHERE task_id = ? ORDER BY position ASC`, t.ID)
	if err != nil {
		return persistErr("read steps", err)
	}
	defer rows.Close()
	t.Steps = nil
	t.Results = map[string]string{}
	for rows.Next() {
		var (
			st                                   models.Step
			deps, gates                          string
			timeoutMS                            int64
			optional, allowFailed                int
			output                               sql.NullString
			nextAt, startedAt, finishedAt, dueAt sql.NullInt64
		)
		if err := rows.Scan(&st.Name, &st.Position, &st.Agent, &st.TaskText, &deps, &timeoutMS, &st.Priority,
			&st.AttemptCount, &st.MaxAttempts, &optional, &allowFailed, &gates, &st.ParallelGroup, &st.Status,
			&output, &st.Error, &nextAt, &startedAt, &finishedAt, &dueAt); err != nil {
			return persistErr("scan step", err)
		}
		if err := json.Unmarshal([]byte(deps), &st.Dependencies); err != nil {
			return persistErr("decode step dependencies", err)
		}
		if gates != "" && gates != "null" {
			if err := json.Unmarshal([]byte(gates), &st.Gates); err != nil {
				return persistErr("decode step gates", err)
			}
		}
		st.Timeout = time.Duration(timeoutMS) * time.Millisecond
		st.Optional = optional != 0
		st.AllowFailedDeps = allowFailed != 0
		if output.Valid {
			v := output.String
			st.Output = &v
		}
		st.NextAttemptAt = fromNull(nextAt)
		st.StartedAt = fromNull(startedAt)
		st.FinishedAt = fromNull(finishedAt)
		st.Deadline = fromNull(dueAt)
		if st.Status == models.StepSucceeded && st.Output != nil {
			t.Results[st.Name] = *st.Output
		}
		step := st
		t.Steps = append(t.Steps, &step)
	}
	if err := rows.Err(); err != nil {
		return persistErr("read steps", err)
	}
	return nil
}

func (s *SQLiteStore) TransitionStep(ctx context.Context, taskID, step string, tr StepTransition) error {
	if err := ValidateStepTransition(tr.From, tr.To); err != nil {
		return err
	}
	if tr.Output != nil && tr.To != models.StepSucceeded {
		return fmt.Errorf("%w: output may only be set when a step succeeds", models.ErrValidation)
	}
	sets := []string{"status = ?", "error = ?"}
	args := []any{tr.To, tr.Error}
	if tr.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *tr.Output)
	}
	if tr.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *tr.AttemptCount)
	}
	if tr.ClearSchedule {
		sets = append(sets, "next_attempt_at = NULL", "deadline = NULL")
	}
	for _, f := range []struct {
		col string
		v   *time.Time
	}{
		{"next_attempt_at", tr.NextAttemptAt},
		{"started_at", tr.StartedAt},
		{"finished_at", tr.FinishedAt},
		{"deadline", tr.Deadline},
	} {
		if f.v != nil {
			sets = append(sets, f.col+" = ?")
			args = append(args, f.v.UnixNano())
		}
	}
	where := "task_id = ? AND name = ? AND status = ?"
	args = append(args, taskID, step, tr.From)
	if tr.ExpectAttempt != nil {
		where += " AND attempt_count = ?"
		args = append(args, *tr.ExpectAttempt)
	}
	// Only cancellation may touch the steps of a finished task.
	if tr.To != models.StepSkipped {
		where += " AND EXISTS (SELECT 1 FROM tasks WHERE tasks.id = steps.task_id AND tasks.status IN ('pending', 'running'))"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin step transition", err)
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE steps SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return persistErr("step transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("step transition", err)
	}
	if n == 0 {
		var current models.StepStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM steps WHERE task_id = ? AND name = ?`, taskID, step).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("step %s/%s: %w", taskID, step, models.ErrNotFound)
		}
		if err != nil {
			return persistErr("step transition lookup", err)
		}
		return fmt.Errorf("step %s/%s %s -> %s (current %s): %w", taskID, step, tr.From, tr.To, current, models.ErrConflict)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, s.now().UnixNano(), taskID); err != nil {
		return persistErr("touch task", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit step transition", err)
	}
	return nil
}

func (s *SQLiteStore) TransitionTask(ctx context.Context, id string, tr TaskTransition) error {
	if len(tr.From) == 0 {
		return fmt.Errorf("%w: task transition needs at least one source status", models.ErrValidation)
	}
	for _, from := range tr.From {
		if err := ValidateTaskTransition(from, tr.To); err != nil {
			return err
		}
	}
	now := s.now().UnixNano()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{tr.To, now}
	if tr.Phase != "" {
		sets = append(sets, "current_phase = ?")
		args = append(args, tr.Phase)
	}
	if tr.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, tr.ErrorMessage)
	}
	if tr.Progress != nil {
		sets = append(sets, "progress = MAX(progress, ?)")
		args = append(args, *tr.Progress)
	}
	if tr.To.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	args = append(args, id)
	marks := make([]string, len(tr.From))
	for i, from := range tr.From {
		marks[i] = "?"
		args = append(args, from)
	}
	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status IN (` + strings.Join(marks, ", ") + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistErr("task transition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("task transition", err)
	}
	if n == 0 {
		return s.missingOrConflict(ctx, id, fmt.Sprintf("task %s -> %s", id, tr.To))
	}
	return nil
}

func (s *SQLiteStore) CancelTask(ctx context.Context, id, reason string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("begin cancel", err)
	}
	defer func() { _ = tx.Rollback() }()
	now := s.now().UnixNano()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?, completed_at = ?, current_phase = ?, error_message = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		models.TaskCancelled, now, now, "cancelled", reason, id)
	if err != nil {
		return nil, persistErr("cancel task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return nil, persistErr("cancel lookup", err)
		}
		return nil, fmt.Errorf("cancel task %s (status %s): %w", id, status, models.ErrConflict)
	}
	rows, err := tx.QueryContext(ctx, `SELECT name FROM steps WHERE task_id = ? AND status IN ('waiting', 'running') ORDER BY position`, id)
	if err != nil {
		return nil, persistErr("cancel list steps", err)
	}
	var skipped []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, persistErr("cancel scan step", err)
		}
		skipped = append(skipped, name)
	}
	rows.Close()
	if _, err := tx.ExecContext(ctx, `
		UPDATE steps SET status = ?, error = ?, finished_at = ?, next_attempt_at = NULL, deadline = NULL
		WHERE task_id = ? AND status IN ('waiting', 'running')`,
		models.StepSkipped, "task cancelled", now, id); err != nil {
		return nil, persistErr("cancel steps", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit cancel", err)
	}
	return skipped, nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int, phase string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = MAX(progress, ?), current_phase = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		progress, phase, s.now().UnixNano(), id)
	if err != nil {
		return persistErr("update progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, id, "update progress")
	}
	return nil
}

func (s *SQLiteStore) missingOrConflict(ctx context.Context, id, op string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return persistErr(op, err)
	}
	return fmt.Errorf("%s (status %s): %w", op, status, models.ErrConflict)
}

func (s *SQLiteStore) AppendConversationEntry(ctx context.Context, e *models.ConversationEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_entries (task_id, step_name, agent, attempt, input, output, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.StepName, e.Agent, e.Attempt, e.Input, e.Output, e.Error, e.CreatedAt.UnixNano())
	if err != nil {
		return persistErr("append conversation entry", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListConversation(ctx context.Context, taskID string) ([]models.ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_name, agent, attempt, input, output, error, created_at
		FROM conversation_entries WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, persistErr("list conversation", err)
	}
	defer rows.Close()
	out := []models.ConversationEntry{}
	for rows.Next() {
		var e models.ConversationEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StepName, &e.Agent, &e.Attempt, &e.Input, &e.Output, &e.Error, &created); err != nil {
			return nil, persistErr("scan conversation entry", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list conversation", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	details, _ := json.Marshal(e.Details)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (task_id, step_name, action_type, agent_id, success, error_message, execution_ns, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.StepName, e.ActionType, e.AgentID, boolInt(e.Success), e.ErrorMessage,
		e.ExecutionTime.Nanoseconds(), string(details), e.CreatedAt.UnixNano())
	if err != nil {
		return persistErr("append audit entry", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, taskID string) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_name, action_type, agent_id, success, error_message, execution_ns, details, created_at
		FROM audit_entries WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, persistErr("list audit", err)
	}
	defer rows.Close()
	out := []models.AuditEntry{}
	for rows.Next() {
		var (
			e               models.AuditEntry
			success         int
			execNS, created int64
			details         string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StepName, &e.ActionType, &e.AgentID, &success, &e.ErrorMessage,
			&execNS, &details, &created); err != nil {
			return nil, persistErr("scan audit entry", err)
		}
		e.Success = success != 0
		e.ExecutionTime = time.Duration(execNS)
		e.CreatedAt = time.Unix(0, created).UTC()
		if details != "" && details != "null" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list audit", err)
	}
	return out, nil
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingested_events WHERE received_at < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, persistErr("prune events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
