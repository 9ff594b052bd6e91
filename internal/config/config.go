// Package config reads server settings from the environment. A .env file in
// the working directory is loaded first when present; variables already set
// in the environment win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/workflow-orchestrator/internal/providers/llm"
)

type Config struct {
	Port string

	LLM            llm.Config
	UseLLMPlanner  bool
	UseLLMVerifier bool

	DBPath        string
	WebhookSecret string
	EventMaxAge   time.Duration
	ReplayWindow  time.Duration

	WorkerConcurrency int
	DispatchQueueSize int

	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	DefaultMaxAttempts int
	DefaultStepTimeout time.Duration
	SweepInterval      time.Duration
	LeaseGrace         time.Duration

	TemplatesDir      string
	AuditFallbackPath string
	PreviewMaxBytes   int
}

// Load reads .env (if any) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset keys.
func FromEnv(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		Port:           r.str("PORT", "8080"),
		UseLLMPlanner:  r.flag("USE_LLM_PLANNER"),
		UseLLMVerifier: r.flag("USE_LLM_VERIFIER"),

		DBPath:        r.str("DB_PATH", "orchestrator.db"),
		WebhookSecret: r.str("WEBHOOK_SECRET", ""),
		EventMaxAge:   r.duration("EVENT_MAX_AGE", 5*time.Minute),
		ReplayWindow:  r.duration("REPLAY_WINDOW", 24*time.Hour),

		WorkerConcurrency: r.integer("WORKER_CONCURRENCY", 4),
		DispatchQueueSize: r.integer("DISPATCH_QUEUE_SIZE", 64),

		RetryBaseDelay:     r.duration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:      r.duration("RETRY_MAX_DELAY", 30*time.Minute),
		DefaultMaxAttempts: r.integer("DEFAULT_MAX_ATTEMPTS", 3),
		DefaultStepTimeout: r.duration("DEFAULT_STEP_TIMEOUT", 10*time.Minute),
		SweepInterval:      r.duration("SWEEP_INTERVAL", time.Minute),
		LeaseGrace:         r.duration("LEASE_GRACE", 30*time.Second),

		TemplatesDir:      r.str("TEMPLATES_DIR", ""),
		AuditFallbackPath: r.str("AUDIT_FALLBACK_PATH", "audit-fallback.jsonl"),
		PreviewMaxBytes:   r.integer("PREVIEW_MAX_BYTES", 20000),
	}
	cfg.LLM = llm.ConfigFromEnv(getenv)
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"EVENT_MAX_AGE", c.EventMaxAge},
		{"REPLAY_WINDOW", c.ReplayWindow},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay},
		{"DEFAULT_STEP_TIMEOUT", c.DefaultStepTimeout},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"LEASE_GRACE", c.LeaseGrace},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.DispatchQueueSize <= 0 {
		errs = append(errs, errors.New("DISPATCH_QUEUE_SIZE must be positive"))
	}
	if c.DefaultMaxAttempts <= 0 {
		errs = append(errs, errors.New("DEFAULT_MAX_ATTEMPTS must be positive"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("DB_PATH must not be empty"))
	}
	return errors.Join(errs...)
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) flag(key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (r *reader) integer(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
