package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" || cfg.DBPath != "orchestrator.db" {
		t.Fatalf("port=%q db=%q", cfg.Port, cfg.DBPath)
	}
	if cfg.EventMaxAge != 5*time.Minute || cfg.ReplayWindow != 24*time.Hour {
		t.Fatalf("max age %s, window %s", cfg.EventMaxAge, cfg.ReplayWindow)
	}
	if cfg.RetryBaseDelay != 30*time.Second || cfg.RetryMaxDelay != 30*time.Minute || cfg.DefaultMaxAttempts != 3 {
		t.Fatalf("retry defaults: %+v", cfg)
	}
	if cfg.UseLLMPlanner || cfg.UseLLMVerifier || cfg.LLM.Provider != "" {
		t.Fatalf("llm defaults: %+v", cfg)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PORT":                 "9090",
		"LLM_PROVIDER":         "Ollama",
		"LLM_MODEL":            "llama3.2",
		"USE_LLM_PLANNER":      "1",
		"USE_LLM_VERIFIER":     "true",
		"WEBHOOK_SECRET":       "s3cret",
		"REPLAY_WINDOW":        "1h",
		"WORKER_CONCURRENCY":   "8",
		"RETRY_BASE_DELAY":     "2s",
		"RETRY_MAX_DELAY":      "1m",
		"DEFAULT_STEP_TIMEOUT": "90s",
		"OPENAI_API_BASE":      "http://localhost:1234/v1/",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" || cfg.LLM.Provider != "ollama" || cfg.LLM.Model != "llama3.2" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.UseLLMPlanner || !cfg.UseLLMVerifier {
		t.Fatal("llm flags not set")
	}
	if cfg.WebhookSecret != "s3cret" || cfg.ReplayWindow != time.Hour || cfg.WorkerConcurrency != 8 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RetryBaseDelay != 2*time.Second || cfg.RetryMaxDelay != time.Minute || cfg.DefaultStepTimeout != 90*time.Second {
		t.Fatalf("durations = %+v", cfg)
	}
	if cfg.LLM.OpenAIBase != "http://localhost:1234/v1" {
		t.Fatalf("openai base = %q", cfg.LLM.OpenAIBase)
	}
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	_, err := FromEnv(env(map[string]string{
		"EVENT_MAX_AGE":      "five minutes",
		"WORKER_CONCURRENCY": "many",
		"SWEEP_INTERVAL":     "-1s",
	}))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, key := range []string{"EVENT_MAX_AGE", "WORKER_CONCURRENCY"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error does not mention %s: %v", key, err)
		}
	}

	_, err = FromEnv(env(map[string]string{"SWEEP_INTERVAL": "-1s"}))
	if err == nil || !strings.Contains(err.Error(), "SWEEP_INTERVAL") {
		t.Fatalf("negative interval: %v", err)
	}
	_, err = FromEnv(env(map[string]string{"RETRY_BASE_DELAY": "10m", "RETRY_MAX_DELAY": "1m"}))
	if err == nil {
		t.Fatal("max delay below base delay accepted")
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_PATH=from-dotenv.db\nDISPATCH_QUEUE_SIZE=5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("DISPATCH_QUEUE_SIZE", "7")
	t.Setenv("DB_PATH", "")
	os.Unsetenv("DB_PATH")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "from-dotenv.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.DispatchQueueSize != 7 {
		t.Fatalf("environment should win over .env, got %d", cfg.DispatchQueueSize)
	}
}
