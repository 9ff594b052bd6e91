package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/workflow-orchestrator/internal/agents"
	"github.com/example/workflow-orchestrator/internal/api"
	"github.com/example/workflow-orchestrator/internal/audit"
	"github.com/example/workflow-orchestrator/internal/config"
	"github.com/example/workflow-orchestrator/internal/gate"
	"github.com/example/workflow-orchestrator/internal/observability"
	"github.com/example/workflow-orchestrator/internal/orchestrator"
	"github.com/example/workflow-orchestrator/internal/providers/llm"
	"github.com/example/workflow-orchestrator/internal/store"
	"github.com/example/workflow-orchestrator/internal/templates"
	"github.com/example/workflow-orchestrator/internal/tools"
	"github.com/example/workflow-orchestrator/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := templates.NewRegistry()
	if err := reg.LoadEmbedded(); err != nil {
		return err
	}
	if cfg.TemplatesDir != "" {
		if err := reg.LoadDir(cfg.TemplatesDir); err != nil {
			return err
		}
	}

	client := llm.New(ctx, cfg.LLM)
	if c, ok := client.(interface{ Close() error }); ok {
		defer c.Close()
	}
	toolbox := tools.NewRegistry()
	toolbox.Register(&tools.EchoTool{})
	toolbox.Register(&tools.HTTPGetTool{})
	toolbox.Register(&tools.HTMLToTextTool{})
	toolbox.Register(&tools.ExtractLinksTool{})
	toolbox.Register(&tools.PDFExtractTool{})
	toolbox.Register(&tools.SummarizeTool{Client: client})
	toolbox.Register(&tools.LLMAnswerTool{Client: client})

	var planner agents.Planner = &agents.MockPlanner{}
	if cfg.UseLLMPlanner {
		planner = &agents.LLMPlanner{Client: client, Capabilities: toolbox.Names()}
	}
	verifier := &agents.MetricVerifier{}
	if cfg.UseLLMVerifier {
		verifier.Fallback = &agents.LLMVerifier{Client: client}
	}

	logger := observability.NewLogger()
	recorder := audit.NewRecorder(st, observability.NewFileSink(cfg.AuditFallbackPath, 0), audit.Options{})
	defer recorder.Close()

	pool := worker.New(worker.Config{Concurrency: cfg.WorkerConcurrency, QueueSize: cfg.DispatchQueueSize})
	pool.Start(ctx)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Templates: reg,
		Executor:  &agents.CapabilityExecutor{Registry: toolbox, Client: client},
		Verifier:  verifier,
		Planner:   planner,
		Pool:      pool,
		Audit:     recorder,
		Logger:    logger,
	}, orchestrator.Config{
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		DefaultStepTimeout: cfg.DefaultStepTimeout,
		LeaseGrace:         cfg.LeaseGrace,
		SweepInterval:      cfg.SweepInterval,
		EventRetention:     cfg.ReplayWindow,
		PreviewMaxBytes:    cfg.PreviewMaxBytes,
	})

	if cfg.WebhookSecret == "" {
		log.Printf("WEBHOOK_SECRET is not set; POST /events will reject every event")
	}
	eventGate := gate.New(gate.Config{
		Secret:       []byte(cfg.WebhookSecret),
		MaxAge:       cfg.EventMaxAge,
		ReplayWindow: cfg.ReplayWindow,
	}, st, orch, gate.DefaultClassifier(), recorder, logger)

	mux := http.NewServeMux()
	api.NewServer(orch, eventGate, st, reg).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           cors(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("scheduler stopped: %v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s (llm=%T, templates=%d)", srv.Addr, client, len(reg.List()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	// In-flight jobs report to the store before the scheduler and the
	// audit recorder stop.
	if err := pool.Close(); err != nil {
		log.Printf("worker pool: %v", err)
	}
	orch.Close()
	return nil
}

// simple CORS middleware for local dev
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.HeaderSignature+", "+api.HeaderTimestamp+", "+api.HeaderIdempotency)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
