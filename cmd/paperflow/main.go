// Paperflow pipeline server: runs the multi-stage paper analysis
// pipeline behind an HTTP API with a WebSocket progress feed.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scholarlab/paperflow/pkg/agent"
	"github.com/scholarlab/paperflow/pkg/api"
	"github.com/scholarlab/paperflow/pkg/collab"
	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/scholarlab/paperflow/pkg/events"
	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/pipeline"
	"github.com/scholarlab/paperflow/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting paperflow", "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"providers", stats.Providers,
		"enabled_providers", stats.EnabledProviders,
		"fallback_enabled", stats.FallbackEnabled)

	// 2. Database
	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	client, err := store.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()

	taskStore := store.NewTaskStore(client)
	memoStore, err := store.NewMemoStore(client)
	if err != nil {
		slog.Error("Failed to create memo store", "error", err)
		os.Exit(1)
	}

	// 3. One-time orphan recovery: tasks left running by a previous
	// process must never look running again.
	if n, err := taskStore.RecoverOrphans(ctx); err != nil {
		slog.Error("Failed to recover orphaned tasks", "error", err)
	} else if n > 0 {
		slog.Info("Recovered orphaned tasks", "count", n)
	}

	// 4. LLM providers
	logger := slog.Default()
	providers, err := llm.BuildProviders(ctx, cfg.Providers)
	if err != nil {
		slog.Error("Failed to build LLM providers", "error", err)
		os.Exit(1)
	}

	// 5. Event feed: publisher writes persist-then-notify, listener
	// fans notifications out to WebSocket sessions.
	publisher := events.NewPublisher(client, logger)
	observer := events.NewObserver(publisher, logger)

	listenerCtx, stopListener := context.WithCancel(ctx)
	defer stopListener()
	listener := events.NewListener(client.DSN(), logger)
	go func() {
		if err := listener.Run(listenerCtx); err != nil && listenerCtx.Err() == nil {
			slog.Error("Event listener stopped", "error", err)
		}
	}()
	manager := events.NewManager(listener, client, logger)

	// 6. Collaborator services. The in-process paper store and ledger
	// serve single-node deployments; multi-service setups swap these for
	// RPC-backed implementations of the same interfaces.
	papers := collab.NewInMemoryPaperStore()
	credits := collab.NewInMemoryCreditLedger()

	// 7. Agents and pipeline core
	resolver := agent.NewCrossrefResolver()
	resolver.MailTo = os.Getenv("CROSSREF_MAILTO")
	set, err := agent.BuildSet(agent.Deps{
		Config:    cfg,
		Providers: providers,
		Tasks:     taskStore,
		Memos:     memoStore,
		Resolver:  resolver,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("Failed to build agent set", "error", err)
		os.Exit(1)
	}

	orch := pipeline.NewOrchestrator(set, taskStore, papers, credits,
		[]collab.ProgressObserver{observer}, cfg.Pipeline.StageBudget(), logger)
	core := pipeline.NewCore(cfg, orch, taskStore, memoStore, logger)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go core.RunMemorySweep(sweepCtx, time.Hour)

	// 8. HTTP server
	server := api.NewServer(core,
		func(ctx context.Context) (*store.HealthStatus, error) {
			return store.Health(ctx, client.DB())
		},
		manager.Handle, logger)

	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting work, drain in-flight
	// pipelines, then stop the HTTP server and event feed.
	drainCtx, cancelDrain := context.WithTimeout(ctx, 60*time.Second)
	defer cancelDrain()
	if err := core.Drain(drainCtx); err != nil {
		slog.Warn("Pipeline drain timeout exceeded, remaining tasks will be orphan-recovered", "error", err)
	}

	httpShutdownCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
