// Council server — runs multi-model deliberation sessions over HTTP with
// NDJSON event streaming.
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

	"github.com/councilhq/council/pkg/api"
	"github.com/councilhq/council/pkg/budget"
	"github.com/councilhq/council/pkg/config"
	"github.com/councilhq/council/pkg/deliberation"
	"github.com/councilhq/council/pkg/events"
	"github.com/councilhq/council/pkg/llm"
	"github.com/councilhq/council/pkg/prompt"
	"github.com/councilhq/council/pkg/registry"
	"github.com/councilhq/council/pkg/store"
)

const shutdownDrainTimeout = 30 * time.Second

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

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting council", "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()
	logger := slog.Default()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Store (pool + migrations)
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	st, err := store.New(ctx, databaseURL, logger)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("Connected to PostgreSQL database")

	// 3. One-time startup orphan recovery. Sweeps every running session,
	// so council must run as a single replica per database.
	orphans, err := st.RecoverOrphans(ctx)
	if err != nil {
		slog.Error("Failed to recover orphaned sessions", "error", err)
		// Non-fatal — continue
	} else if len(orphans) > 0 {
		slog.Warn("Recovered orphaned sessions", "count", len(orphans))
	}

	// 4. Deliberation components
	reg := registry.New(cfg.Models)
	gate := budget.NewHTTPGate(cfg.Quota, st, logger)
	assembler := prompt.NewAssembler(cfg.Context, logger)

	platformKey := os.Getenv(cfg.Gateway.PlatformKeyEnv)
	if platformKey == "" {
		slog.Error("Platform gateway key is required", "env", cfg.Gateway.PlatformKeyEnv)
		os.Exit(1)
	}
	client := llm.NewGatewayClient(cfg.Gateway, platformKey, reg, logger)

	hub := events.NewHub(cfg.Events.CleanupGrace, logger)
	executor := deliberation.NewExecutor(client, cfg.Deliberation, logger)
	orch := deliberation.NewOrchestrator(
		cfg.Deliberation, cfg.Events, reg, gate, assembler, executor, st, hub, logger)
	slog.Info("Deliberation engine initialized",
		"worker_cap", cfg.Deliberation.WorkerCap,
		"min_done", cfg.Deliberation.MinDone)

	// 5. HTTP server (non-blocking)
	server := api.NewServer(orch, st, hub, logger)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: refuse new sessions, stop running ones, then
	// close the listener.
	server.StopAccepting()
	orch.StopAll(shutdownDrainTimeout)

	httpShutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
