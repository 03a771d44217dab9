// Conversator core server - the voice-first control plane that turns refined
// prompts into builder dispatches and fans progress back out over REST,
// WebSocket, and the voice tool surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/logabell/conversator/pkg/api"
	"github.com/logabell/conversator/pkg/builder"
	"github.com/logabell/conversator/pkg/cleanup"
	"github.com/logabell/conversator/pkg/config"
	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/inbox"
	"github.com/logabell/conversator/pkg/metrics"
	"github.com/logabell/conversator/pkg/orchestrator"
	"github.com/logabell/conversator/pkg/promptspace"
	"github.com/logabell/conversator/pkg/transcript"
	"github.com/logabell/conversator/pkg/version"
	"github.com/logabell/conversator/pkg/voice"
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
	voiceStdio := flag.Bool("voice-stdio",
		getEnv("VOICE_STDIO", "") == "1",
		"Serve the voice tool surface over stdio")
	flag.Parse()

	// Load .env from the config directory; absent files are fine.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Info("No .env file loaded; using existing environment", "path", envPath)
	}

	slog.Info("Starting conversator", "version", version.Full(), "config_dir", *configDir)

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	for _, dir := range []string{cfg.StateDir(), cfg.PromptsDir(), cfg.CacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create workspace directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := eventlog.Open(ctx, filepath.Join(cfg.StateDir(), "conversator.db"), inbox.NewMapper())
	if err != nil {
		slog.Error("Failed to open event log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing event log", "error", err)
		}
	}()

	workspace, err := promptspace.New(cfg.PromptsDir())
	if err != nil {
		slog.Error("Failed to open prompt workspace", "error", err)
		os.Exit(1)
	}

	registry, err := builder.NewRegistry(cfg)
	if err != nil {
		slog.Error("Failed to build adapter registry", "error", err)
		os.Exit(1)
	}

	pool := builder.NewPool(store, registry, &cfg.Timeouts, &cfg.Limits)
	orch := orchestrator.New(store, workspace, pool, registry)
	inboxService := inbox.NewService(store.DB(), cfg.Notifier.CoalesceWindow.Std(), cfg.Timeouts.GateReminder.Std())
	feed := transcript.NewFeed(cfg.Limits.TranscriptDepth)

	// Reconcile live builder sessions before accepting new commands.
	pool.Reconcile(ctx)

	retention := cleanup.NewService(&cfg.Retention, store)
	retention.Start(ctx)
	defer retention.Stop()

	server := api.NewServer(cfg, store, orch, inboxService, registry, pool, feed)

	if *voiceStdio {
		tools := voice.NewToolServer(orch, inboxService, voice.NewFSContextLookup(cfg.PromptsDir()))
		go func() {
			if err := tools.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Voice tool surface exited", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	pool.Shutdown()
	slog.Info("Shutdown complete")
}
