// Command sessionforge runs the Session Orchestration Core: a standalone
// REST+WebSocket service that drives multiple concurrent Claude Code
// sessions, one PTY-backed process per working directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sessionforge/internal/boundary"
	"sessionforge/internal/config"
	"sessionforge/internal/eventhub"
	"sessionforge/internal/orchestrator"
	"sessionforge/internal/procmanager"
	"sessionforge/internal/queuestore"
	"sessionforge/internal/registry"
	"sessionforge/internal/session"
	"sessionforge/internal/sessionlog"
)

func main() {
	if err := run(); err != nil {
		slog.Error("[main] fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath(), "path to config.yaml")
	flag.Parse()

	cfg, err := config.EnsureFile(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, warning := range config.ConsumeDefaultPathWarnings() {
		slog.Warn("[main] " + warning)
	}

	if err := os.MkdirAll(cfg.DataRoot, 0o700); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.DataRoot, "sessions.db"))
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	queue := queuestore.New(cfg.DataRoot)
	procMgr := procmanager.New()

	sessionCfg := session.Config{
		ThrottleMs:       time.Duration(cfg.ThrottleMs) * time.Millisecond,
		AutoClearMs:      time.Duration(cfg.AutoClearMs) * time.Millisecond,
		SkipPermissions:  cfg.SkipPermissionsDefault,
		MaxPayloadLength: 32 * 1024,

		ScreenBufferMax: cfg.ScreenBufferMax,
		ScreenTrimRatio: cfg.ScreenTrimRatio,

		DebounceMs:          time.Duration(cfg.DebounceMs) * time.Millisecond,
		StabilizationMs:     time.Duration(cfg.StabilizationMs) * time.Millisecond,
		LongStabilizationMs: time.Duration(cfg.LongStabilizationMs) * time.Millisecond,

		InitialReadyTimeout: time.Duration(cfg.InitialReadyTimeoutS) * time.Second,
		CompletionTimeout:   time.Duration(cfg.CompletionTimeoutS) * time.Second,

		ChunkSizeSmall:    cfg.ChunkSizeSmall,
		ChunkSizeLarge:    cfg.ChunkSizeLarge,
		ChunkDelaySmallMs: time.Duration(cfg.ChunkDelaySmallMs) * time.Millisecond,
		ChunkDelayLargeMs: time.Duration(cfg.ChunkDelayLargeMs) * time.Millisecond,
	}

	orch := orchestrator.New(orchestrator.Config{
		NMax:        cfg.NMax,
		SessionCfg:  sessionCfg,
		ProcManager: procMgr,
		Queue:       queue,
		Registry:    reg,
	})

	hub := eventhub.New(orch)
	orch.AttachHub(hub)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := orch.RestoreFromDatabase(ctx); err != nil {
		slog.Warn("[main] restore from database failed", "error", err)
	}

	procMgr.StartHealthSweep(ctx)
	orch.StartHealthSweep(ctx)

	adapter := boundary.New(orch, hub)
	slog.SetDefault(slog.New(sessionlog.NewTeeHandler(slog.Default().Handler(), slog.LevelWarn, adapter.LogCallback())))

	addr := fmt.Sprintf(":%d", cfg.Port)
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("[main] listening", "addr", addr)
		if err := adapter.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("[main] shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := adapter.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[main] http shutdown error", "error", err)
	}
	orch.Stop()
	hub.Stop()

	return nil
}
