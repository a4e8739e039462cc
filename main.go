// Agent daemon: terminal session server and assistant orchestration engine.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/QuivrHQ/247-sub000/internal/auth"
	"github.com/QuivrHQ/247-sub000/internal/broadcast"
	"github.com/QuivrHQ/247-sub000/internal/config"
	"github.com/QuivrHQ/247-sub000/internal/logging"
	"github.com/QuivrHQ/247-sub000/internal/orchestration"
	"github.com/QuivrHQ/247-sub000/internal/persistence"
	"github.com/QuivrHQ/247-sub000/internal/runner"
	"github.com/QuivrHQ/247-sub000/internal/server"
	"github.com/QuivrHQ/247-sub000/internal/session"
	"github.com/QuivrHQ/247-sub000/internal/tmux"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	sessions := session.NewManager(session.ManagerConfig{
		Tmux:             tmux.NewClient(cfg.TmuxSocketPath),
		SettleDelay:      cfg.SettleDelay,
		ReplayCapacity:   cfg.ReplayCapacity,
		DefaultShell:     cfg.DefaultShell,
		AssistantCommand: cfg.AssistantCommand,
	})

	broker := broadcast.New(cfg.EventBufferSize)
	engine := orchestration.NewEngine(store, buildRunner(cfg), broker)

	var validator *auth.Validator
	if !cfg.AuthDisabled {
		validator, err = auth.NewValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			log.Fatalf("Failed to initialize JWT validation: %v", err)
		}
	}

	srv := server.New(cfg, validator, engine, sessions, broker)

	slog.Info("starting agent daemon",
		"host", cfg.Host,
		"port", cfg.Port,
		"runner_mode", cfg.RunnerMode,
		"auth_disabled", cfg.AuthDisabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	if cfg.IdleTimeout > 0 {
		go reapIdleSessions(reaperCtx, sessions, cfg.IdleTimeout, cfg.CleanupInterval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	}

	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	// Detach from sessions without killing them; tmux keeps them alive for
	// the next daemon instance to re-attach.
	sessions.ReleaseAll()
	broker.Close()
	if err := store.Close(); err != nil {
		slog.Error("database close failed", "error", err)
	}

	slog.Info("shutdown complete")
}

// buildRunner selects the assistant transport from configuration.
func buildRunner(cfg *config.Config) runner.Runner {
	if cfg.RunnerMode == "acp" {
		return &runner.ACPRunner{Command: cfg.AssistantCommand}
	}
	return &runner.CLIRunner{Command: cfg.AssistantCommand}
}

func reapIdleSessions(ctx context.Context, sessions *session.Manager, maxIdle, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.CleanupIdle(ctx, maxIdle); n > 0 {
				slog.Info("reaped idle sessions", "count", n)
			}
		}
	}
}
