package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"scriptorium/backend/internal/app"
	"scriptorium/backend/internal/config"
	"scriptorium/backend/internal/logger"
)

func main() {
	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	slog.SetDefault(logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Database, migrations, vector schema
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	// 4. Services and routes
	application, err := app.New(cfg, deps)
	if err != nil {
		slog.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}

	// 5. Serve until signalled
	if err := application.Run(ctx); err != nil {
		slog.Error("app run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
