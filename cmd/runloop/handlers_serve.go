package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/runloop/internal/config"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic.
// It handles configuration loading, runtime assembly, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	// Adjust log level if debug mode is enabled.
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting runloop",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	// Load and validate configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		// The flag wins over the configured level.
		cfg.Observability.Logging.Level = "debug"
	}

	slog.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"default_provider", cfg.Providers.Default,
		"memory_driver", cfg.Stores.Memory.Driver,
		"auth_driver", cfg.Stores.Auth.Driver,
	)

	rt, err := buildRuntime(cfg, configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start returns once the listener is bound; serve errors after that are
	// logged by the gateway.
	if err := rt.Start(ctx); err != nil {
		_ = rt.Stop(context.Background())
		return err
	}

	slog.Info("runloop started",
		"addr", rt.server.Addr(),
		"agents", len(rt.eng.Agents().List()),
	)

	// Wait for a shutdown signal.
	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	// Create a timeout context for graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := rt.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("runloop stopped gracefully")
	return nil
}
