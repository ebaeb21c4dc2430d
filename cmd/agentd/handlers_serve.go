package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kohtravel/agentd/internal/auth"
	"github.com/kohtravel/agentd/internal/config"
	"github.com/kohtravel/agentd/internal/gateway"
	"github.com/kohtravel/agentd/internal/ratelimit"
)

// runServe loads configuration, assembles the agents and serves until
// SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, debug)
	slog.SetDefault(logger)

	logger.Info("starting agentd",
		"version", version,
		"commit", commit,
		"provider", cfg.LLM.Provider,
		"store", cfg.Session.Store,
		"agents", len(cfg.Agents),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger, runtimeOptions{})
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Warn("runtime close failed", "error", err)
		}
	}()

	if len(rt.prompts) > 0 {
		watcher, err := config.WatchPrompts(ctx, rt.prompts, logger)
		if err != nil {
			logger.Warn("prompt file watching disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if err := rt.sweeper.Start(); err != nil {
		return err
	}
	defer rt.sweeper.Stop()

	var authService *auth.Service
	if cfg.Auth.Enabled {
		authService = auth.NewService(auth.Config{
			APIKeys:     cfg.Auth.APIKeys,
			JWTSecret:   cfg.Auth.JWTSecret,
			JWTIssuer:   cfg.Auth.JWTIssuer,
			TokenExpiry: cfg.Auth.TokenExpiry,
		})
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		IdleTTL:           cfg.RateLimit.IdleTTL,
	})

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		CORSOrigins:       cfg.Server.CORSOrigins,
		MetricsPath:       metricsPath,
	}, rt.agents, gateway.Deps{
		Store:   rt.store,
		Locker:  rt.locker,
		Sweeper: rt.sweeper,
		Auth:    authService,
		Limiter: limiter,
		Metrics: rt.metrics,
		Tracer:  rt.tracer,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	// Requests outlive the signal so in-flight turns can finish during
	// graceful shutdown.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	if err := server.Start(baseCtx); err != nil {
		return err
	}
	logger.Info("agentd started", "addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")
	if err := server.Shutdown(context.Background()); err != nil {
		cancelBase()
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("agentd stopped")
	return nil
}
