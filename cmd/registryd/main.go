// registryd runs the capability registry: the HTTP surface agents
// register with, plus the background sweep that evicts silent agents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmesh/agentmesh/internal/adapter/httpapi"
	"github.com/agentmesh/agentmesh/internal/adapter/otel"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/domain/registry"
	"github.com/agentmesh/agentmesh/internal/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "registryd"
	}
	slog.SetDefault(logger.New(cfg.Logging))

	ctx := context.Background()

	shutdownMetrics, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(flushCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metric instruments: %w", err)
	}

	reg := registry.New()
	sweeper := registry.NewSweeper(reg, cfg.Registry.SweepInterval, cfg.Registry.EvictAfter, metrics)
	sweeper.Start(ctx)
	defer sweeper.Stop()
	slog.Info("eviction sweep running",
		"interval", cfg.Registry.SweepInterval, "evict_after", cfg.Registry.EvictAfter)

	addr := ":" + cfg.Registry.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(httpapi.NewHandlers(reg, metrics)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("registry listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
