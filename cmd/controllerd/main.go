// controllerd runs the workflow controller: it consumes requirements and
// task outcomes, consults the decision oracle, and assigns work to agents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmesh/agentmesh/internal/adapter/fileserver"
	"github.com/agentmesh/agentmesh/internal/adapter/gitservice"
	"github.com/agentmesh/agentmesh/internal/adapter/llm"
	agentnats "github.com/agentmesh/agentmesh/internal/adapter/nats"
	"github.com/agentmesh/agentmesh/internal/adapter/otel"
	"github.com/agentmesh/agentmesh/internal/adapter/postgres"
	"github.com/agentmesh/agentmesh/internal/adapter/registryclient"
	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/agentmesh/agentmesh/internal/port/timeline"
	"github.com/agentmesh/agentmesh/internal/resilience"
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
		cfg.Logging.Service = "controllerd"
	}
	slog.SetDefault(logger.New(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	queue, err := agentnats.Connect(ctx, cfg.NATS.URL, metrics)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	newBreaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(name, cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	}

	registry := registryclient.New(cfg.Registry.URL, 10*time.Second, newBreaker("registry"))
	files, err := fileserver.New(cfg.Files.URL, cfg.Files.CallTimeout, newBreaker("files"),
		cfg.Files.CacheMaxMB<<20, cfg.Files.CacheTTL)
	if err != nil {
		return fmt.Errorf("file service: %w", err)
	}
	defer files.Close()

	git := gitservice.New(cfg.Git.URL, cfg.Git.CallTimeout, newBreaker("git"))
	oracleClient := llm.New(cfg.Oracle.URL, cfg.Oracle.Model, cfg.Oracle.APIKey,
		cfg.Oracle.CallTimeout, newBreaker("oracle"))

	var history timeline.Store
	if cfg.Postgres.DSN != "" {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		store := postgres.NewTimelineStore(pool)
		defer store.Close()
		history = store
		slog.Info("postgres timeline enabled")
	}

	ctrl := agent.NewController(agent.ControllerDeps{
		Oracle:   oracleClient,
		Registry: registry,
		Files:    files,
		Git:      git,
		Timeline: history,
		Frontend: cfg.Agent.FrontendName,
		Log:      slog.Default(),
	})
	rt := agent.New(cfg.Agent, registry, queue, ctrl.Handlers(), slog.Default())
	ctrl.Bind(rt)

	slog.Info("controller running", "agent", cfg.Agent.Name)
	return rt.Run(ctx)
}
