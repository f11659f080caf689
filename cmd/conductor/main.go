package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-conductor/internal/api"
	"github.com/nidhogg/nuka-conductor/internal/config"
	"github.com/nidhogg/nuka-conductor/internal/eventlog"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/plangraph"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	pgstore "github.com/nidhogg/nuka-conductor/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/conductor.json"
	}
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil && !errors.Is(cfgErr, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, cfgErr)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Nuka Conductor...")
	if cfgErr != nil {
		logger.Warn("config file not found, using defaults", zap.String("path", cfgPath))
	} else {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	if cfg.DefaultProvider != "" {
		router.SetDefault(cfg.DefaultProvider)
	}
	if cfg.Planner.ProviderID != "" {
		router.Bind(orchestrator.PlannerCaller, cfg.Planner.ProviderID)
	}
	router.SetFallbacks(orchestrator.PlannerCaller, cfg.Planner.Fallbacks)

	// Core components
	reg := registry.New(logger)
	stateMgr := state.NewManager(cfg.Orchestrator.SessionIdleTimeout(), logger)
	events := eventlog.New(logger)

	var (
		orchOpts []orchestrator.Option
		apiOpts  = []api.Option{api.WithProviders(router)}
	)

	// Initialize PostgreSQL store
	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
		} else {
			if err := ps.Migrate(ctx, "migrations"); err != nil {
				logger.Fatal("migration failed", zap.Error(err))
			}
			pg = ps
			reg.SetPersister(pg)
			stateMgr.SetPersister(pg)
			events.SetSink(pg)
			orchOpts = append(orchOpts, orchestrator.WithRecorder(pg))
			apiOpts = append(apiOpts, api.WithHistory(pg), api.WithBackend("postgres", pg))

			agents, err := pg.ListAgents(ctx)
			if err != nil {
				logger.Warn("failed to load agents from DB", zap.Error(err))
			}
			for _, a := range agents {
				if _, err := reg.Register(a); err != nil {
					logger.Warn("skipping stored agent", zap.String("id", a.ID), zap.Error(err))
				}
			}
			logger.Info("Loaded agents from DB", zap.Int("count", len(agents)))
		}
	}

	// Initialize Redis event bus
	var bus *orchestrator.MessageBus
	if cfg.Database.Redis.URL != "" {
		mb, err := orchestrator.NewMessageBus(cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event streams", zap.Error(err))
		} else {
			bus = mb
			orchOpts = append(orchOpts, orchestrator.WithEventPublisher(bus))
			apiOpts = append(apiOpts, api.WithEventSource(bus), api.WithBackend("redis", bus))
		}
	}

	// Initialize Neo4j plan graph
	var graph *plangraph.Graph
	if cfg.Database.Neo4j.URI != "" {
		g, err := plangraph.New(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err == nil {
			err = g.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, running without plan lineage", zap.Error(err))
		} else {
			graph = g
			orchOpts = append(orchOpts, orchestrator.WithRecorder(graph))
			apiOpts = append(apiOpts, api.WithLineage(graph), api.WithBackend("neo4j", graph))
		}
	}

	// Seed agents and their executors
	executors := orchestrator.NewExecutorSet(orchestrator.NewLLMExecutor(router, "", "", logger))
	for _, ac := range cfg.Agents {
		caps := make([]registry.Capability, len(ac.Capabilities))
		for i, c := range ac.Capabilities {
			caps[i] = registry.Capability{Name: c.Name, Domains: c.Domains, Tools: c.Tools}
		}
		a, err := reg.Register(registry.Agent{
			ID:           ac.ID,
			Name:         ac.Name,
			Type:         registry.AgentType(ac.Type),
			Capabilities: caps,
			MaxLoad:      ac.MaxLoad,
			Priority:     ac.Priority,
		})
		if err != nil {
			logger.Warn("skipping configured agent", zap.String("id", ac.ID), zap.Error(err))
			continue
		}

		switch ac.Executor.Kind {
		case "webhook":
			executors.Set(a.ID, orchestrator.NewWebhookExecutor(ac.Executor.URL, cfg.Orchestrator.HardTimeout(), logger))
		default:
			if ac.Executor.ProviderID != "" {
				router.Bind(a.ID, ac.Executor.ProviderID)
			}
			router.SetFallbacks(a.ID, ac.Executor.Fallbacks)
			executors.Set(a.ID, orchestrator.NewLLMExecutor(router, ac.Executor.Model, ac.Executor.SystemPrompt, logger))
		}
	}
	agents := reg.List()
	for _, a := range agents {
		if !executors.Has(a.ID) {
			logger.Info("agent has no configured executor, using the default LLM executor", zap.String("id", a.ID))
		}
	}
	logger.Info("Agent registry ready", zap.Int("agents", len(agents)))

	// Initialize orchestrator
	oc := cfg.Orchestrator
	orchOpts = append(orchOpts, orchestrator.WithConfig(orchestrator.Config{
		MaxRetries:   oc.Retries(),
		RetryDelay:   oc.RetryDelay(),
		PoolSize:     oc.PoolSize,
		SoftTimeout:  oc.SoftTimeout(),
		HardTimeout:  oc.HardTimeout(),
		AllowPartial: oc.AllowPartial,
		KeepSessions: oc.KeepSessions,
	}))
	planner := orchestrator.NewLLMPlanner(router, reg.List, cfg.Planner.Model, cfg.Planner.MaxTokens, logger)
	orch := orchestrator.New(planner, executors, reg, stateMgr, events, logger, orchOpts...)

	// Background sweepers
	go stateMgr.Run(ctx, oc.StateSweepInterval())
	go events.Run(ctx, time.Minute, oc.LogRetention())
	if pg != nil {
		go pruneLogs(ctx, pg, oc.LogRetention(), logger)
	}

	// Build HTTP handler
	handler := api.NewHandler(orch, reg, stateMgr, events, logger, apiOpts...)

	// Start server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Nuka Conductor listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Conductor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", zap.Error(err))
	}
	stop()

	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if bus != nil {
		bus.Close()
	}
	if pg != nil {
		pg.Close()
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvl, perr := zapcore.ParseLevel(level); perr == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
		logger, err = zc.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// pruneLogs trims the persisted orchestration log to the retention window.
func pruneLogs(ctx context.Context, pg *pgstore.Store, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.PruneLogs(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("prune logs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned orchestration logs", zap.Int64("removed", n))
			}
		}
	}
}
