package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/detonator/internal/agent"
	"github.com/animus-labs/detonator/internal/connector"
	"github.com/animus-labs/detonator/internal/connector/registry"
	"github.com/animus-labs/detonator/internal/orchestrator"
	"github.com/animus-labs/detonator/internal/platform/env"
	"github.com/animus-labs/detonator/internal/platform/httpserver"
	"github.com/animus-labs/detonator/internal/platform/tracing"
	"github.com/animus-labs/detonator/internal/platform/workpool"
	"github.com/animus-labs/detonator/internal/telemetry/cloud"
	"github.com/animus-labs/detonator/internal/telemetry/local"
)

const serviceName = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	driverCfg, err := orchestrator.ConfigFromEnv()
	if err == nil {
		err = driverCfg.Validate()
	}
	if err != nil {
		logger.Error("invalid driver config", "error", err)
		os.Exit(2)
	}
	engineCfg, err := cloud.ConfigFromEnv()
	if err == nil {
		err = engineCfg.Validate()
	}
	if err != nil {
		logger.Error("invalid reconciliation config", "error", err)
		os.Exit(2)
	}
	agentOpts, err := agentOptionsFromEnv()
	if err != nil {
		logger.Error("invalid agent config", "error", err)
		os.Exit(2)
	}
	warmup, err := env.Duration("DETONATOR_WARMUP", 2*time.Minute)
	if err != nil {
		logger.Error("invalid warm-up interval", "error", err)
		os.Exit(2)
	}

	traceCfg, err := tracing.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid tracing config", "error", err)
		os.Exit(2)
	}
	shutdownTracing, err := tracing.Init(ctx, "detonator-"+serviceName, traceCfg)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		os.Exit(2)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	st, err := openStore(ctx, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer st.close()

	objects, err := openObjects(ctx, logger)
	if err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}

	if path := env.Trimmed("DETONATOR_PROFILES_FILE", ""); path != "" {
		if err := seedProfiles(ctx, logger, st.store, path); err != nil {
			logger.Error("profile seeding failed", "path", path, "error", err)
			os.Exit(2)
		}
	}

	pool := workpool.New(logger, driverCfg.Workers)
	rt := &connector.Runtime{
		Jobs:     st.store,
		Files:    st.store,
		Alerts:   st.store,
		Samples:  objects.samples,
		Evidence: objects.evidence,
		Parser:   local.Default(),
		Agent:    agentOpts,
		Logger:   logger,
	}
	driver := orchestrator.NewDriver(logger, st.store, registry.New(rt, warmup), pool, driverCfg)
	engine := cloud.NewEngine(logger, st.store, cloud.NewClients(), pool, engineCfg)
	driver.Start(ctx)
	engine.Start(ctx)
	logger.Info("orchestrator started",
		"tick_interval", driverCfg.TickInterval.String(),
		"max_job_age", driverCfg.MaxJobAge.String(),
		"workers", driverCfg.Workers,
		"poll_interval", engineCfg.Interval.String(),
	)

	checks := append(st.checks, objects.checks...)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.Readyz(serviceName, checks...))
	mux.HandleFunc("/debug/tasks", func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"tasks": pool.Running()})
	})

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, mux)); err != nil {
		logger.Error("http server stopped", "error", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
	defer cancel()
	if err := pool.Close(drainCtx); err != nil {
		logger.Warn("tasks still running at shutdown", "count", len(pool.Running()), "error", err)
	}
}

func agentOptionsFromEnv() (agent.Options, error) {
	retries, err := env.Int("DETONATOR_AGENT_RETRIES", 60)
	if err != nil {
		return agent.Options{}, err
	}
	interval, err := env.Duration("DETONATOR_AGENT_RETRY_INTERVAL", 5*time.Second)
	if err != nil {
		return agent.Options{}, err
	}
	timeout, err := env.Duration("DETONATOR_AGENT_TIMEOUT", 60*time.Second)
	if err != nil {
		return agent.Options{}, err
	}
	return agent.Options{Retries: retries, RetryInterval: interval, Timeout: timeout}, nil
}
