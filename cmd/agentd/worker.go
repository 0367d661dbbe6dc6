package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/events"
	"github.com/fyrsmithlabs/agentd/internal/gateway"
	"github.com/fyrsmithlabs/agentd/internal/governance"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/toolprovider"
	"github.com/fyrsmithlabs/agentd/internal/workflows"
)

const warmUpTimeout = 2 * time.Minute

func newWorkerCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the conversation workflow worker",
		Long: `Run a Temporal worker that executes conversation workflows and their
activities. Tool providers started by conversations are shared across the
worker and stopped on shutdown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "localhost:9091", "address for /metrics (empty disables)")
	return cmd
}

func runWorker(ctx context.Context, metricsAddr string) error {
	rt, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg, logger := rt.cfg, rt.logger

	logger.Info(ctx, "Conversation worker starting",
		zap.String("llm_model", cfg.LLM.Model),
		zap.Bool("governance", cfg.Governance.Enabled),
		zap.Bool("nats", cfg.NATS.URL != ""))

	model, err := gateway.NewModel(cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating llm model: %w", err)
	}
	if cfg.LLM.Provider() == "ollama" {
		// Best effort; a cold model only slows the first turn.
		if err := gateway.WarmUp(ctx, model, warmUpTimeout); err != nil {
			logger.Warn(ctx, "Model warm-up failed", zap.String("model", cfg.LLM.Model), zap.Error(err))
		} else {
			logger.Info(ctx, "Model warmed up", zap.String("model", cfg.LLM.Model))
		}
	}
	gw := gateway.New(model, gateway.Options{
		Temperature:       cfg.LLM.Temperature,
		Timeout:           cfg.LLM.Timeout.Duration(),
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		Burst:             cfg.LLM.Burst,
	}, logger.Underlying().Named("gateway"))

	gate, err := governance.NewGate(ctx, cfg.Governance, logger.Underlying().Named("governance"))
	if err != nil {
		return fmt.Errorf("creating governance gate: %w", err)
	}

	registry, err := toolprovider.NewRegistry(toolprovider.Config{
		StartTimeout: cfg.Providers.StartTimeout.Duration(),
		CacheSize:    cfg.Providers.ResultCacheSize,
	}, toolprovider.NewMCPConnector(version), logger.Underlying().Named("toolprovider"))
	if err != nil {
		return fmt.Errorf("creating tool registry: %w", err)
	}
	toolprovider.RegisterBuiltins(registry, rt.catalog)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn(closeCtx, "Failed to stop tool providers", zap.Error(err))
		}
	}()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, logger.Underlying().Named("events"))
		if err != nil {
			return err
		}
		defer func() { _ = nc.Close() }()
		publisher = nc
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Address,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logging.NewTemporalLogger(logger),
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer c.Close()

	logger.Info(ctx, "Temporal client connected",
		zap.String("address", cfg.Temporal.Address),
		zap.String("namespace", cfg.Temporal.Namespace))

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(workflows.AgentGoalWorkflow, workflow.RegisterOptions{Name: workflows.WorkflowName})
	w.RegisterActivity(workflows.NewActivities(workflows.Activities{
		Validator:  gw,
		Planner:    gw,
		Summarizer: gw,
		Gate:       gate,
		Tools:      registry,
		Events:     publisher,
		Logger:     logger.Underlying().Named("activities"),
	}))

	var metrics *echo.Echo
	if metricsAddr != "" {
		metrics = newMetricsServer()
		go func() {
			if err := metrics.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn(ctx, "Metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := w.Start(); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	logger.Info(ctx, "Worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))

	<-ctx.Done()
	logger.Info(ctx, "Shutdown signal received")
	w.Stop()

	if metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}

	logger.Info(ctx, "Worker stopped gracefully")
	return nil
}

// newMetricsServer serves the Prometheus registry the tool registry
// records into.
func newMetricsServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
