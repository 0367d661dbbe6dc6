// Agentd runs durable goal-driven conversations on Temporal.
//
// The worker subcommand executes conversation workflows and their
// activities: LLM planning and validation, governance checks, native
// tools and MCP tool providers. The serve subcommand exposes the HTTP
// control API that starts conversations and delivers user actions to
// them as signals.
//
// Configuration is loaded from an optional YAML file, a .env file and
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Run a worker
//	LLM_MODEL=ollama/llama3.1 agentd worker
//
//	# Serve the control API
//	agentd serve --config agentd.yaml
//
//	# List the goal catalog
//	agentd goals
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "Durable goal-driven conversational agents on Temporal",
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.AddCommand(newWorkerCmd(), newServeCmd(), newGoalsCmd())
	return root
}

// runtime holds what every long-running subcommand needs.
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	catalog   *catalog.Catalog
	telemetry *telemetry.Telemetry
}

// setup loads configuration, logging, the goal catalog and telemetry.
// The returned cleanup flushes telemetry and the logger.
func setup(ctx context.Context) (*runtime, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	cat, err := catalog.Load(cfg.Agent.GoalsFile)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("loading goals: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if degraded, terr := tel.Degraded(); degraded {
		logger.Warn(ctx, "Telemetry degraded, continuing without export", zap.Error(terr))
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "Telemetry shutdown failed", zap.Error(err))
		}
		_ = logger.Sync()
	}

	logger.Info(ctx, "Configuration loaded",
		zap.String("temporal_address", cfg.Temporal.Address),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.Int("goals", cat.Len()),
		zap.String("version", version))

	return &runtime{cfg: cfg, logger: logger, catalog: cat, telemetry: tel}, cleanup, nil
}
