package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/adapters/jobrunner"
	"github.com/target/mmk-orchestrator/internal/adapters/pipelinerunner"
	"github.com/target/mmk-orchestrator/internal/adapters/reaper"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"github.com/target/mmk-orchestrator/internal/service"
)

// JobRunnerConfig contains configuration for the pending job runner.
type JobRunnerConfig struct {
	Store        core.JobStore
	Orchestrator *service.Orchestrator
	Queues       []model.QueueType
	Config       config.RunnerConfig
	Logger       *slog.Logger
}

// RunJobRunner starts the job runner and blocks until ctx is done.
func RunJobRunner(ctx context.Context, cfg JobRunnerConfig) error {
	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Store:        cfg.Store,
		Orchestrator: cfg.Orchestrator,
		Queues:       cfg.Queues,
		WaitWindow:   cfg.Config.WaitWindow,
		Concurrency:  cfg.Config.Concurrency,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}
	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run job runner: %w", runErr)
	}
	return nil
}

// PipelineRunnerConfig contains configuration for the pipeline runner.
type PipelineRunnerConfig struct {
	Pipelines core.PipelineRepository
	Service   *service.PipelineService
	Config    config.PipelineRunnerConfig
	Logger    *slog.Logger
}

// RunPipelineRunner starts the pipeline runner and blocks until ctx is done.
func RunPipelineRunner(ctx context.Context, cfg PipelineRunnerConfig) error {
	runner, err := pipelinerunner.NewRunner(pipelinerunner.RunnerOptions{
		Pipelines:   cfg.Pipelines,
		Service:     cfg.Service,
		WaitWindow:  cfg.Config.WaitWindow,
		Concurrency: cfg.Config.Concurrency,
		StaleAfter:  cfg.Config.StaleAfter,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create pipeline runner: %w", err)
	}
	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run pipeline runner: %w", runErr)
	}
	return nil
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	Repo      core.ReaperRepository
	Callbacks service.JobCallbacks
	Logger    *slog.Logger
	Config    config.ReaperConfig
	Metrics   statsd.Sink
}

// NewReaperRunner builds the reaper runner used by the service and the admin CLI.
func NewReaperRunner(cfg ReaperConfig) (*reaper.Runner, error) {
	opts := reaper.RunnerOptions{
		Repo:    cfg.Repo,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}
	// A nil dispatcher must not become a non-nil interface.
	if cb, ok := cfg.Callbacks.(*service.CallbackDispatcher); !ok || cb != nil {
		opts.Callbacks = cfg.Callbacks
	}
	runner, err := reaper.NewRunner(opts)
	if err != nil {
		return nil, fmt.Errorf("create reaper runner: %w", err)
	}
	return runner, nil
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := NewReaperRunner(cfg)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}
