// Package pipelinerunner claims pipelines and executes them stage by stage.
package pipelinerunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-orchestrator/internal/core"
	domainjob "github.com/target/mmk-orchestrator/internal/domain/job"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/service"
)

const (
	defaultStaleAfter   = 2 * time.Minute
	defaultErrorBackoff = time.Second
)

// RunnerOptions configures the pipeline runner.
type RunnerOptions struct {
	Pipelines core.PipelineRepository  // Required
	Service   *service.PipelineService // Required

	// Notifier wakes idle workers; defaults to one listening on Pipelines.
	Notifier   domainjob.Notifier
	WaitWindow time.Duration

	// Concurrency is the number of pipelines executed at once; defaults to 1.
	Concurrency int
	// StaleAfter lets a worker reclaim a RUNNING pipeline whose heartbeat stopped.
	StaleAfter   time.Duration
	ErrorBackoff time.Duration

	Logger *slog.Logger
}

// Runner executes pipelines. Each worker owns one pipeline at a time, so
// stages of a pipeline run in order while separate pipelines run in parallel.
type Runner struct {
	pipelines    core.PipelineRepository
	svc          *service.PipelineService
	notifier     domainjob.Notifier
	ownsNotifier bool
	workers      int
	staleAfter   time.Duration
	errorBackoff time.Duration
	logger       *slog.Logger
}

// NewRunner constructs a pipeline runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Pipelines == nil {
		return nil, errors.New("PipelineRepository is required")
	}
	if opts.Service == nil {
		return nil, errors.New("PipelineService is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		pipelines:    opts.Pipelines,
		svc:          opts.Service,
		notifier:     opts.Notifier,
		workers:      max(opts.Concurrency, 1),
		staleAfter:   opts.StaleAfter,
		errorBackoff: opts.ErrorBackoff,
		logger:       logger.With("component", "pipeline_runner"),
	}
	if r.staleAfter <= 0 {
		r.staleAfter = defaultStaleAfter
	}
	if r.errorBackoff <= 0 {
		r.errorBackoff = defaultErrorBackoff
	}
	if r.notifier == nil {
		n, err := domainjob.NewNotifier(domainjob.NotifierOptions{Waiter: opts.Pipelines, WaitWindow: opts.WaitWindow})
		if err != nil {
			return nil, fmt.Errorf("pipeline notifier: %w", err)
		}
		r.notifier = n
		r.ownsNotifier = true
	}
	return r, nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.ownsNotifier {
		defer r.notifier.Close()
	}
	sub := r.notifier.WatchPipelines()
	defer sub.Close()

	r.logger.InfoContext(ctx, "starting pipeline runner",
		"workers", r.workers,
		"stale_after", r.staleAfter)

	g, gctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			return r.workerLoop(gctx, sub.C)
		})
	}
	return g.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, wake <-chan domainjob.Wake) error {
	for ctx.Err() == nil {
		p, err := r.pipelines.ClaimNext(ctx, core.ClaimPipelineParams{StaleAfter: r.staleAfter})
		switch {
		case err == nil:
			r.execute(ctx, p)
		case errors.Is(err, model.ErrNoPipelinesAvailable):
			select {
			case <-ctx.Done():
				return nil
			case w, ok := <-wake:
				if !ok {
					return nil
				}
				r.logger.DebugContext(ctx, "worker woken", "wake", w)
			}
		case ctx.Err() != nil:
			return nil
		default:
			r.logger.ErrorContext(ctx, "claim pipeline failed", "error", err)
			if !r.pause(ctx) {
				return nil
			}
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, p *model.Pipeline) {
	r.logger.InfoContext(ctx, "pipeline claimed",
		"pipeline_id", p.ID,
		"current_stage", p.CurrentStage,
		"stages", len(p.Stages))

	err := r.svc.Execute(ctx, p)
	var stageErr *service.PipelineStageError
	switch {
	case err == nil:
	case errors.As(err, &stageErr):
		// The failure is recorded on the pipeline; only a failed Finish is worth an error log.
		if !onlyStageError(err) {
			r.logger.ErrorContext(ctx, "record pipeline failure", "pipeline_id", p.ID, "error", err)
		}
	case ctx.Err() != nil:
		r.logger.InfoContext(ctx, "pipeline interrupted; it will be reclaimed once stale",
			"pipeline_id", p.ID)
	default:
		r.logger.ErrorContext(ctx, "execute pipeline failed", "pipeline_id", p.ID, "error", err)
		r.pause(ctx)
	}
}

// onlyStageError reports whether err carries nothing besides stage errors.
func onlyStageError(err error) bool {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		var stageErr *service.PipelineStageError
		return errors.As(err, &stageErr)
	}
	for _, e := range joined.Unwrap() {
		var stageErr *service.PipelineStageError
		if !errors.As(e, &stageErr) {
			return false
		}
	}
	return true
}

func (r *Runner) pause(ctx context.Context) bool {
	t := time.NewTimer(r.errorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
