// Package jobrunner drives pending standalone jobs through the orchestrator.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	domainjob "github.com/target/mmk-orchestrator/internal/domain/job"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/service"
)

const defaultErrorBackoff = time.Second

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Store        core.JobStore         // Required
	Orchestrator *service.Orchestrator // Required
	// Queues lists the queue types this runner drives.
	Queues []model.QueueType

	// Notifier wakes idle workers; defaults to one listening on Store.
	Notifier domainjob.Notifier
	// WaitWindow bounds each wait for a notification (default 30s).
	WaitWindow time.Duration

	// Concurrency is the number of workers per queue type; defaults to 1.
	Concurrency int
	// ErrorBackoff is the pause after a store or claim error (default 1s).
	ErrorBackoff time.Duration

	Logger *slog.Logger
}

// Runner pulls PENDING jobs and drives each one: inline queues are polled to
// a terminal status by the worker, sweep queues are left to the sweeper once
// submitted.
type Runner struct {
	store        core.JobStore
	orch         *service.Orchestrator
	queues       []model.QueueType
	notifier     domainjob.Notifier
	ownsNotifier bool
	workers      int
	errorBackoff time.Duration
	logger       *slog.Logger
}

// NewRunner constructs a job runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("JobStore is required")
	case opts.Orchestrator == nil:
		return nil, errors.New("Orchestrator is required")
	case len(opts.Queues) == 0:
		return nil, errors.New("at least one queue type is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = defaultErrorBackoff
	}

	r := &Runner{
		store:        opts.Store,
		orch:         opts.Orchestrator,
		queues:       opts.Queues,
		notifier:     opts.Notifier,
		workers:      workers,
		errorBackoff: backoff,
		logger:       logger.With("component", "job_runner"),
	}
	if r.notifier == nil {
		n, err := domainjob.NewNotifier(domainjob.NotifierOptions{Waiter: opts.Store, WaitWindow: opts.WaitWindow})
		if err != nil {
			return nil, fmt.Errorf("job notifier: %w", err)
		}
		r.notifier = n
		r.ownsNotifier = true
	}
	return r, nil
}

// Run starts the workers of every queue type and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.ownsNotifier {
		defer r.notifier.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range r.queues {
		sub := r.notifier.WatchPending(q)
		defer sub.Close()

		r.logger.InfoContext(ctx, "starting job workers",
			"queue_type", q,
			"workers", r.workers,
			"mode", r.orch.Policy(q).Mode)
		for range r.workers {
			g.Go(func() error {
				return r.workerLoop(gctx, q, sub.C)
			})
		}
	}
	return g.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, q model.QueueType, wake <-chan domainjob.Wake) error {
	for ctx.Err() == nil {
		j, err := r.store.NextPending(ctx, q)
		switch {
		case err == nil:
			r.processJob(ctx, j)
		case errors.Is(err, model.ErrNoJobsAvailable):
			w, ok := waitForWake(ctx, wake)
			if !ok {
				return nil
			}
			r.logger.DebugContext(ctx, "worker woken", "queue_type", q, "wake", w)
		case ctx.Err() != nil:
			return nil
		default:
			r.logger.ErrorContext(ctx, "next pending job failed", "queue_type", q, "error", err)
			if !r.pause(ctx) {
				return nil
			}
		}
	}
	return nil
}

func (r *Runner) processJob(ctx context.Context, j *model.Job) {
	start := time.Now()
	out, err := r.orch.Drive(ctx, j.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.ErrorContext(ctx, "drive job failed",
			"job_id", j.ID,
			"queue_type", j.QueueType,
			"error", err)
		r.pause(ctx)
		return
	}

	level := slog.LevelDebug
	if out.Status.Terminal() {
		level = slog.LevelInfo
	}
	r.logger.Log(ctx, level, "job driven",
		"job_id", out.ID,
		"queue_type", out.QueueType,
		"status", out.Status,
		"inline", r.orch.Policy(out.QueueType).Mode == config.ExecutionModeInline,
		"duration", time.Since(start))
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

func waitForWake(ctx context.Context, wake <-chan domainjob.Wake) (domainjob.Wake, bool) {
	select {
	case <-ctx.Done():
		return 0, false
	case w, ok := <-wake:
		return w, ok
	}
}
