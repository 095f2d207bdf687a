package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo      core.ReaperRepository // Required: reaper repository
	Config    config.ReaperConfig   // Required: reaper configuration
	Callbacks JobCallbacks          // Optional: notified for every job the reaper fails
	Logger    *slog.Logger          // Optional: structured logger
	Metrics   statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService provides job cleanup operations.
//
// This service manages:
// - Failing pending jobs that were never picked up.
// - Failing submissions that never recorded an external id.
// - Deleting old terminal jobs, finished pipelines and callback delivery records.
type ReaperService struct {
	repo      core.ReaperRepository
	config    config.ReaperConfig
	callbacks JobCallbacks
	logger    *slog.Logger
	metrics   statsd.Sink
}

// ReapResult reports the rows touched by one cleanup pass.
type ReapResult struct {
	StalePending       int64 `json:"stalePending"`
	OrphanedSubmission int64 `json:"orphanedSubmission"`
	Jobs               int64 `json:"jobsDeleted"`
	Pipelines          int64 `json:"pipelinesDeleted"`
	Deliveries         int64 `json:"deliveriesDeleted"`
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", opts.Config.Interval,
		"pending_max_age", opts.Config.PendingMaxAge,
		"orphan_max_age", opts.Config.OrphanMaxAge,
		"job_max_age", opts.Config.JobMaxAge,
		"delivery_max_age", opts.Config.DeliveryMaxAge,
	)

	return &ReaperService{
		repo:      opts.Repo,
		config:    opts.Config,
		callbacks: opts.Callbacks,
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	// Jitter keeps several instances started together from reaping in lockstep.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(ctx, err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(ctx, err, "cleanup")
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn     cleanupFunc
	metric string
	label  string
	count  *int64
}

// RunOnce performs every cleanup step once. Steps run independently: a
// failing step is reported but does not skip the others.
func (s *ReaperService) RunOnce(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	steps := []cleanupStep{
		{fn: s.failStalePendingJobs, metric: "fail_pending", label: "fail stale pending jobs", count: &res.StalePending},
		{fn: s.failOrphanedSubmissions, metric: "fail_orphaned", label: "fail orphaned submissions", count: &res.OrphanedSubmission},
		{fn: s.deleteOldJobs, metric: "delete_jobs", label: "delete old jobs", count: &res.Jobs},
		{fn: s.deleteOldPipelines, metric: "delete_pipelines", label: "delete old pipelines", count: &res.Pipelines},
		{fn: s.deleteOldDeliveries, metric: "delete_deliveries", label: "delete old callback deliveries", count: &res.Deliveries},
	}

	var (
		errs               []error
		allContextCanceled = true
	)
	for _, step := range steps {
		start := time.Now()
		count, err := step.fn(ctx)
		*step.count = count
		metrics.EmitReaperCleanup(s.metrics, step.metric, count, time.Since(start), suppressContextCancellation(err))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			allContextCanceled = allContextCanceled && isContextCancellation(err)
		}
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled {
			return res, context.Canceled
		}
		return res, fmt.Errorf("cleanup failed: %w", joined)
	}
	return res, nil
}

// failStalePendingJobs fails PENDING jobs nobody picked up within PendingMaxAge.
func (s *ReaperService) failStalePendingJobs(ctx context.Context) (int64, error) {
	return s.failInBatches(ctx, "failed stale pending jobs", s.config.PendingMaxAge, s.repo.FailStalePendingJobs)
}

// failOrphanedSubmissions fails claimed submissions whose outcome is unknown.
func (s *ReaperService) failOrphanedSubmissions(ctx context.Context) (int64, error) {
	return s.failInBatches(ctx, "failed orphaned submissions", s.config.OrphanMaxAge, s.repo.FailOrphanedSubmissions)
}

// failInBatches loops until a batch comes back empty, dispatching callbacks
// for every job failed along the way.
func (s *ReaperService) failInBatches(
	ctx context.Context,
	msg string,
	maxAge time.Duration,
	fn func(context.Context, core.FailStaleParams) ([]*model.Job, error),
) (int64, error) {
	var total int64
	for {
		jobs, err := fn(ctx, core.FailStaleParams{MaxAge: maxAge, BatchSize: s.config.BatchSize})
		if err != nil {
			return total, err
		}
		total += int64(len(jobs))
		for _, j := range jobs {
			s.logger.InfoContext(ctx, "job reaped",
				"job_id", j.ID,
				"queue_type", j.QueueType,
				"error_code", errorCode(j))
			if s.callbacks != nil {
				_ = s.callbacks.Dispatch(ctx, j)
			}
		}
		if len(jobs) < s.config.BatchSize || len(jobs) == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		s.logger.InfoContext(ctx, msg, "count", total, "max_age", maxAge)
	}
	return total, nil
}

func (s *ReaperService) deleteOldJobs(ctx context.Context) (int64, error) {
	return s.deleteInBatches(ctx, "deleted old jobs", s.config.JobMaxAge, s.repo.DeleteOldJobs)
}

func (s *ReaperService) deleteOldPipelines(ctx context.Context) (int64, error) {
	return s.deleteInBatches(ctx, "deleted old pipelines", s.config.JobMaxAge, s.repo.DeleteOldPipelines)
}

func (s *ReaperService) deleteOldDeliveries(ctx context.Context) (int64, error) {
	return s.deleteInBatches(ctx, "deleted old callback deliveries", s.config.DeliveryMaxAge, s.repo.DeleteOldCallbackDeliveries)
}

// deleteInBatches loops until no more rows are affected to handle large datasets in batches.
func (s *ReaperService) deleteInBatches(
	ctx context.Context,
	msg string,
	maxAge time.Duration,
	fn func(context.Context, core.DeleteOldJobsParams) (int64, error),
) (int64, error) {
	var total int64
	for {
		count, err := fn(ctx, core.DeleteOldJobsParams{MaxAge: maxAge, BatchSize: s.config.BatchSize})
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		s.logger.InfoContext(ctx, msg, "count", total, "max_age", maxAge)
	}
	return total, nil
}

func (s *ReaperService) logCleanupError(ctx context.Context, err error, label string) {
	if err == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, label+" cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}

func errorCode(j *model.Job) string {
	if j.Error == nil {
		return ""
	}
	return j.Error.Code
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
