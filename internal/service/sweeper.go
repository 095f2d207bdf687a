package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
)

const defaultSweepBatchSize = 100

// SweepServiceOptions groups dependencies for SweepService.
type SweepServiceOptions struct {
	Store        core.JobStore     // Required: job store
	Orchestrator *Orchestrator     // Required: advances each in-flight job
	Queues       []model.QueueType // Required: queue types to sweep
	BatchSize    int               // Optional: jobs listed per sweep (default 100)
	Logger       *slog.Logger      // Optional: structured logger
	Metrics      statsd.Sink       // Optional: metrics sink
}

// SweepService periodically advances in-flight jobs by polling their providers.
//
// Sweep-mode queues rely on it for every poll. For inline queues it only
// picks up jobs nobody has touched for two poll intervals, which happens when
// the process that submitted them died.
type SweepService struct {
	store        core.JobStore
	orchestrator *Orchestrator
	queues       []model.QueueType
	batchSize    int
	logger       *slog.Logger
	metrics      statsd.Sink
}

// SweepResult summarises one sweep of one queue type.
type SweepResult struct {
	QueueType model.QueueType `json:"queueType"`
	InFlight  int             `json:"inFlight"`
	Advanced  int             `json:"advanced"`
	Finished  int             `json:"finished"`
	TimedOut  int             `json:"timedOut"`
}

// NewSweepService constructs a new SweepService.
func NewSweepService(opts SweepServiceOptions) (*SweepService, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("Orchestrator is required")
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepService{
		store:        opts.Store,
		orchestrator: opts.Orchestrator,
		queues:       append([]model.QueueType(nil), opts.Queues...),
		batchSize:    batch,
		logger:       logger.With("component", "sweeper"),
		metrics:      opts.Metrics,
	}, nil
}

// Queues returns the queue types this service sweeps.
func (s *SweepService) Queues() []model.QueueType {
	return append([]model.QueueType(nil), s.queues...)
}

// SweepOnce advances every in-flight job of q once, with at most the queue's
// sweep concurrency providers polled at a time.
func (s *SweepService) SweepOnce(ctx context.Context, q model.QueueType) (SweepResult, error) {
	start := time.Now()
	policy := s.orchestrator.Policy(q)
	res := SweepResult{QueueType: q}

	params := core.ListInFlightParams{QueueType: q, Limit: s.batchSize}
	if policy.Mode == config.ExecutionModeInline {
		params.IdleFor = 2 * policy.Poll.Interval
	}
	jobs, err := s.store.ListInFlight(ctx, params)
	if err != nil {
		err = fmt.Errorf("list in-flight %s jobs: %w", q, err)
		s.emit(res, time.Since(start), err)
		return res, err
	}
	res.InFlight = len(jobs)

	outcomes := make([]*model.Job, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(policy.SweepConcurrency)
	for i, j := range jobs {
		g.Go(func() error {
			advanced, err := s.orchestrator.Advance(gctx, j)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				// One failing job must not stop the sweep.
				s.logger.ErrorContext(gctx, "advance job failed",
					"job_id", j.ID,
					"queue_type", q,
					"error", err)
				return nil
			}
			outcomes[i] = advanced
			return nil
		})
	}
	err = g.Wait()

	for _, j := range outcomes {
		if j == nil {
			continue
		}
		res.Advanced++
		if j.Status.Terminal() {
			res.Finished++
			if j.Error != nil && j.Error.Code == model.ErrorCodeTimeout {
				res.TimedOut++
			}
		}
	}

	s.emit(res, time.Since(start), err)
	if res.InFlight > 0 {
		s.logger.DebugContext(ctx, "sweep complete",
			"queue_type", q,
			"in_flight", res.InFlight,
			"advanced", res.Advanced,
			"finished", res.Finished,
			"timed_out", res.TimedOut)
	}
	return res, err
}

// Run sweeps every configured queue at its poll interval until ctx is cancelled.
// Returns nil on graceful shutdown.
func (s *SweepService) Run(ctx context.Context) error {
	if len(s.queues) == 0 {
		s.logger.InfoContext(ctx, "no queues to sweep")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range s.queues {
		g.Go(func() error { return s.runQueue(gctx, q) })
	}
	err := g.Wait()
	if isContextCancellation(err) {
		return nil
	}
	return err
}

func (s *SweepService) runQueue(ctx context.Context, q model.QueueType) error {
	interval := s.orchestrator.Policy(q).Poll.Interval
	s.logger.InfoContext(ctx, "starting sweeper", "queue_type", q, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx, q); err != nil && !isContextCancellation(err) {
			s.logger.ErrorContext(ctx, "sweep failed", "queue_type", q, "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopping", "queue_type", q, "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *SweepService) emit(res SweepResult, d time.Duration, err error) {
	metrics.EmitSweep(s.metrics, metrics.SweepMetric{
		QueueType: string(res.QueueType),
		InFlight:  res.InFlight,
		Advanced:  res.Advanced,
		TimedOut:  res.TimedOut,
		Duration:  d,
		Err:       suppressContextCancellation(err),
	})
}
