package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/provider"
)

const defaultIdempotencyTTL = 24 * time.Hour

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Store          core.JobStore                   // Required: job store
	Orchestrator   *Orchestrator                   // Required: performs cancellation
	Registry       *provider.Registry              // Required: decides which queue types are accepted
	Idempotency    core.IdempotencyStore           // Optional: clientId fast path
	IdempotencyTTL time.Duration                   // Optional: defaults to 24h
	Deliveries     core.CallbackDeliveryRepository // Optional: callback history
	Logger         *slog.Logger                    // Optional: structured logger
}

// JobService implements the submit and status operations behind the HTTP API
// and the admin CLI.
type JobService struct {
	store          core.JobStore
	orchestrator   *Orchestrator
	registry       *provider.Registry
	idempotency    core.IdempotencyStore
	idempotencyTTL time.Duration
	deliveries     core.CallbackDeliveryRepository
	logger         *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("Orchestrator is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("provider Registry is required")
	}

	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobService{
		store:          opts.Store,
		orchestrator:   opts.Orchestrator,
		registry:       opts.Registry,
		idempotency:    opts.Idempotency,
		idempotencyTTL: ttl,
		deliveries:     opts.Deliveries,
		logger:         logger.With("component", "job_service"),
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Submit validates req and creates a PENDING job. A request repeating the
// clientId of an existing job in the same project returns that job with
// created=false instead of creating a second one.
func (s *JobService) Submit(ctx context.Context, req *model.CreateJobRequest) (*model.Job, bool, error) {
	if req == nil {
		return nil, false, apperrors.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, apperrors.Validation(err.Error())
	}
	if !s.registry.Supports(req.QueueType) {
		return nil, false, &apperrors.AppError{
			Code:    apperrors.ErrCodeUnsupported,
			Message: fmt.Sprintf("queueType %q has no configured provider", req.QueueType),
			Field:   "queueType",
		}
	}

	r := *req
	var reservedKey string
	if r.ClientID != nil {
		existing, err := s.store.GetByClientID(ctx, r.ProjectID, *r.ClientID)
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, model.ErrJobNotFound):
			return nil, false, fmt.Errorf("lookup client id: %w", err)
		}

		existing, key, err := s.reserve(ctx, &r)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		reservedKey = key
	}

	j, err := s.store.Create(ctx, &r)
	if err != nil {
		if errors.Is(err, model.ErrJobExists) && r.ClientID != nil {
			if existing, getErr := s.store.GetByClientID(ctx, r.ProjectID, *r.ClientID); getErr == nil {
				return existing, false, nil
			}
		}
		s.release(ctx, reservedKey)
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	s.logger.InfoContext(ctx, "job created",
		"job_id", j.ID,
		"queue_type", j.QueueType,
		"project_id", j.ProjectID)
	return j, true, nil
}

// reserve claims the idempotency key for r, assigning r.ID. When another
// request already owns the key and its job exists, that job is returned.
func (s *JobService) reserve(ctx context.Context, r *model.CreateJobRequest) (*model.Job, string, error) {
	if s.idempotency == nil {
		return nil, "", nil
	}
	key := core.IdempotencyKey(r.ProjectID, *r.ClientID)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	owner, reserved, err := s.idempotency.Reserve(ctx, key, r.ID, s.idempotencyTTL)
	if err != nil {
		// The unique index on (project_id, client_id) still guards duplicates.
		s.logger.WarnContext(ctx, "idempotency reserve failed", "key", key, "error", err)
		return nil, "", nil
	}
	if reserved {
		return nil, key, nil
	}

	existing, err := s.store.Get(ctx, owner)
	if err == nil {
		return existing, "", nil
	}
	if !errors.Is(err, model.ErrJobNotFound) {
		return nil, "", fmt.Errorf("lookup idempotent job: %w", err)
	}
	// The owner never inserted its job (crashed or lost the insert race); take over the key.
	if relErr := s.idempotency.Release(ctx, key); relErr != nil {
		s.logger.WarnContext(ctx, "idempotency release failed", "key", key, "error", relErr)
	}
	if _, reserved, err = s.idempotency.Reserve(ctx, key, r.ID, s.idempotencyTTL); err != nil || !reserved {
		return nil, "", nil
	}
	return nil, key, nil
}

func (s *JobService) release(ctx context.Context, key string) {
	if key == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Release(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "idempotency release failed", "key", key, "error", err)
	}
}

// Get returns a job by id.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Cancel moves a non-terminal job to CANCELLED; terminal jobs yield model.ErrJobTerminal.
func (s *JobService) Cancel(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.orchestrator.Cancel(ctx, id)
	if err != nil {
		return j, fmt.Errorf("cancel job: %w", err)
	}
	return j, nil
}

// Stats returns per-status counts for a queue type.
func (s *JobService) Stats(ctx context.Context, q model.QueueType) (*model.JobStats, error) {
	if !q.Valid() {
		return nil, apperrors.ValidationField("queueType", fmt.Sprintf("unrecognized queueType %q", q))
	}
	stats, err := s.store.Stats(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// LatestCallback returns the most recent callback delivery recorded for a job.
func (s *JobService) LatestCallback(ctx context.Context, jobID string) (*model.CallbackDelivery, error) {
	if _, err := s.store.Get(ctx, jobID); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if s.deliveries == nil {
		return nil, model.ErrCallbackDeliveryNotFound
	}
	d, err := s.deliveries.LatestByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("latest callback: %w", err)
	}
	return d, nil
}
