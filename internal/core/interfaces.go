package core

import (
	"context"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Services depend on these interfaces; internal/data provides the Postgres and
// in-memory implementations.

//go:generate go run go.uber.org/mock/mockgen -destination=../mocks/mock_repositories.go -package=mocks github.com/target/mmk-orchestrator/internal/core JobStore,PipelineRepository,CallbackDeliveryRepository,IdempotencyStore,ReaperRepository

// ListInFlightParams selects in-flight jobs for a sweep.
type ListInFlightParams struct {
	QueueType model.QueueType
	// IdleFor skips jobs updated more recently than this; zero lists all.
	IdleFor time.Duration
	Limit   int
}

// JobStore persists jobs and exposes the compare-and-set primitive every
// status change goes through.
type JobStore interface {
	// Create inserts a PENDING job. A duplicate (projectId, clientId) yields model.ErrJobExists.
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	// Get returns model.ErrJobNotFound for unknown ids.
	Get(ctx context.Context, id string) (*model.Job, error)
	// ConditionalUpdate applies patch only if the stored status equals expected.
	// It returns false without mutating anything when the status differs, and
	// model.ErrInvalidTransition when the patch would break the state machine.
	ConditionalUpdate(ctx context.Context, id string, expected model.JobStatus, patch model.JobPatch) (bool, error)
	// ListInFlight returns PROCESSING jobs and SUBMITTED jobs that have an external id.
	ListInFlight(ctx context.Context, params ListInFlightParams) ([]*model.Job, error)
	GetByClientID(ctx context.Context, projectID, clientID string) (*model.Job, error)
	// NextPending returns the oldest PENDING standalone job of a queue type or model.ErrNoJobsAvailable.
	NextPending(ctx context.Context, queueType model.QueueType) (*model.Job, error)
	ListByPipeline(ctx context.Context, pipelineID string) ([]*model.Job, error)
	Stats(ctx context.Context, queueType model.QueueType) (*model.JobStats, error)
	// WaitForNotification blocks until channel is signalled or ctx ends.
	WaitForNotification(ctx context.Context, channel string) error
}

// ClaimPipelineParams selects a pipeline for a runner.
type ClaimPipelineParams struct {
	// StaleAfter lets a RUNNING pipeline be reclaimed once its heartbeat is older than this.
	StaleAfter time.Duration
}

// PipelineRepository persists pipelines.
type PipelineRepository interface {
	Create(ctx context.Context, req *model.CreatePipelineRequest) (*model.Pipeline, error)
	Get(ctx context.Context, id string) (*model.Pipeline, error)
	// ClaimNext moves a PENDING or stale RUNNING pipeline to RUNNING and returns it,
	// or model.ErrNoPipelinesAvailable.
	ClaimNext(ctx context.Context, params ClaimPipelineParams) (*model.Pipeline, error)
	Heartbeat(ctx context.Context, id string) (bool, error)
	// Advance records that stage has completed and moves the cursor past it.
	Advance(ctx context.Context, id string, stage int) (bool, error)
	// Finish records the terminal outcome; false if the pipeline already finished.
	Finish(ctx context.Context, id string, finish model.PipelineFinish) (bool, error)
	WaitForNotification(ctx context.Context, channel string) error
}

// CallbackDeliveryRepository persists callback delivery outcomes.
type CallbackDeliveryRepository interface {
	Record(ctx context.Context, delivery *model.CallbackDelivery) error
	LatestByJobID(ctx context.Context, jobID string) (*model.CallbackDelivery, error)
}

// IdempotencyStore maps client-supplied keys to job ids for a limited time.
type IdempotencyStore interface {
	// Reserve stores key→jobID unless key exists; it returns the id that owns the key.
	Reserve(ctx context.Context, key, jobID string, ttl time.Duration) (owner string, reserved bool, err error)
	Release(ctx context.Context, key string) error
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs.
type DeleteOldJobsParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// FailStaleParams groups parameters for the reaper's failure sweeps.
type FailStaleParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// FailStalePendingJobs fails PENDING jobs nobody picked up within MaxAge and returns them.
	FailStalePendingJobs(ctx context.Context, params FailStaleParams) ([]*model.Job, error)
	// FailOrphanedSubmissions fails SUBMITTED jobs that never recorded an external id.
	FailOrphanedSubmissions(ctx context.Context, params FailStaleParams) ([]*model.Job, error)
	// DeleteOldJobs deletes terminal standalone jobs older than MaxAge.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
	// DeleteOldPipelines deletes finished pipelines, with their stage jobs, older than MaxAge.
	DeleteOldPipelines(ctx context.Context, params DeleteOldJobsParams) (int64, error)
	// DeleteOldCallbackDeliveries deletes delivery records older than MaxAge.
	DeleteOldCallbackDeliveries(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}
