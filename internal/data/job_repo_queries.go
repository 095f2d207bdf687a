package data

import (
	"context"
	"fmt"

	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data/pgxutil"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

const defaultInFlightLimit = 500

// ListInFlight returns PROCESSING jobs and SUBMITTED jobs with an external id,
// least recently updated first.
func (r *JobRepo) ListInFlight(ctx context.Context, params core.ListInFlightParams) ([]*model.Job, error) {
	if !params.QueueType.Valid() {
		return nil, fmt.Errorf("invalid queue type: %q", params.QueueType)
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultInFlightLimit
	}
	cutoff := r.timeProvider.Now().UTC().Add(-params.IdleFor)

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE queue_type = $1
		  AND (status = 'PROCESSING' OR (status = 'SUBMITTED' AND external_id IS NOT NULL))
		  AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, params.QueueType, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list in-flight jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListByPipeline returns the stage jobs of a pipeline ordered by stage index.
func (r *JobRepo) ListByPipeline(ctx context.Context, pipelineID string) ([]*model.Job, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE pipeline_id = $1
		ORDER BY stage_index ASC, created_at ASC
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list pipeline jobs: %w", err)
	}
	return scanJobs(rows)
}

// Stats returns per-status job counts for a queue type.
func (r *JobRepo) Stats(ctx context.Context, queueType model.QueueType) (*model.JobStats, error) {
	if !queueType.Valid() {
		return nil, fmt.Errorf("invalid queue type: %q", queueType)
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM jobs
		WHERE queue_type = $1
		GROUP BY status
	`, queueType)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &model.JobStats{}
	for rows.Next() {
		var status model.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		switch status {
		case model.JobStatusPending:
			stats.Pending = n
		case model.JobStatusSubmitted:
			stats.Submitted = n
		case model.JobStatusProcessing:
			stats.Processing = n
		case model.JobStatusDone:
			stats.Done = n
		case model.JobStatusFailed:
			stats.Failed = n
		case model.JobStatusCancelled:
			stats.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job stats: %w", err)
	}
	return stats, nil
}

// WaitForNotification blocks until a NOTIFY arrives on channel or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context, channel string) error {
	return pgxutil.Listen(ctx, r.DB, channel)
}
