package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// ErrCallbackDeliveriesNotConfigured is returned when the repository has no database.
var ErrCallbackDeliveriesNotConfigured = errors.New("callback delivery repository not configured")

// CallbackDeliveryRepo persists callback delivery outcomes.
type CallbackDeliveryRepo struct {
	DB *sql.DB
}

// NewCallbackDeliveryRepo constructs a CallbackDeliveryRepo.
func NewCallbackDeliveryRepo(db *sql.DB) *CallbackDeliveryRepo {
	return &CallbackDeliveryRepo{DB: db}
}

// Record inserts a delivery outcome and fills in its ID and CreatedAt.
func (r *CallbackDeliveryRepo) Record(ctx context.Context, d *model.CallbackDelivery) error {
	if r == nil || r.DB == nil {
		return ErrCallbackDeliveriesNotConfigured
	}
	if d == nil {
		return errors.New("callback delivery is required")
	}
	if d.JobID == nil && d.PipelineID == nil {
		return ErrJobIDRequired
	}

	const query = `
		INSERT INTO callback_deliveries (job_id, pipeline_id, url, status, attempts, status_code, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, created_at`
	row := r.DB.QueryRowContext(ctx, query,
		d.JobID, d.PipelineID, d.URL, string(d.Status), d.Attempts, d.StatusCode, d.LastError)
	if err := row.Scan(&d.ID, &d.CreatedAt); err != nil {
		return fmt.Errorf("insert callback delivery: %w", err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return nil
}

// LatestByJobID returns the most recent delivery recorded for a job.
func (r *CallbackDeliveryRepo) LatestByJobID(ctx context.Context, jobID string) (*model.CallbackDelivery, error) {
	if r == nil || r.DB == nil {
		return nil, ErrCallbackDeliveriesNotConfigured
	}
	if jobID == "" {
		return nil, ErrJobIDRequired
	}

	const query = `
		SELECT id, job_id, pipeline_id, url, status, attempts, status_code, last_error, created_at
		FROM callback_deliveries
		WHERE job_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var (
		d          model.CallbackDelivery
		jobIDCol   sql.NullString
		pipelineID sql.NullString
		statusCode sql.NullInt32
		lastError  sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, query, jobID).Scan(
		&d.ID, &jobIDCol, &pipelineID, &d.URL, &d.Status, &d.Attempts, &statusCode, &lastError, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallbackDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get callback delivery: %w", err)
	}

	d.JobID = cloneNullableString(jobIDCol)
	d.PipelineID = cloneNullableString(pipelineID)
	d.LastError = cloneNullableString(lastError)
	if statusCode.Valid {
		code := int(statusCode.Int32)
		d.StatusCode = &code
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

var _ core.CallbackDeliveryRepository = (*CallbackDeliveryRepo)(nil)
