package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-orchestrator/internal/data/pgxutil"
	"github.com/target/mmk-orchestrator/internal/domain/job"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
)

// Create inserts a PENDING job. Standalone jobs also notify the runners of
// their queue type; pipeline stages are driven by the pipeline runner.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.timeProvider.Now().UTC()

	var created *model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO jobs (
				  id, queue_type, status, project_id, client_id, input_params,
				  max_retries, callback_url, pipeline_id, stage_index, created_at, updated_at
				)
				VALUES ($1, $2, 'PENDING', $3, $4, $5, $6, $7, $8, $9, $10, $10)
				RETURNING `+jobColumns,
				id,
				req.QueueType,
				req.ProjectID,
				req.ClientID,
				[]byte(req.Params),
				req.EffectiveMaxRetries(r.cfg.DefaultMaxRetries),
				req.CallbackURL,
				req.PipelineID,
				req.StageIndex,
				now,
			)
			j, err := scanJobFromRow(row)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			created = j
			if req.PipelineID != nil {
				return nil
			}
			return pgxutil.Notify(ctx, tx, job.PendingChannel(req.QueueType), j.ID)
		},
	})
	if err != nil {
		if apperrors.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrJobExists, err)
		}
		return nil, err
	}
	return created, nil
}

// Get retrieves a job by its ID.
func (r *JobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrJobNotFound
	}
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetByClientID returns the job a project previously submitted under clientID.
func (r *JobRepo) GetByClientID(ctx context.Context, projectID, clientID string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = $1 AND client_id = $2`,
		projectID, clientID)
	j, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by client id: %w", err)
	}
	return j, nil
}

// NextPending returns the oldest PENDING standalone job of the queue type.
// It does not claim the job; callers claim it through ConditionalUpdate.
func (r *JobRepo) NextPending(ctx context.Context, queueType model.QueueType) (*model.Job, error) {
	var found *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE queue_type = $1 AND status = 'PENDING' AND pipeline_id IS NULL
			ORDER BY created_at ASC
			LIMIT 1
		`, string(queueType))
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if rowsErr := rows.Err(); rowsErr != nil {
				return rowsErr
			}
			return model.ErrNoJobsAvailable
		}
		found, err = scanJobFromRow(rows)
		return err
	})
	if errors.Is(err, model.ErrNoJobsAvailable) {
		return nil, model.ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	return found, nil
}

// ConditionalUpdate applies patch only while the job's status equals expected.
func (r *JobRepo) ConditionalUpdate(
	ctx context.Context,
	id string,
	expected model.JobStatus,
	patch model.JobPatch,
) (bool, error) {
	target := patch.TargetStatus(expected)
	if !expected.CanTransitionTo(target) {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, expected, target)
	}

	query, args, err := r.buildConditionalUpdate(id, expected, patch)
	if err != nil {
		return false, err
	}

	var updated bool
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var returnedID string
			scanErr := tx.QueryRowContext(ctx, query, args...).Scan(&returnedID)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return r.explainMissedUpdate(ctx, tx, id, expected, patch)
			}
			if scanErr != nil {
				return fmt.Errorf("conditional update: %w", scanErr)
			}
			updated = true
			if target.Terminal() {
				return pgxutil.Notify(ctx, tx, job.FinishedChannel(id), string(target))
			}
			return nil
		},
	})
	if errors.Is(txErr, errStatusMismatch) {
		return false, nil
	}
	if txErr != nil {
		return false, txErr
	}
	return updated, nil
}

var errStatusMismatch = errors.New("status mismatch")

// explainMissedUpdate distinguishes an unknown job and an already recorded
// external id from the ordinary lost race.
func (r *JobRepo) explainMissedUpdate(
	ctx context.Context,
	tx *sql.Tx,
	id string,
	expected model.JobStatus,
	patch model.JobPatch,
) error {
	var status model.JobStatus
	var hasExternal bool
	err := tx.QueryRowContext(ctx,
		`SELECT status, external_id IS NOT NULL FROM jobs WHERE id = $1`, id,
	).Scan(&status, &hasExternal)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("recheck job: %w", err)
	}
	if status == expected && patch.ExternalID != nil && hasExternal {
		return model.ErrExternalIDAlreadySet
	}
	return errStatusMismatch
}

type setClause struct {
	parts []string
	args  []any
}

func (s *setClause) add(column string, value any) {
	s.args = append(s.args, value)
	s.parts = append(s.parts, column+" = $"+strconv.Itoa(len(s.args)))
}

func (s *setClause) raw(expr string) {
	s.parts = append(s.parts, expr)
}

func (r *JobRepo) buildConditionalUpdate(id string, expected model.JobStatus, patch model.JobPatch) (string, []any, error) {
	target := patch.TargetStatus(expected)
	now := r.timeProvider.Now().UTC()

	set := &setClause{}
	set.add("status", string(target))
	set.add("updated_at", now)
	if patch.ExternalID != nil {
		set.add("external_id", *patch.ExternalID)
		set.add("submitted_at", now)
	}
	if patch.ProviderContext != nil {
		set.add("provider_context", nullableJSON(patch.ProviderContext))
	}
	if patch.SubmitOutput != nil {
		set.add("submit_output", nullableJSON(patch.SubmitOutput))
	}
	if patch.OutputData != nil {
		set.add("output_data", nullableJSON(patch.OutputData))
	}
	if patch.OutputURL != nil {
		set.add("output_url", *patch.OutputURL)
	}
	if patch.DurationSeconds != nil {
		set.add("duration_seconds", *patch.DurationSeconds)
	}
	if patch.Error != nil {
		encoded, err := json.Marshal(patch.Error)
		if err != nil {
			return "", nil, fmt.Errorf("encode job error: %w", err)
		}
		set.add("error", encoded)
	}
	if patch.RetryCount != nil {
		set.add("retry_count", *patch.RetryCount)
	}
	if patch.Lease != nil {
		set.add("poll_lease_until", patch.Lease.Until.UTC())
	} else {
		set.raw("poll_lease_until = NULL")
	}
	if target.Terminal() {
		set.raw("completed_at = COALESCE(completed_at, $2)")
	}

	args := append(set.args, id, string(expected))
	idPos := strconv.Itoa(len(args) - 1)
	statusPos := strconv.Itoa(len(args))

	where := "id = $" + idPos + " AND status = $" + statusPos
	if patch.ExternalID != nil {
		where += " AND external_id IS NULL"
	}
	if patch.HeldRetryCount != nil {
		args = append(args, *patch.HeldRetryCount)
		where += " AND retry_count = $" + strconv.Itoa(len(args))
	}
	if patch.Lease != nil {
		args = append(args, patch.Lease.RetryCount, patch.Lease.Now.UTC())
		where += " AND retry_count = $" + strconv.Itoa(len(args)-1) +
			" AND (poll_lease_until IS NULL OR poll_lease_until <= $" + strconv.Itoa(len(args)) + ")"
	}
	query := "UPDATE jobs SET " + strings.Join(set.parts, ", ") + " WHERE " + where + " RETURNING id"
	return query, args, nil
}
