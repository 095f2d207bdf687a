package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data/pgxutil"
	"github.com/target/mmk-orchestrator/internal/domain/job"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// Advisory lock namespace for reaper operations, used with the two-argument
// pg_try_advisory_xact_lock(major, minor).
const (
	advisoryLockReaperMajor            = 2000
	advisoryLockReaperFailPending      = 1
	advisoryLockReaperFailOrphaned     = 2
	advisoryLockReaperDeleteJobs       = 3
	advisoryLockReaperDeleteDeliveries = 4
	advisoryLockReaperDeletePipelines  = 5
)

func validateBatch(maxAge time.Duration, batchSize int) error {
	if batchSize <= 0 {
		return errors.New("batch size must be greater than zero")
	}
	if maxAge <= 0 {
		return errors.New("max age must be greater than zero")
	}
	return nil
}

// withReaperLock runs fn in a transaction holding the given advisory lock.
// fn is skipped when another reaper instance holds it.
func (r *JobRepo) withReaperLock(ctx context.Context, minor int, fn func(tx *sql.Tx) error) error {
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx,
				"SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, minor,
			).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			return fn(tx)
		},
	})
}

// FailStalePendingJobs fails PENDING jobs created more than MaxAge ago and
// returns them so their callbacks can be dispatched.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, params core.FailStaleParams) ([]*model.Job, error) {
	return r.failStale(ctx, params, advisoryLockReaperFailPending, failStaleQuery{
		status: model.JobStatusPending,
		filter: "status = 'PENDING' AND created_at < $2",
		order:  "created_at",
		jobErr: model.JobError{Code: model.ErrorCodeStale, Message: "job was not picked up before its deadline"},
	})
}

// FailOrphanedSubmissions fails SUBMITTED jobs that were claimed but never
// recorded an external id. The provider outcome is unknown, so the job is
// failed rather than submitted a second time.
func (r *JobRepo) FailOrphanedSubmissions(ctx context.Context, params core.FailStaleParams) ([]*model.Job, error) {
	return r.failStale(ctx, params, advisoryLockReaperFailOrphaned, failStaleQuery{
		status: model.JobStatusSubmitted,
		filter: "status = 'SUBMITTED' AND external_id IS NULL AND updated_at < $2",
		order:  "updated_at",
		jobErr: model.JobError{Code: model.ErrorCodeSubmissionUnknown, Message: "submission outcome unknown: no external id was recorded"},
	})
}

type failStaleQuery struct {
	status model.JobStatus
	filter string
	order  string
	jobErr model.JobError
}

func (r *JobRepo) failStale(
	ctx context.Context,
	params core.FailStaleParams,
	lockMinor int,
	q failStaleQuery,
) ([]*model.Job, error) {
	if err := validateBatch(params.MaxAge, params.BatchSize); err != nil {
		return nil, err
	}
	encodedErr, err := json.Marshal(q.jobErr)
	if err != nil {
		return nil, fmt.Errorf("encode job error: %w", err)
	}

	var failed []*model.Job
	err = r.withReaperLock(ctx, lockMinor, func(tx *sql.Tx) error {
		now := r.timeProvider.Now().UTC()
		cutoff := now.Add(-params.MaxAge)

		rows, err := tx.QueryContext(ctx, `
			UPDATE jobs
			SET status = 'FAILED',
			    error = $1,
			    completed_at = $3,
			    updated_at = $3
			WHERE id IN (
				SELECT id FROM jobs
				WHERE `+q.filter+`
				ORDER BY `+q.order+`
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns,
			encodedErr, cutoff, now, params.BatchSize)
		if err != nil {
			return fmt.Errorf("fail stale %s jobs: %w", q.status, err)
		}
		failed, err = scanJobs(rows)
		if err != nil {
			return err
		}
		for _, j := range failed {
			if err := pgxutil.Notify(ctx, tx, job.FinishedChannel(j.ID), string(model.JobStatusFailed)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// DeleteOldJobs deletes terminal standalone jobs completed more than MaxAge ago.
// Stage jobs are removed together with their pipeline.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	return r.deleteOld(ctx, params, advisoryLockReaperDeleteJobs, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status IN ('DONE', 'FAILED', 'CANCELLED')
			  AND pipeline_id IS NULL
			  AND COALESCE(completed_at, updated_at) < $1
			ORDER BY COALESCE(completed_at, updated_at)
			LIMIT $2
		)
	`)
}

// DeleteOldPipelines deletes finished pipelines, and through the foreign key
// their stage jobs, completed more than MaxAge ago.
func (r *JobRepo) DeleteOldPipelines(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	return r.deleteOld(ctx, params, advisoryLockReaperDeletePipelines, `
		DELETE FROM pipelines
		WHERE id IN (
			SELECT id FROM pipelines
			WHERE status IN ('DONE', 'FAILED')
			  AND COALESCE(completed_at, updated_at) < $1
			ORDER BY COALESCE(completed_at, updated_at)
			LIMIT $2
		)
	`)
}

// DeleteOldCallbackDeliveries deletes callback delivery records older than MaxAge.
func (r *JobRepo) DeleteOldCallbackDeliveries(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	return r.deleteOld(ctx, params, advisoryLockReaperDeleteDeliveries, `
		DELETE FROM callback_deliveries
		WHERE id IN (
			SELECT id FROM callback_deliveries
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
		)
	`)
}

func (r *JobRepo) deleteOld(ctx context.Context, params core.DeleteOldJobsParams, lockMinor int, query string) (int64, error) {
	if err := validateBatch(params.MaxAge, params.BatchSize); err != nil {
		return 0, err
	}

	var rowsAffected int64
	err := r.withReaperLock(ctx, lockMinor, func(tx *sql.Tx) error {
		cutoff := r.timeProvider.Now().Add(-params.MaxAge).UTC()
		res, err := tx.ExecContext(ctx, query, cutoff, params.BatchSize)
		if err != nil {
			return fmt.Errorf("delete old rows: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}
