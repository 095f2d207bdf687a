package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data/pgxutil"
	"github.com/target/mmk-orchestrator/internal/domain/job"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// PipelineRepo is the Postgres implementation of core.PipelineRepository.
type PipelineRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewPipelineRepo creates a PipelineRepo.
func NewPipelineRepo(db *sql.DB, cfg RepoConfig) *PipelineRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineRepo{DB: db, timeProvider: tp, logger: logger.With("component", "pipeline_repo")}
}

const pipelineColumns = `
  id, project_id, status, stages, current_stage, failed_stage, error,
  output, callback_url, created_at, updated_at, completed_at
`

func scanPipeline(scanner jobRowScanner) (*model.Pipeline, error) {
	var (
		p           model.Pipeline
		stages      []byte
		failedStage sql.NullInt32
		pipeErr     []byte
		output      []byte
		callbackURL sql.NullString
		completedAt sql.NullTime
	)
	if err := scanner.Scan(
		&p.ID, &p.ProjectID, &p.Status, &stages, &p.CurrentStage, &failedStage, &pipeErr,
		&output, &callbackURL, &p.CreatedAt, &p.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stages, &p.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	if failedStage.Valid {
		v := int(failedStage.Int32)
		p.FailedStage = &v
	}
	if len(pipeErr) > 0 {
		var je model.JobError
		if err := json.Unmarshal(pipeErr, &je); err != nil {
			return nil, fmt.Errorf("decode pipeline error: %w", err)
		}
		p.Error = &je
	}
	p.Output = cloneOptionalJSON(output)
	p.CallbackURL = cloneNullableString(callbackURL)
	p.CompletedAt = cloneNullableTime(completedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// Create inserts a PENDING pipeline and wakes pipeline runners.
func (r *PipelineRepo) Create(ctx context.Context, req *model.CreatePipelineRequest) (*model.Pipeline, error) {
	if req == nil {
		return nil, errors.New("create pipeline request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	stages, err := json.Marshal(req.Stages)
	if err != nil {
		return nil, fmt.Errorf("encode stages: %w", err)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.timeProvider.Now().UTC()

	var created *model.Pipeline
	err = pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO pipelines (id, project_id, status, stages, current_stage, callback_url, created_at, updated_at)
				VALUES ($1, $2, 'PENDING', $3, 0, $4, $5, $5)
				RETURNING `+pipelineColumns,
				id, req.ProjectID, stages, req.CallbackURL, now)
			p, scanErr := scanPipeline(row)
			if scanErr != nil {
				return fmt.Errorf("insert pipeline: %w", scanErr)
			}
			created = p
			return pgxutil.Notify(ctx, tx, job.PipelineChannel, p.ID)
		},
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get retrieves a pipeline by id.
func (r *PipelineRepo) Get(ctx context.Context, id string) (*model.Pipeline, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrPipelineNotFound
	}
	p, err := scanPipeline(r.DB.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

// ClaimNext moves the oldest PENDING pipeline, or a RUNNING one whose
// heartbeat is older than StaleAfter, to RUNNING and returns it.
func (r *PipelineRepo) ClaimNext(ctx context.Context, params core.ClaimPipelineParams) (*model.Pipeline, error) {
	now := r.timeProvider.Now().UTC()
	staleCutoff := now.Add(-params.StaleAfter)

	var claimed *model.Pipeline
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				UPDATE pipelines
				SET status = 'RUNNING', heartbeat_at = $1, updated_at = $1
				WHERE id = (
					SELECT id FROM pipelines
					WHERE status = 'PENDING'
					   OR (status = 'RUNNING' AND $3 AND (heartbeat_at IS NULL OR heartbeat_at < $2))
					ORDER BY created_at ASC
					LIMIT 1
					FOR UPDATE SKIP LOCKED
				)
				RETURNING `+pipelineColumns,
				now, staleCutoff, params.StaleAfter > 0)
			p, scanErr := scanPipeline(row)
			if errors.Is(scanErr, sql.ErrNoRows) {
				return model.ErrNoPipelinesAvailable
			}
			if scanErr != nil {
				return fmt.Errorf("claim pipeline: %w", scanErr)
			}
			claimed = p
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat refreshes the claim on a RUNNING pipeline.
func (r *PipelineRepo) Heartbeat(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE pipelines SET heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'RUNNING'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("pipeline heartbeat: %w", err)
	}
	return rowsChanged(res)
}

// Advance moves the cursor past a completed stage.
func (r *PipelineRepo) Advance(ctx context.Context, id string, stage int) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE pipelines SET current_stage = $2 + 1, heartbeat_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'RUNNING' AND current_stage = $2
	`, id, stage, now)
	if err != nil {
		return false, fmt.Errorf("advance pipeline: %w", err)
	}
	return rowsChanged(res)
}

// Finish records the terminal outcome; false if the pipeline already finished.
func (r *PipelineRepo) Finish(ctx context.Context, id string, finish model.PipelineFinish) (bool, error) {
	if !finish.Status.Terminal() {
		return false, fmt.Errorf("%w: pipeline cannot finish as %s", model.ErrInvalidTransition, finish.Status)
	}
	var encodedErr []byte
	if finish.Error != nil {
		var err error
		if encodedErr, err = json.Marshal(finish.Error); err != nil {
			return false, fmt.Errorf("encode pipeline error: %w", err)
		}
	}
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE pipelines
		SET status = $2, failed_stage = $3, error = $4, output = $5,
		    completed_at = $6, updated_at = $6
		WHERE id = $1 AND status NOT IN ('DONE', 'FAILED')
	`, id, string(finish.Status), finish.FailedStage, encodedErr, nullableJSON(finish.Output), now)
	if err != nil {
		return false, fmt.Errorf("finish pipeline: %w", err)
	}
	return rowsChanged(res)
}

// WaitForNotification blocks until a NOTIFY arrives on channel or ctx ends.
func (r *PipelineRepo) WaitForNotification(ctx context.Context, channel string) error {
	return pgxutil.Listen(ctx, r.DB, channel)
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

var _ core.PipelineRepository = (*PipelineRepo)(nil)
