package data

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// RepoConfig holds configuration options for the Postgres repositories.
type RepoConfig struct {
	// DefaultMaxRetries is the poll budget for requests that do not set one.
	DefaultMaxRetries int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// JobRepo is the Postgres implementation of core.JobStore.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

const jobColumns = `
  id,
  queue_type,
  status,
  project_id,
  client_id,
  input_params,
  external_id,
  provider_context,
  submit_output,
  output_data,
  output_url,
  duration_seconds,
  error,
  retry_count,
  max_retries,
  callback_url,
  pipeline_id,
  stage_index,
  created_at,
  updated_at,
  submitted_at,
  completed_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	inputParams, providerContext, submitOutput, outputData, jobError []byte
	clientID, externalID, outputURL, callbackURL, pipelineID         sql.NullString
	duration                                                         sql.NullFloat64
	stageIndex                                                       sql.NullInt32
	submittedAt, completedAt                                         sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.QueueType,
		&job.Status,
		&job.ProjectID,
		&d.clientID,
		&d.inputParams,
		&d.externalID,
		&d.providerContext,
		&d.submitOutput,
		&d.outputData,
		&d.outputURL,
		&d.duration,
		&d.jobError,
		&job.RetryCount,
		&job.MaxRetries,
		&d.callbackURL,
		&d.pipelineID,
		&d.stageIndex,
		&job.CreatedAt,
		&job.UpdatedAt,
		&d.submittedAt,
		&d.completedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	job.InputParams = cloneJSON(d.inputParams)
	job.ProviderContext = cloneOptionalJSON(d.providerContext)
	job.SubmitOutput = cloneOptionalJSON(d.submitOutput)
	job.OutputData = cloneOptionalJSON(d.outputData)
	job.ClientID = cloneNullableString(d.clientID)
	job.ExternalID = cloneNullableString(d.externalID)
	job.OutputURL = cloneNullableString(d.outputURL)
	job.CallbackURL = cloneNullableString(d.callbackURL)
	job.PipelineID = cloneNullableString(d.pipelineID)
	job.SubmittedAt = cloneNullableTime(d.submittedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if d.duration.Valid {
		v := d.duration.Float64
		job.DurationSeconds = &v
	}
	if d.stageIndex.Valid {
		v := int(d.stageIndex.Int32)
		job.StageIndex = &v
	}
	if len(d.jobError) > 0 {
		var je model.JobError
		if err := json.Unmarshal(d.jobError, &je); err != nil {
			return err
		}
		job.Error = &je
	}
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer func() { _ = rows.Close() }()
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneOptionalJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// nullableJSON returns nil for empty documents so they are stored as SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

var (
	_ core.JobStore         = (*JobRepo)(nil)
	_ core.ReaperRepository = (*JobRepo)(nil)
)
