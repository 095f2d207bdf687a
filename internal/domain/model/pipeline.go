package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmespath-community/go-jmespath"
)

// PipelineStatus represents the lifecycle of a pipeline.
type PipelineStatus string

const (
	PipelineStatusPending PipelineStatus = "PENDING"
	PipelineStatusRunning PipelineStatus = "RUNNING"
	PipelineStatusDone    PipelineStatus = "DONE"
	PipelineStatusFailed  PipelineStatus = "FAILED"
)

// MaxPipelineStages caps the number of stages accepted in one pipeline.
const MaxPipelineStages = 16

var (
	// ErrPipelineNotFound is returned when a pipeline id is unknown.
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrNoPipelinesAvailable is returned when no pipeline can be claimed.
	ErrNoPipelinesAvailable = errors.New("no pipelines available")
)

// Terminal reports whether the pipeline has finished.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineStatusDone || s == PipelineStatusFailed
}

// StageDefinition is one persisted step of a pipeline.
//
// ParamMapping maps a parameter name to a JMESPath expression evaluated
// against the previous stage document (see StageInput).
type StageDefinition struct {
	QueueType    QueueType         `json:"queueType"`
	Params       json.RawMessage   `json:"params,omitempty"`
	ParamMapping map[string]string `json:"paramMapping,omitempty"`
	MaxRetries   int               `json:"maxRetries,omitempty"`
}

// Validate checks the stage definition, compiling every mapping expression.
func (s *StageDefinition) Validate() error {
	if !s.QueueType.Valid() {
		return fmt.Errorf("unrecognized queueType %q", s.QueueType)
	}
	if len(s.Params) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(s.Params, &obj); err != nil {
			return errors.New("params must be a JSON object")
		}
	}
	if s.MaxRetries < 0 {
		return errors.New("maxRetries must be >= 0")
	}
	for name, expr := range s.ParamMapping {
		if name == "" {
			return errors.New("paramMapping keys must not be empty")
		}
		if _, err := jmespath.Compile(expr); err != nil {
			return fmt.Errorf("paramMapping %q: invalid expression: %w", name, err)
		}
	}
	return nil
}

// StageInput is the document a stage's paramMapping expressions are evaluated against.
type StageInput struct {
	JobID     string          `json:"jobId"`
	OutputURL *string         `json:"outputUrl"`
	Output    json.RawMessage `json:"output"`
	Duration  *float64        `json:"duration"`
	Params    json.RawMessage `json:"params"`
}

// NewStageInput builds the mapping document from a completed stage job.
func NewStageInput(j *Job) StageInput {
	in := StageInput{
		JobID:     j.ID,
		OutputURL: j.OutputURL,
		Output:    j.OutputData,
		Duration:  j.DurationSeconds,
		Params:    j.InputParams,
	}
	if len(in.Output) == 0 {
		in.Output = json.RawMessage("null")
	}
	if len(in.Params) == 0 {
		in.Params = json.RawMessage("null")
	}
	return in
}

// Pipeline is an ordered chain of jobs where each stage's input derives from
// the prior stage's output.
type Pipeline struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"projectId"`
	Status       PipelineStatus    `json:"status"`
	Stages       []StageDefinition `json:"stages"`
	CurrentStage int               `json:"currentStage"`
	FailedStage  *int              `json:"failedStage,omitempty"`
	Error        *JobError         `json:"error,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	CallbackURL  *string           `json:"callbackUrl,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

// CreatePipelineRequest is the body of POST /pipelines.
type CreatePipelineRequest struct {
	ID          string            `json:"id,omitempty"`
	ProjectID   string            `json:"projectId"`
	Stages      []StageDefinition `json:"stages"`
	CallbackURL *string           `json:"callbackUrl,omitempty"`
}

// Validate validates the pipeline request and each stage.
func (r *CreatePipelineRequest) Validate() error {
	if len(r.Stages) == 0 {
		return errors.New("stages are required")
	}
	if len(r.Stages) > MaxPipelineStages {
		return fmt.Errorf("at most %d stages are allowed", MaxPipelineStages)
	}
	var errs []error
	for i := range r.Stages {
		if err := r.Stages[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("stages[%d]: %w", i, err))
		}
	}
	if len(r.Stages[0].Params) == 0 {
		errs = append(errs, errors.New("stages[0]: params is required"))
	}
	if r.CallbackURL != nil {
		if err := validateCallbackURL(*r.CallbackURL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PipelineFinish records the terminal outcome of a pipeline.
type PipelineFinish struct {
	Status      PipelineStatus
	FailedStage *int
	Error       *JobError
	Output      json.RawMessage
}

// SubmitPipelineResponse is returned by POST /pipelines.
type SubmitPipelineResponse struct {
	PipelineID string         `json:"pipelineId"`
	Status     PipelineStatus `json:"status"`
}

// PipelineStatusResponse is returned by GET /pipelines/{pipelineId}.
type PipelineStatusResponse struct {
	PipelineID   string              `json:"pipelineId"`
	Status       PipelineStatus      `json:"status"`
	CurrentStage int                 `json:"currentStage"`
	StageCount   int                 `json:"stageCount"`
	FailedStage  *int                `json:"failedStage,omitempty"`
	Error        *JobError           `json:"error,omitempty"`
	Output       json.RawMessage     `json:"output,omitempty"`
	Jobs         []JobStatusResponse `json:"jobs"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
	CompletedAt  *time.Time          `json:"completedAt,omitempty"`
}

// NewPipelineStatusResponse builds the public view of a pipeline and its stage jobs.
func NewPipelineStatusResponse(p *Pipeline, jobs []*Job) PipelineStatusResponse {
	resp := PipelineStatusResponse{
		PipelineID:   p.ID,
		Status:       p.Status,
		CurrentStage: p.CurrentStage,
		StageCount:   len(p.Stages),
		FailedStage:  p.FailedStage,
		Error:        p.Error,
		Output:       p.Output,
		Jobs:         make([]JobStatusResponse, 0, len(jobs)),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
		CompletedAt:  p.CompletedAt,
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, NewJobStatusResponse(j))
	}
	return resp
}
