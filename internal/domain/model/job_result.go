package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrCallbackDeliveryNotFound is returned when a job has no recorded callback delivery.
var ErrCallbackDeliveryNotFound = errors.New("callback delivery not found")

// CallbackStatus is the final outcome of a callback delivery.
type CallbackStatus string

const (
	CallbackStatusDelivered CallbackStatus = "delivered"
	CallbackStatusFailed    CallbackStatus = "failed"
)

// CallbackPayload is the body POSTed to a job or pipeline callback URL.
type CallbackPayload struct {
	JobID       string          `json:"jobId,omitempty"`
	PipelineID  *string         `json:"pipelineId,omitempty"`
	StageIndex  *int            `json:"stageIndex,omitempty"`
	FailedStage *int            `json:"failedStage,omitempty"`
	Status      string          `json:"status"`
	OutputURL   *string         `json:"outputUrl,omitempty"`
	OutputData  json.RawMessage `json:"outputData,omitempty"`
	Duration    *float64        `json:"durationSeconds,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// NewJobCallbackPayload builds the callback body for a terminal job.
func NewJobCallbackPayload(j *Job) CallbackPayload {
	p := CallbackPayload{
		JobID:       j.ID,
		PipelineID:  j.PipelineID,
		StageIndex:  j.StageIndex,
		Status:      string(j.Status),
		Error:       j.Error,
		CompletedAt: j.CompletedAt,
	}
	if j.Status == JobStatusDone {
		p.OutputURL = j.OutputURL
		p.OutputData = j.OutputData
		p.Duration = j.DurationSeconds
	}
	return p
}

// NewPipelineCallbackPayload builds the callback body for a finished pipeline.
func NewPipelineCallbackPayload(p *Pipeline) CallbackPayload {
	id := p.ID
	return CallbackPayload{
		PipelineID:  &id,
		FailedStage: p.FailedStage,
		Status:      string(p.Status),
		OutputData:  p.Output,
		Error:       p.Error,
		CompletedAt: p.CompletedAt,
	}
}

// CallbackDelivery records the final outcome of delivering a callback.
// JobID may be nil if the parent job has been reaped while preserving delivery history.
type CallbackDelivery struct {
	ID         int64          `json:"id"                    db:"id"`
	JobID      *string        `json:"jobId,omitempty"       db:"job_id"`
	PipelineID *string        `json:"pipelineId,omitempty"  db:"pipeline_id"`
	URL        string         `json:"url"                   db:"url"`
	Status     CallbackStatus `json:"status"                db:"status"`
	Attempts   int            `json:"attempts"              db:"attempts"`
	StatusCode *int           `json:"statusCode,omitempty"  db:"status_code"`
	LastError  *string        `json:"lastError,omitempty"   db:"last_error"`
	CreatedAt  time.Time      `json:"createdAt"             db:"created_at"`
}
