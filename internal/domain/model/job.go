// Package model defines the core data types shared by the orchestration engine.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QueueType selects the provider adapter that handles a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type QueueType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// QueueTypeAvatarVideo renders talking-head videos from a script.
	QueueTypeAvatarVideo QueueType = "avatar-video"
	// QueueTypeSpeechToText transcribes audio.
	QueueTypeSpeechToText QueueType = "speech-to-text"
	// QueueTypeImageGeneration generates images from text prompts.
	QueueTypeImageGeneration QueueType = "image-generation"
	// QueueTypeVideoToVideo animates an image or video into a new video.
	QueueTypeVideoToVideo QueueType = "video-to-video"
	// QueueTypeRender runs a server-side composition render.
	QueueTypeRender QueueType = "render"

	// JobStatusPending indicates a job was created but not yet submitted.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusSubmitted indicates a submission was claimed or accepted by the provider.
	JobStatusSubmitted JobStatus = "SUBMITTED"
	// JobStatusProcessing indicates the provider is being polled.
	JobStatusProcessing JobStatus = "PROCESSING"
	// JobStatusDone indicates the provider finished successfully.
	JobStatusDone JobStatus = "DONE"
	// JobStatusFailed indicates the job failed permanently.
	JobStatusFailed JobStatus = "FAILED"
	// JobStatusCancelled indicates a caller cancelled the job.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Error codes recorded on failed jobs.
const (
	ErrorCodeSubmission        = "submission_failed"
	ErrorCodeSubmissionUnknown = "submission_unknown"
	ErrorCodePoll              = "poll_failed"
	ErrorCodeProvider          = "provider_failed"
	ErrorCodeTimeout           = "timeout"
	ErrorCodeUnsupportedQueue  = "unsupported_queue"
	ErrorCodeStale             = "stale_pending"
	ErrorCodeStage             = "stage_failed"
)

var (
	// ErrNoJobsAvailable is returned when no pending jobs are waiting.
	ErrNoJobsAvailable = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when a job with the same id or client id already exists.
	ErrJobExists = errors.New("job already exists")
	// ErrJobTerminal is returned when an operation requires a non-terminal job.
	ErrJobTerminal = errors.New("job is already in a terminal state")
	// ErrInvalidTransition is returned for status changes the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrExternalIDAlreadySet is returned when a patch would overwrite an external id.
	ErrExternalIDAlreadySet = errors.New("external id already set")
)

// AllQueueTypes lists every queue type known to the engine.
func AllQueueTypes() []QueueType {
	return []QueueType{
		QueueTypeAvatarVideo,
		QueueTypeSpeechToText,
		QueueTypeImageGeneration,
		QueueTypeVideoToVideo,
		QueueTypeRender,
	}
}

// Valid returns true if the QueueType is known.
func (q QueueType) Valid() bool {
	switch q {
	case QueueTypeAvatarVideo, QueueTypeSpeechToText, QueueTypeImageGeneration, QueueTypeVideoToVideo, QueueTypeRender:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for QueueType to allow env parsing.
func (q *QueueType) UnmarshalText(text []byte) error {
	v := QueueType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid QueueType: %q", v)
	}
	*q = v
	return nil
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusSubmitted, JobStatusProcessing,
		JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed || s == JobStatusCancelled
}

// InFlight reports whether the provider holds work for the job.
func (s JobStatus) InFlight() bool {
	return s == JobStatusSubmitted || s == JobStatusProcessing
}

var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusSubmitted, JobStatusFailed, JobStatusCancelled},
	JobStatusSubmitted:  {JobStatusSubmitted, JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusProcessing, JobStatusDone, JobStatusFailed, JobStatusCancelled},
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobError is the structured failure detail recorded on a FAILED job.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Job represents one tracked external operation.
type Job struct {
	ID              string          `json:"id"                        db:"id"`
	QueueType       QueueType       `json:"queueType"                 db:"queue_type"`
	Status          JobStatus       `json:"status"                    db:"status"`
	ProjectID       string          `json:"projectId"                 db:"project_id"`
	ClientID        *string         `json:"clientId,omitempty"        db:"client_id"`
	InputParams     json.RawMessage `json:"inputParams"               db:"input_params"`
	ExternalID      *string         `json:"externalId,omitempty"      db:"external_id"`
	ProviderContext json.RawMessage `json:"providerContext,omitempty" db:"provider_context"`
	SubmitOutput    json.RawMessage `json:"submitOutput,omitempty"    db:"submit_output"`
	OutputData      json.RawMessage `json:"outputData,omitempty"      db:"output_data"`
	OutputURL       *string         `json:"outputUrl,omitempty"       db:"output_url"`
	DurationSeconds *float64        `json:"durationSeconds,omitempty" db:"duration_seconds"`
	Error           *JobError       `json:"error,omitempty"           db:"error"`
	RetryCount      int             `json:"retryCount"                db:"retry_count"`
	MaxRetries      int             `json:"maxRetries"                db:"max_retries"`
	CallbackURL     *string         `json:"callbackUrl,omitempty"     db:"callback_url"`
	PipelineID      *string         `json:"pipelineId,omitempty"      db:"pipeline_id"`
	StageIndex      *int            `json:"stageIndex,omitempty"      db:"stage_index"`
	CreatedAt       time.Time       `json:"createdAt"                 db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt"                 db:"updated_at"`
	SubmittedAt     *time.Time      `json:"submittedAt,omitempty"     db:"submitted_at"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"     db:"completed_at"`
}

// HasExternalID reports whether the provider accepted the submission.
func (j *Job) HasExternalID() bool {
	return j != nil && j.ExternalID != nil && *j.ExternalID != ""
}

// RemainingAttempts returns the poll attempts left in the job's budget.
func (j *Job) RemainingAttempts() int {
	if j == nil {
		return 0
	}
	if r := j.MaxRetries - j.RetryCount; r > 0 {
		return r
	}
	return 0
}

// DefaultMaxRetries is the poll attempt budget when a request does not set one.
const DefaultMaxRetries = 30

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	ID          string          `json:"id,omitempty"`
	QueueType   QueueType       `json:"queueType"`
	ProjectID   string          `json:"projectId"`
	ClientID    *string         `json:"clientId,omitempty"`
	Params      json.RawMessage `json:"params"`
	CallbackURL *string         `json:"callbackUrl,omitempty"`
	MaxRetries  int             `json:"maxRetries,omitempty"`
	PipelineID  *string         `json:"-"`
	StageIndex  *int            `json:"-"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if r.QueueType == "" {
		return errors.New("queueType is required")
	}
	if !r.QueueType.Valid() {
		return fmt.Errorf("unrecognized queueType %q", r.QueueType)
	}
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return errors.New("params is required")
	}
	if !json.Valid(r.Params) {
		return errors.New("params must be valid JSON")
	}
	if r.ID != "" {
		if _, err := uuid.Parse(r.ID); err != nil {
			return errors.New("id must be a valid UUID")
		}
	}
	if r.MaxRetries < 0 {
		return errors.New("maxRetries must be >= 0")
	}
	if r.ClientID != nil && strings.TrimSpace(*r.ClientID) == "" {
		return errors.New("clientId must not be blank")
	}
	if r.CallbackURL != nil {
		if err := validateCallbackURL(*r.CallbackURL); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveMaxRetries returns the attempt budget to persist for this request.
func (r *CreateJobRequest) EffectiveMaxRetries(fallback int) int {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxRetries
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("callbackUrl is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("callbackUrl must use http or https")
	}
	if u.Host == "" {
		return errors.New("callbackUrl must include a host")
	}
	return nil
}

// JobPatch describes the fields a conditional update writes. Nil fields are left untouched.
//
// A patch without Lease releases any poll lease held on the job.
type JobPatch struct {
	Status          *JobStatus
	ExternalID      *string
	ProviderContext json.RawMessage
	SubmitOutput    json.RawMessage
	OutputData      json.RawMessage
	OutputURL       *string
	DurationSeconds *float64
	Error           *JobError
	RetryCount      *int

	// Lease takes the job's poll lease. The update applies only while the
	// stored retry count equals Lease.RetryCount and no unexpired lease is held.
	Lease *PollLease
	// HeldRetryCount makes the update apply only while the stored retry count
	// still equals it. Lease holders write their poll results with it.
	HeldRetryCount *int
}

// PollLease grants one caller the right to call the provider for a job.
type PollLease struct {
	// RetryCount is the attempt count the caller observed before claiming.
	RetryCount int
	// Now is compared against the expiry of a lease already held.
	Now time.Time
	// Until is when the new lease expires.
	Until time.Time
}

// TargetStatus returns the status the patch moves to, defaulting to expected.
func (p JobPatch) TargetStatus(expected JobStatus) JobStatus {
	if p.Status != nil {
		return *p.Status
	}
	return expected
}

// StatusPtr returns a pointer to s for use in patches.
func StatusPtr(s JobStatus) *JobStatus {
	return &s
}

// JobStats represents counts of jobs per status for one queue type.
type JobStats struct {
	Pending    int `json:"pending"`
	Submitted  int `json:"submitted"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// SubmitJobResponse is returned by POST /jobs.
type SubmitJobResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// JobStatusResponse represents the status information for a specific job.
type JobStatusResponse struct {
	JobID           string          `json:"jobId"`
	QueueType       QueueType       `json:"queueType"`
	Status          JobStatus       `json:"status"`
	OutputURL       *string         `json:"outputUrl,omitempty"`
	OutputData      json.RawMessage `json:"outputData,omitempty"`
	DurationSeconds *float64        `json:"durationSeconds,omitempty"`
	Error           *JobError       `json:"error,omitempty"`
	PipelineID      *string         `json:"pipelineId,omitempty"`
	StageIndex      *int            `json:"stageIndex,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// NewJobStatusResponse builds the public status view of a job.
func NewJobStatusResponse(j *Job) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:       j.ID,
		QueueType:   j.QueueType,
		Status:      j.Status,
		Error:       j.Error,
		PipelineID:  j.PipelineID,
		StageIndex:  j.StageIndex,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Status == JobStatusDone {
		resp.OutputURL = j.OutputURL
		resp.OutputData = j.OutputData
		resp.DurationSeconds = j.DurationSeconds
	}
	return resp
}
