// Package httpx provides the HTTP API of the job orchestrator.
package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/service"
)

// JobsService is the job API the handlers depend on.
type JobsService interface {
	Submit(ctx context.Context, req *model.CreateJobRequest) (*model.Job, bool, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Cancel(ctx context.Context, id string) (*model.Job, error)
	Stats(ctx context.Context, q model.QueueType) (*model.JobStats, error)
	LatestCallback(ctx context.Context, jobID string) (*model.CallbackDelivery, error)
}

var _ JobsService = (*service.JobService)(nil)

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc    JobsService
	Logger *slog.Logger
}

// CreateJob handles POST /jobs. Jobs are accepted as PENDING and driven
// asynchronously; a repeated clientId answers with the existing job.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, _, err := h.Svc.Submit(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, model.SubmitJobResponse{JobID: job.ID, Status: job.Status})
}

// GetJob handles GET /jobs/{jobId}.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	job, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, model.NewJobStatusResponse(job))
}

// CancelJob handles POST /jobs/{jobId}/cancel.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	job, err := h.Svc.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, model.NewJobStatusResponse(job))
}

// GetCallback handles GET /jobs/{jobId}/callback.
func (h *JobHandlers) GetCallback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "jobId")
	if !ok {
		return
	}
	d, err := h.Svc.LatestCallback(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// QueueStats handles GET /queues/{queueType}/stats.
func (h *JobHandlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	q := model.QueueType(r.PathValue("queueType"))
	stats, err := h.Svc.Stats(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := r.PathValue(name)
	if id == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: string(apperrors.ErrCodeValidation),
			Err:     apperrors.ValidationField(name, name+" is required"),
		})
		return "", false
	}
	return id, true
}
