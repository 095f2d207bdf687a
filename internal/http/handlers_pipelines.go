package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/service"
)

// PipelinesService is the pipeline API the handlers depend on.
type PipelinesService interface {
	Create(ctx context.Context, req *model.CreatePipelineRequest) (*model.Pipeline, error)
	Get(ctx context.Context, id string) (*model.PipelineStatusResponse, error)
}

var _ PipelinesService = (*service.PipelineService)(nil)

// PipelineHandlers provides HTTP handlers for pipelines.
type PipelineHandlers struct {
	Svc    PipelinesService
	Logger *slog.Logger
}

// CreatePipeline handles POST /pipelines. A pipeline runner picks the
// pipeline up and executes its stages in order.
func (h *PipelineHandlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePipelineRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	p, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, model.SubmitPipelineResponse{PipelineID: p.ID, Status: p.Status})
}

// GetPipeline handles GET /pipelines/{pipelineId}.
func (h *PipelineHandlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "pipelineId")
	if !ok {
		return
	}
	resp, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
