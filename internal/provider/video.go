package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// VideoAdapter drives an image/video-to-video generation task API.
type VideoAdapter struct {
	client *Client
}

// NewVideoAdapter returns an adapter for the video-to-video queue.
func NewVideoAdapter(client *Client) *VideoAdapter {
	return &VideoAdapter{client: client}
}

// QueueType returns the video-to-video queue.
func (a *VideoAdapter) QueueType() model.QueueType { return model.QueueTypeVideoToVideo }

type videoTask struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Output   []string `json:"output,omitempty"`
	Failure  string   `json:"failure,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

// Submit starts the work with POST /tasks.
func (a *VideoAdapter) Submit(ctx context.Context, params json.RawMessage) (*SubmitResult, error) {
	var resp videoTask
	raw, err := a.client.DoJSON(ctx, Request{Method: http.MethodPost, Path: "tasks", Body: params}, &resp)
	if err != nil {
		return nil, newSubmissionError(a.QueueType(), err)
	}
	if resp.ID == "" {
		return nil, newSubmissionError(a.QueueType(), ErrMissingExternalID)
	}
	return &SubmitResult{ExternalID: resp.ID, RawOutput: raw}, nil
}

// Poll maps SUCCEEDED to done and FAILED or CANCELLED to failed; other
// states (PENDING, THROTTLED, RUNNING) keep the job processing.
func (a *VideoAdapter) Poll(ctx context.Context, externalID string, _ json.RawMessage) (*PollResult, error) {
	var task videoTask
	raw, err := a.client.DoJSON(ctx, Request{Method: http.MethodGet, Path: "tasks/" + url.PathEscape(externalID)}, &task)
	if err != nil {
		return nil, newPollError(a.QueueType(), err)
	}

	res := &PollResult{Status: task.Status, Progress: task.Progress}
	switch strings.ToUpper(task.Status) {
	case "SUCCEEDED":
		res.Done = true
		res.OutputData = raw
		if len(task.Output) > 0 {
			u := task.Output[0]
			res.OutputURL = &u
		}
	case "FAILED", "CANCELLED":
		res.Failed = true
		res.ErrorDetail = task.Failure
		if res.ErrorDetail == "" {
			res.ErrorDetail = "video task " + strings.ToLower(task.Status)
		}
	}
	return res, nil
}
