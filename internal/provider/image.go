package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// ImageAdapter drives a text-to-image task API.
type ImageAdapter struct {
	client *Client
}

// NewImageAdapter returns an adapter for the image-generation queue.
func NewImageAdapter(client *Client) *ImageAdapter {
	return &ImageAdapter{client: client}
}

// QueueType returns the image-generation queue.
func (a *ImageAdapter) QueueType() model.QueueType { return model.QueueTypeImageGeneration }

type imageTaskResponse struct {
	TaskID string `json:"task_id"`
}

type imageTaskStatus struct {
	Status string `json:"status"`
	Output *struct {
		ImageURL string `json:"image_url"`
	} `json:"output,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// Submit starts the work with POST /tasks.
func (a *ImageAdapter) Submit(ctx context.Context, params json.RawMessage) (*SubmitResult, error) {
	var resp imageTaskResponse
	raw, err := a.client.DoJSON(ctx, Request{Method: http.MethodPost, Path: "tasks", Body: params}, &resp)
	if err != nil {
		return nil, newSubmissionError(a.QueueType(), err)
	}
	if resp.TaskID == "" {
		return nil, newSubmissionError(a.QueueType(), ErrMissingExternalID)
	}
	return &SubmitResult{ExternalID: resp.TaskID, RawOutput: raw}, nil
}

// Poll maps completed to done, failed to failed and every other status to processing.
func (a *ImageAdapter) Poll(ctx context.Context, externalID string, _ json.RawMessage) (*PollResult, error) {
	var st imageTaskStatus
	raw, err := a.client.DoJSON(ctx, Request{Method: http.MethodGet, Path: "tasks/" + url.PathEscape(externalID)}, &st)
	if err != nil {
		return nil, newPollError(a.QueueType(), err)
	}

	res := &PollResult{Status: st.Status}
	switch strings.ToLower(st.Status) {
	case "completed":
		res.Done = true
		res.OutputData = raw
		if st.Output != nil && st.Output.ImageURL != "" {
			u := st.Output.ImageURL
			res.OutputURL = &u
		}
	case "failed":
		res.Failed = true
		res.ErrorDetail = errorText(st.Error, "image generation failed")
	}
	return res, nil
}

// errorText renders a provider error field that may be a string or an object.
func errorText(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return fallback
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return string(raw)
}
