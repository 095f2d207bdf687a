package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// AvatarAdapter drives a talking-head video API.
type AvatarAdapter struct {
	client *Client
}

// NewAvatarAdapter returns an adapter for the avatar-video queue.
func NewAvatarAdapter(client *Client) *AvatarAdapter {
	return &AvatarAdapter{client: client}
}

// QueueType returns the avatar-video queue.
func (a *AvatarAdapter) QueueType() model.QueueType { return model.QueueTypeAvatarVideo }

type avatarSubmitResponse struct {
	VideoID string `json:"videoId"`
}

type avatarStatus struct {
	Status   string          `json:"status"`
	URL      *string         `json:"url,omitempty"`
	Duration *float64        `json:"duration,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// Submit starts the work with POST /videos.
func (a *AvatarAdapter) Submit(ctx context.Context, params json.RawMessage) (*SubmitResult, error) {
	var resp avatarSubmitResponse
	raw, err := a.client.DoJSON(ctx, Request{Method: http.MethodPost, Path: "videos", Body: params}, &resp)
	if err != nil {
		return nil, newSubmissionError(a.QueueType(), err)
	}
	if resp.VideoID == "" {
		return nil, newSubmissionError(a.QueueType(), ErrMissingExternalID)
	}
	return &SubmitResult{ExternalID: resp.VideoID, RawOutput: raw}, nil
}

// Poll reads GET /videos/{id}; the reported duration is kept while the video is processing.
func (a *AvatarAdapter) Poll(ctx context.Context, externalID string, _ json.RawMessage) (*PollResult, error) {
	var st avatarStatus
	raw, err := a.client.DoJSON(ctx, Request{Method: http.MethodGet, Path: "videos/" + url.PathEscape(externalID)}, &st)
	if err != nil {
		return nil, newPollError(a.QueueType(), err)
	}

	res := &PollResult{Status: st.Status}
	switch strings.ToLower(st.Status) {
	case "done", "completed":
		res.Done = true
		res.OutputURL = st.URL
		res.DurationSeconds = st.Duration
		res.OutputData = raw
	case "failed", "error":
		res.Failed = true
		res.ErrorDetail = errorText(st.Error, "avatar video generation failed")
	default:
		res.DurationSeconds = st.Duration
	}
	return res, nil
}
