package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// RenderAdapter drives a server-side composition renderer.
type RenderAdapter struct {
	client *Client
}

// NewRenderAdapter returns an adapter for the render queue.
func NewRenderAdapter(client *Client) *RenderAdapter {
	return &RenderAdapter{client: client}
}

// QueueType returns the render queue.
func (a *RenderAdapter) QueueType() model.QueueType { return model.QueueTypeRender }

type renderSubmitResponse struct {
	RenderID   string `json:"renderId"`
	BucketName string `json:"bucketName"`
}

type renderContext struct {
	BucketName string `json:"bucketName,omitempty"`
}

type renderFatalError struct {
	IsFatal bool   `json:"isFatal"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

type renderProgress struct {
	Done                  bool               `json:"done"`
	OverallProgress       *float64           `json:"overallProgress,omitempty"`
	FatalErrorEncountered []renderFatalError `json:"fatalErrorEncountered"`
	OutputFile            *string            `json:"outputFile,omitempty"`
	Duration              *float64           `json:"duration,omitempty"`
}

// Submit starts the work with POST /renders and keeps the bucket name for polling.
func (a *RenderAdapter) Submit(ctx context.Context, params json.RawMessage) (*SubmitResult, error) {
	var resp renderSubmitResponse
	raw, err := a.client.DoJSON(ctx, Request{Method: http.MethodPost, Path: "renders", Body: params}, &resp)
	if err != nil {
		return nil, newSubmissionError(a.QueueType(), err)
	}
	if resp.RenderID == "" {
		return nil, newSubmissionError(a.QueueType(), ErrMissingExternalID)
	}
	pctx, err := json.Marshal(renderContext{BucketName: resp.BucketName})
	if err != nil {
		return nil, newSubmissionError(a.QueueType(), err)
	}
	return &SubmitResult{ExternalID: resp.RenderID, Context: pctx, RawOutput: raw}, nil
}

// Poll reports the render as failed when any fatal error is present, even if
// the renderer also reports done.
func (a *RenderAdapter) Poll(ctx context.Context, externalID string, providerContext json.RawMessage) (*PollResult, error) {
	var rc renderContext
	if len(providerContext) > 0 {
		if err := json.Unmarshal(providerContext, &rc); err != nil {
			return nil, &PollError{QueueType: a.QueueType(), Err: fmt.Errorf("decode provider context: %w", err)}
		}
	}
	query := url.Values{}
	if rc.BucketName != "" {
		query.Set("bucketName", rc.BucketName)
	}

	var progress renderProgress
	raw, err := a.client.DoJSON(ctx, Request{
		Method: http.MethodGet,
		Path:   "renders/" + url.PathEscape(externalID),
		Query:  query,
	}, &progress)
	if err != nil {
		return nil, newPollError(a.QueueType(), err)
	}
	return renderResult(progress, raw), nil
}

func renderResult(p renderProgress, raw json.RawMessage) *PollResult {
	res := &PollResult{Progress: p.OverallProgress, Status: "rendering"}

	var fatal []string
	for _, e := range p.FatalErrorEncountered {
		if !e.IsFatal {
			continue
		}
		msg := strings.TrimSpace(e.Name + ": " + e.Message)
		fatal = append(fatal, strings.Trim(msg, ": "))
	}
	if len(fatal) > 0 {
		res.Failed = true
		res.Status = "fatal"
		res.ErrorDetail = strings.Trim(strings.Join(fatal, "; "), "; ")
		if res.ErrorDetail == "" {
			res.ErrorDetail = "render reported a fatal error"
		}
		res.OutputData = raw
		return res
	}

	if p.Done {
		res.Done = true
		res.Status = "done"
		res.OutputURL = p.OutputFile
		res.DurationSeconds = p.Duration
		res.OutputData = raw
	}
	return res
}
