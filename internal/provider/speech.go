package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// SpeechAdapter drives an asynchronous transcription API.
type SpeechAdapter struct {
	client *Client
}

// NewSpeechAdapter returns an adapter for the speech-to-text queue.
func NewSpeechAdapter(client *Client) *SpeechAdapter {
	return &SpeechAdapter{client: client}
}

// QueueType returns the speech-to-text queue.
func (a *SpeechAdapter) QueueType() model.QueueType { return model.QueueTypeSpeechToText }

type transcript struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	Text          *string  `json:"text,omitempty"`
	AudioDuration *float64 `json:"audio_duration,omitempty"`
	Error         string   `json:"error,omitempty"`
}

type transcriptOutput struct {
	Text string `json:"text"`
}

// Submit starts the work with POST /transcripts.
func (a *SpeechAdapter) Submit(ctx context.Context, params json.RawMessage) (*SubmitResult, error) {
	var resp transcript
	raw, err := a.client.DoJSON(ctx, Request{Method: http.MethodPost, Path: "transcripts", Body: params}, &resp)
	if err != nil {
		return nil, newSubmissionError(a.QueueType(), err)
	}
	if resp.ID == "" {
		return nil, newSubmissionError(a.QueueType(), ErrMissingExternalID)
	}
	return &SubmitResult{ExternalID: resp.ID, RawOutput: raw}, nil
}

// Poll returns the transcript text as output data; there is no output URL.
func (a *SpeechAdapter) Poll(ctx context.Context, externalID string, _ json.RawMessage) (*PollResult, error) {
	var t transcript
	_, err := a.client.DoJSON(ctx, Request{Method: http.MethodGet, Path: "transcripts/" + url.PathEscape(externalID)}, &t)
	if err != nil {
		return nil, newPollError(a.QueueType(), err)
	}

	res := &PollResult{Status: t.Status}
	switch t.Status {
	case "completed":
		out := transcriptOutput{}
		if t.Text != nil {
			out.Text = *t.Text
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, &PollError{QueueType: a.QueueType(), Err: err}
		}
		res.Done = true
		res.OutputData = data
		res.DurationSeconds = t.AudioDuration
	case "error":
		res.Failed = true
		res.ErrorDetail = t.Error
		if res.ErrorDetail == "" {
			res.ErrorDetail = "transcription failed"
		}
	}
	return res, nil
}
