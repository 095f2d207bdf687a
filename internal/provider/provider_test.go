package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

func newTestAdapter(t *testing.T, q model.QueueType, handler http.HandlerFunc) Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(q, ClientConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
	require.NoError(t, err)
	return a
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func TestRenderAdapter_SubmitAndPoll(t *testing.T) {
	a := newTestAdapter(t, model.QueueTypeRender, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/renders":
			writeJSON(w, http.StatusOK, `{"renderId":"r-1","bucketName":"bkt"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/renders/r-1":
			assert.Equal(t, "bkt", r.URL.Query().Get("bucketName"))
			writeJSON(w, http.StatusOK, `{"done":true,"overallProgress":1,"fatalErrorEncountered":[],"outputFile":"https://cdn/x.mp4","duration":12.5}`)
		default:
			http.NotFound(w, r)
		}
	})

	sub, err := a.Submit(context.Background(), json.RawMessage(`{"composition":"intro"}`))
	require.NoError(t, err)
	assert.Equal(t, "r-1", sub.ExternalID)
	assert.JSONEq(t, `{"bucketName":"bkt"}`, string(sub.Context))

	res, err := a.Poll(context.Background(), sub.ExternalID, sub.Context)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.False(t, res.Failed)
	require.NotNil(t, res.OutputURL)
	assert.Equal(t, "https://cdn/x.mp4", *res.OutputURL)
	require.NotNil(t, res.DurationSeconds)
	assert.InEpsilon(t, 12.5, *res.DurationSeconds, 0.001)
}

func TestRenderAdapter_FatalErrorWinsOverDone(t *testing.T) {
	a := newTestAdapter(t, model.QueueTypeRender, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"done":true,"fatalErrorEncountered":[{"isFatal":false,"message":"retrying chunk"},{"isFatal":true,"name":"TimeoutError","message":"lambda timed out"}],"outputFile":"x"}`)
	})

	res, err := a.Poll(context.Background(), "r-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.False(t, res.Done)
	assert.Nil(t, res.OutputURL)
	assert.Equal(t, "TimeoutError: lambda timed out", res.ErrorDetail)
}

func TestImageAdapter_StatusMapping(t *testing.T) {
	tests := []struct {
		body       string
		wantDone   bool
		wantFailed bool
		wantURL    string
		wantDetail string
	}{
		{body: `{"status":"completed","output":{"image_url":"https://img/1.png"}}`, wantDone: true, wantURL: "https://img/1.png"},
		{body: `{"status":"failed","error":"nsfw prompt"}`, wantFailed: true, wantDetail: "nsfw prompt"},
		{body: `{"status":"failed","error":{"message":"bad size"}}`, wantFailed: true, wantDetail: "bad size"},
		{body: `{"status":"processing"}`},
		{body: `{"status":"queued"}`},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			a := newTestAdapter(t, model.QueueTypeImageGeneration, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/tasks/t-1", r.URL.Path)
				writeJSON(w, http.StatusOK, tt.body)
			})
			res, err := a.Poll(context.Background(), "t-1", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDone, res.Done)
			assert.Equal(t, tt.wantFailed, res.Failed)
			if tt.wantURL != "" {
				require.NotNil(t, res.OutputURL)
				assert.Equal(t, tt.wantURL, *res.OutputURL)
			}
			assert.Equal(t, tt.wantDetail, res.ErrorDetail)
		})
	}
}

func TestAvatarAdapter_SubmitAndPoll(t *testing.T) {
	a := newTestAdapter(t, model.QueueTypeAvatarVideo, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusOK, `{"videoId":"v-9"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"status":"done","url":"https://v/9.mp4","duration":31}`)
	})

	sub, err := a.Submit(context.Background(), json.RawMessage(`{"script":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "v-9", sub.ExternalID)

	res, err := a.Poll(context.Background(), "v-9", nil)
	require.NoError(t, err)
	assert.True(t, res.Done)
	require.NotNil(t, res.DurationSeconds)
	assert.InEpsilon(t, 31.0, *res.DurationSeconds, 0.001)
}

func TestVideoAdapter_StatusMapping(t *testing.T) {
	for status, want := range map[string][2]bool{
		"SUCCEEDED": {true, false},
		"FAILED":    {false, true},
		"CANCELLED": {false, true},
		"RUNNING":   {false, false},
		"THROTTLED": {false, false},
	} {
		t.Run(status, func(t *testing.T) {
			a := newTestAdapter(t, model.QueueTypeVideoToVideo, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, `{"id":"x","status":"`+status+`","output":["https://v/out.mp4"]}`)
			})
			res, err := a.Poll(context.Background(), "x", nil)
			require.NoError(t, err)
			assert.Equal(t, want[0], res.Done)
			assert.Equal(t, want[1], res.Failed)
		})
	}
}

func TestSpeechAdapter_CompletedTranscript(t *testing.T) {
	a := newTestAdapter(t, model.QueueTypeSpeechToText, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"id":"s-1","status":"completed","text":"hello world","audio_duration":4.2}`)
	})

	res, err := a.Poll(context.Background(), "s-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Nil(t, res.OutputURL)
	assert.JSONEq(t, `{"text":"hello world"}`, string(res.OutputData))
}

func TestSubmit_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{}`, wantRetryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"message":"slow down"}`, wantRetryable: true},
		{name: "quota exhausted", status: http.StatusTooManyRequests, body: `{"message":"Quota exceeded for this month"}`, wantRetryable: false},
		{name: "insufficient credits", status: http.StatusBadRequest, body: `{"error":"Insufficient credits"}`, wantRetryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, wantRetryable: false},
		{name: "payment required", status: http.StatusPaymentRequired, body: ``, wantRetryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, model.QueueTypeImageGeneration, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := a.Submit(context.Background(), json.RawMessage(`{}`))
			require.Error(t, err)

			var se *SubmissionError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.wantRetryable, se.Retryable)
			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
		})
	}
}

func TestSubmit_MissingExternalIDIsNonRetryable(t *testing.T) {
	a := newTestAdapter(t, model.QueueTypeVideoToVideo, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})
	_, err := a.Submit(context.Background(), json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrMissingExternalID)
	assert.True(t, IsNonRetryable(err))
}

func TestPoll_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	a, err := New(model.QueueTypeRender, ClientConfig{BaseURL: srv.URL, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	_, err = a.Poll(context.Background(), "r-1", nil)
	var pe *PollError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable)
}

func TestIsRetryable_UnknownErrors(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("something odd")))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestRegistry(t *testing.T) {
	render := NewRenderAdapter(nil)
	speech := NewSpeechAdapter(nil)

	reg, err := NewRegistry(render, speech)
	require.NoError(t, err)

	got, err := reg.Get(model.QueueTypeRender)
	require.NoError(t, err)
	assert.Same(t, render, got)

	_, err = reg.Get(model.QueueTypeAvatarVideo)
	require.ErrorIs(t, err, ErrUnsupportedQueueType)
	assert.False(t, reg.Supports(model.QueueTypeAvatarVideo))
	assert.Equal(t, []model.QueueType{model.QueueTypeRender, model.QueueTypeSpeechToText}, reg.QueueTypes())

	_, err = NewRegistry(render, NewRenderAdapter(nil))
	require.Error(t, err)
}

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "ftp://example.com"})
	require.Error(t, err)
	_, err = NewClient(ClientConfig{BaseURL: "https://"})
	require.Error(t, err)
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	c, err := NewClient(ClientConfig{BaseURL: "https://example.invalid", RateLimit: 0.001, RateBurst: 1})
	require.NoError(t, err)

	// consume the single burst token
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Do(ctx, Request{Path: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}
