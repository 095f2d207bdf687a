//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringPtr(s string) *string { return &s }

func TestQueueType_Valid(t *testing.T) {
	for _, q := range AllQueueTypes() {
		assert.True(t, q.Valid(), q)
	}
	assert.False(t, QueueType("unknown").Valid())
	assert.False(t, QueueType("").Valid())
}

func TestQueueType_UnmarshalText(t *testing.T) {
	var q QueueType
	require.NoError(t, q.UnmarshalText([]byte(" Render ")))
	assert.Equal(t, QueueTypeRender, q)

	err := q.UnmarshalText([]byte("fax"))
	require.Error(t, err)
}

func TestJobStatus_TerminalAndInFlight(t *testing.T) {
	assert.True(t, JobStatusDone.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
	assert.False(t, JobStatusPending.Terminal())

	assert.True(t, JobStatusSubmitted.InFlight())
	assert.True(t, JobStatusProcessing.InFlight())
	assert.False(t, JobStatusPending.InFlight())
	assert.False(t, JobStatusDone.InFlight())
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusSubmitted, true},
		{JobStatusPending, JobStatusProcessing, false},
		{JobStatusPending, JobStatusDone, false},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusSubmitted, JobStatusSubmitted, true},
		{JobStatusSubmitted, JobStatusProcessing, true},
		{JobStatusSubmitted, JobStatusDone, false},
		{JobStatusProcessing, JobStatusProcessing, true},
		{JobStatusProcessing, JobStatusDone, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	// terminal states accept nothing
	for _, from := range []JobStatus{JobStatusDone, JobStatusFailed, JobStatusCancelled} {
		for _, to := range []JobStatus{
			JobStatusPending, JobStatusSubmitted, JobStatusProcessing,
			JobStatusDone, JobStatusFailed, JobStatusCancelled,
		} {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestCreateJobRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateJobRequest
		wantErr string
	}{
		{
			name: "valid",
			req:  CreateJobRequest{QueueType: QueueTypeRender, Params: json.RawMessage(`{"a":1}`)},
		},
		{
			name:    "missing queue type",
			req:     CreateJobRequest{Params: json.RawMessage(`{}`)},
			wantErr: "queueType is required",
		},
		{
			name:    "unknown queue type",
			req:     CreateJobRequest{QueueType: "fax", Params: json.RawMessage(`{}`)},
			wantErr: "unrecognized queueType",
		},
		{
			name:    "missing params",
			req:     CreateJobRequest{QueueType: QueueTypeRender},
			wantErr: "params is required",
		},
		{
			name:    "null params",
			req:     CreateJobRequest{QueueType: QueueTypeRender, Params: json.RawMessage(`null`)},
			wantErr: "params is required",
		},
		{
			name: "bad id",
			req: CreateJobRequest{
				ID: "nope", QueueType: QueueTypeRender, Params: json.RawMessage(`{}`),
			},
			wantErr: "id must be a valid UUID",
		},
		{
			name: "blank client id",
			req: CreateJobRequest{
				QueueType: QueueTypeRender, Params: json.RawMessage(`{}`), ClientID: stringPtr("  "),
			},
			wantErr: "clientId must not be blank",
		},
		{
			name: "callback scheme",
			req: CreateJobRequest{
				QueueType: QueueTypeRender, Params: json.RawMessage(`{}`), CallbackURL: stringPtr("ftp://x"),
			},
			wantErr: "callbackUrl must use http or https",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateJobRequest_EffectiveMaxRetries(t *testing.T) {
	r := CreateJobRequest{}
	assert.Equal(t, 12, r.EffectiveMaxRetries(12))
	assert.Equal(t, DefaultMaxRetries, r.EffectiveMaxRetries(0))
	r.MaxRetries = 4
	assert.Equal(t, 4, r.EffectiveMaxRetries(12))
}

func TestJob_RemainingAttempts(t *testing.T) {
	j := &Job{MaxRetries: 5, RetryCount: 2}
	assert.Equal(t, 3, j.RemainingAttempts())
	j.RetryCount = 7
	assert.Equal(t, 0, j.RemainingAttempts())
}

func TestNewJobStatusResponse_HidesOutputUntilDone(t *testing.T) {
	j := &Job{ID: "j1", Status: JobStatusProcessing, OutputURL: stringPtr("https://x/y.mp4")}
	assert.Nil(t, NewJobStatusResponse(j).OutputURL)

	j.Status = JobStatusDone
	resp := NewJobStatusResponse(j)
	require.NotNil(t, resp.OutputURL)
	assert.Equal(t, "https://x/y.mp4", *resp.OutputURL)
}

func TestCreatePipelineRequest_Validate(t *testing.T) {
	good := CreatePipelineRequest{
		Stages: []StageDefinition{
			{QueueType: QueueTypeImageGeneration, Params: json.RawMessage(`{"prompt":"cat"}`)},
			{QueueType: QueueTypeVideoToVideo, ParamMapping: map[string]string{"image": "outputUrl"}},
		},
	}
	require.NoError(t, good.Validate())

	empty := CreatePipelineRequest{}
	require.ErrorContains(t, empty.Validate(), "stages are required")

	badExpr := CreatePipelineRequest{
		Stages: []StageDefinition{
			{QueueType: QueueTypeRender, Params: json.RawMessage(`{}`), ParamMapping: map[string]string{"x": "[["}},
		},
	}
	require.ErrorContains(t, badExpr.Validate(), "invalid expression")

	badQueue := CreatePipelineRequest{
		Stages: []StageDefinition{{QueueType: "fax", Params: json.RawMessage(`{}`)}},
	}
	require.ErrorContains(t, badQueue.Validate(), "stages[0]")
}
