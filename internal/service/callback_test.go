package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/testutil"
)

func callbackServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32, chan model.CallbackPayload) {
	t.Helper()
	var calls atomic.Int32
	bodies := make(chan model.CallbackPayload, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		var p model.CallbackPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		bodies <- p
		w.WriteHeader(statuses[min(n, len(statuses))-1])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, bodies
}

func doneJob(url string) *model.Job {
	out := "https://cdn/out.png"
	return &model.Job{
		ID:          "job-1",
		QueueType:   model.QueueTypeImageGeneration,
		Status:      model.JobStatusDone,
		OutputURL:   &out,
		CallbackURL: &url,
		CreatedAt:   testutil.TestTime(),
	}
}

func TestCallbackDispatcher_Dispatch(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantCalls    int32
		wantSleeps   int
		wantErr      bool
		wantStatus   model.CallbackStatus
		wantHTTPCode int
	}{
		{name: "delivered first try", statuses: []int{200}, wantCalls: 1, wantStatus: model.CallbackStatusDelivered, wantHTTPCode: 200},
		{name: "server error retried", statuses: []int{500, 503, 204}, wantCalls: 3, wantSleeps: 2, wantStatus: model.CallbackStatusDelivered, wantHTTPCode: 204},
		{name: "rate limit retried", statuses: []int{429, 200}, wantCalls: 2, wantSleeps: 1, wantStatus: model.CallbackStatusDelivered, wantHTTPCode: 200},
		{name: "client error not retried", statuses: []int{404}, wantCalls: 1, wantErr: true, wantStatus: model.CallbackStatusFailed, wantHTTPCode: 404},
		{name: "attempts exhausted", statuses: []int{500}, wantCalls: 3, wantSleeps: 2, wantErr: true, wantStatus: model.CallbackStatusFailed, wantHTTPCode: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls, bodies := callbackServer(t, tt.statuses...)
			store := data.NewMemoryJobStore(data.RepoConfig{})
			sleeper := &testutil.RecordingSleeper{}
			d := NewCallbackDispatcher(CallbackDispatcherOptions{
				Deliveries: store,
				Sleeper:    sleeper,
				Logger:     discardLogger(),
			})

			err := d.Dispatch(context.Background(), doneJob(srv.URL))
			if tt.wantErr {
				var de *CallbackDeliveryError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, "job-1", de.JobID)
				assert.Equal(t, tt.wantHTTPCode, de.StatusCode)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, tt.wantSleeps, sleeper.Count())
			for _, c := range sleeper.Calls() {
				assert.Equal(t, 2*time.Second, c)
			}

			first := <-bodies
			assert.Equal(t, "job-1", first.JobID)
			assert.Equal(t, "DONE", first.Status)

			rec, err := store.LatestByJobID(context.Background(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, int(tt.wantCalls), rec.Attempts)
			require.NotNil(t, rec.StatusCode)
			assert.Equal(t, tt.wantHTTPCode, *rec.StatusCode)
		})
	}
}

func TestCallbackDispatcher_SkipsJobsWithoutURL(t *testing.T) {
	store := data.NewMemoryJobStore(data.RepoConfig{})
	d := NewCallbackDispatcher(CallbackDispatcherOptions{Deliveries: store, Logger: discardLogger()})

	j := doneJob("")
	j.CallbackURL = nil
	require.NoError(t, d.Dispatch(context.Background(), j))

	_, err := store.LatestByJobID(context.Background(), j.ID)
	require.True(t, errors.Is(err, model.ErrCallbackDeliveryNotFound))
}

func TestCallbackDispatcher_DispatchPipeline(t *testing.T) {
	srv, calls, bodies := callbackServer(t, 200)
	d := NewCallbackDispatcher(CallbackDispatcherOptions{Sleeper: &testutil.RecordingSleeper{}, Logger: discardLogger()})

	stage := 1
	p := &model.Pipeline{
		ID:          "pipe-1",
		Status:      model.PipelineStatusFailed,
		FailedStage: &stage,
		CallbackURL: &srv.URL,
		Error:       &model.JobError{Code: model.ErrorCodeStage, Message: "stage 1 failed"},
	}
	require.NoError(t, d.DispatchPipeline(context.Background(), p))
	assert.Equal(t, int32(1), calls.Load())

	body := <-bodies
	require.NotNil(t, body.PipelineID)
	assert.Equal(t, "pipe-1", *body.PipelineID)
	require.NotNil(t, body.FailedStage)
	assert.Equal(t, 1, *body.FailedStage)
	assert.Equal(t, "FAILED", body.Status)
}
