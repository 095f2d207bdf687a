package httpx

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/mocks"
	"github.com/target/mmk-orchestrator/internal/service"
	"go.uber.org/mock/gomock"
)

const renderJobBody = `{"projectId":"p1","queueType":"render","params":{"composition":"intro"},"callbackUrl":"https://hooks.example.com/done"}`

func TestCreateJob_Accepted(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/jobs", renderJobBody)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	got := decodeBody[model.SubmitJobResponse](t, w)
	assert.NotEmpty(t, got.JobID)
	assert.Equal(t, model.JobStatusPending, got.Status)

	stored, err := f.store.Get(context.Background(), got.JobID)
	require.NoError(t, err)
	assert.Equal(t, "p1", stored.ProjectID)
	assert.JSONEq(t, `{"composition":"intro"}`, string(stored.InputParams))
	require.NotNil(t, stored.CallbackURL)
	assert.Equal(t, "https://hooks.example.com/done", *stored.CallbackURL)
}

func TestCreateJob_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "malformed json", body: `{bad`, wantCode: "invalid_json"},
		{name: "unknown field", body: `{"queueType":"render","params":{},"color":"red"}`, wantCode: "invalid_json"},
		{name: "missing params", body: `{"projectId":"p1","queueType":"render"}`, wantCode: "validation"},
		{name: "missing queue type", body: `{"projectId":"p1","params":{"a":1}}`, wantCode: "validation"},
		{name: "unrecognized queue type", body: `{"projectId":"p1","queueType":"telepathy","params":{"a":1}}`},
		{name: "queue without provider", body: `{"projectId":"p1","queueType":"image-generation","params":{"prompt":"x"}}`, wantCode: "unsupported"},
		{name: "bad callback url", body: `{"queueType":"render","params":{"a":1},"callbackUrl":"ftp://x"}`, wantCode: "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			w := f.do(t, http.MethodPost, "/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			body := decodeBody[errorBody](t, w)
			assert.NotEmpty(t, body.Message)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body.Error)
			}
		})
	}
}

func TestCreateJob_ClientIDIsIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	body := `{"projectId":"p1","queueType":"render","params":{"a":1},"clientId":"order-42"}`

	first := f.do(t, http.MethodPost, "/jobs", body)
	second := f.do(t, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)

	a := decodeBody[model.SubmitJobResponse](t, first)
	b := decodeBody[model.SubmitJobResponse](t, second)
	assert.Equal(t, a.JobID, b.JobID)

	stats, err := f.store.Stats(context.Background(), model.QueueTypeRender)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestCreateJob_BodyTooLarge(t *testing.T) {
	f := newAPIFixtureWithStore(t, data.NewMemoryJobStore(data.RepoConfig{}), 32)

	w := f.do(t, http.MethodPost, "/jobs", renderJobBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "body_too_large", decodeBody[errorBody](t, w).Error)
}

func TestGetJob(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeBody[model.SubmitJobResponse](t, f.do(t, http.MethodPost, "/jobs", renderJobBody))

	t.Run("found", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/jobs/"+created.JobID, "")
		require.Equal(t, http.StatusOK, w.Code)
		got := decodeBody[model.JobStatusResponse](t, w)
		assert.Equal(t, created.JobID, got.JobID)
		assert.Equal(t, model.QueueTypeRender, got.QueueType)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Nil(t, got.OutputURL)
		assert.Nil(t, got.Error)
	})

	t.Run("unknown", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/jobs/does-not-exist", "")
		require.Equal(t, http.StatusNotFound, w.Code)
		body := decodeBody[errorBody](t, w)
		assert.Equal(t, "not_found", body.Error)
		assert.Equal(t, "job not found", body.Message)
	})

	t.Run("finished job exposes output", func(t *testing.T) {
		url := "https://cdn.example.com/out.mp4"
		j, err := f.store.Create(context.Background(), &model.CreateJobRequest{
			QueueType: model.QueueTypeRender,
			ProjectID: "p1",
			Params:    []byte(`{"a":1}`),
		})
		require.NoError(t, err)
		ext := "ext-1"
		ctx := context.Background()
		ok, err := f.store.ConditionalUpdate(ctx, j.ID, model.JobStatusPending, model.JobPatch{
			Status:     model.StatusPtr(model.JobStatusSubmitted),
			ExternalID: &ext,
		})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = f.store.ConditionalUpdate(ctx, j.ID, model.JobStatusSubmitted, model.JobPatch{
			Status: model.StatusPtr(model.JobStatusProcessing),
		})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = f.store.ConditionalUpdate(ctx, j.ID, model.JobStatusProcessing, model.JobPatch{
			Status:    model.StatusPtr(model.JobStatusDone),
			OutputURL: &url,
		})
		require.NoError(t, err)
		require.True(t, ok)

		w := f.do(t, http.MethodGet, "/jobs/"+j.ID, "")
		require.Equal(t, http.StatusOK, w.Code)
		got := decodeBody[model.JobStatusResponse](t, w)
		assert.Equal(t, model.JobStatusDone, got.Status)
		require.NotNil(t, got.OutputURL)
		assert.Equal(t, url, *got.OutputURL)
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeBody[model.SubmitJobResponse](t, f.do(t, http.MethodPost, "/jobs", renderJobBody))

	w := f.do(t, http.MethodPost, "/jobs/"+created.JobID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.JobStatusCancelled, decodeBody[model.JobStatusResponse](t, w).Status)

	again := f.do(t, http.MethodPost, "/jobs/"+created.JobID+"/cancel", "")
	require.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "conflict", decodeBody[errorBody](t, again).Error)

	missing := f.do(t, http.MethodPost, "/jobs/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestGetCallback(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeBody[model.SubmitJobResponse](t, f.do(t, http.MethodPost, "/jobs", renderJobBody))

	none := f.do(t, http.MethodGet, "/jobs/"+created.JobID+"/callback", "")
	require.Equal(t, http.StatusNotFound, none.Code)
	assert.Equal(t, "no callback delivery recorded", decodeBody[errorBody](t, none).Message)

	jobID := created.JobID
	code := http.StatusOK
	require.NoError(t, f.store.Record(context.Background(), &model.CallbackDelivery{
		JobID:      &jobID,
		URL:        "https://hooks.example.com/done",
		Status:     model.CallbackStatusDelivered,
		Attempts:   2,
		StatusCode: &code,
	}))

	w := f.do(t, http.MethodGet, "/jobs/"+created.JobID+"/callback", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[model.CallbackDelivery](t, w)
	assert.Equal(t, model.CallbackStatusDelivered, got.Status)
	assert.Equal(t, 2, got.Attempts)

	unknown := f.do(t, http.MethodGet, "/jobs/nope/callback", "")
	assert.Equal(t, http.StatusNotFound, unknown.Code)
	assert.Equal(t, "job not found", decodeBody[errorBody](t, unknown).Message)
}

func TestQueueStats(t *testing.T) {
	f := newAPIFixture(t)
	for range 2 {
		require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs", renderJobBody).Code)
	}

	w := f.do(t, http.MethodGet, "/queues/render/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[model.JobStats](t, w)
	assert.Equal(t, 2, stats.Pending)
	assert.Zero(t, stats.Done)

	bad := f.do(t, http.MethodGet, "/queues/telepathy/stats", "")
	require.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, "validation", decodeBody[errorBody](t, bad).Error)
}

func TestGetJob_StoreFailureIsInternal(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	registry := renderOnlyRegistry(t)
	orch, err := service.NewOrchestrator(service.OrchestratorOptions{Store: store, Registry: registry})
	require.NoError(t, err)
	svc := service.MustNewJobService(service.JobServiceOptions{
		Store:        store,
		Orchestrator: orch,
		Registry:     registry,
	})
	router := NewRouter(RouterServices{Jobs: svc, Logger: discardLogger()})

	store.EXPECT().Get(gomock.Any(), "job-1").Return(nil, errors.New("connection reset by peer"))

	w := serve(router, http.MethodGet, "/jobs/job-1", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody[errorBody](t, w)
	assert.Equal(t, "internal", body.Error)
	assert.Equal(t, "internal server error", body.Message)
}

func TestGetJob_StoreTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockJobStore(ctrl)
	registry := renderOnlyRegistry(t)
	orch, err := service.NewOrchestrator(service.OrchestratorOptions{Store: store, Registry: registry})
	require.NoError(t, err)
	svc := service.MustNewJobService(service.JobServiceOptions{Store: store, Orchestrator: orch, Registry: registry})
	router := NewRouter(RouterServices{Jobs: svc, Logger: discardLogger()})

	store.EXPECT().Get(gomock.Any(), "job-1").
		DoAndReturn(func(context.Context, string) (*model.Job, error) {
			return nil, context.DeadlineExceeded
		})

	w := serve(router, http.MethodGet, "/jobs/job-1", "")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}
