package httpx

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/mocks"
	"github.com/target/mmk-orchestrator/internal/provider"
	"github.com/target/mmk-orchestrator/internal/service"
	"go.uber.org/mock/gomock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// renderOnlyRegistry supports the render queue through a mock adapter that
// must never be submitted to: the API only creates jobs.
func renderOnlyRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	ctrl := gomock.NewController(t)
	adapter := mocks.NewMockAdapter(ctrl)
	adapter.EXPECT().QueueType().Return(model.QueueTypeRender).AnyTimes()
	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)
	return registry
}

type apiFixture struct {
	store  *data.MemoryJobStore
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	return newAPIFixtureWithStore(t, data.NewMemoryJobStore(data.RepoConfig{}), 0)
}

func newAPIFixtureWithStore(t *testing.T, store *data.MemoryJobStore, maxBody int64) *apiFixture {
	t.Helper()
	registry := renderOnlyRegistry(t)
	orch, err := service.NewOrchestrator(service.OrchestratorOptions{
		Store:    store,
		Registry: registry,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	jobs := service.MustNewJobService(service.JobServiceOptions{
		Store:        store,
		Orchestrator: orch,
		Registry:     registry,
		Idempotency:  data.NewMemoryIdempotencyStore(nil),
		Deliveries:   store,
		Logger:       discardLogger(),
	})
	pipelines, err := service.NewPipelineService(service.PipelineServiceOptions{
		Pipelines:    store.Pipelines(),
		Jobs:         store,
		Orchestrator: orch,
		Registry:     registry,
		Logger:       discardLogger(),
	})
	require.NoError(t, err)

	return &apiFixture{
		store: store,
		router: NewRouter(RouterServices{
			Jobs:         jobs,
			Pipelines:    pipelines,
			Logger:       discardLogger(),
			MaxBodyBytes: maxBody,
		}),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(f.router, method, path, body)
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
