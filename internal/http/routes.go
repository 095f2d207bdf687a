package httpx

import (
	"log/slog"
	"net/http"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs      JobsService
	Pipelines PipelinesService // Optional: pipeline routes are omitted when nil
	Logger    *slog.Logger
	// MaxBodyBytes caps request bodies (default 1 MiB).
	MaxBodyBytes int64
}

// NewRouter creates and configures the HTTP router with logging, panic
// recovery and body limits applied.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	mux := http.NewServeMux()
	if services.Jobs != nil {
		registerJobRoutes(mux, &JobHandlers{Svc: services.Jobs, Logger: logger})
	}
	if services.Pipelines != nil {
		registerPipelineRoutes(mux, &PipelineHandlers{Svc: services.Pipelines, Logger: logger})
	}
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	maxBody := services.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	var h http.Handler = mux
	h = LimitBody(maxBody)(h)
	h = Recover(logger)(h)
	h = Logging(logger)(h)
	return h
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /jobs", h.CreateJob)
	mux.HandleFunc("GET /jobs/{jobId}", h.GetJob)
	mux.HandleFunc("POST /jobs/{jobId}/cancel", h.CancelJob)
	mux.HandleFunc("GET /jobs/{jobId}/callback", h.GetCallback)
	mux.HandleFunc("GET /queues/{queueType}/stats", h.QueueStats)
}

func registerPipelineRoutes(mux *http.ServeMux, h *PipelineHandlers) {
	mux.HandleFunc("POST /pipelines", h.CreatePipeline)
	mux.HandleFunc("GET /pipelines/{pipelineId}", h.GetPipeline)
}
