package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	apperrors "github.com/target/mmk-orchestrator/internal/errors"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"github.com/target/mmk-orchestrator/internal/provider"
)

const defaultHeartbeatInterval = 40 * time.Second

// PipelineStageError reports the stage that stopped a pipeline.
type PipelineStageError struct {
	PipelineID string
	Stage      int
	JobID      string
	Status     model.JobStatus
	Detail     string
}

func (e *PipelineStageError) Error() string {
	msg := fmt.Sprintf("stage %d (job %s) finished %s", e.Stage, e.JobID, e.Status)
	if e.PipelineID != "" {
		msg = "pipeline " + e.PipelineID + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// Stage is one step of an in-process pipeline. BuildParams receives the
// finished job of the previous stage, or nil for the first stage.
type Stage struct {
	QueueType   model.QueueType
	MaxRetries  int
	BuildParams func(prior *model.Job) (json.RawMessage, error)
}

// PipelineCallbacks delivers pipeline completion callbacks.
type PipelineCallbacks interface {
	DispatchPipeline(ctx context.Context, p *model.Pipeline) error
}

// PipelineServiceOptions groups dependencies for PipelineService.
type PipelineServiceOptions struct {
	Pipelines    core.PipelineRepository // Required: pipeline persistence
	Jobs         core.JobStore           // Required: stage job persistence
	Orchestrator *Orchestrator           // Required: runs each stage job
	Registry     *provider.Registry      // Required: rejects stages without a provider
	Callbacks    PipelineCallbacks       // Optional
	Evaluator    JMESPathEvaluator       // Optional: defaults to go-jmespath
	// HeartbeatInterval refreshes the claim on a running pipeline (default 40s).
	HeartbeatInterval time.Duration
	Logger            *slog.Logger // Optional
	Metrics           statsd.Sink  // Optional
}

// PipelineService creates pipelines and executes them stage by stage.
type PipelineService struct {
	pipelines         core.PipelineRepository
	jobs              core.JobStore
	orchestrator      *Orchestrator
	registry          *provider.Registry
	callbacks         PipelineCallbacks
	evaluator         JMESPathEvaluator
	heartbeatInterval time.Duration
	logger            *slog.Logger
	metrics           statsd.Sink
}

// NewPipelineService constructs a new PipelineService.
func NewPipelineService(opts PipelineServiceOptions) (*PipelineService, error) {
	switch {
	case opts.Pipelines == nil:
		return nil, errors.New("PipelineRepository is required")
	case opts.Jobs == nil:
		return nil, errors.New("JobStore is required")
	case opts.Orchestrator == nil:
		return nil, errors.New("Orchestrator is required")
	case opts.Registry == nil:
		return nil, errors.New("provider Registry is required")
	}
	s := &PipelineService{
		pipelines:         opts.Pipelines,
		jobs:              opts.Jobs,
		orchestrator:      opts.Orchestrator,
		registry:          opts.Registry,
		callbacks:         opts.Callbacks,
		evaluator:         opts.Evaluator,
		heartbeatInterval: opts.HeartbeatInterval,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
	}
	if s.evaluator == nil {
		s.evaluator = jmespathLibEvaluator{}
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = defaultHeartbeatInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "pipeline_service")
	return s, nil
}

// Create validates and persists a PENDING pipeline.
func (s *PipelineService) Create(ctx context.Context, req *model.CreatePipelineRequest) (*model.Pipeline, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	for i, st := range req.Stages {
		if !s.registry.Supports(st.QueueType) {
			return nil, &apperrors.AppError{
				Code:    apperrors.ErrCodeUnsupported,
				Message: fmt.Sprintf("stages[%d]: queueType %q has no configured provider", i, st.QueueType),
				Field:   fmt.Sprintf("stages[%d].queueType", i),
			}
		}
	}

	p, err := s.pipelines.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	s.logger.InfoContext(ctx, "pipeline created",
		"pipeline_id", p.ID,
		"project_id", p.ProjectID,
		"stages", len(p.Stages))
	return p, nil
}

// Get returns the status of a pipeline together with its stage jobs.
func (s *PipelineService) Get(ctx context.Context, id string) (*model.PipelineStatusResponse, error) {
	p, err := s.pipelines.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	jobs, err := s.jobs.ListByPipeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list stage jobs: %w", err)
	}
	resp := model.NewPipelineStatusResponse(p, jobs)
	return &resp, nil
}

// ExecuteStages runs stages strictly in order without persisting a pipeline
// record. It returns the finished stage jobs and, when a stage does not end
// DONE, a *PipelineStageError; later stages are never created.
func (s *PipelineService) ExecuteStages(ctx context.Context, projectID string, stages []Stage) ([]*model.Job, error) {
	return s.runStages(ctx, stageRun{projectID: projectID}, stages)
}

// Execute runs a claimed pipeline from its current stage to completion and
// records the outcome. Stage jobs created by an earlier, interrupted run are
// reused rather than resubmitted. A context error leaves the pipeline RUNNING
// so another runner can reclaim it once its heartbeat goes stale.
func (s *PipelineService) Execute(ctx context.Context, p *model.Pipeline) error {
	if p.Status.Terminal() {
		return nil
	}

	existing, err := s.jobs.ListByPipeline(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list stage jobs: %w", err)
	}
	run := stageRun{
		pipelineID: p.ID,
		projectID:  p.ProjectID,
		start:      p.CurrentStage,
		existing:   make(map[int]*model.Job, len(existing)),
		onDone: func(ctx context.Context, stage int, _ *model.Job) error {
			ok, err := s.pipelines.Advance(ctx, p.ID, stage)
			if err != nil {
				return fmt.Errorf("advance pipeline %s: %w", p.ID, err)
			}
			if !ok {
				s.logger.WarnContext(ctx, "pipeline cursor not advanced", "pipeline_id", p.ID, "stage", stage)
			}
			return nil
		},
	}
	for _, j := range existing {
		if j.StageIndex != nil {
			run.existing[*j.StageIndex] = j
		}
	}
	if p.CurrentStage > 0 {
		run.prior = run.existing[p.CurrentStage-1]
	}

	stages := make([]Stage, len(p.Stages))
	for i, def := range p.Stages {
		stages[i] = Stage{
			QueueType:   def.QueueType,
			MaxRetries:  def.MaxRetries,
			BuildParams: s.definitionParams(def),
		}
	}

	s.logger.InfoContext(ctx, "executing pipeline",
		"pipeline_id", p.ID,
		"from_stage", p.CurrentStage,
		"stages", len(p.Stages))

	stopHeartbeat := s.startHeartbeat(ctx, p.ID)
	jobs, runErr := s.runStages(ctx, run, stages)
	stopHeartbeat()

	var stageErr *PipelineStageError
	switch {
	case errors.As(runErr, &stageErr):
		failed := stageErr.Stage
		return errors.Join(runErr, s.finish(ctx, p, model.PipelineFinish{
			Status:      model.PipelineStatusFailed,
			FailedStage: &failed,
			Error:       &model.JobError{Code: model.ErrorCodeStage, Message: stageErr.Error()},
		}))
	case runErr != nil:
		return runErr
	}

	var last *model.Job
	if len(jobs) > 0 {
		last = jobs[len(jobs)-1]
	} else {
		last = run.prior
	}
	var output json.RawMessage
	if last != nil {
		if output, err = json.Marshal(model.NewStageInput(last)); err != nil {
			return fmt.Errorf("encode pipeline output: %w", err)
		}
	}
	return s.finish(ctx, p, model.PipelineFinish{Status: model.PipelineStatusDone, Output: output})
}

func (s *PipelineService) finish(ctx context.Context, p *model.Pipeline, finish model.PipelineFinish) error {
	ok, err := s.pipelines.Finish(ctx, p.ID, finish)
	if err != nil {
		return fmt.Errorf("finish pipeline %s: %w", p.ID, err)
	}
	if !ok {
		s.logger.DebugContext(ctx, "pipeline already finished", "pipeline_id", p.ID)
		return nil
	}

	done, err := s.pipelines.Get(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("reload pipeline %s: %w", p.ID, err)
	}
	var d time.Duration
	if done.CompletedAt != nil {
		d = done.CompletedAt.Sub(done.CreatedAt)
	}
	metrics.EmitPipelineFinished(s.metrics, strings.ToLower(string(done.Status)), len(done.Stages), d)

	attrs := []any{"pipeline_id", done.ID, "status", done.Status}
	if done.FailedStage != nil {
		attrs = append(attrs, "failed_stage", *done.FailedStage)
	}
	s.logger.InfoContext(ctx, "pipeline finished", attrs...)

	if s.callbacks != nil {
		_ = s.callbacks.DispatchPipeline(ctx, done)
	}
	return nil
}

// startHeartbeat keeps the claim on a running pipeline fresh until the returned func is called.
func (s *PipelineService) startHeartbeat(ctx context.Context, id string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ok, err := s.pipelines.Heartbeat(hbCtx, id)
				if err != nil && hbCtx.Err() == nil {
					s.logger.WarnContext(hbCtx, "pipeline heartbeat failed", "pipeline_id", id, "error", err)
				} else if err == nil && !ok {
					s.logger.WarnContext(hbCtx, "pipeline no longer running", "pipeline_id", id)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type stageRun struct {
	pipelineID string
	projectID  string
	start      int
	prior      *model.Job
	existing   map[int]*model.Job
	onDone     func(ctx context.Context, stage int, j *model.Job) error
}

func (s *PipelineService) runStages(ctx context.Context, run stageRun, stages []Stage) ([]*model.Job, error) {
	prior := run.prior
	jobs := make([]*model.Job, 0, len(stages))
	for i := run.start; i < len(stages); i++ {
		j, err := s.stageJob(ctx, run, i, stages[i], prior)
		if err != nil {
			return jobs, err
		}

		final, err := s.orchestrator.RunToTerminal(ctx, j.ID)
		if err != nil {
			return jobs, fmt.Errorf("stage %d: %w", i, err)
		}
		jobs = append(jobs, final)

		if final.Status != model.JobStatusDone {
			stageErr := &PipelineStageError{
				PipelineID: run.pipelineID,
				Stage:      i,
				JobID:      final.ID,
				Status:     final.Status,
			}
			if final.Error != nil {
				stageErr.Detail = final.Error.Error()
			}
			return jobs, stageErr
		}

		if run.onDone != nil {
			if err := run.onDone(ctx, i, final); err != nil {
				return jobs, err
			}
		}
		prior = final
	}
	return jobs, nil
}

// stageJob returns the job for stage i, creating it unless an earlier run already did.
func (s *PipelineService) stageJob(ctx context.Context, run stageRun, i int, st Stage, prior *model.Job) (*model.Job, error) {
	if j, ok := run.existing[i]; ok {
		s.logger.InfoContext(ctx, "resuming stage job", "pipeline_id", run.pipelineID, "stage", i, "job_id", j.ID)
		return j, nil
	}

	var params json.RawMessage
	if st.BuildParams != nil {
		var err error
		if params, err = st.BuildParams(prior); err != nil {
			return nil, &PipelineStageError{
				PipelineID: run.pipelineID,
				Stage:      i,
				Status:     model.JobStatusFailed,
				Detail:     "build params: " + err.Error(),
			}
		}
	}

	req := &model.CreateJobRequest{
		QueueType:  st.QueueType,
		ProjectID:  run.projectID,
		Params:     params,
		MaxRetries: st.MaxRetries,
	}
	if run.pipelineID != "" {
		pid, idx := run.pipelineID, i
		req.PipelineID = &pid
		req.StageIndex = &idx
	}
	if err := req.Validate(); err != nil {
		return nil, &PipelineStageError{
			PipelineID: run.pipelineID,
			Stage:      i,
			Status:     model.JobStatusFailed,
			Detail:     err.Error(),
		}
	}

	j, err := s.jobs.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create stage %d job: %w", i, err)
	}
	s.logger.DebugContext(ctx, "stage job created",
		"pipeline_id", run.pipelineID,
		"stage", i,
		"job_id", j.ID,
		"queue_type", j.QueueType)
	return j, nil
}

// definitionParams merges a stage's static params with its paramMapping
// expressions evaluated against the previous stage.
func (s *PipelineService) definitionParams(def model.StageDefinition) func(prior *model.Job) (json.RawMessage, error) {
	return func(prior *model.Job) (json.RawMessage, error) {
		params := map[string]any{}
		if len(def.Params) > 0 {
			if err := json.Unmarshal(def.Params, &params); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		if prior != nil && len(def.ParamMapping) > 0 {
			doc, err := stageDocument(prior)
			if err != nil {
				return nil, err
			}
			for name, expr := range def.ParamMapping {
				v, err := s.evaluator.Evaluate(expr, doc)
				if err != nil {
					return nil, fmt.Errorf("paramMapping %q: %w", name, err)
				}
				params[name] = v
			}
		}
		return json.Marshal(params)
	}
}

// stageDocument renders the previous stage as the generic value JMESPath searches.
func stageDocument(j *model.Job) (any, error) {
	raw, err := json.Marshal(model.NewStageInput(j))
	if err != nil {
		return nil, fmt.Errorf("encode stage document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode stage document: %w", err)
	}
	return doc, nil
}
