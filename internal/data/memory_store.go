package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/job"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// MemoryJobStore is an in-process implementation of core.JobStore,
// core.ReaperRepository and core.CallbackDeliveryRepository. It is meant for
// single-process development and tests; nothing survives a restart.
type MemoryJobStore struct {
	mu         sync.Mutex
	jobs       map[string]*model.Job
	byClient   map[string]string
	leases     map[string]time.Time // poll lease expiry per job id
	pipelines  map[string]*memoryPipeline
	deliveries []*model.CallbackDelivery
	nextID     int64

	waiters map[string][]chan struct{}

	cfg          RepoConfig
	timeProvider TimeProvider
}

type memoryPipeline struct {
	p         *model.Pipeline
	heartbeat time.Time
}

// NewMemoryJobStore creates an empty MemoryJobStore.
func NewMemoryJobStore(cfg RepoConfig) *MemoryJobStore {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &MemoryJobStore{
		jobs:         make(map[string]*model.Job),
		byClient:     make(map[string]string),
		leases:       make(map[string]time.Time),
		pipelines:    make(map[string]*memoryPipeline),
		waiters:      make(map[string][]chan struct{}),
		cfg:          cfg,
		timeProvider: tp,
	}
}

func clientKey(projectID, clientID string) string {
	return projectID + "\x00" + clientID
}

// Create inserts a PENDING job.
func (s *MemoryJobStore) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.jobs[id]; exists {
		return nil, fmt.Errorf("%w: id %s", model.ErrJobExists, id)
	}
	if req.ClientID != nil {
		if _, exists := s.byClient[clientKey(req.ProjectID, *req.ClientID)]; exists {
			return nil, fmt.Errorf("%w: clientId %s", model.ErrJobExists, *req.ClientID)
		}
	}
	if req.PipelineID != nil {
		if _, ok := s.pipelines[*req.PipelineID]; !ok {
			return nil, model.ErrPipelineNotFound
		}
	}

	now := s.timeProvider.Now().UTC()
	j := &model.Job{
		ID:          id,
		QueueType:   req.QueueType,
		Status:      model.JobStatusPending,
		ProjectID:   req.ProjectID,
		ClientID:    clonePtr(req.ClientID),
		InputParams: append(json.RawMessage(nil), req.Params...),
		MaxRetries:  req.EffectiveMaxRetries(s.cfg.DefaultMaxRetries),
		CallbackURL: clonePtr(req.CallbackURL),
		PipelineID:  clonePtr(req.PipelineID),
		StageIndex:  clonePtr(req.StageIndex),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[id] = j
	if req.ClientID != nil {
		s.byClient[clientKey(req.ProjectID, *req.ClientID)] = id
	}
	if req.PipelineID == nil {
		s.signalLocked(job.PendingChannel(req.QueueType))
	}
	return cloneJob(j), nil
}

// Get returns a copy of the job.
func (s *MemoryJobStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// GetByClientID returns the job a project submitted under clientID.
func (s *MemoryJobStore) GetByClientID(_ context.Context, projectID, clientID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClient[clientKey(projectID, clientID)]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return cloneJob(s.jobs[id]), nil
}

// ConditionalUpdate applies patch only while the job's status equals expected.
func (s *MemoryJobStore) ConditionalUpdate(
	_ context.Context,
	id string,
	expected model.JobStatus,
	patch model.JobPatch,
) (bool, error) {
	target := patch.TargetStatus(expected)
	if !expected.CanTransitionTo(target) {
		return false, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, expected, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, model.ErrJobNotFound
	}
	if j.Status != expected {
		return false, nil
	}
	if patch.ExternalID != nil && j.ExternalID != nil {
		return false, model.ErrExternalIDAlreadySet
	}
	if patch.HeldRetryCount != nil && j.RetryCount != *patch.HeldRetryCount {
		return false, nil
	}
	if lease := patch.Lease; lease != nil {
		if j.RetryCount != lease.RetryCount {
			return false, nil
		}
		if until, held := s.leases[id]; held && until.After(lease.Now) {
			return false, nil
		}
		s.leases[id] = lease.Until
	} else {
		delete(s.leases, id)
	}

	now := s.timeProvider.Now().UTC()
	j.Status = target
	j.UpdatedAt = now
	if patch.ExternalID != nil {
		j.ExternalID = clonePtr(patch.ExternalID)
		j.SubmittedAt = &now
	}
	if patch.ProviderContext != nil {
		j.ProviderContext = cloneOptionalJSON(patch.ProviderContext)
	}
	if patch.SubmitOutput != nil {
		j.SubmitOutput = cloneOptionalJSON(patch.SubmitOutput)
	}
	if patch.OutputData != nil {
		j.OutputData = cloneOptionalJSON(patch.OutputData)
	}
	if patch.OutputURL != nil {
		j.OutputURL = clonePtr(patch.OutputURL)
	}
	if patch.DurationSeconds != nil {
		j.DurationSeconds = clonePtr(patch.DurationSeconds)
	}
	if patch.Error != nil {
		je := *patch.Error
		j.Error = &je
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if target.Terminal() {
		if j.CompletedAt == nil {
			j.CompletedAt = &now
		}
		s.signalLocked(job.FinishedChannel(id))
	}
	return true, nil
}

// ListInFlight returns PROCESSING jobs and SUBMITTED jobs with an external id.
func (s *MemoryJobStore) ListInFlight(_ context.Context, params core.ListInFlightParams) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.timeProvider.Now().UTC().Add(-params.IdleFor)
	var out []*model.Job
	for _, j := range s.jobs {
		if j.QueueType != params.QueueType || j.UpdatedAt.After(cutoff) {
			continue
		}
		if j.Status == model.JobStatusProcessing || (j.Status == model.JobStatusSubmitted && j.HasExternalID()) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	limit := params.Limit
	if limit <= 0 {
		limit = defaultInFlightLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NextPending returns the oldest PENDING standalone job of the queue type.
func (s *MemoryJobStore) NextPending(_ context.Context, queueType model.QueueType) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *model.Job
	for _, j := range s.jobs {
		if j.QueueType != queueType || j.Status != model.JobStatusPending || j.PipelineID != nil {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, model.ErrNoJobsAvailable
	}
	return cloneJob(oldest), nil
}

// ListByPipeline returns the stage jobs of a pipeline ordered by stage index.
func (s *MemoryJobStore) ListByPipeline(_ context.Context, pipelineID string) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Job
	for _, j := range s.jobs {
		if j.PipelineID != nil && *j.PipelineID == pipelineID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return stageOf(out[a]) < stageOf(out[b]) })
	return out, nil
}

func stageOf(j *model.Job) int {
	if j.StageIndex == nil {
		return -1
	}
	return *j.StageIndex
}

// Stats returns per-status job counts for a queue type.
func (s *MemoryJobStore) Stats(_ context.Context, queueType model.QueueType) (*model.JobStats, error) {
	if !queueType.Valid() {
		return nil, fmt.Errorf("invalid queue type: %q", queueType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &model.JobStats{}
	for _, j := range s.jobs {
		if j.QueueType != queueType {
			continue
		}
		switch j.Status {
		case model.JobStatusPending:
			stats.Pending++
		case model.JobStatusSubmitted:
			stats.Submitted++
		case model.JobStatusProcessing:
			stats.Processing++
		case model.JobStatusDone:
			stats.Done++
		case model.JobStatusFailed:
			stats.Failed++
		case model.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// WaitForNotification blocks until channel is signalled or ctx ends.
func (s *MemoryJobStore) WaitForNotification(ctx context.Context, channel string) error {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[channel] = append(s.waiters[channel], ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.removeWaiterLocked(channel, ch)
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *MemoryJobStore) signalLocked(channel string) {
	for _, ch := range s.waiters[channel] {
		close(ch)
	}
	delete(s.waiters, channel)
}

func (s *MemoryJobStore) removeWaiterLocked(channel string, ch chan struct{}) {
	list := s.waiters[channel]
	for i, c := range list {
		if c == ch {
			s.waiters[channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.waiters[channel]) == 0 {
		delete(s.waiters, channel)
	}
}

// Record stores a callback delivery outcome.
func (s *MemoryJobStore) Record(_ context.Context, d *model.CallbackDelivery) error {
	if d == nil {
		return errors.New("callback delivery is required")
	}
	if d.JobID == nil && d.PipelineID == nil {
		return ErrJobIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	d.ID = s.nextID
	d.CreatedAt = s.timeProvider.Now().UTC()
	stored := *d
	s.deliveries = append(s.deliveries, &stored)
	return nil
}

// LatestByJobID returns the most recent delivery recorded for a job.
func (s *MemoryJobStore) LatestByJobID(_ context.Context, jobID string) (*model.CallbackDelivery, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		d := s.deliveries[i]
		if d.JobID != nil && *d.JobID == jobID {
			out := *d
			return &out, nil
		}
	}
	return nil, ErrCallbackDeliveryNotFound
}

// FailStalePendingJobs fails PENDING jobs created more than MaxAge ago.
func (s *MemoryJobStore) FailStalePendingJobs(_ context.Context, params core.FailStaleParams) ([]*model.Job, error) {
	return s.failWhere(params, model.JobError{
		Code:    model.ErrorCodeStale,
		Message: "job was not picked up before its deadline",
	}, func(j *model.Job, cutoff time.Time) bool {
		return j.Status == model.JobStatusPending && j.CreatedAt.Before(cutoff)
	})
}

// FailOrphanedSubmissions fails SUBMITTED jobs that never recorded an external id.
func (s *MemoryJobStore) FailOrphanedSubmissions(_ context.Context, params core.FailStaleParams) ([]*model.Job, error) {
	return s.failWhere(params, model.JobError{
		Code:    model.ErrorCodeSubmissionUnknown,
		Message: "submission outcome unknown: no external id was recorded",
	}, func(j *model.Job, cutoff time.Time) bool {
		return j.Status == model.JobStatusSubmitted && !j.HasExternalID() && j.UpdatedAt.Before(cutoff)
	})
}

func (s *MemoryJobStore) failWhere(
	params core.FailStaleParams,
	jobErr model.JobError,
	match func(*model.Job, time.Time) bool,
) ([]*model.Job, error) {
	if err := validateBatch(params.MaxAge, params.BatchSize); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now().UTC()
	cutoff := now.Add(-params.MaxAge)
	var failed []*model.Job
	for _, j := range s.sortedJobsLocked() {
		if len(failed) >= params.BatchSize {
			break
		}
		if !match(j, cutoff) {
			continue
		}
		je := jobErr
		j.Status = model.JobStatusFailed
		j.Error = &je
		j.UpdatedAt = now
		j.CompletedAt = &now
		s.signalLocked(job.FinishedChannel(j.ID))
		failed = append(failed, cloneJob(j))
	}
	return failed, nil
}

func (s *MemoryJobStore) sortedJobsLocked() []*model.Job {
	out := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// DeleteOldJobs deletes terminal standalone jobs completed more than MaxAge ago.
func (s *MemoryJobStore) DeleteOldJobs(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if err := validateBatch(params.MaxAge, params.BatchSize); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.timeProvider.Now().UTC().Add(-params.MaxAge)
	var n int64
	for _, j := range s.sortedJobsLocked() {
		if n >= int64(params.BatchSize) {
			break
		}
		if j.PipelineID != nil || !j.Status.Terminal() || !finishedBefore(j.CompletedAt, j.UpdatedAt, cutoff) {
			continue
		}
		s.deleteJobLocked(j)
		n++
	}
	return n, nil
}

// DeleteOldPipelines deletes finished pipelines and their stage jobs.
func (s *MemoryJobStore) DeleteOldPipelines(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if err := validateBatch(params.MaxAge, params.BatchSize); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.timeProvider.Now().UTC().Add(-params.MaxAge)
	var n int64
	for id, mp := range s.pipelines {
		if n >= int64(params.BatchSize) {
			break
		}
		if !mp.p.Status.Terminal() || !finishedBefore(mp.p.CompletedAt, mp.p.UpdatedAt, cutoff) {
			continue
		}
		for _, j := range s.jobs {
			if j.PipelineID != nil && *j.PipelineID == id {
				s.deleteJobLocked(j)
			}
		}
		for _, d := range s.deliveries {
			if d.PipelineID != nil && *d.PipelineID == id {
				d.PipelineID = nil
			}
		}
		delete(s.pipelines, id)
		n++
	}
	return n, nil
}

// DeleteOldCallbackDeliveries deletes delivery records older than MaxAge.
func (s *MemoryJobStore) DeleteOldCallbackDeliveries(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if err := validateBatch(params.MaxAge, params.BatchSize); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.timeProvider.Now().UTC().Add(-params.MaxAge)
	kept := s.deliveries[:0]
	var n int64
	for _, d := range s.deliveries {
		if n < int64(params.BatchSize) && d.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	s.deliveries = kept
	return n, nil
}

func (s *MemoryJobStore) deleteJobLocked(j *model.Job) {
	delete(s.jobs, j.ID)
	delete(s.leases, j.ID)
	if j.ClientID != nil {
		delete(s.byClient, clientKey(j.ProjectID, *j.ClientID))
	}
	for _, d := range s.deliveries {
		if d.JobID != nil && *d.JobID == j.ID {
			d.JobID = nil
		}
	}
}

func finishedBefore(completedAt *time.Time, updatedAt, cutoff time.Time) bool {
	if completedAt != nil {
		return completedAt.Before(cutoff)
	}
	return updatedAt.Before(cutoff)
}

// Pipelines returns a core.PipelineRepository view sharing this store's state.
func (s *MemoryJobStore) Pipelines() *MemoryPipelineRepo {
	return &MemoryPipelineRepo{store: s}
}

// MemoryPipelineRepo is the in-process core.PipelineRepository.
type MemoryPipelineRepo struct {
	store *MemoryJobStore
}

// Create inserts a PENDING pipeline.
func (r *MemoryPipelineRepo) Create(_ context.Context, req *model.CreatePipelineRequest) (*model.Pipeline, error) {
	if req == nil {
		return nil, errors.New("create pipeline request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.pipelines[id]; exists {
		return nil, fmt.Errorf("pipeline %s already exists", id)
	}
	stages, err := cloneStages(req.Stages)
	if err != nil {
		return nil, err
	}
	now := s.timeProvider.Now().UTC()
	p := &model.Pipeline{
		ID:          id,
		ProjectID:   req.ProjectID,
		Status:      model.PipelineStatusPending,
		Stages:      stages,
		CallbackURL: clonePtr(req.CallbackURL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.pipelines[id] = &memoryPipeline{p: p}
	s.signalLocked(job.PipelineChannel)
	return clonePipeline(p), nil
}

// Get returns a copy of the pipeline.
func (r *MemoryPipelineRepo) Get(_ context.Context, id string) (*model.Pipeline, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	mp, ok := s.pipelines[id]
	if !ok {
		return nil, model.ErrPipelineNotFound
	}
	return clonePipeline(mp.p), nil
}

// ClaimNext moves the oldest PENDING or stale RUNNING pipeline to RUNNING.
func (r *MemoryPipelineRepo) ClaimNext(_ context.Context, params core.ClaimPipelineParams) (*model.Pipeline, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeProvider.Now().UTC()
	var pick *memoryPipeline
	for _, mp := range s.pipelines {
		claimable := mp.p.Status == model.PipelineStatusPending ||
			(mp.p.Status == model.PipelineStatusRunning && params.StaleAfter > 0 && mp.heartbeat.Before(now.Add(-params.StaleAfter)))
		if !claimable {
			continue
		}
		if pick == nil || mp.p.CreatedAt.Before(pick.p.CreatedAt) {
			pick = mp
		}
	}
	if pick == nil {
		return nil, model.ErrNoPipelinesAvailable
	}
	pick.p.Status = model.PipelineStatusRunning
	pick.p.UpdatedAt = now
	pick.heartbeat = now
	return clonePipeline(pick.p), nil
}

// Heartbeat refreshes the claim on a RUNNING pipeline.
func (r *MemoryPipelineRepo) Heartbeat(_ context.Context, id string) (bool, error) {
	return r.mutateRunning(id, func(mp *memoryPipeline, _ time.Time) bool { return true })
}

// Advance moves the cursor past a completed stage.
func (r *MemoryPipelineRepo) Advance(_ context.Context, id string, stage int) (bool, error) {
	return r.mutateRunning(id, func(mp *memoryPipeline, _ time.Time) bool {
		if mp.p.CurrentStage != stage {
			return false
		}
		mp.p.CurrentStage = stage + 1
		return true
	})
}

// Finish records the terminal outcome; false if the pipeline already finished.
func (r *MemoryPipelineRepo) Finish(_ context.Context, id string, finish model.PipelineFinish) (bool, error) {
	if !finish.Status.Terminal() {
		return false, fmt.Errorf("%w: pipeline cannot finish as %s", model.ErrInvalidTransition, finish.Status)
	}
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	mp, ok := s.pipelines[id]
	if !ok {
		return false, model.ErrPipelineNotFound
	}
	if mp.p.Status.Terminal() {
		return false, nil
	}
	now := s.timeProvider.Now().UTC()
	mp.p.Status = finish.Status
	mp.p.FailedStage = clonePtr(finish.FailedStage)
	if finish.Error != nil {
		je := *finish.Error
		mp.p.Error = &je
	}
	mp.p.Output = cloneOptionalJSON(finish.Output)
	mp.p.UpdatedAt = now
	mp.p.CompletedAt = &now
	return true, nil
}

// WaitForNotification blocks until channel is signalled or ctx ends.
func (r *MemoryPipelineRepo) WaitForNotification(ctx context.Context, channel string) error {
	return r.store.WaitForNotification(ctx, channel)
}

func (r *MemoryPipelineRepo) mutateRunning(id string, fn func(*memoryPipeline, time.Time) bool) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	mp, ok := s.pipelines[id]
	if !ok {
		return false, model.ErrPipelineNotFound
	}
	if mp.p.Status != model.PipelineStatusRunning {
		return false, nil
	}
	now := s.timeProvider.Now().UTC()
	if !fn(mp, now) {
		return false, nil
	}
	mp.heartbeat = now
	mp.p.UpdatedAt = now
	return true, nil
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneJob(j *model.Job) *model.Job {
	out := *j
	out.ClientID = clonePtr(j.ClientID)
	out.InputParams = cloneOptionalJSON(j.InputParams)
	out.ExternalID = clonePtr(j.ExternalID)
	out.ProviderContext = cloneOptionalJSON(j.ProviderContext)
	out.SubmitOutput = cloneOptionalJSON(j.SubmitOutput)
	out.OutputData = cloneOptionalJSON(j.OutputData)
	out.OutputURL = clonePtr(j.OutputURL)
	out.DurationSeconds = clonePtr(j.DurationSeconds)
	out.Error = clonePtr(j.Error)
	out.CallbackURL = clonePtr(j.CallbackURL)
	out.PipelineID = clonePtr(j.PipelineID)
	out.StageIndex = clonePtr(j.StageIndex)
	out.SubmittedAt = clonePtr(j.SubmittedAt)
	out.CompletedAt = clonePtr(j.CompletedAt)
	return &out
}

func clonePipeline(p *model.Pipeline) *model.Pipeline {
	out := *p
	out.Stages, _ = cloneStages(p.Stages)
	out.FailedStage = clonePtr(p.FailedStage)
	out.Error = clonePtr(p.Error)
	out.Output = cloneOptionalJSON(p.Output)
	out.CallbackURL = clonePtr(p.CallbackURL)
	out.CompletedAt = clonePtr(p.CompletedAt)
	return &out
}

func cloneStages(stages []model.StageDefinition) ([]model.StageDefinition, error) {
	raw, err := json.Marshal(stages)
	if err != nil {
		return nil, fmt.Errorf("encode stages: %w", err)
	}
	var out []model.StageDefinition
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	return out, nil
}

// MemoryIdempotencyStore is an in-process core.IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu           sync.Mutex
	keys         map[string]memoryKey
	timeProvider TimeProvider
}

type memoryKey struct {
	jobID     string
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a MemoryIdempotencyStore.
func NewMemoryIdempotencyStore(tp TimeProvider) *MemoryIdempotencyStore {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	return &MemoryIdempotencyStore{keys: make(map[string]memoryKey), timeProvider: tp}
}

// Reserve stores key→jobID unless an unexpired key exists.
func (m *MemoryIdempotencyStore) Reserve(_ context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("key cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timeProvider.Now()
	if existing, ok := m.keys[key]; ok && now.Before(existing.expiresAt) {
		return existing.jobID, false, nil
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	m.keys[key] = memoryKey{jobID: jobID, expiresAt: now.Add(ttl)}
	return jobID, true, nil
}

// Release removes a key.
func (m *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.keys, key)
	m.mu.Unlock()
	return nil
}

var (
	_ core.JobStore                   = (*MemoryJobStore)(nil)
	_ core.ReaperRepository           = (*MemoryJobStore)(nil)
	_ core.CallbackDeliveryRepository = (*MemoryJobStore)(nil)
	_ core.PipelineRepository         = (*MemoryPipelineRepo)(nil)
	_ core.IdempotencyStore           = (*MemoryIdempotencyStore)(nil)
)
