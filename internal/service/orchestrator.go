package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	domainjob "github.com/target/mmk-orchestrator/internal/domain/job"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/domain/poll"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"github.com/target/mmk-orchestrator/internal/provider"
)

// ErrJobNotInFlight is returned by Resume for jobs the provider does not hold.
var ErrJobNotInFlight = errors.New("job is not in flight")

// Transition labels used for job lifecycle metrics.
const (
	transitionSubmitted = "submitted"
	transitionDone      = "done"
	transitionFailed    = "failed"
	transitionTimeout   = "timeout"
	transitionCancelled = "cancelled"
)

// QueuePolicy is the execution policy of one queue type.
type QueuePolicy struct {
	Mode             config.ExecutionMode
	Poll             poll.Policy
	SubmitAttempts   int
	SubmitBackoff    time.Duration
	SweepConcurrency int
	// PollLease bounds how long one poller owns a job's provider call.
	PollLease time.Duration
}

const defaultPollLease = 30 * time.Second

// QueuePolicyFromConfig converts a provider configuration.
func QueuePolicyFromConfig(cfg config.ProviderConfig) QueuePolicy {
	return QueuePolicy{
		Mode:             cfg.Mode,
		Poll:             poll.Policy{Interval: cfg.PollInterval, MaxAttempts: cfg.PollAttempts},
		SubmitAttempts:   cfg.SubmitAttempts,
		SubmitBackoff:    cfg.SubmitBackoff,
		SweepConcurrency: cfg.SweepConcurrency,
		PollLease:        2 * cfg.Timeout,
	}
}

func (p QueuePolicy) normalize() QueuePolicy {
	if p.Mode == "" {
		p.Mode = config.ExecutionModeInline
	}
	p.Poll = p.Poll.Normalize()
	if p.SubmitAttempts <= 0 {
		p.SubmitAttempts = 1
	}
	if p.SweepConcurrency <= 0 {
		p.SweepConcurrency = 1
	}
	if p.PollLease <= 0 {
		p.PollLease = defaultPollLease
	}
	return p
}

// JobCallbacks delivers terminal job callbacks.
type JobCallbacks interface {
	Dispatch(ctx context.Context, j *model.Job) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	Store     core.JobStore                     // Required
	Registry  *provider.Registry                // Required
	Policies  map[model.QueueType]QueuePolicy   // Optional: per-queue overrides of the defaults
	Callbacks JobCallbacks                      // Optional
	Sleeper   poll.Sleeper                      // Optional: defaults to a real timer
	Clock     Clock                             // Optional
	Logger    *slog.Logger                      // Optional
	Metrics   statsd.Sink                       // Optional
	// WaitWindow bounds each wait for a finished notification in RunToTerminal.
	WaitWindow time.Duration
}

// Orchestrator drives jobs through PENDING → SUBMITTED → PROCESSING → terminal.
//
// Every status change is a compare-and-set on the store, so any number of
// orchestrators and sweepers may act on the same job: only one claims the
// submission and only one performs the terminal transition and its callback.
type Orchestrator struct {
	store      core.JobStore
	registry   *provider.Registry
	policies   map[model.QueueType]QueuePolicy
	callbacks  JobCallbacks
	sleeper    poll.Sleeper
	clock      Clock
	logger     *slog.Logger
	metrics    statsd.Sink
	waitWindow time.Duration
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("provider Registry is required")
	}
	o := &Orchestrator{
		store:      opts.Store,
		registry:   opts.Registry,
		policies:   make(map[model.QueueType]QueuePolicy, len(opts.Policies)),
		callbacks:  opts.Callbacks,
		sleeper:    opts.Sleeper,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		waitWindow: opts.WaitWindow,
	}
	for q, p := range opts.Policies {
		o.policies[q] = p.normalize()
	}
	if o.sleeper == nil {
		o.sleeper = poll.TimerSleeper{}
	}
	if o.clock == nil {
		o.clock = systemClock{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.waitWindow <= 0 {
		o.waitWindow = 30 * time.Second
	}
	return o, nil
}

// Policy returns the normalized policy for q.
func (o *Orchestrator) Policy(q model.QueueType) QueuePolicy {
	if p, ok := o.policies[q]; ok {
		return p
	}
	return QueuePolicy{}.normalize()
}

// Drive claims a PENDING job, submits it and records the external id. For
// inline queues it then polls the job to a terminal status. A job that is no
// longer PENDING is returned unchanged: someone else owns it.
func (o *Orchestrator) Drive(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != model.JobStatusPending {
		return j, nil
	}

	adapter, err := o.registry.Get(j.QueueType)
	if err != nil {
		failed, _, failErr := o.fail(ctx, j, model.ErrorCodeUnsupportedQueue, err, transitionFailed)
		return o.orCurrent(ctx, j.ID, failed, failErr)
	}

	ok, err := o.store.ConditionalUpdate(ctx, j.ID, model.JobStatusPending, model.JobPatch{
		Status: model.StatusPtr(model.JobStatusSubmitted),
	})
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", j.ID, err)
	}
	if !ok {
		o.logger.DebugContext(ctx, "job claimed elsewhere", "job_id", j.ID)
		return o.store.Get(ctx, j.ID)
	}
	j.Status = model.JobStatusSubmitted

	policy := o.Policy(j.QueueType)
	submitted, err := o.submit(ctx, adapter, j, policy)
	if err != nil {
		if ctx.Err() != nil {
			// The provider may or may not hold the work; the reaper settles orphaned claims.
			return nil, ctx.Err()
		}
		failed, _, failErr := o.fail(ctx, j, model.ErrorCodeSubmission, err, transitionFailed)
		return o.orCurrent(ctx, j.ID, failed, failErr)
	}

	ok, err = o.store.ConditionalUpdate(ctx, j.ID, model.JobStatusSubmitted, model.JobPatch{
		ExternalID:      &submitted.ExternalID,
		ProviderContext: submitted.Context,
		SubmitOutput:    submitted.RawOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("record external id for job %s: %w", j.ID, err)
	}
	if !ok {
		// Cancelled while the submission was in flight.
		o.logger.InfoContext(ctx, "job changed during submission",
			"job_id", j.ID,
			"queue_type", j.QueueType,
			"external_id", submitted.ExternalID)
		return o.store.Get(ctx, j.ID)
	}

	o.logger.InfoContext(ctx, "job submitted",
		"job_id", j.ID,
		"queue_type", j.QueueType,
		"external_id", submitted.ExternalID)
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
		QueueType:  string(j.QueueType),
		Transition: transitionSubmitted,
		Result:     metrics.ResultSuccess,
	})

	if policy.Mode == config.ExecutionModeSweep {
		return o.store.Get(ctx, j.ID)
	}
	return o.Resume(ctx, j.ID)
}

// submit calls the adapter, retrying retryable failures up to the policy's attempt count.
func (o *Orchestrator) submit(
	ctx context.Context,
	adapter provider.Adapter,
	j *model.Job,
	policy QueuePolicy,
) (*provider.SubmitResult, error) {
	out, err := poll.Run(ctx, poll.Options[*provider.SubmitResult]{
		Check: func(ctx context.Context) (*provider.SubmitResult, error) {
			res, err := adapter.Submit(ctx, j.InputParams)
			if err != nil {
				o.logger.WarnContext(ctx, "provider submit failed",
					"job_id", j.ID,
					"queue_type", j.QueueType,
					"retryable", provider.IsRetryable(err),
					"error", err)
			}
			return res, err
		},
		IsDone:         func(*provider.SubmitResult) bool { return true },
		IsNonRetryable: provider.IsNonRetryable,
		MaxAttempts:    policy.SubmitAttempts,
		Interval:       policy.SubmitBackoff,
		Sleeper:        o.sleeper,
	})
	if err != nil {
		var te *poll.TimeoutError
		if errors.As(err, &te) && te.LastErr != nil {
			return nil, te.LastErr
		}
		return nil, err
	}
	return out.Result, nil
}

// pollStep is the state after one poll attempt.
type pollStep struct {
	job *model.Job
	// settled is true once the job is terminal or owned by someone else.
	settled bool
}

// Resume polls an in-flight job until it is terminal, spending only the
// attempts left in its budget.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return j, nil
	}
	if !j.Status.InFlight() || !j.HasExternalID() {
		return j, fmt.Errorf("%w: %s is %s", ErrJobNotInFlight, j.ID, j.Status)
	}
	adapter, err := o.registry.Get(j.QueueType)
	if err != nil {
		failed, _, failErr := o.fail(ctx, j, model.ErrorCodeUnsupportedQueue, err, transitionFailed)
		return o.orCurrent(ctx, j.ID, failed, failErr)
	}
	if j.RemainingAttempts() == 0 {
		return o.timeout(ctx, j, nil)
	}

	policy := o.Policy(j.QueueType)
	out, err := poll.Run(ctx, poll.Options[pollStep]{
		Check: func(ctx context.Context) (pollStep, error) {
			return o.pollOnce(ctx, adapter, j.ID, policy)
		},
		IsDone:         func(s pollStep) bool { return s.settled },
		IsNonRetryable: provider.IsNonRetryable,
		MaxAttempts:    j.RemainingAttempts(),
		Interval:       policy.Poll.Interval,
		Sleeper:        o.sleeper,
	})
	switch {
	case err == nil:
		return out.Result.job, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case poll.IsTimeout(err):
		latest, getErr := o.store.Get(ctx, j.ID)
		if getErr != nil {
			return nil, getErr
		}
		return o.timeout(ctx, latest, err)
	default:
		return o.failPoll(ctx, j.ID, err)
	}
}

// Advance performs one sweep step on an in-flight job: it fails jobs past
// their budget and otherwise polls the provider once.
func (o *Orchestrator) Advance(ctx context.Context, j *model.Job) (*model.Job, error) {
	if j == nil || j.Status.Terminal() {
		return j, nil
	}
	policy := o.Policy(j.QueueType)
	if j.RemainingAttempts() == 0 || o.clock.Now().Sub(j.UpdatedAt) > policy.Poll.Budget() {
		return o.timeout(ctx, j, nil)
	}

	adapter, err := o.registry.Get(j.QueueType)
	if err != nil {
		failed, _, failErr := o.fail(ctx, j, model.ErrorCodeUnsupportedQueue, err, transitionFailed)
		return o.orCurrent(ctx, j.ID, failed, failErr)
	}

	step, err := o.pollOnce(ctx, adapter, j.ID, policy)
	if err == nil {
		return step.job, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if provider.IsNonRetryable(err) {
		return o.failPoll(ctx, j.ID, err)
	}
	o.logger.WarnContext(ctx, "provider poll failed, retrying next sweep",
		"job_id", j.ID,
		"queue_type", j.QueueType,
		"error", err)
	return o.store.Get(ctx, j.ID)
}

// pollOnce spends one attempt: it takes the job's poll lease by CAS, polls
// the provider and records the result. Only the lease holder calls the
// provider; everyone else sees a settled step.
func (o *Orchestrator) pollOnce(
	ctx context.Context,
	adapter provider.Adapter,
	jobID string,
	policy QueuePolicy,
) (pollStep, error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return pollStep{}, err
	}
	if j.Status.Terminal() {
		return pollStep{job: j, settled: true}, nil
	}
	if j.RemainingAttempts() == 0 {
		timedOut, err := o.timeout(ctx, j, nil)
		return pollStep{job: timedOut, settled: true}, err
	}

	now := o.clock.Now()
	retries := j.RetryCount + 1
	ok, err := o.store.ConditionalUpdate(ctx, j.ID, j.Status, model.JobPatch{
		Status:     model.StatusPtr(model.JobStatusProcessing),
		RetryCount: &retries,
		Lease: &model.PollLease{
			RetryCount: j.RetryCount,
			Now:        now,
			Until:      now.Add(policy.PollLease),
		},
	})
	if err != nil {
		return pollStep{}, fmt.Errorf("claim poll attempt for job %s: %w", j.ID, err)
	}
	if !ok {
		o.logger.DebugContext(ctx, "poll attempt held elsewhere", "job_id", j.ID)
		latest, getErr := o.store.Get(ctx, j.ID)
		return pollStep{job: latest, settled: true}, getErr
	}
	j.Status = model.JobStatusProcessing
	j.RetryCount = retries

	res, err := adapter.Poll(ctx, *j.ExternalID, j.ProviderContext)
	if err != nil {
		o.releaseLease(ctx, j)
		return pollStep{job: j}, err
	}

	o.logger.DebugContext(ctx, "provider polled",
		"job_id", j.ID,
		"queue_type", j.QueueType,
		"external_id", *j.ExternalID,
		"attempt", retries,
		"provider_status", res.Status,
		"done", res.Done,
		"failed", res.Failed)

	switch {
	case !res.Terminal():
		progressed, err := o.recordProgress(ctx, j, res)
		return pollStep{job: progressed}, err
	case res.Failed:
		detail := res.ErrorDetail
		if detail == "" {
			detail = "provider reported failure"
		}
		failed, _, err := o.fail(ctx, j, model.ErrorCodeProvider, errors.New(detail), transitionFailed)
		return pollStep{job: failed, settled: true}, err
	default:
		done, err := o.complete(ctx, j, res)
		return pollStep{job: done, settled: true}, err
	}
}

// recordProgress stores a non-terminal poll result and releases the lease.
func (o *Orchestrator) recordProgress(ctx context.Context, j *model.Job, res *provider.PollResult) (*model.Job, error) {
	output, err := withProgress(res.OutputData, res.Progress)
	if err != nil {
		o.logger.WarnContext(ctx, "dropping provider progress", "job_id", j.ID, "error", err)
		output = res.OutputData
	}
	ok, err := o.store.ConditionalUpdate(ctx, j.ID, model.JobStatusProcessing, model.JobPatch{
		OutputData:      output,
		DurationSeconds: res.DurationSeconds,
		HeldRetryCount:  &j.RetryCount,
	})
	if err != nil {
		return nil, fmt.Errorf("record progress for job %s: %w", j.ID, err)
	}
	if !ok {
		// Cancelled or timed out while the provider call was in flight.
		return o.store.Get(ctx, j.ID)
	}
	if output != nil {
		j.OutputData = output
	}
	if res.DurationSeconds != nil {
		j.DurationSeconds = res.DurationSeconds
	}
	return j, nil
}

// releaseLease frees the poll lease after a failed provider call so the next
// attempt need not wait for it to expire.
func (o *Orchestrator) releaseLease(ctx context.Context, j *model.Job) {
	if _, err := o.store.ConditionalUpdate(ctx, j.ID, model.JobStatusProcessing, model.JobPatch{
		HeldRetryCount: &j.RetryCount,
	}); err != nil {
		o.logger.WarnContext(ctx, "release poll lease failed", "job_id", j.ID, "error", err)
	}
}

// withProgress adds a "progress" key to a provider's JSON object output.
func withProgress(output json.RawMessage, progress *float64) (json.RawMessage, error) {
	if progress == nil {
		return output, nil
	}
	doc := map[string]any{}
	if len(output) > 0 && string(output) != "null" {
		if err := json.Unmarshal(output, &doc); err != nil {
			return nil, fmt.Errorf("provider output is not an object: %w", err)
		}
	}
	doc["progress"] = *progress
	return json.Marshal(doc)
}

// Cancel moves a non-terminal job to CANCELLED. It does not wait for the
// provider; an in-flight poll loop observes the status on its next attempt.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	for {
		j, err := o.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.Status.Terminal() {
			return j, model.ErrJobTerminal
		}
		cancelled, won, err := o.terminate(ctx, j, model.JobPatch{
			Status: model.StatusPtr(model.JobStatusCancelled),
		}, transitionCancelled, nil)
		if err != nil {
			return nil, err
		}
		if won {
			return cancelled, nil
		}
		// Status moved underneath us; re-read and try again.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// RunToTerminal drives a job and waits until it reaches a terminal status,
// whoever performs the transition.
func (o *Orchestrator) RunToTerminal(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := o.Drive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	resumed := false
	for !j.Status.Terminal() {
		// An inline job found in flight (after a restart) is polled here once;
		// if someone else is already polling it, fall back to waiting.
		if !resumed && j.HasExternalID() && o.Policy(j.QueueType).Mode == config.ExecutionModeInline {
			resumed = true
			if j, err = o.Resume(ctx, j.ID); err != nil {
				return nil, err
			}
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, o.waitWindow)
		err = o.store.WaitForNotification(waitCtx, domainjob.FinishedChannel(j.ID))
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			o.logger.WarnContext(ctx, "wait for job notification failed", "job_id", j.ID, "error", err)
		}
		if j, err = o.store.Get(ctx, j.ID); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (o *Orchestrator) complete(ctx context.Context, j *model.Job, res *provider.PollResult) (*model.Job, error) {
	done, _, err := o.terminate(ctx, j, model.JobPatch{
		Status:          model.StatusPtr(model.JobStatusDone),
		OutputURL:       res.OutputURL,
		OutputData:      res.OutputData,
		DurationSeconds: res.DurationSeconds,
	}, transitionDone, nil)
	return done, err
}

func (o *Orchestrator) timeout(ctx context.Context, j *model.Job, cause error) (*model.Job, error) {
	if cause == nil {
		cause = &poll.TimeoutError{Attempts: j.RetryCount, Interval: o.Policy(j.QueueType).Poll.Interval}
	}
	failed, _, err := o.fail(ctx, j, model.ErrorCodeTimeout, cause, transitionTimeout)
	return o.orCurrent(ctx, j.ID, failed, err)
}

func (o *Orchestrator) failPoll(ctx context.Context, jobID string, cause error) (*model.Job, error) {
	j, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failed, _, err := o.fail(ctx, j, model.ErrorCodePoll, cause, transitionFailed)
	return o.orCurrent(ctx, jobID, failed, err)
}

func (o *Orchestrator) fail(
	ctx context.Context,
	j *model.Job,
	code string,
	cause error,
	transition string,
) (*model.Job, bool, error) {
	if j.Status.Terminal() {
		return j, false, nil
	}
	return o.terminate(ctx, j, model.JobPatch{
		Status: model.StatusPtr(model.JobStatusFailed),
		Error: &model.JobError{
			Code:      code,
			Message:   cause.Error(),
			Retryable: retryableCode(code) && provider.IsRetryable(cause),
		},
	}, transition, cause)
}

// terminate applies a terminal CAS from j.Status. Only the winner emits
// metrics and dispatches the callback; losers get the current job back.
func (o *Orchestrator) terminate(
	ctx context.Context,
	j *model.Job,
	patch model.JobPatch,
	transition string,
	cause error,
) (*model.Job, bool, error) {
	ok, err := o.store.ConditionalUpdate(ctx, j.ID, j.Status, patch)
	if err != nil {
		return nil, false, fmt.Errorf("%s job %s: %w", transition, j.ID, err)
	}
	latest, err := o.store.Get(ctx, j.ID)
	if err != nil {
		return nil, ok, err
	}
	if !ok {
		return latest, false, nil
	}

	result := metrics.ResultSuccess
	if latest.Status != model.JobStatusDone {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
		QueueType:  string(latest.QueueType),
		Transition: transition,
		Result:     result,
		Duration:   jobDuration(latest),
		Err:        cause,
	})

	attrs := []any{
		"job_id", latest.ID,
		"queue_type", latest.QueueType,
		"status", latest.Status,
		"retry_count", latest.RetryCount,
	}
	if latest.Error != nil {
		attrs = append(attrs, "error_code", latest.Error.Code, "error", latest.Error.Message)
	}
	o.logger.InfoContext(ctx, "job finished", attrs...)

	if o.callbacks != nil {
		// Delivery failures are recorded by the dispatcher and never change the job.
		_ = o.callbacks.Dispatch(ctx, latest)
	}
	return latest, true, nil
}

// retryableCode reports whether failures recorded under code can carry a
// provider's retryable classification.
func retryableCode(code string) bool {
	return code == model.ErrorCodeSubmission || code == model.ErrorCodePoll
}

// orCurrent returns j when the caller produced one, otherwise the stored job.
func (o *Orchestrator) orCurrent(ctx context.Context, id string, j *model.Job, err error) (*model.Job, error) {
	if err != nil {
		return nil, err
	}
	if j != nil {
		return j, nil
	}
	return o.store.Get(ctx, id)
}

func jobDuration(j *model.Job) time.Duration {
	if j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(j.CreatedAt)
}
