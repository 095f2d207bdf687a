package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/domain/poll"
	"github.com/target/mmk-orchestrator/internal/observability/metrics"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
)

const (
	defaultCallbackAttempts = 3
	defaultCallbackBackoff  = 2 * time.Second
	defaultCallbackTimeout  = 10 * time.Second
	callbackErrorBodyBytes  = 512
)

// CallbackDeliveryError reports a callback that could not be delivered.
// It is logged and recorded; it never changes job state.
type CallbackDeliveryError struct {
	JobID      string
	PipelineID string
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *CallbackDeliveryError) Error() string {
	target := e.JobID
	if target == "" {
		target = "pipeline " + e.PipelineID
	}
	return fmt.Sprintf("callback for %s to %s failed after %d attempts (status %d): %v",
		target, e.URL, e.Attempts, e.StatusCode, e.Err)
}

func (e *CallbackDeliveryError) Unwrap() error { return e.Err }

// callbackStatusError is a non-2xx callback response.
type callbackStatusError struct {
	StatusCode int
	Body       string
}

func (e *callbackStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// retryable is false for client errors other than timeouts and rate limits.
func (e *callbackStatusError) retryable() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// CallbackDispatcherOptions groups dependencies for CallbackDispatcher.
type CallbackDispatcherOptions struct {
	Deliveries  core.CallbackDeliveryRepository // Optional: delivery history
	HTTPClient  *http.Client                    // Optional: defaults to a client without a global timeout
	MaxAttempts int
	Backoff     time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
	Sleeper poll.Sleeper
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// CallbackDispatcher POSTs terminal job and pipeline outcomes to their callback URLs.
type CallbackDispatcher struct {
	deliveries  core.CallbackDeliveryRepository
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	timeout     time.Duration
	sleeper     poll.Sleeper
	logger      *slog.Logger
	metrics     statsd.Sink
}

// NewCallbackDispatcher constructs a CallbackDispatcher, filling unset limits
// with 3 attempts, 2s apart, 10s each.
func NewCallbackDispatcher(opts CallbackDispatcherOptions) *CallbackDispatcher {
	d := &CallbackDispatcher{
		deliveries:  opts.Deliveries,
		client:      opts.HTTPClient,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		timeout:     opts.Timeout,
		sleeper:     opts.Sleeper,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultCallbackAttempts
	}
	if d.backoff <= 0 {
		d.backoff = defaultCallbackBackoff
	}
	if d.timeout <= 0 {
		d.timeout = defaultCallbackTimeout
	}
	if d.sleeper == nil {
		d.sleeper = poll.TimerSleeper{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "callback_dispatcher")
	return d
}

// Dispatch delivers the callback of a terminal job. Jobs without a callback
// URL are skipped.
func (d *CallbackDispatcher) Dispatch(ctx context.Context, j *model.Job) error {
	if j == nil || j.CallbackURL == nil || *j.CallbackURL == "" {
		return nil
	}
	jobID := j.ID
	return d.deliver(ctx, delivery{
		kind:       "job",
		url:        *j.CallbackURL,
		jobID:      &jobID,
		pipelineID: j.PipelineID,
		key:        j.ID + ":" + string(j.Status),
		payload:    model.NewJobCallbackPayload(j),
	})
}

// DispatchPipeline delivers the callback of a finished pipeline.
func (d *CallbackDispatcher) DispatchPipeline(ctx context.Context, p *model.Pipeline) error {
	if p == nil || p.CallbackURL == nil || *p.CallbackURL == "" {
		return nil
	}
	pipelineID := p.ID
	return d.deliver(ctx, delivery{
		kind:       "pipeline",
		url:        *p.CallbackURL,
		pipelineID: &pipelineID,
		key:        p.ID + ":" + string(p.Status),
		payload:    model.NewPipelineCallbackPayload(p),
	})
}

type delivery struct {
	kind       string
	url        string
	jobID      *string
	pipelineID *string
	// key lets receivers drop duplicate deliveries of the same outcome.
	key     string
	payload model.CallbackPayload
}

func (d *CallbackDispatcher) deliver(ctx context.Context, in delivery) error {
	body, err := json.Marshal(in.payload)
	if err != nil {
		return fmt.Errorf("encode callback payload: %w", err)
	}

	start := time.Now()
	lastStatus := 0
	out, err := poll.Run(ctx, poll.Options[int]{
		Check: func(ctx context.Context) (int, error) {
			code, postErr := d.post(ctx, in, body)
			lastStatus = code
			return code, postErr
		},
		IsDone: func(int) bool { return true },
		IsNonRetryable: func(err error) bool {
			var se *callbackStatusError
			return errors.As(err, &se) && !se.retryable()
		},
		MaxAttempts: d.maxAttempts,
		Interval:    d.backoff,
		Sleeper:     d.sleeper,
	})

	record := &model.CallbackDelivery{
		JobID:      in.jobID,
		PipelineID: in.pipelineID,
		URL:        in.url,
		Status:     model.CallbackStatusDelivered,
		Attempts:   out.Attempts,
	}
	if lastStatus > 0 {
		code := lastStatus
		record.StatusCode = &code
	}

	var deliveryErr error
	if err != nil {
		var te *poll.TimeoutError
		if errors.As(err, &te) && te.LastErr != nil {
			err = te.LastErr
		}
		deliveryErr = &CallbackDeliveryError{
			JobID:      deref(in.jobID),
			PipelineID: deref(in.pipelineID),
			URL:        in.url,
			Attempts:   out.Attempts,
			StatusCode: lastStatus,
			Err:        err,
		}
		msg := err.Error()
		record.Status = model.CallbackStatusFailed
		record.LastError = &msg
		d.logger.WarnContext(ctx, "callback delivery failed",
			"kind", in.kind,
			"job_id", deref(in.jobID),
			"pipeline_id", deref(in.pipelineID),
			"url", in.url,
			"attempts", out.Attempts,
			"status_code", lastStatus,
			"error", err,
		)
	} else {
		d.logger.DebugContext(ctx, "callback delivered",
			"kind", in.kind,
			"job_id", deref(in.jobID),
			"pipeline_id", deref(in.pipelineID),
			"attempts", out.Attempts,
		)
	}

	metrics.EmitCallbackDelivery(d.metrics, metrics.CallbackMetric{
		Kind:     in.kind,
		Attempts: out.Attempts,
		Duration: time.Since(start),
		Err:      deliveryErr,
	})

	if d.deliveries != nil {
		// The outcome is recorded even when the caller's context has ended.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if recErr := d.deliveries.Record(recordCtx, record); recErr != nil {
			d.logger.ErrorContext(ctx, "record callback delivery failed",
				"job_id", deref(in.jobID),
				"pipeline_id", deref(in.pipelineID),
				"error", recErr,
			)
		}
	}

	return deliveryErr
}

func (d *CallbackDispatcher) post(ctx context.Context, in delivery, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, in.url, bytes.NewReader(body))
	if err != nil {
		return 0, &callbackStatusError{StatusCode: http.StatusBadRequest, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mmk-orchestrator")
	req.Header.Set("Idempotency-Key", in.key)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, callbackErrorBodyBytes))
	return resp.StatusCode, &callbackStatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(excerpt))}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
