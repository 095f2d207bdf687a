package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
)

func TestEmitJobLifecycle(t *testing.T) {
	var rec statsd.Recorder
	EmitJobLifecycle(&rec, JobMetric{
		QueueType:  "render",
		Transition: "processing_failed",
		Result:     ResultError,
		Duration:   2 * time.Second,
		Err:        &model.JobError{Code: model.ErrorCodeTimeout},
	})

	transitions := rec.Named("job.transition")
	require.Len(t, transitions, 1)
	assert.Equal(t, map[string]string{
		"queue_type":  "render",
		"transition":  "processing_failed",
		"result":      ResultError,
		"error_class": model.ErrorCodeTimeout,
	}, transitions[0].Tags)

	durations := rec.Named("job.duration")
	require.Len(t, durations, 1)
	assert.InDelta(t, 2000.0, durations[0].Value, 1e-9)

	EmitJobLifecycle(nil, JobMetric{})
}

func TestEmitReaperCleanup(t *testing.T) {
	var rec statsd.Recorder
	EmitReaperCleanup(&rec, "delete_jobs", 0, 0, nil)
	EmitReaperCleanup(&rec, "fail_pending", 4, time.Millisecond, nil)
	EmitReaperCleanup(&rec, "fail_pending", 0, 0, errors.New("db down"))

	cleanups := rec.Named("reaper.cleanup")
	require.Len(t, cleanups, 3)
	assert.Equal(t, ResultNoop, cleanups[0].Tags["result"])
	assert.Equal(t, ResultSuccess, cleanups[1].Tags["result"])
	assert.Equal(t, ResultError, cleanups[2].Tags["result"])
	assert.NotEmpty(t, cleanups[2].Tags["error_class"])

	rows := rec.Named("reaper.rows")
	require.Len(t, rows, 1)
	assert.InDelta(t, 4.0, rows[0].Value, 1e-9)
}

func TestEmitSweepAndCallback(t *testing.T) {
	var rec statsd.Recorder
	EmitSweep(&rec, SweepMetric{QueueType: "render", InFlight: 5, Advanced: 5, TimedOut: 1})
	EmitCallbackDelivery(&rec, CallbackMetric{Kind: "job", Attempts: 3, Err: errors.New("502")})
	EmitPipelineFinished(&rec, "FAILED", 2, time.Second)

	assert.Len(t, rec.Named("sweeper.sweep"), 1)
	assert.InDelta(t, 5.0, rec.Named("sweeper.in_flight")[0].Value, 1e-9)
	assert.Len(t, rec.Named("sweeper.timed_out"), 1)
	assert.Equal(t, ResultError, rec.Named("callback.delivery")[0].Tags["result"])
	assert.InDelta(t, 3.0, rec.Named("callback.attempts")[0].Value, 1e-9)
	assert.Equal(t, "FAILED", rec.Named("pipeline.finished")[0].Tags["status"])
}

func TestCloneTags(t *testing.T) {
	assert.Nil(t, CloneTags(nil))
	src := map[string]string{"a": "b"}
	cp := CloneTags(src)
	cp["a"] = "c"
	assert.Equal(t, "b", src["a"])
}
