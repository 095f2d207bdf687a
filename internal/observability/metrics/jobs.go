// Package metrics holds the named metrics the orchestration services emit.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/target/mmk-orchestrator/internal/observability/errors"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	QueueType  string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits job.transition and, when Duration is set, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"queue_type": in.QueueType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	withErrorClass(tags, in.Result, in.Err)

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// SweepMetric summarises one sweep of a queue.
type SweepMetric struct {
	QueueType string
	InFlight  int
	Advanced  int
	TimedOut  int
	Duration  time.Duration
	Err       error
}

// EmitSweep emits sweeper.sweep plus in-flight and timeout counts.
func EmitSweep(sink statsd.Sink, in SweepMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if in.Err != nil {
		result = ResultError
	}
	tags := map[string]string{"queue_type": in.QueueType, "result": result}
	withErrorClass(tags, result, in.Err)

	sink.Count("sweeper.sweep", 1, tags)
	sink.Gauge("sweeper.in_flight", float64(in.InFlight), map[string]string{"queue_type": in.QueueType})
	if in.TimedOut > 0 {
		sink.Count("sweeper.timed_out", int64(in.TimedOut), map[string]string{"queue_type": in.QueueType})
	}
	if in.Duration > 0 {
		sink.Timing("sweeper.duration", in.Duration, CloneTags(tags))
	}
}

// EmitReaperCleanup emits reaper.cleanup for one cleanup step.
func EmitReaperCleanup(sink statsd.Sink, step string, affected int64, duration time.Duration, err error) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	switch {
	case err != nil:
		result = ResultError
	case affected == 0:
		result = ResultNoop
	}
	tags := map[string]string{"step": step, "result": result}
	withErrorClass(tags, result, err)

	sink.Count("reaper.cleanup", 1, tags)
	if affected > 0 {
		sink.Count("reaper.rows", affected, map[string]string{"step": step})
	}
	if duration > 0 {
		sink.Timing("reaper.duration", duration, CloneTags(tags))
	}
}

// CallbackMetric describes the final outcome of one callback delivery.
type CallbackMetric struct {
	// Kind is "job" or "pipeline".
	Kind     string
	Attempts int
	Duration time.Duration
	Err      error
}

// EmitCallbackDelivery emits callback.delivery.
func EmitCallbackDelivery(sink statsd.Sink, in CallbackMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if in.Err != nil {
		result = ResultError
	}
	tags := map[string]string{"kind": in.Kind, "result": result}
	withErrorClass(tags, result, in.Err)

	sink.Count("callback.delivery", 1, tags)
	sink.Count("callback.attempts", int64(in.Attempts), CloneTags(tags))
	if in.Duration > 0 {
		sink.Timing("callback.duration", in.Duration, CloneTags(tags))
	}
}

// EmitPipelineFinished emits pipeline.finished with the number of stages run.
func EmitPipelineFinished(sink statsd.Sink, status string, stages int, duration time.Duration) {
	if sink == nil {
		return
	}
	tags := map[string]string{"status": status}
	sink.Count("pipeline.finished", 1, tags)
	sink.Gauge("pipeline.stages", float64(stages), CloneTags(tags))
	if duration > 0 {
		sink.Timing("pipeline.duration", duration, CloneTags(tags))
	}
}

func withErrorClass(tags map[string]string, result string, err error) {
	if err == nil || result != ResultError {
		return
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
