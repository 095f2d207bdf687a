package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeRunner drives pending standalone jobs.
	ServiceModeRunner ServiceMode = "runner"
	// ServiceModeSweeper advances in-flight jobs on a schedule.
	ServiceModeSweeper ServiceMode = "sweeper"
	// ServiceModePipelineRunner executes pipelines.
	ServiceModePipelineRunner ServiceMode = "pipeline-runner"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeRunner,
		ServiceModeSweeper,
		ServiceModePipelineRunner,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeRunner,
			ServiceModeSweeper,
			ServiceModePipelineRunner,
			ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, runner, sweeper, pipeline-runner, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// RunnerConfig contains pending job runner configuration.
type RunnerConfig struct {
	// Concurrency is the number of jobs driven at once per queue type.
	Concurrency int `env:"RUNNER_CONCURRENCY" envDefault:"4"`

	// WaitWindow bounds how long an idle worker waits for a notification before re-checking.
	WaitWindow time.Duration `env:"RUNNER_WAIT_WINDOW" envDefault:"30s"`
}

// Sanitize applies guardrails to runner configuration values.
func (r *RunnerConfig) Sanitize() {
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	if r.WaitWindow < time.Second {
		r.WaitWindow = time.Second
	}
}

// SweeperConfig contains sweep poller configuration.
type SweeperConfig struct {
	// Queues limits sweeping to these queue types; empty sweeps every enabled provider.
	Queues []model.QueueType `env:"SWEEPER_QUEUES"`

	// BatchSize caps the in-flight jobs read per sweep.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 1000 {
		s.BatchSize = 1000
	}
}

// PipelineRunnerConfig contains pipeline runner configuration.
type PipelineRunnerConfig struct {
	// Concurrency is the number of pipelines executed at once.
	Concurrency int `env:"PIPELINE_RUNNER_CONCURRENCY" envDefault:"2"`

	// StaleAfter lets another runner reclaim a RUNNING pipeline whose heartbeat is older than this.
	StaleAfter time.Duration `env:"PIPELINE_RUNNER_STALE_AFTER" envDefault:"2m"`

	// WaitWindow bounds how long an idle worker waits for a notification before re-checking.
	WaitWindow time.Duration `env:"PIPELINE_RUNNER_WAIT_WINDOW" envDefault:"30s"`
}

// HeartbeatInterval is how often a running pipeline refreshes its claim.
func (p *PipelineRunnerConfig) HeartbeatInterval() time.Duration {
	return p.StaleAfter / 3
}

// Sanitize applies guardrails to pipeline runner configuration values.
func (p *PipelineRunnerConfig) Sanitize() {
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.StaleAfter < 30*time.Second {
		p.StaleAfter = 30 * time.Second
	}
	if p.WaitWindow < time.Second {
		p.WaitWindow = time.Second
	}
}

// CallbackConfig controls delivery of terminal job and pipeline callbacks.
type CallbackConfig struct {
	MaxAttempts int           `env:"CALLBACK_MAX_ATTEMPTS" envDefault:"3"`
	Backoff     time.Duration `env:"CALLBACK_BACKOFF"      envDefault:"2s"`
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `env:"CALLBACK_TIMEOUT" envDefault:"10s"`
}

// Sanitize applies guardrails to callback configuration values.
func (c *CallbackConfig) Sanitize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.MaxAttempts > 10 {
		c.MaxAttempts = 10
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// IdempotencyConfig controls the Redis clientId fast path.
type IdempotencyConfig struct {
	TTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

// Sanitize applies guardrails to idempotency configuration values.
func (i *IdempotencyConfig) Sanitize() {
	if i.TTL < time.Minute {
		i.TTL = time.Minute
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are marked as failed.
	// Jobs stuck in pending status longer than this will be failed.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// OrphanMaxAge is how long a claimed submission may go without an external id.
	// The provider outcome is unknown, so such jobs are failed rather than resubmitted.
	OrphanMaxAge time.Duration `env:"REAPER_ORPHAN_MAX_AGE" envDefault:"15m"`

	// JobMaxAge is the retention of terminal jobs and finished pipelines.
	JobMaxAge time.Duration `env:"REAPER_JOB_MAX_AGE" envDefault:"720h"` // 30 days

	// DeliveryMaxAge is the retention of callback delivery records.
	DeliveryMaxAge time.Duration `env:"REAPER_DELIVERY_MAX_AGE" envDefault:"720h"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.OrphanMaxAge < 5*time.Minute {
		r.OrphanMaxAge = 5 * time.Minute
	}
	if r.JobMaxAge < 1*time.Hour {
		r.JobMaxAge = 1 * time.Hour
	}
	if r.DeliveryMaxAge < 24*time.Hour {
		r.DeliveryMaxAge = 24 * time.Hour
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
