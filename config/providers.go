package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// ExecutionMode selects who polls a queue's in-flight jobs.
type ExecutionMode string

const (
	// ExecutionModeInline polls each job from the worker that submitted it.
	ExecutionModeInline ExecutionMode = "inline"
	// ExecutionModeSweep leaves polling to the periodic sweeper.
	ExecutionModeSweep ExecutionMode = "sweep"
)

const maxSweepConcurrency = 3

// ProviderConfig configures the adapter for one queue type.
type ProviderConfig struct {
	Enabled bool   `env:"ENABLED"  envDefault:"false"`
	BaseURL string `env:"BASE_URL"`
	APIKey  string `env:"API_KEY"`

	// Timeout bounds each provider HTTP call.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	PollAttempts int           `env:"POLL_ATTEMPTS" envDefault:"30"`

	SubmitAttempts int           `env:"SUBMIT_ATTEMPTS" envDefault:"3"`
	SubmitBackoff  time.Duration `env:"SUBMIT_BACKOFF"  envDefault:"2s"`

	Mode ExecutionMode `env:"MODE" envDefault:"inline"`
	// SweepConcurrency caps concurrent polls per sweep; providers rate limit at 1 to 3.
	SweepConcurrency int `env:"SWEEP_CONCURRENCY" envDefault:"2"`

	// RateLimit is requests per second to the provider; 0 disables limiting.
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"0"`
	RateBurst int     `env:"RATE_BURST" envDefault:"1"`
}

// TimeoutBudget is how long a job may stay in flight before it is failed with a timeout.
func (p *ProviderConfig) TimeoutBudget() time.Duration {
	return p.PollInterval * time.Duration(p.PollAttempts)
}

func (p *ProviderConfig) sanitize() {
	p.BaseURL = strings.TrimSpace(p.BaseURL)
	p.APIKey = strings.TrimSpace(p.APIKey)
	p.Mode = ExecutionMode(strings.ToLower(strings.TrimSpace(string(p.Mode))))
	if p.Mode == "" {
		p.Mode = ExecutionModeInline
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.PollInterval < 100*time.Millisecond {
		p.PollInterval = 100 * time.Millisecond
	}
	if p.PollAttempts < 1 {
		p.PollAttempts = 1
	}
	if p.SubmitAttempts < 1 {
		p.SubmitAttempts = 1
	}
	if p.SubmitBackoff < 0 {
		p.SubmitBackoff = 0
	}
	if p.SweepConcurrency < 1 {
		p.SweepConcurrency = 1
	}
	if p.SweepConcurrency > maxSweepConcurrency {
		p.SweepConcurrency = maxSweepConcurrency
	}
	if p.RateLimit < 0 {
		p.RateLimit = 0
	}
	if p.RateBurst < 1 {
		p.RateBurst = 1
	}
}

func (p *ProviderConfig) validate(envName string) []error {
	if !p.Enabled {
		return nil
	}
	field := func(name string) string { return "PROVIDER_" + envName + "_" + name }

	var errs []error
	if p.BaseURL == "" {
		errs = append(errs, &ConfigurationError{Field: field("BASE_URL"), Reason: "required when the provider is enabled"})
	}
	if p.APIKey == "" {
		errs = append(errs, &ConfigurationError{Field: field("API_KEY"), Reason: "required when the provider is enabled"})
	}
	if p.Mode != ExecutionModeInline && p.Mode != ExecutionModeSweep {
		errs = append(errs, &ConfigurationError{
			Field:  field("MODE"),
			Reason: fmt.Sprintf("unknown mode %q (valid options: inline, sweep)", p.Mode),
		})
	}
	return errs
}

// ProvidersConfig holds one ProviderConfig per queue type.
type ProvidersConfig struct {
	Render          ProviderConfig `envPrefix:"RENDER_"`
	ImageGeneration ProviderConfig `envPrefix:"IMAGE_GENERATION_"`
	AvatarVideo     ProviderConfig `envPrefix:"AVATAR_VIDEO_"`
	VideoToVideo    ProviderConfig `envPrefix:"VIDEO_TO_VIDEO_"`
	SpeechToText    ProviderConfig `envPrefix:"SPEECH_TO_TEXT_"`
}

// For returns the configuration of q, or nil for unknown queue types.
func (c *ProvidersConfig) For(q model.QueueType) *ProviderConfig {
	switch q {
	case model.QueueTypeRender:
		return &c.Render
	case model.QueueTypeImageGeneration:
		return &c.ImageGeneration
	case model.QueueTypeAvatarVideo:
		return &c.AvatarVideo
	case model.QueueTypeVideoToVideo:
		return &c.VideoToVideo
	case model.QueueTypeSpeechToText:
		return &c.SpeechToText
	default:
		return nil
	}
}

// Enabled lists the queue types whose provider is enabled.
func (c *ProvidersConfig) Enabled() []model.QueueType {
	var out []model.QueueType
	for _, q := range model.AllQueueTypes() {
		if c.For(q).Enabled {
			out = append(out, q)
		}
	}
	return out
}

// Sanitize applies guardrails to every provider.
func (c *ProvidersConfig) Sanitize() {
	for _, q := range model.AllQueueTypes() {
		c.For(q).sanitize()
	}
}

// Validate returns a *ConfigurationError for each enabled provider setting that is missing or invalid.
func (c *ProvidersConfig) Validate() []error {
	var errs []error
	for _, q := range model.AllQueueTypes() {
		errs = append(errs, c.For(q).validate(providerEnvName(q))...)
	}
	return errs
}

func providerEnvName(q model.QueueType) string {
	return strings.ToUpper(strings.ReplaceAll(string(q), "-", "_"))
}
