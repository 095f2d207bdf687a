package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Store driver, Postgres and Redis configuration
//   - http.go: HTTP server configuration
//   - services.go: Service mode and worker configuration
//   - providers.go: Per-provider adapter configuration
type AppConfig struct {
	// IsDev enables text logging and relaxed defaults.
	// Set DEV=true or GO_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Store selects the job store backend.
	Store StoreConfig

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http,runner,sweeper,pipeline-runner,reaper"`

	Runner         RunnerConfig
	Sweeper        SweeperConfig
	PipelineRunner PipelineRunnerConfig
	Callback       CallbackConfig
	Idempotency    IdempotencyConfig
	Reaper         ReaperConfig

	// Providers holds one adapter configuration per queue type.
	Providers ProvidersConfig `envPrefix:"PROVIDER_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Store.Sanitize()
	c.Redis.Sanitize()
	c.HTTP.Sanitize()
	c.Runner.Sanitize()
	c.Sweeper.Sanitize()
	c.PipelineRunner.Sanitize()
	c.Callback.Sanitize()
	c.Idempotency.Sanitize()
	c.Reaper.Sanitize()
	c.Providers.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// Validate reports settings the process cannot start without. It returns
// every problem found, each as a *ConfigurationError.
func (c *AppConfig) Validate() error {
	var errs []error

	if _, err := c.GetEnabledServices(); err != nil {
		errs = append(errs, &ConfigurationError{Field: "SERVICES", Reason: err.Error()})
	}
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Store.Driver == StoreDriverPostgres && strings.TrimSpace(c.Postgres.Host) == "" {
		errs = append(errs, &ConfigurationError{Field: "DB_HOST", Reason: "required when STORE_DRIVER=postgres"})
	}
	if c.Store.Driver == StoreDriverMemory && c.splitsMemoryStore() {
		errs = append(errs, &ConfigurationError{
			Field:  "STORE_DRIVER",
			Reason: "memory store cannot be shared; run every service in one process",
		})
	}
	errs = append(errs, c.Providers.Validate()...)
	if len(c.Providers.Enabled()) == 0 && (c.IsRunnerEnabled() || c.IsSweeperEnabled() || c.IsPipelineRunnerEnabled()) {
		errs = append(errs, &ConfigurationError{Field: "PROVIDER_*_ENABLED", Reason: "at least one provider must be enabled"})
	}
	for _, q := range c.Sweeper.Queues {
		if p := c.Providers.For(q); p == nil || !p.Enabled {
			errs = append(errs, &ConfigurationError{
				Field:  "SWEEPER_QUEUES",
				Reason: fmt.Sprintf("queue %q has no enabled provider", q),
			})
		}
	}

	return errors.Join(errs...)
}

// splitsMemoryStore reports whether the enabled services only make sense
// when another process shares the store. A memory store is private to the
// process, so the HTTP API and the workers must run together.
func (c *AppConfig) splitsMemoryStore() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP] != (services[ServiceModeRunner] || services[ServiceModePipelineRunner])
}

// detectDevMode checks both DEV and GO_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		goEnv := strings.ToLower(os.Getenv("GO_ENV"))
		c.IsDev = goEnv == "development" || goEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool { return c.serviceEnabled(ServiceModeHTTP) }

// IsRunnerEnabled returns true if the pending job runner is enabled.
func (c *AppConfig) IsRunnerEnabled() bool { return c.serviceEnabled(ServiceModeRunner) }

// IsSweeperEnabled returns true if the sweep poller is enabled.
func (c *AppConfig) IsSweeperEnabled() bool { return c.serviceEnabled(ServiceModeSweeper) }

// IsPipelineRunnerEnabled returns true if the pipeline runner is enabled.
func (c *AppConfig) IsPipelineRunnerEnabled() bool { return c.serviceEnabled(ServiceModePipelineRunner) }

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool { return c.serviceEnabled(ServiceModeReaper) }
