package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/core"
	"github.com/target/mmk-orchestrator/internal/data"
	"github.com/target/mmk-orchestrator/internal/domain/model"
	"github.com/target/mmk-orchestrator/internal/observability/statsd"
	"github.com/target/mmk-orchestrator/internal/provider"
	"github.com/target/mmk-orchestrator/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Store        core.JobStore
	Pipelines    core.PipelineRepository
	Deliveries   core.CallbackDeliveryRepository
	ReaperRepo   core.ReaperRepository
	Registry     *provider.Registry
	Callbacks    *service.CallbackDispatcher
	Orchestrator *service.Orchestrator
	Jobs         *service.JobService
	PipelineSvc  *service.PipelineService
	Sweeper      *service.SweepService

	// Queues lists the queue types with an enabled provider.
	Queues        []model.QueueType
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	// MetricsSink is nil when metrics are disabled.
	MetricsSink   statsd.Sink
	client        *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// Close releases the metrics connection.
func (o ObservabilityContainer) Close() error {
	return o.client.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB               // Required for the postgres store driver
	RedisClient redis.UniversalClient // Optional: clientId fast path
	Logger      *slog.Logger
	// TimeProvider overrides the store clock; tests only.
	TimeProvider data.TimeProvider
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Store       core.JobStore
	Pipelines   core.PipelineRepository
	Deliveries  core.CallbackDeliveryRepository
	Reaper      core.ReaperRepository
	Idempotency core.IdempotencyStore
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	out := ObservabilityContainer{MetricsConfig: cfg.Metrics}
	if !cfg.Metrics.IsEnabled() {
		return out
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled: true,
		Address: cfg.Metrics.StatsdAddress,
		Prefix:  cfg.Metrics.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return out
	}
	out.client = client
	out.MetricsSink = client
	return out
}

// buildRepositories selects the store backend; no business rules here.
func buildRepositories(deps *ServiceDeps) (*serviceRepositories, error) {
	cfg := deps.Config
	repoCfg := data.RepoConfig{
		DefaultMaxRetries: cfg.Store.DefaultMaxRetries,
		Logger:            deps.Logger,
		TimeProvider:      deps.TimeProvider,
	}

	repos := &serviceRepositories{}
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		mem := data.NewMemoryJobStore(repoCfg)
		repos.Store = mem
		repos.Pipelines = mem.Pipelines()
		repos.Deliveries = mem
		repos.Reaper = mem
	case config.StoreDriverPostgres:
		if deps.DB == nil {
			return nil, errors.New("postgres store requires a database connection")
		}
		jobs := data.NewJobRepo(deps.DB, repoCfg)
		repos.Store = jobs
		repos.Pipelines = data.NewPipelineRepo(deps.DB, repoCfg)
		repos.Deliveries = data.NewCallbackDeliveryRepo(deps.DB)
		repos.Reaper = jobs
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if deps.RedisClient != nil {
		idem, err := data.NewRedisIdempotencyStore(deps.RedisClient)
		if err != nil {
			return nil, fmt.Errorf("redis idempotency store: %w", err)
		}
		repos.Idempotency = idem
	} else {
		repos.Idempotency = data.NewMemoryIdempotencyStore(deps.TimeProvider)
	}
	return repos, nil
}

// buildRegistry creates one adapter per enabled provider.
func buildRegistry(cfg *config.AppConfig, logger *slog.Logger) (*provider.Registry, []model.QueueType, error) {
	queues := cfg.Providers.Enabled()
	adapters := make([]provider.Adapter, 0, len(queues))
	for _, q := range queues {
		pc := cfg.Providers.For(q)
		adapter, err := provider.New(q, provider.ClientConfig{
			BaseURL:   pc.BaseURL,
			APIKey:    pc.APIKey,
			Timeout:   pc.Timeout,
			RateLimit: pc.RateLimit,
			RateBurst: pc.RateBurst,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, adapter)
	}
	registry, err := provider.NewRegistry(adapters...)
	if err != nil {
		return nil, nil, err
	}
	return registry, queues, nil
}

func queuePolicies(cfg *config.AppConfig, queues []model.QueueType) map[model.QueueType]service.QueuePolicy {
	policies := make(map[model.QueueType]service.QueuePolicy, len(queues))
	for _, q := range queues {
		policies[q] = service.QueuePolicyFromConfig(*cfg.Providers.For(q))
	}
	return policies
}

func sweepQueues(cfg *config.AppConfig, enabled []model.QueueType) []model.QueueType {
	if len(cfg.Sweeper.Queues) > 0 {
		return append([]model.QueueType(nil), cfg.Sweeper.Queues...)
	}
	return enabled
}

// NewServices wires the store, provider adapters and services.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg := deps.Config
	logger := deps.Logger

	repos, err := buildRepositories(deps)
	if err != nil {
		return ServiceContainer{}, err
	}
	registry, queues, err := buildRegistry(cfg, logger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build provider registry: %w", err)
	}
	observability := buildObservability(logger, cfg.Observability)
	metrics := observability.MetricsSink

	callbacks := service.NewCallbackDispatcher(service.CallbackDispatcherOptions{
		Deliveries:  repos.Deliveries,
		MaxAttempts: cfg.Callback.MaxAttempts,
		Backoff:     cfg.Callback.Backoff,
		Timeout:     cfg.Callback.Timeout,
		Logger:      logger,
		Metrics:     metrics,
	})

	orch, err := service.NewOrchestrator(service.OrchestratorOptions{
		Store:      repos.Store,
		Registry:   registry,
		Policies:   queuePolicies(cfg, queues),
		Callbacks:  callbacks,
		Logger:     logger,
		Metrics:    metrics,
		WaitWindow: cfg.Runner.WaitWindow,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create orchestrator: %w", err)
	}

	jobs := service.MustNewJobService(service.JobServiceOptions{
		Store:          repos.Store,
		Orchestrator:   orch,
		Registry:       registry,
		Idempotency:    repos.Idempotency,
		IdempotencyTTL: cfg.Idempotency.TTL,
		Deliveries:     repos.Deliveries,
		Logger:         logger,
	})

	pipelines, err := service.NewPipelineService(service.PipelineServiceOptions{
		Pipelines:         repos.Pipelines,
		Jobs:              repos.Store,
		Orchestrator:      orch,
		Registry:          registry,
		Callbacks:         callbacks,
		HeartbeatInterval: cfg.PipelineRunner.HeartbeatInterval(),
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create pipeline service: %w", err)
	}

	sweeper, err := service.NewSweepService(service.SweepServiceOptions{
		Store:        repos.Store,
		Orchestrator: orch,
		Queues:       sweepQueues(cfg, queues),
		BatchSize:    cfg.Sweeper.BatchSize,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create sweep service: %w", err)
	}

	return ServiceContainer{
		Store:         repos.Store,
		Pipelines:     repos.Pipelines,
		Deliveries:    repos.Deliveries,
		ReaperRepo:    repos.Reaper,
		Registry:      registry,
		Callbacks:     callbacks,
		Orchestrator:  orch,
		Jobs:          jobs,
		PipelineSvc:   pipelines,
		Sweeper:       sweeper,
		Queues:        queues,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains dependencies for running services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
		ErrCh:    deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeRunner,
		name: "job runner",
		start: func(ctx context.Context) error {
			svc := deps.cfg.Services
			return RunJobRunner(ctx, JobRunnerConfig{
				Store:        svc.Store,
				Orchestrator: svc.Orchestrator,
				Queues:       svc.Queues,
				Config:       deps.cfg.Config.Runner,
				Logger:       deps.logger,
			})
		},
	}
}

func newSweeperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSweeper,
		name: "sweeper",
		start: func(ctx context.Context) error {
			return deps.cfg.Services.Sweeper.Run(ctx)
		},
	}
}

func newPipelineRunnerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModePipelineRunner,
		name: "pipeline runner",
		start: func(ctx context.Context) error {
			svc := deps.cfg.Services
			return RunPipelineRunner(ctx, PipelineRunnerConfig{
				Pipelines: svc.Pipelines,
				Service:   svc.PipelineSvc,
				Config:    deps.cfg.Config.PipelineRunner,
				Logger:    deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			svc := deps.cfg.Services
			return RunReaper(ctx, ReaperConfig{
				Repo:      svc.ReaperRepo,
				Callbacks: svc.Callbacks,
				Logger:    deps.logger,
				Config:    deps.cfg.Config.Reaper,
				Metrics:   svc.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newRunnerBackgroundService(deps),
		newSweeperBackgroundService(deps),
		newPipelineRunnerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	return waitForShutdown(shutdownConfig{
		quit:        quit,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	quit        <-chan os.Signal
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for a shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	select {
	case <-cfg.quit:
		cfg.logger.Info("shutting down services...")
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops accepting requests, then cancels the workers and waits
// for them. In-flight jobs left behind are resumed by the sweeper.
func gracefulStop(cfg shutdownConfig) error {
	var errs []error
	if cfg.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()
		if err := ShutdownHTTPServer(ShutdownConfig{
			Context: shutdownCtx,
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	cfg.cancel()
	deadline := time.After(shutdownWaitTimeout)
	for _, svc := range cfg.backgrounds {
		if !waitForService(svc.done, svc.name, deadline, cfg.logger) {
			break
		}
	}
	return errors.Join(errs...)
}

// waitForService waits for a service to finish until the shared deadline passes.
func waitForService(done <-chan struct{}, name string, deadline <-chan time.Time, logger *slog.Logger) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
		return true
	case <-deadline:
		logger.Warn("timeout waiting for " + name + " to stop")
		return false
	}
}
