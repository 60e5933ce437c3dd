package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-dbp/config"
	"github.com/target/mmk-dbp/internal/adapters/backend"
	"github.com/target/mmk-dbp/internal/adapters/browser"
	"github.com/target/mmk-dbp/internal/adapters/captcha"
	"github.com/target/mmk-dbp/internal/adapters/cookies"
	"github.com/target/mmk-dbp/internal/adapters/email"
	"github.com/target/mmk-dbp/internal/adapters/evidence"
	redisadapter "github.com/target/mmk-dbp/internal/adapters/redis"
	schedrunner "github.com/target/mmk-dbp/internal/adapters/scheduler"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/action"
	"github.com/target/mmk-dbp/internal/observability/notify/slack"
	"github.com/target/mmk-dbp/internal/observability/statsd"
	"github.com/target/mmk-dbp/internal/service"
	"github.com/target/mmk-dbp/internal/service/failurenotifier"
)

const shutdownWaitTimeout = 30 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Agent         *service.Agent
	Queue         *service.QueueManager
	Brokers       *service.BrokerUpdater // nil when no broker directory is configured
	Scheduler     *schedrunner.Runner
	Observability ObservabilityContainer
}

// Close releases resources owned by the container.
func (c ServiceContainer) Close() error {
	if c.Observability.MetricsSink == nil {
		return nil
	}
	return c.Observability.MetricsSink.Close()
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
	Telemetry       *service.TelemetrySink
}

// metrics returns the sink as an interface, nil when metrics are off.
//
//nolint:ireturn // statsd.Sink keeps consumers independent of the UDP client.
func (o ObservabilityContainer) metrics() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	Store       core.Database
	RedisClient redis.UniversalClient
	// BrokerSource overrides the broker directory from config.
	BrokerSource fs.FS
	// Surfaces overrides the chromedp-backed browser factory.
	Surfaces core.SurfaceFactory
	Logger   *slog.Logger
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Address:       cfg.Metrics.StatsdAddress,
			Prefix:        cfg.Metrics.Prefix,
			GlobalTags:    map[string]string{"service": cfg.ServiceName},
			FlushInterval: cfg.Metrics.FlushInterval,
			Logger:        obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	failureNotifier := buildFailureNotifier(obsLogger, cfg.Notifications)

	o := ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: failureNotifier,
		NotifierConfig:  cfg.Notifications,
	}
	o.Telemetry = service.NewTelemetrySink(service.TelemetrySinkOptions{
		Metrics:  o.metrics(),
		Notifier: failureNotifier,
		Logger:   obsLogger,
	})
	return o
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 1)
	if cfg.Enabled && cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		Sinks:  sinks,
	})
}

func backendConfig(baseURL string, timeout time.Duration, auth config.OAuthClientConfig) backend.Config {
	return backend.Config{
		BaseURL: baseURL,
		Timeout: timeout,
		Auth: backend.AuthConfig{
			TokenURL:     auth.TokenURL,
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			Scopes:       auth.Scopes,
		},
	}
}

// buildInterpreter wires the action interpreter to whichever backends are configured.
func buildInterpreter(cfg *config.AppConfig, logger *slog.Logger) (*action.Interpreter, error) {
	opts := action.Options{Logger: logger}

	if cfg.Captcha.IsConfigured() {
		client, err := captcha.NewClient(captcha.Options{
			Backend:        backendConfig(cfg.Captcha.BaseURL, cfg.Captcha.Timeout, cfg.Captcha.OAuth),
			SubmitRetries:  cfg.Captcha.SubmitRetries,
			SubmitInterval: cfg.Captcha.SubmitInterval,
			PollInterval:   cfg.Captcha.PollInterval,
			PollTimeout:    cfg.Captcha.PollTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create captcha client: %w", err)
		}
		opts.Captcha = client
	} else {
		logger.Warn("captcha backend not configured; brokers requiring captchas will fail")
	}

	if cfg.Email.IsConfigured() {
		client, err := email.NewClient(email.Options{
			Backend:      backendConfig(cfg.Email.BaseURL, cfg.Email.Timeout, cfg.Email.OAuth),
			PollInterval: cfg.Email.PollInterval,
			PollTimeout:  cfg.Email.PollTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create email client: %w", err)
		}
		opts.Email = client
	} else {
		logger.Warn("email backend not configured; brokers requiring email confirmation will fail")
	}

	if cfg.Evidence.Dir != "" {
		store, err := evidence.NewFileStore(evidence.FileStoreOptions{Dir: cfg.Evidence.Dir, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("create evidence store: %w", err)
		}
		opts.Evidence = store
	}

	return action.NewInterpreter(opts), nil
}

// NewServices builds the job engine and its collaborators.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	if deps.Store == nil {
		return ServiceContainer{}, errors.New("store is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	obs := buildObservability(logger, cfg.Observability)

	interpreter, err := buildInterpreter(cfg, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	surfaces := deps.Surfaces
	if surfaces == nil {
		surfaces = browser.NewFactory(browser.Options{
			Headless:           cfg.Browser.Headless,
			ExecPath:           cfg.Browser.ChromePath,
			UserAgent:          cfg.Browser.UserAgent,
			LoadTimeout:        cfg.Browser.LoadTimeout,
			FakeBrokerUser:     cfg.Agent.FakeBrokerUser,
			FakeBrokerPassword: cfg.Agent.FakeBrokerPassword,
			Logger:             logger,
		})
	}

	runner, err := service.NewOperationRunner(service.OperationRunnerOptions{
		DB:       deps.Store,
		Surfaces: surfaces,
		Executor: interpreter,
		Cookies:  cookies.NewFetcher(cookies.Options{UserAgent: cfg.Browser.UserAgent, Logger: logger}),
		Events:   obs.Telemetry,
		Metrics:  obs.metrics(),
		Logger:   logger,
		Config: service.RunnerConfig{
			ActionTimeout:  cfg.Agent.ActionTimeout,
			ClickAwaitTime: cfg.Agent.ClickAwaitTime,
			ScanRetries:    cfg.Agent.ScanRetries,
			OptOutRetries:  cfg.Agent.OptOutRetries,
			RetryWait:      cfg.Agent.RetryWait,
		},
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create operation runner: %w", err)
	}

	creator, err := service.NewOperationsCreator(deps.Store)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create operations creator: %w", err)
	}

	mismatches, err := service.NewMismatchCalculator(service.MismatchCalculatorOptions{
		DB:     deps.Store,
		Events: obs.Telemetry,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create mismatch calculator: %w", err)
	}

	brokers, err := buildBrokerUpdater(deps, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	queueOpts := service.QueueManagerOptions{
		Operations: creator,
		Runner:     runner,
		Mismatches: mismatches,
		Events:     obs.Telemetry,
		Metrics:    obs.metrics(),
		Logger:     logger,
		Concurrency: service.Concurrency{
			Scan:   cfg.Agent.ScanConcurrency,
			OptOut: cfg.Agent.OptOutConcurrency,
			All:    cfg.Agent.AllConcurrency,
		},
	}
	if brokers != nil {
		queueOpts.Brokers = brokers
	}
	if deps.RedisClient != nil {
		queueOpts.RunLock = redisadapter.NewRunLock(deps.RedisClient, redisadapter.RunLockOptions{
			Prefix: cfg.Agent.RunLockPrefix,
			TTL:    cfg.Redis.LockTTL,
		})
	}
	queue, err := service.NewQueueManager(queueOpts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create queue manager: %w", err)
	}

	agent, err := service.NewAgent(service.AgentOptions{
		DB:         deps.Store,
		Queue:      queue,
		Operations: creator,
		Runner:     runner,
		Mismatches: mismatches,
		Logger:     logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create agent: %w", err)
	}

	scheduler, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		Spec:       cfg.Scheduler.Spec,
		RunOnStart: cfg.Scheduler.RunOnStart,
		Trigger:    agent.ScheduledTick,
		Logger:     logger,
		Metrics:    obs.metrics(),
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create scheduler: %w", err)
	}

	return ServiceContainer{
		Agent:         agent,
		Queue:         queue,
		Brokers:       brokers,
		Scheduler:     scheduler,
		Observability: obs,
	}, nil
}

func buildBrokerUpdater(deps *ServiceDeps, logger *slog.Logger) (*service.BrokerUpdater, error) {
	source := deps.BrokerSource
	if source == nil && deps.Config.Brokers.Dir != "" {
		source = os.DirFS(deps.Config.Brokers.Dir)
	}
	if source == nil {
		logger.Warn("no broker directory configured; broker definitions will not be refreshed")
		return nil, nil
	}

	opts := service.BrokerUpdaterOptions{
		DB:       deps.Store,
		Source:   source,
		Interval: deps.Config.Brokers.UpdateInterval,
		Logger:   logger,
	}
	if deps.RedisClient != nil {
		opts.Throttle = redisadapter.NewThrottle(deps.RedisClient, "dbp:throttle:")
	}
	updater, err := service.NewBrokerUpdater(opts)
	if err != nil {
		return nil, fmt.Errorf("create broker updater: %w", err)
	}
	return updater, nil
}

// ServiceOrchestrationConfig contains everything needed to run the enabled services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// serviceStartupDeps groups dependencies for starting services.
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
		Config: deps.cfg.Config,
		Agent:  deps.cfg.Services.Agent,
		Logger: deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
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
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}

	return handles
}

// newAgentBackgroundService refreshes broker definitions once, then holds the
// queue open until shutdown and drains it.
func newAgentBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeAgent,
		name: "agent",
		start: func(ctx context.Context) error {
			svcs := deps.cfg.Services
			if svcs.Brokers != nil {
				if n, err := svcs.Brokers.Update(ctx); err != nil {
					deps.logger.ErrorContext(ctx, "initial broker update failed", "error", err)
				} else {
					deps.logger.InfoContext(ctx, "broker definitions loaded", "updated", n)
				}
			}

			<-ctx.Done()

			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
			defer cancel()
			if err := svcs.Queue.Shutdown(drainCtx); err != nil {
				return fmt.Errorf("drain queue: %w", err)
			}
			return nil
		},
	}
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		start: func(ctx context.Context) error {
			return deps.cfg.Services.Scheduler.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newAgentBackgroundService(deps),
		newSchedulerBackgroundService(deps),
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
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Services.Agent == nil || cfg.Services.Queue == nil || cfg.Services.Scheduler == nil {
		return errors.New("service orchestration config missing services")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

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

// waitForShutdown waits for shutdown signal or service error.
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

// gracefulStop stops accepting HTTP requests first so no new batch starts,
// then cancels background services and waits for them.
func gracefulStop(cfg shutdownConfig) error {
	var stopErr error
	if cfg.httpServer != nil {
		stopErr = ShutdownHTTPServer(ShutdownConfig{
			Context: context.Background(),
			Server:  cfg.httpServer,
			Logger:  cfg.logger,
		})
	}

	cfg.cancel()
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return stopErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout + 5*time.Second):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
