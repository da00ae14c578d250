package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobtrackd/jobtrackd/config"
	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/data"
	"github.com/jobtrackd/jobtrackd/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Lifecycle *service.JobLifecycleService
	Webhooks  *service.WebhookService
	Delivery  *service.DeliveryService
	Sweeper   *service.SweeperService
	Cache     *core.JobCache
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB           *sql.DB
	JobRepo      *data.JobRepo
	WebhookRepo  *data.WebhookRepo
	DeliveryRepo *data.DeliveryRepo
	CacheRepo    core.CacheRepository
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redisClient redis.UniversalClient) *serviceRepositories {
	repos := &serviceRepositories{
		DB:           db,
		JobRepo:      data.NewJobRepo(db, data.JobRepoConfig{}),
		WebhookRepo:  data.NewWebhookRepo(db),
		DeliveryRepo: data.NewDeliveryRepo(db),
	}
	if redisClient != nil {
		repos.CacheRepo = data.NewRedisCacheRepo(redisClient)
	}
	return repos
}

func newJobCache(repos *serviceRepositories, cfg config.CacheConfig, logger *slog.Logger) *core.JobCache {
	cacheCfg := core.DefaultJobCacheConfig()
	if cfg.JobTTL > 0 {
		cacheCfg.TTL = cfg.JobTTL
	}
	return core.NewJobCache(core.JobCacheOptions{
		Cache:  repos.CacheRepo,
		Config: cacheCfg,
		Logger: logger,
	})
}

// NewServices wires repositories into the business services.
func NewServices(deps *ServiceDeps) ServiceContainer {
	if deps == nil {
		return ServiceContainer{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	appCfg := deps.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
		appCfg.Sanitize()
	}

	repos := buildRepositories(deps.DB, deps.RedisClient)
	cache := newJobCache(repos, appCfg.Cache, logger)

	delivery := service.MustNewDeliveryService(service.DeliveryServiceOptions{
		Webhooks:   repos.WebhookRepo,
		Deliveries: repos.DeliveryRepo,
		Config:     appCfg.Delivery,
		Logger:     logger,
	})

	lifecycle := service.MustNewJobLifecycleService(service.JobLifecycleServiceOptions{
		Jobs:   repos.JobRepo,
		Cache:  cache,
		Events: delivery,
		Logger: logger,
	})

	webhooks := service.MustNewWebhookService(service.WebhookServiceOptions{
		Webhooks: repos.WebhookRepo,
		Logger:   logger,
	})

	sweeper := service.MustNewSweeperService(service.SweeperServiceOptions{
		Jobs:       repos.JobRepo,
		Deliveries: repos.DeliveryRepo,
		Cache:      cache,
		Config:     appCfg.Sweeper,
		Logger:     logger,
	})

	return ServiceContainer{
		Lifecycle: lifecycle,
		Webhooks:  webhooks,
		Delivery:  delivery,
		Sweeper:   sweeper,
		Cache:     cache,
	}
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

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
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
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

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		{
			mode: config.ServiceModeDispatcher,
			name: "webhook dispatcher",
			start: func(ctx context.Context) error {
				return deps.cfg.Services.Delivery.Run(ctx)
			},
		},
		{
			mode: config.ServiceModeSweeper,
			name: "expiry sweeper",
			start: func(ctx context.Context) error {
				return deps.cfg.Services.Sweeper.Run(ctx)
			},
		},
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

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: handles,
	})
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range []config.ServiceMode{config.ServiceModeDispatcher, config.ServiceModeSweeper} {
		if enabled[mode] {
			count++
		}
	}
	if count < 1 {
		return 1
	}
	return count + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
