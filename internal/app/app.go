package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thandden/mediaserver/internal/daemons"
	"github.com/thandden/mediaserver/internal/data/repos"
	"github.com/thandden/mediaserver/internal/db"
	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/dto"
	"github.com/thandden/mediaserver/internal/jobs"
	"github.com/thandden/mediaserver/internal/platform/config"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
	"github.com/thandden/mediaserver/internal/platform/logger"
	"github.com/thandden/mediaserver/internal/platform/tmdb"
	"github.com/thandden/mediaserver/internal/services"
	"github.com/thandden/mediaserver/internal/workers"
)

// shutdownBudget bounds how long Run waits for the dispatchers after a
// shutdown signal before giving up.
const shutdownBudget = 10 * time.Second

// App wires the store, registries and both dispatchers. The store handle is
// constructed once here and injected everywhere; nothing reaches for a
// global.
type App struct {
	Cfg   *config.Config
	Log   *logger.Logger
	Store *db.Store

	JobRepo     repos.JobRepo
	ServiceRepo repos.ServiceRepo

	jobDispatcher     *jobs.Dispatcher
	serviceDispatcher *services.Dispatcher
}

func New(cfg *config.Config) (*App, error) {
	var sink *logger.FileSink
	if cfg.LogToFile {
		sink = &logger.FileSink{Path: cfg.LogFilePath}
	}
	logg, err := logger.NewWithSink(cfg.Env, cfg.LogLevel, sink)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logg)
	if err != nil {
		return nil, err
	}

	jobRepo := repos.NewJobRepo(store.DB(), logg)
	serviceRepo := repos.NewServiceRepo(store.DB(), logg)

	workerRegistry, err := buildWorkerRegistry(cfg, store, logg, serviceRepo)
	if err != nil {
		return nil, err
	}
	serviceRegistry, err := buildServiceRegistry(cfg, store, logg, jobRepo)
	if err != nil {
		return nil, err
	}

	// Fail fast on wiring gaps before any row can be claimed.
	if err := workerRegistry.Validate(domain.JobTypes()); err != nil {
		return nil, err
	}
	if err := serviceRegistry.Validate(domain.ServiceTypes()); err != nil {
		return nil, err
	}

	return &App{
		Cfg:         cfg,
		Log:         logg,
		Store:       store,
		JobRepo:     jobRepo,
		ServiceRepo: serviceRepo,
		jobDispatcher: jobs.NewDispatcher(
			logg, jobRepo, workerRegistry,
			cfg.JobPollInterval, cfg.JobMaxConcurrent,
		),
		serviceDispatcher: services.NewDispatcher(
			logg, serviceRepo, serviceRegistry,
			cfg.ServiceHeartbeatInterval, cfg.ServiceMaxConcurrent,
		),
	}, nil
}

func buildWorkerRegistry(cfg *config.Config, store *db.Store, logg *logger.Logger, serviceRepo repos.ServiceRepo) (*jobs.Registry, error) {
	tmdbClient := tmdb.NewClient(cfg.TMDBAPIURL, cfg.TMDBAPIKey, logg)
	handle := store.DB()

	registry := jobs.NewRegistry()
	factories := []jobs.WorkerFactory{
		func() jobs.Worker { return workers.NewMediaScanner(handle, logg, serviceRepo) },
		func() jobs.Worker { return workers.NewFileMatcher(handle, logg) },
		func() jobs.Worker { return workers.NewMetadataMatcher(handle, logg, tmdbClient) },
		func() jobs.Worker { return workers.NewMovieMatcher(handle, logg, tmdbClient) },
		func() jobs.Worker { return workers.NewTVMatcher(handle, logg, tmdbClient) },
		func() jobs.Worker { return workers.NewFFProbe(handle, logg) },
		func() jobs.Worker { return workers.NewImageDownloader(handle, logg, tmdbClient, cfg.ImageDirectory) },
		func() jobs.Worker { return workers.NewTranscoder(handle, logg, cfg.TranscodeDirectory) },
	}
	for _, f := range factories {
		if err := registry.Register(f); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildServiceRegistry(cfg *config.Config, store *db.Store, logg *logger.Logger, jobRepo repos.JobRepo) (*services.Registry, error) {
	handle := store.DB()

	registry := services.NewRegistry()
	factories := []services.ImplFactory{
		func() services.Impl { return daemons.NewCleanup(handle, logg) },
		func() services.Impl { return daemons.NewWatchDog(handle, logg, jobRepo) },
		func() services.Impl {
			return daemons.NewMetricsCollector(logg, cfg.MediaDirectory, cfg.TranscodeDirectory)
		},
	}
	for _, f := range factories {
		if err := registry.Register(f); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (a *App) Migrate() error {
	return a.Store.AutoMigrateAll()
}

// SeedDefaultServices inserts the default service rows when absent. The
// uniqueness constraint on service_type makes concurrent boots safe.
func (a *App) SeedDefaultServices(ctx context.Context) error {
	a.Log.Info("Checking for default services")

	cleanupParams, err := json.Marshal(dto.CleanupParams{CleanupInterval: 300})
	if err != nil {
		return err
	}
	metricsParams, err := json.Marshal(dto.MetricsCollectorParams{SampleInterval: 60})
	if err != nil {
		return err
	}

	defaults := []*domain.Service{
		{
			ServiceType: domain.ServiceTypeCleanup,
			Status:      domain.ServiceStatusInactive,
			Command:     domain.ServiceCommandStart,
			Parameters:  cleanupParams,
		},
		{
			ServiceType: domain.ServiceTypeMetricsCollector,
			Status:      domain.ServiceStatusInactive,
			Command:     domain.ServiceCommandStart,
			Parameters:  metricsParams,
		},
	}
	for _, svc := range defaults {
		if err := a.ServiceRepo.SeedDefault(dbctx.Context{Ctx: ctx}, svc); err != nil {
			return fmt.Errorf("seed default service %s: %w", svc.ServiceType, err)
		}
	}
	return nil
}

// Run migrates, seeds and drives both dispatchers until ctx is cancelled,
// then waits out the shutdown budget.
func (a *App) Run(ctx context.Context) error {
	if err := a.Migrate(); err != nil {
		return err
	}
	if err := a.SeedDefaultServices(ctx); err != nil {
		return err
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.jobDispatcher.Run(runCtx) })
	g.Go(func() error { return a.serviceDispatcher.Run(runCtx) })

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
	}

	a.Log.Info("Shutting down")
	select {
	case err := <-waitErr:
		return err
	case <-time.After(shutdownBudget):
		a.Log.Warn("Dispatchers did not stop within the shutdown budget")
		return fmt.Errorf("shutdown timed out after %s", shutdownBudget)
	}
}

func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.Log.Warn("Failed to close store", "error", err)
	}
	a.Log.Sync()
}
