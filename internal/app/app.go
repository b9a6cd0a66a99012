// -----------------------------------------------------------------------
// Last Modified: Tuesday, 14th July 2026 9:21:48 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/imago/internal/artifacts"
	"github.com/ternarybob/imago/internal/common"
	"github.com/ternarybob/imago/internal/generator"
	"github.com/ternarybob/imago/internal/interfaces"
	"github.com/ternarybob/imago/internal/models"
	"github.com/ternarybob/imago/internal/queue"
	"github.com/ternarybob/imago/internal/services/events"
	"github.com/ternarybob/imago/internal/services/index"
	"github.com/ternarybob/imago/internal/services/jobs"
	"github.com/ternarybob/imago/internal/services/recovery"
	"github.com/ternarybob/imago/internal/services/resume"
	"github.com/ternarybob/imago/internal/services/scheduler"
	"github.com/ternarybob/imago/internal/storage"
	"github.com/ternarybob/imago/internal/workers"
)

// shutdownGrace bounds how long Close waits for in-flight handlers and
// batches to commit before un-acked messages are left to requeue naturally.
const shutdownGrace = 30 * time.Second

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage and transport
	StorageManager interfaces.StorageManager
	Bus            *queue.Bus

	// Event-driven services
	EventService  interfaces.EventService
	IndexNotifier interfaces.IndexNotifier

	// Job state
	Tracker    *jobs.Tracker
	JobMonitor *jobs.Monitor

	// Pipeline
	ArtifactStore     interfaces.ArtifactStore
	ScanService       interfaces.ScanService
	ResumeCoordinator interfaces.ResumeCoordinator
	RecoveryService   interfaces.RecoveryService
	SchedulerService  interfaces.SchedulerService
	Generator         *generator.Service
	Dispatcher        *queue.Dispatcher
}

// New initializes the application with all dependencies. Nothing consumes
// until Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	ctx := context.Background()

	app.EventService = events.NewService(app.Logger)
	if err := events.SubscribeLoggerToAllEvents(app.EventService, app.Logger); err != nil {
		return nil, fmt.Errorf("failed to subscribe event logger: %w", err)
	}
	app.IndexNotifier = index.NewNotifier(app.EventService, app.Logger)

	app.Tracker = jobs.NewTracker(app.StorageManager.JobStorage(), app.EventService, app.Logger)
	app.JobMonitor = jobs.NewMonitor(app.StorageManager.JobStorage(), app.Tracker, app.EventService, &cfg.Monitor, app.Logger)

	store, err := artifacts.NewStore(&cfg.Artifacts, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	app.ArtifactStore = store

	defaults, err := app.seedRuntimeSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to seed runtime settings: %w", err)
	}
	if err := app.seedLibraries(ctx, defaults.CollectionDefaults()); err != nil {
		return nil, fmt.Errorf("failed to seed libraries: %w", err)
	}

	app.ScanService = workers.NewScanService(
		app.StorageManager.LibraryStorage(),
		app.StorageManager.CollectionStorage(),
		app.Tracker,
		app.Bus,
		app.Logger,
	)
	app.ResumeCoordinator = resume.NewCoordinator(
		app.StorageManager.CollectionStorage(),
		app.Tracker,
		app.Bus,
		app.Logger,
	)
	app.RecoveryService = recovery.NewService(app.Bus, app.EventService, &cfg.Recovery, app.Logger)
	app.SchedulerService = scheduler.NewService(app.ScanService, &cfg.Scheduler, app.Logger)

	app.Generator = generator.NewService(
		app.StorageManager.CollectionStorage(),
		app.StorageManager.SettingsStorage(),
		app.ArtifactStore,
		app.Tracker,
		app.Bus,
		app.EventService,
		&cfg.Batch,
		&cfg.Memory,
		&cfg.Limits,
		app.Logger,
	)

	app.initDispatcher(defaults.CollectionDefaults())

	app.Logger.Info().
		Int("libraries", len(cfg.Libraries)).
		Bool("recovery_enabled", cfg.Recovery.Enabled).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the badger store and the message bus over the same
// database handle.
func (a *App) initStorage() error {
	manager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager

	db := manager.DB().(*badgerhold.Store).Badger()
	bus, err := queue.NewBus(db, &a.Config.Queue, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create message bus: %w", err)
	}
	a.Bus = bus

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initDispatcher binds every pipeline queue to its consumer. The dead-letter
// queue has no handler; the recovery service drains it.
func (a *App) initDispatcher(defaultSettings models.CollectionSettings) {
	collections := a.StorageManager.CollectionStorage()
	libraries := a.StorageManager.LibraryStorage()

	libraryScan := workers.NewLibraryScanWorker(libraries, collections, a.IndexNotifier, a.Tracker, a.Bus, a.Logger)
	collectionCreation := workers.NewCollectionCreationWorker(libraries, collections, a.IndexNotifier, a.Tracker, a.Bus, defaultSettings, a.Logger)
	collectionScan := workers.NewCollectionScanWorker(collections, a.IndexNotifier, a.Tracker, a.Bus, &a.Config.Limits, a.Logger)
	imageWorker := workers.NewImageWorker(collections, a.Tracker, a.Bus, a.Logger)
	bulkWorker := workers.NewBulkWorker(collections, a.ArtifactStore, a.IndexNotifier, a.ResumeCoordinator, a.Tracker, a.Bus, a.Logger)

	d := queue.NewDispatcher(a.Bus, &a.Config.Queue, a.Logger)
	d.RegisterHandler(models.QueueLibraryScan, libraryScan.Handle)
	d.RegisterHandler(models.QueueCollectionCreation, collectionCreation.Handle)
	d.RegisterHandler(models.QueueCollectionScan, collectionScan.Handle)
	d.RegisterHandler(models.QueueImageProcessing, imageWorker.Handle)
	d.RegisterHandler(models.QueueThumbnailGeneration, a.Generator.ThumbnailHandler())
	d.RegisterHandler(models.QueueCacheGeneration, a.Generator.CacheHandler())
	d.RegisterHandler(models.QueueBulkOperation, bulkWorker.Handle)
	a.Dispatcher = d
}

// seedRuntimeSettings persists the render settings from configuration.
// The TOML file is the source of truth: a changed value applies to
// in-flight work after a restart because the generator snapshots settings
// at consumer start.
func (a *App) seedRuntimeSettings(ctx context.Context) (*models.RuntimeSettings, error) {
	settings := &models.RuntimeSettings{
		ThumbnailWidth:  a.Config.Thumbnail.Width,
		ThumbnailHeight: a.Config.Thumbnail.Height,
		CacheWidth:      a.Config.Cache.Width,
		CacheHeight:     a.Config.Cache.Height,
		CacheFormat:     a.Config.Cache.Format,
		CacheQuality:    a.Config.Cache.Quality,
		UpdatedAt:       time.Now(),
	}
	if err := a.StorageManager.SettingsStorage().SaveRuntimeSettings(ctx, settings); err != nil {
		return nil, err
	}

	a.Logger.Debug().
		Int("thumbnail_width", settings.ThumbnailWidth).
		Int("cache_width", settings.CacheWidth).
		Str("cache_format", settings.CacheFormat).
		Msg("Runtime settings seeded from configuration")
	return settings, nil
}

// seedLibraries registers configured library roots, keyed by path so a
// renamed library keeps its id and its collections.
func (a *App) seedLibraries(ctx context.Context, defaults models.CollectionSettings) error {
	libraries := a.StorageManager.LibraryStorage()

	for _, lc := range a.Config.Libraries {
		library, err := libraries.GetByPath(ctx, lc.Path)
		switch {
		case err == nil:
		case errors.Is(err, interfaces.ErrNotFound):
			library = &models.Library{
				ID:       common.NewLibraryID(),
				RootPath: lc.Path,
			}
		default:
			return fmt.Errorf("failed to look up library at %s: %w", lc.Path, err)
		}
		library.Name = lc.Name
		library.AutoScan = lc.AutoScan
		library.DefaultSettings = defaults

		if err := libraries.Upsert(ctx, library); err != nil {
			return fmt.Errorf("failed to register library %s: %w", lc.Name, err)
		}
		a.Logger.Info().
			Str("library_id", library.ID).
			Str("name", library.Name).
			Str("path", library.RootPath).
			Bool("auto_scan", library.AutoScan).
			Msg("Library registered")
	}
	return nil
}

// Start begins consuming. The generator starts before the dispatcher so its
// settings snapshot exists before the first delivery; recovery drains the
// dead-letter queue in the background.
func (a *App) Start(ctx context.Context) error {
	if err := a.Generator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start generator: %w", err)
	}
	if err := a.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	a.JobMonitor.Start()

	if a.Config.Recovery.Enabled {
		common.SafeGo(a.Logger, "dlq-recovery", func() {
			summary, err := a.RecoveryService.Run(ctx)
			if err != nil {
				a.Logger.Warn().Err(err).Msg("Dead-letter recovery failed")
				return
			}
			a.Logger.Info().
				Int("recovered", summary.Recovered).
				Int("skipped", summary.Skipped).
				Float64("duration_sec", summary.Elapsed.Seconds()).
				Msg("Dead-letter recovery finished")
		})
	}

	if a.Config.Scheduler.Enabled {
		if err := a.SchedulerService.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	a.Logger.Info().Msg("Pipeline started")
	return nil
}

// Close shuts the pipeline down: stop intake, drain in-flight work, then
// close storage.
func (a *App) Close() error {
	if a.SchedulerService != nil && a.SchedulerService.IsRunning() {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Stop(shutdownGrace)
	}

	// After the dispatcher no new tasks arrive; drain buffered batches.
	if a.Generator != nil {
		a.Generator.Stop()
	}

	if a.JobMonitor != nil {
		a.JobMonitor.Stop()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close message bus")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage manager")
			return err
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
