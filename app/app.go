// Package app verdrahtet Datenbank, Provider und Services für Server und CLI.
package app

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"geo-harvest/config"
	"geo-harvest/models"
	"geo-harvest/providers/nominatim"
	"geo-harvest/providers/openalex"
	"geo-harvest/services"
	"geo-harvest/storage"
)

// App hält alle Services eines Prozesses.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *gorm.DB

	Actor        *models.User
	Tracker      *services.Tracker
	Writer       *services.Writer
	Harvester    *services.HarvestService
	Synchronizer *services.Synchronizer
	Cache        *services.CacheService
	Scheduler    *services.Scheduler
}

// OpenDB verbindet sich mit der PostgreSQL-Datenbank.
func OpenDB(cfg *config.Config) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// New migriert das Schema, liest die Quellen-Registry ein und baut alle Services.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB, log *zap.Logger) (*App, error) {
	log.Info("Running database auto-migration...")
	if err := models.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if cfg.SourcesFile != "" {
		entries, err := LoadSources(cfg.SourcesFile)
		if err != nil {
			return nil, err
		}
		if err := SeedSources(ctx, db, log, entries); err != nil {
			return nil, err
		}
	}

	actor, err := services.ResolveSystemActor(ctx, db)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: log, DB: db, Actor: actor}
	a.Tracker = services.NewTracker(db, log)
	a.Writer = services.NewWriter(db, actor, log, services.MetricsHook(), services.LogHook(log))
	a.Harvester = services.NewHarvestService(cfg, db, log, a.Tracker, a.Writer)

	var geocoder services.Geocoder
	if !cfg.GeocoderDisabled {
		geocoder = nominatim.NewGeocoder(cfg.NominatimURL, cfg.UserAgent, cfg.GeocoderTimeout, log)
	}
	guard := services.NewAddressGuard(cfg.AllowPrivateEndpoints)
	var clientOpts []openalex.Option
	if !cfg.AllowPrivateEndpoints {
		clientOpts = append(clientOpts, openalex.WithTargetCheck(guard.Check), openalex.WithDialControl(guard.Control))
	}
	client := openalex.NewClient(cfg.OpenAlexBaseURL, cfg.OpenAlexMailto, cfg.HTTPTimeout, cfg.OpenAlexMaxRetries, log, clientOpts...)
	a.Synchronizer = services.NewSynchronizer(db, log, client, geocoder, guard, cfg.SyncDelay)

	var publisher services.SnapshotPublisher
	if cfg.S3Enabled() {
		s3Client, err := storage.NewS3Client(cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		publisher = storage.NewS3Publisher(s3Client, cfg, log)
		log.Info("Export-Snapshots werden nach S3 hochgeladen", zap.String("bucket", cfg.S3Bucket))
	}
	a.Cache = services.NewCacheService(db, log, cfg.ExportDir, publisher)
	a.Cache.KeepSnapshots = cfg.ExportKeepSnapshots
	a.Scheduler = services.NewScheduler(db, log)
	return a, nil
}

// Schedules liefert die Standard-Zeitpläne je Job-Art aus der Konfiguration.
func (a *App) Schedules() map[string]string {
	return map[string]string{
		services.JobRegenerateExports: a.Config.CacheSchedule(),
		services.JobHarvestSources:    a.Config.HarvestSchedule,
		services.JobSyncSources:       a.Config.SyncSchedule,
	}
}

// EnsureSchedules legt fehlende persistente Jobs an und liefert die neu angelegten Namen.
func (a *App) EnsureSchedules(ctx context.Context) ([]string, error) {
	schedules := a.Schedules()
	kinds := make([]string, 0, len(schedules))
	for kind := range schedules {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var created []string
	for _, kind := range kinds {
		ok, err := a.Scheduler.Ensure(ctx, kind, schedules[kind])
		if err != nil {
			return created, fmt.Errorf("ensure %s: %w", kind, err)
		}
		if ok {
			created = append(created, kind)
		}
	}
	return created, nil
}

// Jobs liefert die ausführbaren Jobs je Art für den Scheduler.
func (a *App) Jobs() map[string]services.JobFunc {
	return map[string]services.JobFunc{
		services.JobRegenerateExports: func(ctx context.Context) {
			if _, err := a.Cache.RegenerateAll(ctx); err != nil {
				a.Logger.Error("Cron job failed", zap.String("job", services.JobRegenerateExports), zap.Error(err))
			}
		},
		services.JobHarvestSources: func(ctx context.Context) {
			if _, err := a.Harvester.RunForAllSources(ctx); err != nil {
				a.Logger.Error("Cron job failed", zap.String("job", services.JobHarvestSources), zap.Error(err))
			}
		},
		services.JobSyncSources: func(ctx context.Context) {
			if _, err := a.Synchronizer.Sweep(ctx); err != nil {
				a.Logger.Error("Cron job failed", zap.String("job", services.JobSyncSources), zap.Error(err))
			}
		},
	}
}

// StartScheduler stellt die Standard-Jobs sicher, registriert alle persistierten Jobs und startet den Scheduler.
func (a *App) StartScheduler(ctx context.Context) error {
	if _, err := a.EnsureSchedules(ctx); err != nil {
		return err
	}
	n, err := a.Scheduler.LoadPersisted(ctx, a.Jobs())
	if err != nil {
		return err
	}
	a.Logger.Info("Geplante Jobs registriert", zap.Int("jobs", n), zap.Strings("names", a.Scheduler.Names()))
	a.Scheduler.Start()
	return nil
}
