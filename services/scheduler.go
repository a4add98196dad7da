package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"geo-harvest/models"
)

// Job-Arten; der Name eines persistierten Jobs entspricht seiner Art.
const (
	JobRegenerateExports = "regenerate_exports"
	JobHarvestSources    = "harvest_sources"
	JobSyncSources       = "sync_sources"
)

// JobFunc ist eine wiederkehrende Aufgabe.
type JobFunc func(ctx context.Context)

// cronLogger leitet robfig/cron-Logs an zap weiter.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler registriert wiederkehrende Jobs genau einmal pro Jobname.
// Ein Job, der noch läuft, wird beim nächsten Takt übersprungen; Panics werden abgefangen.
type Scheduler struct {
	DB     *gorm.DB
	Logger *zap.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler erstellt einen Scheduler. db darf nil sein, wenn keine Persistenz gebraucht wird.
func NewScheduler(db *gorm.DB, logger *zap.Logger) *Scheduler {
	cl := cronLogger{log: logger.Sugar()}
	return &Scheduler{
		DB:     db,
		Logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: map[string]cron.EntryID{},
	}
}

// Register plant job unter name ein. Ist name bereits registriert, passiert nichts
// und Register liefert false.
func (s *Scheduler) Register(name, spec string, job JobFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return false, nil
	}
	log := s.Logger.With(zap.String("job", name))
	id, err := s.cron.AddJob(spec, cron.FuncJob(func() {
		log.Info("Geplanter Job startet")
		job(context.Background())
		log.Info("Geplanter Job beendet")
	}))
	if err != nil {
		return false, fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.entries[name] = id
	return true, nil
}

// Ensure legt den persistenten Eintrag für kind an, falls er fehlt. Ein vorhandener
// Eintrag bleibt unverändert.
func (s *Scheduler) Ensure(ctx context.Context, kind, spec string) (bool, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return false, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	var existing models.ScheduledJob
	err := s.DB.WithContext(ctx).Where("name = ?", kind).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	// Zwei Prozesse können gleichzeitig starten; der Unique-Index auf name entscheidet.
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&models.ScheduledJob{Name: kind, Kind: kind, Spec: spec})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// LoadPersisted registriert alle persistierten Jobs, deren Art in jobs bekannt ist.
func (s *Scheduler) LoadPersisted(ctx context.Context, jobs map[string]JobFunc) (int, error) {
	var rows []models.ScheduledJob
	if err := s.DB.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return 0, err
	}
	n := 0
	for _, row := range rows {
		fn, ok := jobs[row.Kind]
		if !ok {
			s.Logger.Warn("Unbekannte Job-Art", zap.String("job", row.Name), zap.String("kind", row.Kind))
			continue
		}
		added, err := s.Register(row.Name, row.Spec, fn)
		if err != nil {
			s.Logger.Error("Job konnte nicht geplant werden", zap.String("job", row.Name), zap.Error(err))
			continue
		}
		if added {
			n++
		}
	}
	return n, nil
}

// Names liefert die registrierten Jobnamen sortiert.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start startet den Scheduler im Hintergrund.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop hält den Scheduler an; der Kontext endet, wenn laufende Jobs fertig sind.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
