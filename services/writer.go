package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"geo-harvest/models"
)

// Outcome ist das Ergebnis der Verarbeitung eines Entwurfs.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeErrored Outcome = "errored"
)

// ErrEventNotActive meldet einen Schreibversuch außerhalb eines laufenden Events.
var ErrEventNotActive = errors.New("harvesting event is not in progress")

// PostWriteHook wird synchron nach jedem Anlegen oder Aktualisieren eines Werks aufgerufen.
type PostWriteHook func(ctx context.Context, work *models.Work, outcome Outcome) error

// Writer löst Entwürfe gegen bestehende Werke auf (über die persistente Kennung)
// und schreibt created/updated/skipped mit Herkunftstext und Systemakteur.
type Writer struct {
	DB     *gorm.DB
	Actor  *models.User
	Logger *zap.Logger
	Hooks  []PostWriteHook
}

// NewWriter erstellt einen Writer. actor muss vorher über ResolveSystemActor ermittelt werden.
func NewWriter(db *gorm.DB, actor *models.User, logger *zap.Logger, hooks ...PostWriteHook) *Writer {
	return &Writer{DB: db, Actor: actor, Logger: logger, Hooks: hooks}
}

// Write verarbeitet einen Entwurf im Rahmen des laufenden Events ev.
func (w *Writer) Write(ctx context.Context, ev *models.HarvestingEvent, src *models.Source, d *models.WorkDraft) (Outcome, *models.Work, error) {
	if ev.Status != models.EventInProgress {
		return "", nil, ErrEventNotActive
	}
	db := w.DB.WithContext(ctx)

	// Ohne Kennung ist keine Deduplizierung möglich.
	if d.PersistentID == "" {
		work := w.newWork(ev, src, d)
		if err := db.Create(work).Error; err != nil {
			return "", nil, fmt.Errorf("create work: %w", err)
		}
		w.afterWrite(ctx, work, OutcomeCreated)
		return OutcomeCreated, work, nil
	}

	var existing models.Work
	err := db.Where("persistent_id = ?", d.PersistentID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		work := w.newWork(ev, src, d)
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "persistent_id"}},
			DoNothing: true,
		}).Create(work)
		if res.Error != nil {
			return "", nil, fmt.Errorf("create work %s: %w", d.PersistentID, res.Error)
		}
		if res.RowsAffected == 1 {
			w.afterWrite(ctx, work, OutcomeCreated)
			return OutcomeCreated, work, nil
		}
		// Ein paralleler Lauf war schneller; dessen Zeile gilt.
		if err := db.Where("persistent_id = ?", d.PersistentID).First(&existing).Error; err != nil {
			return "", nil, fmt.Errorf("reload work %s: %w", d.PersistentID, err)
		}
	case err != nil:
		return "", nil, fmt.Errorf("lookup work %s: %w", d.PersistentID, err)
	}

	return w.resolveExisting(ctx, db, ev, src, d, &existing)
}

func (w *Writer) resolveExisting(ctx context.Context, db *gorm.DB, ev *models.HarvestingEvent, src *models.Source, d *models.WorkDraft, existing *models.Work) (Outcome, *models.Work, error) {
	merged := *existing
	mergeDraft(&merged, d)

	before, err := workFingerprint(existing)
	if err != nil {
		return "", nil, err
	}
	after, err := workFingerprint(&merged)
	if err != nil {
		return "", nil, err
	}
	if before == after {
		return OutcomeSkipped, existing, nil
	}

	merged.Provenance = appendProvenance(existing.Provenance, UpdateProvenance(ev, src))
	merged.LastEventID = ev.ID
	err = db.Model(existing).Updates(map[string]any{
		"title":            merged.Title,
		"abstract":         merged.Abstract,
		"url":              merged.URL,
		"geometry":         merged.Geometry,
		"publication_date": merged.PublicationDate,
		"period_start":     merged.PeriodStart,
		"period_end":       merged.PeriodEnd,
		"source_type":      merged.SourceType,
		"provenance":       merged.Provenance,
		"last_event_id":    merged.LastEventID,
	}).Error
	if err != nil {
		return "", nil, fmt.Errorf("update work %d: %w", existing.ID, err)
	}
	merged.UpdatedAt = existing.UpdatedAt
	w.afterWrite(ctx, &merged, OutcomeUpdated)
	return OutcomeUpdated, &merged, nil
}

func (w *Writer) newWork(ev *models.HarvestingEvent, src *models.Source, d *models.WorkDraft) *models.Work {
	work := &models.Work{
		SourceIdentifier:  d.SourceIdentifier,
		Title:             d.Title,
		Abstract:          d.Abstract,
		URL:               d.URL,
		Geometry:          models.NewGeometry(d.Geometry),
		PublicationDate:   d.PublicationDate,
		PeriodStart:       d.PeriodStart,
		PeriodEnd:         d.PeriodEnd,
		SourceType:        d.SourceType,
		Provenance:        Provenance(ev, src),
		CreatedByID:       w.Actor.ID,
		HarvestingEventID: ev.ID,
		LastEventID:       ev.ID,
	}
	if d.PersistentID != "" {
		id := d.PersistentID
		work.PersistentID = &id
	}
	if src.ID != 0 {
		id := src.ID
		work.SourceID = &id
	}
	return work
}

// mergeDraft übernimmt alle im Entwurf gesetzten Werte; fehlende Werte lassen den Bestand unverändert.
func mergeDraft(w *models.Work, d *models.WorkDraft) {
	if d.Title != "" {
		w.Title = d.Title
	}
	if d.Abstract != "" {
		w.Abstract = d.Abstract
	}
	if d.URL != "" {
		w.URL = d.URL
	}
	if d.Geometry != nil {
		w.Geometry = models.NewGeometry(d.Geometry)
	}
	if d.PublicationDate != nil {
		w.PublicationDate = d.PublicationDate
	}
	if d.PeriodStart != "" {
		w.PeriodStart = d.PeriodStart
	}
	if d.PeriodEnd != "" {
		w.PeriodEnd = d.PeriodEnd
	}
	if d.SourceType != "" {
		w.SourceType = d.SourceType
	}
}

// workFingerprint hasht den vergleichsrelevanten Inhalt eines Werks.
func workFingerprint(w *models.Work) (string, error) {
	date := ""
	if w.PublicationDate != nil {
		date = w.PublicationDate.UTC().Format("2006-01-02")
	}
	return ContentHash(hashDomainWorkContent, map[string]any{
		"title":            w.Title,
		"abstract":         w.Abstract,
		"url":              w.URL,
		"geometry":         w.Geometry.WKT(),
		"publication_date": date,
		"period_start":     w.PeriodStart,
		"period_end":       w.PeriodEnd,
	})
}

func (w *Writer) afterWrite(ctx context.Context, work *models.Work, outcome Outcome) {
	for _, hook := range w.Hooks {
		if err := hook(ctx, work, outcome); err != nil {
			w.Logger.Warn("Post-Write-Hook fehlgeschlagen",
				zap.Uint("work_id", work.ID),
				zap.String("identifier", work.DOI()),
				zap.Error(err))
		}
	}
}

// LogHook protokolliert jede Schreiboperation auf Debug-Level.
func LogHook(logger *zap.Logger) PostWriteHook {
	return func(_ context.Context, work *models.Work, outcome Outcome) error {
		logger.Debug("Werk geschrieben",
			zap.String("outcome", string(outcome)),
			zap.Uint("work_id", work.ID),
			zap.String("identifier", work.DOI()))
		return nil
	}
}
