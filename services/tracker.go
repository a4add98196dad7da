package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"geo-harvest/models"
	"geo-harvest/providers"
)

var (
	// ErrEventTerminal meldet eine Änderung an einem abgeschlossenen Event.
	ErrEventTerminal = errors.New("harvesting event is already terminal")
	// ErrInvalidTransition meldet einen unzulässigen Statuswechsel.
	ErrInvalidTransition = errors.New("invalid harvesting event transition")
)

// DraftWriter ist die Schreibseite eines Harvesting-Laufs, implementiert von *Writer.
type DraftWriter interface {
	Write(ctx context.Context, ev *models.HarvestingEvent, src *models.Source, d *models.WorkDraft) (Outcome, *models.Work, error)
}

// Tracker verwaltet den Lebenszyklus von Harvesting-Events
// (pending -> in_progress -> completed|failed).
type Tracker struct {
	DB     *gorm.DB
	Logger *zap.Logger
	Now    func() time.Time
}

// NewTracker erstellt einen neuen Tracker.
func NewTracker(db *gorm.DB, logger *zap.Logger) *Tracker {
	return &Tracker{DB: db, Logger: logger, Now: time.Now}
}

// Open legt ein neues Event im Status pending an.
func (t *Tracker) Open(ctx context.Context, src *models.Source, method string) (*models.HarvestingEvent, error) {
	ev := &models.HarvestingEvent{
		SourceID: src.ID,
		Method:   method,
		Status:   models.EventPending,
	}
	if err := t.DB.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, fmt.Errorf("open harvesting event: %w", err)
	}
	return ev, nil
}

// Start setzt ein Event von pending auf in_progress.
func (t *Tracker) Start(ctx context.Context, ev *models.HarvestingEvent) error {
	now := t.Now().UTC()
	if err := t.transition(ctx, ev, models.EventInProgress, map[string]any{"started_at": now}); err != nil {
		return err
	}
	ev.StartedAt = &now
	return nil
}

// RecordOutcome erhöht den passenden Zähler atomar in der Datenbank und im Speicher.
func (t *Tracker) RecordOutcome(ctx context.Context, ev *models.HarvestingEvent, outcome Outcome) error {
	if ev.Status != models.EventInProgress {
		return ErrEventNotActive
	}
	var column string
	var counter *int
	switch outcome {
	case OutcomeCreated:
		column, counter = "created_count", &ev.CreatedCount
	case OutcomeUpdated:
		column, counter = "updated_count", &ev.UpdatedCount
	case OutcomeSkipped:
		column, counter = "skipped_count", &ev.SkippedCount
	case OutcomeErrored:
		column, counter = "errored_count", &ev.ErroredCount
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	res := t.DB.WithContext(ctx).Model(&models.HarvestingEvent{}).
		Where("id = ? AND status = ?", ev.ID, models.EventInProgress).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("record outcome: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEventTerminal
	}
	*counter++
	harvestRecordsTotal.WithLabelValues(string(outcome)).Inc()
	return nil
}

// Close beendet ein laufendes Event mit completed oder failed. cause landet im Log des Events.
func (t *Tracker) Close(ctx context.Context, ev *models.HarvestingEvent, status models.EventStatus, cause error) error {
	now := t.Now().UTC()
	fields := map[string]any{"completed_at": now}
	logText := ""
	if cause != nil {
		logText = cause.Error()
		fields["log"] = logText
	}
	if err := t.transition(ctx, ev, status, fields); err != nil {
		return err
	}
	ev.CompletedAt = &now
	if cause != nil {
		ev.Log = logText
	}
	harvestEventsTotal.WithLabelValues(string(status)).Inc()
	return nil
}

// transition schreibt den Statuswechsel nur, wenn die Zeile noch den erwarteten Ausgangsstatus hat.
func (t *Tracker) transition(ctx context.Context, ev *models.HarvestingEvent, to models.EventStatus, fields map[string]any) error {
	if ev.Status.Terminal() {
		return ErrEventTerminal
	}
	if !ev.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ev.Status, to)
	}
	fields["status"] = to
	res := t.DB.WithContext(ctx).Model(&models.HarvestingEvent{}).
		Where("id = ? AND status = ?", ev.ID, ev.Status).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update harvesting event %d: %w", ev.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEventTerminal
	}
	ev.Status = to
	return nil
}

// Run führt einen vollständigen Lauf aus: Event öffnen, Entwürfe in Dokumentreihenfolge
// schreiben, Event schließen. Bereits geschriebene Werke bleiben bei einem Fehlschlag erhalten.
func (t *Tracker) Run(ctx context.Context, src *models.Source, method string, drafts providers.Drafts, w DraftWriter) (*models.HarvestingEvent, error) {
	ev, err := t.Open(ctx, src, method)
	if err != nil {
		return nil, err
	}
	if err := t.Start(ctx, ev); err != nil {
		return ev, err
	}
	return ev, t.Consume(ctx, ev, src, drafts, w)
}

// Consume schreibt die Entwürfe in ein bereits gestartetes Event und schließt es.
func (t *Tracker) Consume(ctx context.Context, ev *models.HarvestingEvent, src *models.Source, drafts providers.Drafts, w DraftWriter) error {
	log := t.Logger.With(zap.String("source", src.Key()), zap.Uint("event_id", ev.ID))
	log.Info("Harvesting-Lauf gestartet", zap.String("method", ev.Method))

	for d, perr := range drafts {
		if perr != nil {
			var docErr *providers.DocumentError
			if errors.As(perr, &docErr) {
				log.Error("Dokument nicht lesbar, Lauf schlägt fehl", zap.Error(perr))
				return t.fail(ctx, ev, perr)
			}

			outcome := OutcomeErrored
			if errors.Is(perr, providers.ErrDeletedRecord) {
				outcome = OutcomeSkipped
			}
			identifier := ""
			var itemErr *providers.ItemError
			if errors.As(perr, &itemErr) {
				identifier = itemErr.Identifier
			}
			log.Warn("Eintrag übersprungen", zap.String("identifier", identifier), zap.Error(perr))
			if err := t.RecordOutcome(ctx, ev, outcome); err != nil {
				return t.fail(ctx, ev, err)
			}
			continue
		}

		outcome, _, err := w.Write(ctx, ev, src, d)
		if err != nil {
			log.Error("Schreiben fehlgeschlagen, Lauf schlägt fehl",
				zap.String("identifier", d.PersistentID), zap.Error(err))
			return t.fail(ctx, ev, err)
		}
		if err := t.RecordOutcome(ctx, ev, outcome); err != nil {
			return t.fail(ctx, ev, err)
		}
	}

	if err := t.Close(ctx, ev, models.EventCompleted, nil); err != nil {
		return err
	}
	log.Info("Harvesting-Lauf abgeschlossen",
		zap.Int("created", ev.CreatedCount),
		zap.Int("updated", ev.UpdatedCount),
		zap.Int("skipped", ev.SkippedCount),
		zap.Int("errored", ev.ErroredCount))
	return nil
}

// Fail schließt ein laufendes Event als failed, z.B. nach einem Transportfehler vor dem Parsen.
func (t *Tracker) Fail(ctx context.Context, ev *models.HarvestingEvent, cause error) error {
	return t.fail(ctx, ev, cause)
}

func (t *Tracker) fail(ctx context.Context, ev *models.HarvestingEvent, cause error) error {
	// Auf ein Event, das ein anderer Prozess schon geschlossen hat, schreiben wir nichts mehr.
	if err := t.Close(ctx, ev, models.EventFailed, cause); err != nil && !errors.Is(err, ErrEventTerminal) {
		t.Logger.Error("Event konnte nicht als failed markiert werden", zap.Uint("event_id", ev.ID), zap.Error(err))
	}
	return cause
}

// ReclaimStale markiert Events als failed, die länger als olderThan in_progress hängen
// oder seit ihrer Anlage nie gestartet wurden. Ein abgebrochener Prozess hinterlässt
// sonst dauerhaft offene Events.
func (t *Tracker) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := t.Now().UTC()
	cutoff := now.Add(-olderThan)
	res := t.DB.WithContext(ctx).Model(&models.HarvestingEvent{}).
		Where("(status = ? AND started_at < ?) OR (status = ? AND created_at < ?)",
			models.EventInProgress, cutoff, models.EventPending, cutoff).
		Updates(map[string]any{
			"status":       models.EventFailed,
			"completed_at": now,
			"log":          fmt.Sprintf("reclaimed: not finished after %s", olderThan),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stale events: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		t.Logger.Warn("Hängende Harvesting-Events zurückgesetzt", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
