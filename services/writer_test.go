package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"geo-harvest/models"
)

func TestResolveSystemActorIsSingleton(t *testing.T) {
	db := newTestDB(t)

	first, err := ResolveSystemActor(t.Context(), db)
	require.NoError(t, err)
	second, err := ResolveSystemActor(t.Context(), db)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, SystemActorUsername, first.Username)
	assert.Equal(t, SystemActorUsername+"@system.local", first.Email)
	assert.False(t, first.IsActive)
	assert.False(t, first.IsStaff)
	assert.False(t, first.IsSuperuser)

	var n int64
	require.NoError(t, db.Model(&models.User{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestResolveSystemActorDemotesPromotedActor(t *testing.T) {
	db := newTestDB(t)
	actor, err := ResolveSystemActor(t.Context(), db)
	require.NoError(t, err)
	require.NoError(t, db.Model(actor).Updates(map[string]any{"is_active": true, "is_staff": true}).Error)

	again, err := ResolveSystemActor(t.Context(), db)
	require.NoError(t, err)
	assert.False(t, again.IsActive)
	assert.False(t, again.IsStaff)

	var stored models.User
	require.NoError(t, db.First(&stored, actor.ID).Error)
	assert.False(t, stored.IsActive)
	assert.False(t, stored.IsStaff)
}

func TestWriteWithoutIdentifierAlwaysCreates(t *testing.T) {
	db := newTestDB(t)
	src := newTestSource(t, db, "Feed", "https://example.org/feed.rss", models.FeedTypeRSS)
	_, ev := startedEvent(t, db, src, models.FeedTypeRSS)
	w := newTestWriter(t, db)

	d := &models.WorkDraft{Title: "Same title", SourceType: models.FeedTypeRSS}
	for i := 0; i < 2; i++ {
		outcome, work, err := w.Write(t.Context(), ev, src, d)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCreated, outcome)
		assert.Nil(t, work.PersistentID)
	}
	assert.Equal(t, int64(2), countWorks(t, db))
}

func TestWriteCreateSetsActorEventAndProvenance(t *testing.T) {
	db := newTestDB(t)
	src := newTestSource(t, db, "ESSD", "https://oai-pmh.copernicus.org/oai.php", models.FeedTypeOAIPMH)
	_, ev := startedEvent(t, db, src, models.FeedTypeOAIPMH)
	w := newTestWriter(t, db)

	date := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	outcome, work, err := w.Write(t.Context(), ev, src, &models.WorkDraft{
		Title:           "Ice sheets",
		PersistentID:    "10.5194/essd-1-2023",
		Geometry:        orb.Point{8, 50},
		PublicationDate: &date,
		SourceType:      models.FeedTypeOAIPMH,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	var stored models.Work
	require.NoError(t, db.First(&stored, work.ID).Error)
	assert.Equal(t, w.Actor.ID, stored.CreatedByID)
	assert.Equal(t, ev.ID, stored.HarvestingEventID)
	assert.Equal(t, "10.5194/essd-1-2023", stored.DOI())
	assert.Equal(t, orb.Point{8, 50}, stored.Geometry.Geometry)
	require.NotNil(t, stored.SourceID)
	assert.Equal(t, src.ID, *stored.SourceID)
	assert.Equal(t,
		fmt.Sprintf("Harvested via OAI-PMH from ESSD (https://oai-pmh.copernicus.org/oai.php).\nHarvestingEvent ID: %d.", ev.ID),
		stored.Provenance)
}

func TestWriteSkipsIdenticalAndUpdatesChanged(t *testing.T) {
	db := newTestDB(t)
	src := newTestSource(t, db, "ESSD", "https://example.org/oai", models.FeedTypeOAIPMH)
	_, first := startedEvent(t, db, src, models.FeedTypeOAIPMH)
	w := newTestWriter(t, db)

	draft := &models.WorkDraft{Title: "Ice sheets", Abstract: "v1", PersistentID: "10.1/abc", SourceType: models.FeedTypeOAIPMH}
	_, created, err := w.Write(t.Context(), first, src, draft)
	require.NoError(t, err)

	_, second := startedEvent(t, db, src, models.FeedTypeOAIPMH)
	outcome, _, err := w.Write(t.Context(), second, src, draft)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	// Fehlende Werte im Entwurf überschreiben den Bestand nicht.
	outcome, _, err = w.Write(t.Context(), second, src, &models.WorkDraft{Title: "Ice sheets", PersistentID: "10.1/abc"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	changed := *draft
	changed.Abstract = "v2"
	outcome, updated, err := w.Write(t.Context(), second, src, &changed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, created.ID, updated.ID)

	var stored models.Work
	require.NoError(t, db.First(&stored, created.ID).Error)
	assert.Equal(t, "v2", stored.Abstract)
	assert.Equal(t, first.ID, stored.HarvestingEventID, "creating event stays attached")
	assert.Equal(t, second.ID, stored.LastEventID)
	assert.True(t, strings.HasPrefix(stored.Provenance, created.Provenance), "provenance is appended, never replaced")
	assert.Contains(t, stored.Provenance, fmt.Sprintf("Updated via OAI-PMH from ESSD (https://example.org/oai).\nHarvestingEvent ID: %d.", second.ID))
	assert.Equal(t, int64(1), countWorks(t, db))
}

func TestWriteSecondEventNeverClaimsCreated(t *testing.T) {
	db := newTestDB(t)
	src := newTestSource(t, db, "Repo", "https://example.org/oai", models.FeedTypeOAIPMH)
	w := newTestWriter(t, db)
	_, evA := startedEvent(t, db, src, models.FeedTypeOAIPMH)
	_, evB := startedEvent(t, db, src, models.FeedTypeOAIPMH)

	d := &models.WorkDraft{Title: "Shared", PersistentID: "10.9/shared"}
	a, _, err := w.Write(t.Context(), evA, src, d)
	require.NoError(t, err)
	b, _, err := w.Write(t.Context(), evB, src, d)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, a)
	assert.Equal(t, OutcomeSkipped, b)
	assert.Equal(t, int64(1), countWorks(t, db))
}

func TestWriteLosingInsertRaceNeverClaimsCreated(t *testing.T) {
	db := newTestDB(t)
	src := newTestSource(t, db, "Repo", "https://example.org/oai", models.FeedTypeOAIPMH)
	w := newTestWriter(t, db)
	_, evA := startedEvent(t, db, src, models.FeedTypeOAIPMH)
	_, evB := startedEvent(t, db, src, models.FeedTypeOAIPMH)

	// Zwischen Lookup und Insert legt ein paralleler Lauf dieselbe DOI an.
	doi := "10.7/race"
	var raced atomic.Bool
	var raceErr error
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:concurrent_insert", func(tx *gorm.DB) {
		if tx.Statement.Table != "works" || !raced.CompareAndSwap(false, true) {
			return
		}
		raceErr = tx.Session(&gorm.Session{NewDB: true}).Create(&models.Work{
			Title:             "Concurrent run",
			PersistentID:      &doi,
			HarvestingEventID: evA.ID,
			LastEventID:       evA.ID,
		}).Error
	}))

	outcome, work, err := w.Write(t.Context(), evB, src, &models.WorkDraft{Title: "Race winner?", PersistentID: doi})
	require.NoError(t, err)
	require.NoError(t, raceErr)
	assert.True(t, raced.Load())
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, int64(1), countWorks(t, db))

	var stored models.Work
	require.NoError(t, db.First(&stored, work.ID).Error)
	assert.Equal(t, evA.ID, stored.HarvestingEventID, "the row of the faster run is kept")
	assert.Equal(t, evB.ID, stored.LastEventID)
	assert.Equal(t, "Race winner?", stored.Title)
}

func TestWriteRejectsInactiveEvent(t *testing.T) {
	db := newTestDB(t)
	src := newTestSource(t, db, "Repo", "https://example.org/oai", models.FeedTypeOAIPMH)
	w := newTestWriter(t, db)
	ev, err := NewTracker(db, w.Logger).Open(t.Context(), src, models.FeedTypeOAIPMH)
	require.NoError(t, err)

	_, _, err = w.Write(t.Context(), ev, src, &models.WorkDraft{Title: "x"})
	assert.ErrorIs(t, err, ErrEventNotActive)
	assert.Equal(t, int64(0), countWorks(t, db))
}

func TestPostWriteHooks(t *testing.T) {
	db := newTestDB(t)
	src := newTestSource(t, db, "Repo", "https://example.org/oai", models.FeedTypeOAIPMH)
	_, ev := startedEvent(t, db, src, models.FeedTypeOAIPMH)

	var seen []Outcome
	record := func(_ context.Context, work *models.Work, outcome Outcome) error {
		assert.NotZero(t, work.ID)
		seen = append(seen, outcome)
		return nil
	}
	failing := func(context.Context, *models.Work, Outcome) error {
		return errors.New("hook broke")
	}
	w := newTestWriter(t, db, record, failing, LogHook(zaptest.NewLogger(t)))

	d := &models.WorkDraft{Title: "A", PersistentID: "10.2/a"}
	_, _, err := w.Write(t.Context(), ev, src, d)
	require.NoError(t, err, "hook errors are not propagated")
	_, _, err = w.Write(t.Context(), ev, src, d)
	require.NoError(t, err)
	_, _, err = w.Write(t.Context(), ev, src, &models.WorkDraft{Title: "A2", PersistentID: "10.2/a"})
	require.NoError(t, err)

	assert.Equal(t, []Outcome{OutcomeCreated, OutcomeUpdated}, seen, "skips do not fire hooks")
}

func TestMetricsHookCountsBySourceType(t *testing.T) {
	db := newTestDB(t)
	src := newTestSource(t, db, "Feed", "https://example.org/feed.rss", models.FeedTypeRSS)
	_, ev := startedEvent(t, db, src, models.FeedTypeRSS)
	w := newTestWriter(t, db, MetricsHook())

	counter := worksWrittenTotal.WithLabelValues(models.FeedTypeRSS, string(OutcomeCreated))
	before := testutil.ToFloat64(counter)
	_, _, err := w.Write(t.Context(), ev, src, &models.WorkDraft{Title: "Counted", SourceType: models.FeedTypeRSS})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
