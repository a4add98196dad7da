package services

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"geo-harvest/config"
	"geo-harvest/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "harvest.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestSource(t *testing.T, db *gorm.DB, name, endpoint, feedType string) *models.Source {
	t.Helper()
	src := &models.Source{Name: name, HarvestURL: endpoint, FeedType: feedType}
	require.NoError(t, db.Create(src).Error)
	return src
}

func newTestWriter(t *testing.T, db *gorm.DB, hooks ...PostWriteHook) *Writer {
	t.Helper()
	actor, err := ResolveSystemActor(t.Context(), db)
	require.NoError(t, err)
	return NewWriter(db, actor, zaptest.NewLogger(t), hooks...)
}

func testConfig() *config.Config {
	return &config.Config{
		HTTPTimeout:       5 * time.Second,
		UserAgent:         "geo-harvest-test",
		HarvestStaleAfter: 24 * time.Hour,
	}
}

// startedEvent legt ein Event an und setzt es auf in_progress.
func startedEvent(t *testing.T, db *gorm.DB, src *models.Source, method string) (*Tracker, *models.HarvestingEvent) {
	t.Helper()
	tr := NewTracker(db, zaptest.NewLogger(t))
	ev, err := tr.Open(t.Context(), src, method)
	require.NoError(t, err)
	require.NoError(t, tr.Start(t.Context(), ev))
	return tr, ev
}

func countWorks(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Work{}).Count(&n).Error)
	return n
}
