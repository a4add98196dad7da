package models

import "gorm.io/gorm"

// Migrate legt alle Tabellen an bzw. aktualisiert sie.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Source{},
		&HarvestingEvent{},
		&Work{},
		&ScheduledJob{},
		&ExportArtifact{},
	)
}
