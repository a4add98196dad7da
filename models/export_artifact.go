package models

import (
	"time"

	"github.com/google/uuid"
)

// ExportArtifact protokolliert einen veröffentlichten Export-Snapshot.
type ExportArtifact struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Kind         string    `json:"kind" gorm:"not null;index"`
	Path         string    `json:"path" gorm:"type:text"`
	SizeBytes    int64     `json:"size_bytes"`
	FeatureCount int       `json:"feature_count"`
	GeneratedAt  time.Time `json:"generated_at" gorm:"index"`
	RemoteURL    string    `json:"remote_url,omitempty" gorm:"type:text"`
}

func (ExportArtifact) TableName() string {
	return "export_artifacts"
}
