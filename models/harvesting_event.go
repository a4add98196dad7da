package models

import "time"

// EventStatus ist der Zustand eines Harvesting-Laufs.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventInProgress EventStatus = "in_progress"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
)

// Terminal meldet, ob der Status endgültig ist.
func (s EventStatus) Terminal() bool {
	return s == EventCompleted || s == EventFailed
}

// CanTransition prüft die erlaubten Übergänge
// pending -> in_progress -> completed|failed.
func (s EventStatus) CanTransition(to EventStatus) bool {
	switch s {
	case EventPending:
		return to == EventInProgress
	case EventInProgress:
		return to == EventCompleted || to == EventFailed
	default:
		return false
	}
}

// HarvestingEvent beschreibt genau einen Ingest-Lauf gegen eine Quelle.
type HarvestingEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	SourceID uint        `json:"source_id" gorm:"not null;index"`
	Method   string      `json:"method" gorm:"not null"`
	Status   EventStatus `json:"status" gorm:"not null;index;default:'pending'"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedCount int `json:"created_count" gorm:"not null;default:0"`
	UpdatedCount int `json:"updated_count" gorm:"not null;default:0"`
	SkippedCount int `json:"skipped_count" gorm:"not null;default:0"`
	ErroredCount int `json:"errored_count" gorm:"not null;default:0"`

	Log string `json:"log,omitempty" gorm:"type:text"`
}

func (HarvestingEvent) TableName() string {
	return "harvesting_events"
}
