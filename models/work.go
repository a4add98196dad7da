package models

import "time"

// Work ist der kanonische Datensatz einer Publikation.
type Work struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PersistentID ist meist eine normalisierte DOI; NULL erlaubt mehrere Datensätze ohne Kennung.
	PersistentID     *string `json:"persistent_id,omitempty" gorm:"column:persistent_id;uniqueIndex;size:512"`
	SourceIdentifier string  `json:"source_identifier,omitempty" gorm:"index"`

	Title           string     `json:"title" gorm:"type:text;not null"`
	Abstract        string     `json:"abstract,omitempty" gorm:"type:text"`
	URL             string     `json:"url,omitempty" gorm:"type:text"`
	Geometry        Geometry   `json:"geometry" gorm:"column:geometry"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	PeriodStart     string     `json:"period_start,omitempty"`
	PeriodEnd       string     `json:"period_end,omitempty"`
	SourceType      string     `json:"source_type" gorm:"index"`

	Provenance  string `json:"provenance" gorm:"type:text"`
	CreatedByID uint   `json:"created_by_id" gorm:"index"`
	SourceID    *uint  `json:"source_id,omitempty" gorm:"index"`

	HarvestingEventID uint `json:"harvesting_event_id" gorm:"index"`
	LastEventID       uint `json:"last_event_id"`
}

func (Work) TableName() string {
	return "works"
}

// DOI liefert die persistente Kennung oder einen leeren String.
func (w *Work) DOI() string {
	if w.PersistentID == nil {
		return ""
	}
	return *w.PersistentID
}
