package models

import (
	"time"

	"gorm.io/datatypes"
)

// Feed-Typen einer Quelle.
const (
	FeedTypeOAIPMH = "oai-pmh"
	FeedTypeRSS    = "rss"
)

// Source beschreibt eine externe Quelle (Journal, Repository, Feed).
type Source struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name           string `json:"name" gorm:"not null;uniqueIndex"`
	ISSNL          string `json:"issn_l,omitempty" gorm:"column:issn_l;index"`
	HarvestURL     string `json:"harvest_url,omitempty" gorm:"type:text"`
	FeedType       string `json:"feed_type" gorm:"not null;default:'oai-pmh'"`
	HomepageURL    string `json:"homepage_url,omitempty"`
	CollectionName string `json:"collection_name,omitempty"`
	IsPreprint     bool   `json:"is_preprint"`

	// Vom Synchronizer verwaltete Felder
	OpenAlexID        string         `json:"openalex_id,omitempty" gorm:"column:openalex_id;index"`
	OpenAlexURL       string         `json:"openalex_url,omitempty" gorm:"column:openalex_url"`
	PublisherName     string         `json:"publisher_name,omitempty" gorm:"column:publisher_name"`
	WorksCount        int64          `json:"works_count" gorm:"column:works_count"`
	WorksAPIURL       string         `json:"works_api_url,omitempty" gorm:"column:works_api_url;type:text"`
	RemoteUpdatedDate string         `json:"remote_updated_date,omitempty" gorm:"column:remote_updated_date"`
	MetadataHash      string         `json:"metadata_hash,omitempty" gorm:"column:metadata_hash;size:64"`
	Geometry          Geometry       `json:"geometry" gorm:"column:geometry"`
	ExternalWorkIDs   datatypes.JSON `json:"external_work_ids,omitempty" gorm:"column:external_work_ids"`

	HarvestIntervalMinutes int        `json:"harvest_interval_minutes" gorm:"default:10080"`
	LastHarvestAt          *time.Time `json:"last_harvest_at,omitempty"`
}

func (Source) TableName() string {
	return "sources"
}

// Key liefert den Schlüssel, unter dem die Quelle in Logs erscheint.
func (s *Source) Key() string {
	if s.ISSNL != "" {
		return s.ISSNL
	}
	return s.Name
}
