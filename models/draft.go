package models

import (
	"time"

	"github.com/paulmach/orb"
)

// WorkDraft ist die normalisierte Ausgabe eines Parsers, noch nicht persistiert.
type WorkDraft struct {
	Title            string
	Abstract         string
	PersistentID     string
	SourceIdentifier string
	URL              string
	Geometry         orb.Geometry
	PublicationDate  *time.Time // nil = unbekannt
	PeriodStart      string
	PeriodEnd        string
	SourceType       string
}
