package services

import (
	"fmt"

	"geo-harvest/models"
)

func methodLabel(method string) string {
	switch method {
	case models.FeedTypeRSS:
		return "RSS/Atom feed"
	case models.FeedTypeOAIPMH:
		return "OAI-PMH"
	default:
		return method
	}
}

// Provenance liefert den deterministischen Herkunftstext für neu angelegte Werke.
func Provenance(ev *models.HarvestingEvent, src *models.Source) string {
	return fmt.Sprintf("Harvested via %s from %s (%s).\nHarvestingEvent ID: %d.",
		methodLabel(ev.Method), src.Name, src.HarvestURL, ev.ID)
}

// UpdateProvenance liefert den Text, der bei einer Aktualisierung angehängt wird.
func UpdateProvenance(ev *models.HarvestingEvent, src *models.Source) string {
	return fmt.Sprintf("Updated via %s from %s (%s).\nHarvestingEvent ID: %d.",
		methodLabel(ev.Method), src.Name, src.HarvestURL, ev.ID)
}

func appendProvenance(existing, entry string) string {
	if existing == "" {
		return entry
	}
	return existing + "\n\n" + entry
}
