package services

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"geo-harvest/models"
)

var (
	harvestRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Harvested records by outcome (created, updated, skipped, errored).",
		},
		[]string{"outcome"},
	)
	harvestEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_events_total",
			Help: "Closed harvesting events by final status.",
		},
		[]string{"status"},
	)
	sourceSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_sync_total",
			Help: "Source metadata synchronisations by result (written, unchanged, failed).",
		},
		[]string{"result"},
	)
	worksWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "works_written_total",
			Help: "Created or updated works by source type.",
		},
		[]string{"source_type", "outcome"},
	)
	exportRegenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_regenerations_total",
			Help: "Export artifact regenerations by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(harvestRecordsTotal, harvestEventsTotal, sourceSyncTotal, worksWrittenTotal, exportRegenerationsTotal)
}

// MetricsHook zählt geschriebene Werke nach Quelltyp.
func MetricsHook() PostWriteHook {
	return func(_ context.Context, work *models.Work, outcome Outcome) error {
		worksWrittenTotal.WithLabelValues(work.SourceType, string(outcome)).Inc()
		return nil
	}
}
