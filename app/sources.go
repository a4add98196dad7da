package app

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"geo-harvest/models"
)

// SourceEntry ist ein Eintrag der Quellen-Registry (YAML).
type SourceEntry struct {
	Name           string `yaml:"name"`
	ISSNL          string `yaml:"issn_l"`
	HarvestURL     string `yaml:"harvest_url"`
	FeedType       string `yaml:"feed_type"`
	HomepageURL    string `yaml:"homepage_url"`
	CollectionName string `yaml:"collection_name"`
	IsPreprint     bool   `yaml:"is_preprint"`
}

type registry struct {
	Sources []SourceEntry `yaml:"sources"`
}

// LoadSources liest die Registry-Datei.
func LoadSources(path string) ([]SourceEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, e := range reg.Sources {
		if e.Name == "" {
			return nil, fmt.Errorf("%s: source #%d has no name", path, i+1)
		}
		switch e.FeedType {
		case "":
			reg.Sources[i].FeedType = models.FeedTypeOAIPMH
		case models.FeedTypeOAIPMH, models.FeedTypeRSS:
		default:
			return nil, fmt.Errorf("%s: source %q has unknown feed_type %q", path, e.Name, e.FeedType)
		}
	}
	return reg.Sources, nil
}

// SeedSources legt Registry-Einträge an oder aktualisiert ihre Stammdaten über den Namen.
// Vom Synchronizer gepflegte Felder bleiben unberührt.
func SeedSources(ctx context.Context, db *gorm.DB, logger *zap.Logger, entries []SourceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]models.Source, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, models.Source{
			Name:           e.Name,
			ISSNL:          e.ISSNL,
			HarvestURL:     e.HarvestURL,
			FeedType:       e.FeedType,
			HomepageURL:    e.HomepageURL,
			CollectionName: e.CollectionName,
			IsPreprint:     e.IsPreprint,
		})
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"issn_l", "harvest_url", "feed_type", "homepage_url", "collection_name", "is_preprint",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("seed sources: %w", err)
	}
	logger.Info("Quellen-Registry eingelesen", zap.Int("sources", len(rows)))
	return nil
}
