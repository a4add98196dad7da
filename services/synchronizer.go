package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"geo-harvest/models"
	"geo-harvest/providers/openalex"
)

// MetadataClient ist der Zugriff auf die Quellen-Metadaten-API, implementiert von *openalex.Client.
type MetadataClient interface {
	SourceURL(issn, name string) string
	FetchSource(ctx context.Context, issn, name string) (*openalex.Source, error)
	FetchWorkIDs(ctx context.Context, openalexID string) ([]string, error)
}

// Geocoder löst Namen in Koordinaten auf, implementiert von *nominatim.Geocoder.
type Geocoder interface {
	Geocode(ctx context.Context, name string) (orb.Point, error)
}

// SourceMetadata ist das normalisierte Feldset, über das der Hash gebildet wird.
type SourceMetadata struct {
	OpenAlexID        string
	OpenAlexURL       string
	PublisherName     string
	WorksCount        int64
	WorksAPIURL       string
	RemoteUpdatedDate string
}

// NormalizeSource bringt eine API-Antwort in das feste Feldset.
func NormalizeSource(src *openalex.Source) SourceMetadata {
	publisher := src.PublisherName()
	if publisher == "" {
		publisher = src.DisplayName
	}
	return SourceMetadata{
		OpenAlexID:        normalizeText(openalex.ShortID(src.ID)),
		OpenAlexURL:       normalizeText(src.ID),
		PublisherName:     normalizeText(publisher),
		WorksCount:        src.WorksCount,
		WorksAPIURL:       normalizeText(src.WorksAPIURL),
		RemoteUpdatedDate: normalizeText(src.UpdatedDate),
	}
}

// fields liefert das Feldset mit den Spaltennamen als Schlüssel.
func (m SourceMetadata) fields() map[string]any {
	return map[string]any{
		"openalex_id":         m.OpenAlexID,
		"openalex_url":        m.OpenAlexURL,
		"publisher_name":      m.PublisherName,
		"works_count":         m.WorksCount,
		"works_api_url":       m.WorksAPIURL,
		"remote_updated_date": m.RemoteUpdatedDate,
	}
}

// Hash liefert den stabilen Inhalts-Hash des Feldsets.
func (m SourceMetadata) Hash() (string, error) {
	return ContentHash(hashDomainSourceMetadata, m.fields())
}

// SyncResult beschreibt, was bei der Synchronisation einer Quelle passiert ist.
type SyncResult struct {
	Unchanged bool     `json:"unchanged"`
	Changed   []string `json:"changed,omitempty"`
}

// Synchronizer gleicht Quellen mit der externen Metadaten-API ab.
type Synchronizer struct {
	DB       *gorm.DB
	Logger   *zap.Logger
	Client   MetadataClient
	Geocoder Geocoder // optional
	Guard    *AddressGuard
	Delay    time.Duration
}

// NewSynchronizer erstellt einen Synchronizer.
func NewSynchronizer(db *gorm.DB, logger *zap.Logger, client MetadataClient, geocoder Geocoder, guard *AddressGuard, delay time.Duration) *Synchronizer {
	return &Synchronizer{DB: db, Logger: logger, Client: client, Geocoder: geocoder, Guard: guard, Delay: delay}
}

// SweepSummary zählt die Ergebnisse eines Sweeps.
type SweepSummary struct {
	Written   int `json:"written"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Sweep synchronisiert alle Quellen mit ISSN oder Namen in Registry-Reihenfolge.
// Fehler einzelner Quellen werden protokolliert; nur eine Guard-Ablehnung bricht ab,
// weil alle Quellen denselben API-Host nutzen.
func (s *Synchronizer) Sweep(ctx context.Context) (SweepSummary, error) {
	var summary SweepSummary
	var sources []models.Source
	if err := s.DB.WithContext(ctx).Order("id").Find(&sources).Error; err != nil {
		return summary, err
	}

	for i := range sources {
		if i > 0 && s.Delay > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(s.Delay):
			}
		}
		src := &sources[i]
		res, err := s.SyncSource(ctx, src)
		switch {
		case errors.Is(err, ErrPrivateAddress):
			s.Logger.Error("Synchronisation abgebrochen", zap.String("source", src.Key()), zap.Error(err))
			return summary, err
		case err != nil:
			summary.Failed++
			sourceSyncTotal.WithLabelValues("failed").Inc()
			s.Logger.Error("Synchronisation der Quelle fehlgeschlagen", zap.String("source", src.Key()), zap.Error(err))
		case res.Unchanged:
			summary.Unchanged++
			sourceSyncTotal.WithLabelValues("unchanged").Inc()
		default:
			summary.Written++
			sourceSyncTotal.WithLabelValues("written").Inc()
		}
	}
	s.Logger.Info("Synchronisation abgeschlossen",
		zap.Int("written", summary.Written),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// SyncByISSN synchronisiert genau die Quelle mit der angegebenen ISSN-L.
func (s *Synchronizer) SyncByISSN(ctx context.Context, issn string) (*SyncResult, error) {
	var src models.Source
	if err := s.DB.WithContext(ctx).Where("issn_l = ?", issn).First(&src).Error; err != nil {
		return nil, fmt.Errorf("source %s: %w", issn, err)
	}
	return s.SyncSource(ctx, &src)
}

// SyncSource synchronisiert eine Quelle. Geschrieben wird nur, wenn sich der Hash geändert hat,
// und dann nur die Spalten, deren Werte sich tatsächlich unterscheiden.
func (s *Synchronizer) SyncSource(ctx context.Context, src *models.Source) (*SyncResult, error) {
	log := s.Logger.With(zap.String("source", src.Key()))

	if src.ISSNL == "" && src.Name == "" {
		return nil, fmt.Errorf("source %d has no resolvable identifier", src.ID)
	}
	target := s.Client.SourceURL(src.ISSNL, src.Name)
	if err := s.Guard.Check(ctx, target); err != nil {
		return nil, err
	}

	remote, err := s.Client.FetchSource(ctx, src.ISSNL, src.Name)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}

	md := NormalizeSource(remote)
	hash, err := md.Hash()
	if err != nil {
		return nil, err
	}
	if hash == src.MetadataHash {
		log.Debug("Metadaten unverändert")
		return &SyncResult{Unchanged: true}, nil
	}

	changes := diffSource(src, md)

	if md.OpenAlexID != "" {
		ids, err := s.Client.FetchWorkIDs(ctx, md.OpenAlexID)
		switch {
		case errors.Is(err, ErrPrivateAddress):
			return nil, fmt.Errorf("fetch work ids: %w", err)
		case err != nil:
			log.Warn("Werkliste nicht abrufbar", zap.Error(err))
		default:
			if encoded, changed := workIDsChanged(log, src.ExternalWorkIDs, ids); changed {
				changes["external_work_ids"] = encoded
			}
		}
	}

	if g, ok := s.resolveGeometry(ctx, log, src, remote); ok {
		changes["geometry"] = g
	}

	changed := make([]string, 0, len(changes))
	for col := range changes {
		changed = append(changed, col)
	}
	sort.Strings(changed)

	changes["metadata_hash"] = hash
	if err := s.DB.WithContext(ctx).Model(src).UpdateColumns(changes).Error; err != nil {
		return nil, fmt.Errorf("write source %d: %w", src.ID, err)
	}
	src.MetadataHash = hash
	log.Info("Quellen-Metadaten aktualisiert", zap.Strings("fields", changed))
	return &SyncResult{Changed: changed}, nil
}

// diffSource vergleicht Feld für Feld. Leere neue Werte überschreiben nichts.
func diffSource(src *models.Source, md SourceMetadata) map[string]any {
	changes := map[string]any{}
	setString := func(col, current, next string) {
		if next != "" && next != current {
			changes[col] = next
		}
	}
	setString("openalex_id", src.OpenAlexID, md.OpenAlexID)
	setString("openalex_url", src.OpenAlexURL, md.OpenAlexURL)
	setString("publisher_name", src.PublisherName, md.PublisherName)
	setString("works_api_url", src.WorksAPIURL, md.WorksAPIURL)
	setString("remote_updated_date", src.RemoteUpdatedDate, md.RemoteUpdatedDate)
	if md.WorksCount != src.WorksCount {
		changes["works_count"] = md.WorksCount
	}
	return changes
}

func workIDsChanged(log *zap.Logger, current datatypes.JSON, ids []string) (datatypes.JSON, bool) {
	if len(ids) == 0 {
		return nil, false
	}
	var existing []string
	if len(current) > 0 {
		if err := json.Unmarshal(current, &existing); err != nil {
			log.Warn("Gespeicherte Werkliste nicht lesbar, wird ersetzt", zap.Error(err))
		}
	}
	if equalStrings(existing, ids) {
		return nil, false
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, false
	}
	return datatypes.JSON(encoded), true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// resolveGeometry bevorzugt eingebettete Koordinaten; ohne diese wird nur für Quellen
// ohne Geometrie der Geocoder befragt. Geocoder-Fehler werden nur protokolliert.
func (s *Synchronizer) resolveGeometry(ctx context.Context, log *zap.Logger, src *models.Source, remote *openalex.Source) (models.Geometry, bool) {
	if lon, lat, ok := remote.Coordinates(); ok {
		p := orb.Point{lon, lat}
		if cur, isPoint := src.Geometry.Geometry.(orb.Point); isPoint && cur.Equal(p) {
			return models.Geometry{}, false
		}
		return models.NewGeometry(p), true
	}
	if src.Geometry.Valid() || s.Geocoder == nil {
		return models.Geometry{}, false
	}

	for _, name := range []string{remote.PublisherName(), remote.DisplayName, src.Name} {
		if name == "" {
			continue
		}
		p, err := s.Geocoder.Geocode(ctx, name)
		if err != nil {
			log.Warn("Geocoding fehlgeschlagen", zap.String("query", name), zap.Error(err))
			continue
		}
		return models.NewGeometry(p), true
	}
	return models.Geometry{}, false
}
