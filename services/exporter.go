package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/paulmach/orb/geojson"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"geo-harvest/models"
)

// ArtifactKind unterscheidet die Export-Formate.
type ArtifactKind string

const (
	KindGeoJSON    ArtifactKind = "geojson"
	KindGeoPackage ArtifactKind = "geopackage"
)

// Dateinamen der veröffentlichten Artefakte.
const (
	GeoJSONFile    = "works.geojson"
	GeoJSONGzFile  = "works.geojson.gz"
	GeoPackageFile = "works.gpkg"
)

// SnapshotDir enthält unter Dir je Regenerierung ein Unterverzeichnis mit den Dateien dieses Laufs.
const SnapshotDir = "snapshots"

// DefaultKeepSnapshots ist die Anzahl lokal aufbewahrter Snapshots.
const DefaultKeepSnapshots = 4

// Artifact ist das Ergebnis einer Regenerierung.
type Artifact struct {
	ID           uuid.UUID
	Kind         ArtifactKind
	Path         string
	Files        []string
	SizeBytes    int64
	FeatureCount int
	GeneratedAt  time.Time
}

// Export ist eine Export-Art; Kind wählt das Format.
type Export struct {
	Kind ArtifactKind
	Dir  string
}

// Regenerate baut das Artefakt aus works vollständig neu und ersetzt das
// veröffentlichte Artefakt atomar. Bis dahin bleibt das alte lesbar.
func (e Export) Regenerate(ctx context.Context, works []models.Work, now time.Time) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	art := &Artifact{ID: uuid.New(), Kind: e.Kind, GeneratedAt: now.UTC(), FeatureCount: len(works)}
	var err error
	switch e.Kind {
	case KindGeoJSON:
		art.Path = filepath.Join(e.Dir, GeoJSONFile)
		art.Files = []string{art.Path, filepath.Join(e.Dir, GeoJSONGzFile)}
		err = writeGeoJSON(art.Path, art.Files[1], works, art.GeneratedAt)
	case KindGeoPackage:
		art.Path = filepath.Join(e.Dir, GeoPackageFile)
		art.Files = []string{art.Path}
		err = writeGeoPackage(ctx, art.Path, works, art.GeneratedAt)
	default:
		err = fmt.Errorf("unknown export kind %q", e.Kind)
	}
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(art.Path); err == nil {
		art.SizeBytes = fi.Size()
	}
	return art, nil
}

type exportFeature struct {
	Type       string            `json:"type"`
	ID         uint              `json:"id"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

func featureOf(w *models.Work) exportFeature {
	f := exportFeature{
		Type: "Feature",
		ID:   w.ID,
		Properties: map[string]any{
			"title":       w.Title,
			"abstract":    w.Abstract,
			"doi":         w.DOI(),
			"url":         w.URL,
			"source_type": w.SourceType,
		},
	}
	if w.Geometry.Valid() {
		f.Geometry = geojson.NewGeometry(w.Geometry.Geometry)
	}
	if w.PublicationDate != nil {
		f.Properties["publication_date"] = w.PublicationDate.Format("2006-01-02")
	}
	if w.PeriodStart != "" || w.PeriodEnd != "" {
		f.Properties["time_period"] = []string{w.PeriodStart, w.PeriodEnd}
	}
	if w.SourceID != nil {
		f.Properties["source_id"] = *w.SourceID
	}
	return f
}

// writeGeoJSON schreibt die FeatureCollection gleichzeitig unkomprimiert und als gzip.
func writeGeoJSON(path, gzPath string, works []models.Work, generated time.Time) error {
	plain, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer plain.Cleanup()
	packed, err := renameio.NewPendingFile(gzPath, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer packed.Cleanup()

	plainBuf := bufio.NewWriter(plain)
	packedBuf := bufio.NewWriter(packed)
	gz := pgzip.NewWriter(packedBuf)
	out := io.MultiWriter(plainBuf, gz)

	header := fmt.Sprintf(`{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::4326"}},"generated_at":%q,"features":[`,
		generated.Format(time.RFC3339))
	if _, err := io.WriteString(out, header); err != nil {
		return err
	}
	for i := range works {
		if i > 0 {
			if _, err := io.WriteString(out, ",\n"); err != nil {
				return err
			}
		}
		data, err := json.Marshal(featureOf(&works[i]))
		if err != nil {
			return fmt.Errorf("encode work %d: %w", works[i].ID, err)
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(out, "]}\n"); err != nil {
		return err
	}

	if err := gz.Close(); err != nil {
		return err
	}
	if err := plainBuf.Flush(); err != nil {
		return err
	}
	if err := packedBuf.Flush(); err != nil {
		return err
	}
	if err := plain.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return packed.CloseAtomicallyReplace()
}

// SnapshotPublisher lädt die Dateien eines Snapshots an ein entferntes Ziel hoch,
// implementiert von *storage.S3Publisher.
type SnapshotPublisher interface {
	Publish(ctx context.Context, snapshot string, files []string) ([]string, error)
}

// CacheService regeneriert alle Export-Artefakte aus dem aktuellen Datenbestand.
type CacheService struct {
	DB        *gorm.DB
	Logger    *zap.Logger
	Dir       string
	Exports   []Export
	Publisher SnapshotPublisher // optional
	Now       func() time.Time
	// KeepSnapshots begrenzt die lokal aufbewahrten Snapshots; 0 heißt unbegrenzt.
	KeepSnapshots int
}

// NewCacheService erstellt den Service für GeoJSON und GeoPackage im Verzeichnis dir.
func NewCacheService(db *gorm.DB, logger *zap.Logger, dir string, publisher SnapshotPublisher) *CacheService {
	return &CacheService{
		DB:     db,
		Logger: logger,
		Dir:    dir,
		Exports: []Export{
			{Kind: KindGeoJSON, Dir: dir},
			{Kind: KindGeoPackage, Dir: dir},
		},
		Publisher:     publisher,
		Now:           time.Now,
		KeepSnapshots: DefaultKeepSnapshots,
	}
}

// RegenerateAll baut jedes Artefakt unabhängig neu. Der Fehlschlag eines Formats
// hält die anderen nicht auf; alle Fehler werden gesammelt zurückgegeben.
func (c *CacheService) RegenerateAll(ctx context.Context) ([]models.ExportArtifact, error) {
	var works []models.Work
	if err := c.DB.WithContext(ctx).Order("id").Find(&works).Error; err != nil {
		return nil, fmt.Errorf("load works: %w", err)
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, err
	}

	now := c.Now().UTC()
	snapshot := now.Format("20060102T150405Z")
	var records []models.ExportArtifact
	var errs []error
	for _, e := range c.Exports {
		log := c.Logger.With(zap.String("kind", string(e.Kind)))
		art, err := e.Regenerate(ctx, works, now)
		if err != nil {
			exportRegenerationsTotal.WithLabelValues(string(e.Kind), "failed").Inc()
			log.Error("Export-Regenerierung fehlgeschlagen", zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", e.Kind, err))
			continue
		}
		archived, err := c.archive(snapshot, art)
		if err != nil {
			exportRegenerationsTotal.WithLabelValues(string(e.Kind), "failed").Inc()
			log.Error("Snapshot konnte nicht abgelegt werden", zap.String("snapshot", snapshot), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: archive: %w", e.Kind, err))
			continue
		}
		exportRegenerationsTotal.WithLabelValues(string(e.Kind), "ok").Inc()

		rec := models.ExportArtifact{
			ID:           art.ID,
			Kind:         string(art.Kind),
			Path:         archived,
			SizeBytes:    art.SizeBytes,
			FeatureCount: art.FeatureCount,
			GeneratedAt:  art.GeneratedAt,
		}
		if c.Publisher != nil {
			links, err := c.Publisher.Publish(ctx, snapshot, art.Files)
			if err != nil {
				// Lokal ist das Artefakt bereits veröffentlicht.
				log.Error("Upload des Snapshots fehlgeschlagen", zap.String("snapshot", snapshot), zap.Error(err))
			} else if len(links) > 0 {
				rec.RemoteURL = links[0]
			}
		}
		if err := c.DB.WithContext(ctx).Create(&rec).Error; err != nil {
			log.Warn("Artefakt konnte nicht protokolliert werden", zap.Error(err))
		}
		log.Info("Export regeneriert",
			zap.String("path", art.Path),
			zap.Int("features", art.FeatureCount),
			zap.Int64("bytes", art.SizeBytes))
		records = append(records, rec)
	}
	if err := c.pruneSnapshots(ctx); err != nil {
		c.Logger.Warn("Alte Snapshots konnten nicht entfernt werden", zap.Error(err))
	}
	return records, errors.Join(errs...)
}

// archive legt die gerade veröffentlichten Dateien unter snapshots/{snapshot} ab und
// liefert den Pfad der Hauptdatei. Die stabilen Dateinamen werden beim nächsten Lauf
// ersetzt, der Snapshot bleibt unverändert.
func (c *CacheService) archive(snapshot string, art *Artifact) (string, error) {
	dir := filepath.Join(c.Dir, SnapshotDir, snapshot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for _, f := range art.Files {
		if err := linkOrCopy(f, filepath.Join(dir, filepath.Base(f))); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, filepath.Base(art.Path)), nil
}

// linkOrCopy legt dst als Hardlink auf src an, über Dateisystemgrenzen hinweg als Kopie.
func linkOrCopy(src, dst string) error {
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}

// pruneSnapshots entfernt die ältesten Snapshots samt ihren Artefakt-Zeilen.
func (c *CacheService) pruneSnapshots(ctx context.Context) error {
	if c.KeepSnapshots <= 0 {
		return nil
	}
	root := filepath.Join(c.Dir, SnapshotDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= c.KeepSnapshots {
		return nil
	}
	// ReadDir sortiert nach Namen, die Zeitstempel also chronologisch.
	var errs []error
	for _, name := range names[:len(names)-c.KeepSnapshots] {
		dir := filepath.Join(root, name)
		if err := c.DB.WithContext(ctx).Where("path LIKE ?", dir+string(filepath.Separator)+"%").
			Delete(&models.ExportArtifact{}).Error; err != nil {
			errs = append(errs, fmt.Errorf("delete artifacts of %s: %w", name, err))
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		c.Logger.Info("Alter Snapshot entfernt", zap.String("snapshot", name))
	}
	return errors.Join(errs...)
}

// Latest liefert das zuletzt erzeugte Artefakt einer Art.
func (c *CacheService) Latest(ctx context.Context, kind ArtifactKind) (*models.ExportArtifact, error) {
	var rec models.ExportArtifact
	err := c.DB.WithContext(ctx).Where("kind = ?", string(kind)).Order("generated_at desc").First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
