package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"geo-harvest/models"
)

const (
	gpkgApplicationID = 0x47504B47 // "GPKG"
	gpkgUserVersion   = 10300
	gpkgSRSID         = 4326
	gpkgTable         = "works"
)

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`

var gpkgSchema = []string{
	fmt.Sprintf("PRAGMA application_id = %d", gpkgApplicationID),
	fmt.Sprintf("PRAGMA user_version = %d", gpkgUserVersion),
	`CREATE TABLE gpkg_spatial_ref_sys (
		srs_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL PRIMARY KEY,
		organization TEXT NOT NULL,
		organization_coordsys_id INTEGER NOT NULL,
		definition TEXT NOT NULL,
		description TEXT
	)`,
	`CREATE TABLE gpkg_contents (
		table_name TEXT NOT NULL PRIMARY KEY,
		data_type TEXT NOT NULL,
		identifier TEXT UNIQUE,
		description TEXT DEFAULT '',
		last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
		srs_id INTEGER,
		CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
	`CREATE TABLE gpkg_geometry_columns (
		table_name TEXT NOT NULL,
		column_name TEXT NOT NULL,
		geometry_type_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL,
		z TINYINT NOT NULL,
		m TINYINT NOT NULL,
		CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
		CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
		CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys (srs_id)
	)`,
	`CREATE TABLE works (
		fid INTEGER PRIMARY KEY AUTOINCREMENT,
		geom GEOMETRY,
		work_id INTEGER NOT NULL,
		title TEXT,
		abstract TEXT,
		doi TEXT,
		url TEXT,
		publication_date TEXT,
		period_start TEXT,
		period_end TEXT,
		source_type TEXT
	)`,
}

// writeGeoPackage baut die GeoPackage-Datei in einer temporären Datei im Zielverzeichnis
// und ersetzt das veröffentlichte Artefakt erst nach erfolgreichem Abschluss per rename.
func writeGeoPackage(ctx context.Context, path string, works []models.Work, generated time.Time) (err error) {
	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	db, err := sql.Open("sqlite3", tmp)
	if err != nil {
		return err
	}
	if err := fillGeoPackage(ctx, db, works, generated); err != nil {
		db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func fillGeoPackage(ctx context.Context, db *sql.DB, works []models.Work, generated time.Time) error {
	for _, stmt := range gpkgSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("gpkg schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	srs := []struct {
		name, org string
		id, orgID int
		def       string
	}{
		{"Undefined cartesian SRS", "NONE", -1, -1, "undefined"},
		{"Undefined geographic SRS", "NONE", 0, 0, "undefined"},
		{"WGS 84 geodetic", "EPSG", gpkgSRSID, gpkgSRSID, wgs84WKT},
	}
	for _, s := range srs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO gpkg_spatial_ref_sys (srs_name, srs_id, organization, organization_coordsys_id, definition) VALUES (?, ?, ?, ?, ?)`,
			s.name, s.id, s.org, s.orgID, s.def)
		if err != nil {
			return err
		}
	}

	insert, err := tx.PrepareContext(ctx, `INSERT INTO works
		(geom, work_id, title, abstract, doi, url, publication_date, period_start, period_end, source_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insert.Close()

	var extent orb.Bound
	hasExtent := false
	for i := range works {
		w := &works[i]
		var blob []byte
		if w.Geometry.Valid() {
			blob, err = gpkgGeometry(w.Geometry.Geometry)
			if err != nil {
				return fmt.Errorf("encode geometry of work %d: %w", w.ID, err)
			}
			b := w.Geometry.Bound()
			if hasExtent {
				extent = extent.Union(b)
			} else {
				extent, hasExtent = b, true
			}
		}
		var date any
		if w.PublicationDate != nil {
			date = w.PublicationDate.Format("2006-01-02")
		}
		_, err := insert.ExecContext(ctx, blob, w.ID, w.Title, w.Abstract, w.DOI(), w.URL, date, w.PeriodStart, w.PeriodEnd, w.SourceType)
		if err != nil {
			return err
		}
	}

	var minX, minY, maxX, maxY any
	if hasExtent {
		minX, minY, maxX, maxY = extent.Min[0], extent.Min[1], extent.Max[0], extent.Max[1]
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, description, last_change, min_x, min_y, max_x, max_y, srs_id)
		 VALUES (?, 'features', ?, ?, ?, ?, ?, ?, ?, ?)`,
		gpkgTable, gpkgTable, "Harvested works", generated.UTC().Format("2006-01-02T15:04:05.000Z"),
		minX, minY, maxX, maxY, gpkgSRSID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m) VALUES (?, 'geom', 'GEOMETRY', ?, 0, 0)`,
		gpkgTable, gpkgSRSID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// gpkgGeometry kodiert g als GeoPackage-Binary: Header mit XY-Envelope, dann WKB (little endian).
func gpkgGeometry(g orb.Geometry) ([]byte, error) {
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	b := g.Bound()
	var buf bytes.Buffer
	// Magic "GP", Version 0, Flags: Envelope-Typ 1 (Bits 1-3), little endian (Bit 0)
	buf.Write([]byte{'G', 'P', 0, 0x03})
	if err := binary.Write(&buf, binary.LittleEndian, int32(gpkgSRSID)); err != nil {
		return nil, err
	}
	envelope := []float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1]}
	if err := binary.Write(&buf, binary.LittleEndian, envelope); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}
