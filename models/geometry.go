package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// Geometry speichert eine orb-Geometrie (EPSG:4326) als GeoJSON-Text,
// damit dieselbe Spalte unter PostgreSQL und SQLite funktioniert.
type Geometry struct {
	orb.Geometry
}

// NewGeometry verpackt g; nil ergibt eine leere Geometrie.
func NewGeometry(g orb.Geometry) Geometry {
	return Geometry{Geometry: g}
}

// Valid meldet, ob eine Geometrie gesetzt ist.
func (g Geometry) Valid() bool {
	return g.Geometry != nil
}

// WKT liefert die Geometrie als Well-Known-Text, leer ohne Geometrie.
func (g Geometry) WKT() string {
	if g.Geometry == nil {
		return ""
	}
	return wkt.MarshalString(g.Geometry)
}

func (Geometry) GormDataType() string {
	return "text"
}

func (g Geometry) Value() (driver.Value, error) {
	if g.Geometry == nil {
		return nil, nil
	}
	data, err := json.Marshal(geojson.NewGeometry(g.Geometry))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (g *Geometry) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		g.Geometry = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("geometry: unsupported column type %T", value)
	}
	if len(data) == 0 {
		g.Geometry = nil
		return nil
	}
	parsed, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("geometry: %w", err)
	}
	g.Geometry = parsed.Geometry()
	return nil
}

func (g Geometry) MarshalJSON() ([]byte, error) {
	if g.Geometry == nil {
		return []byte("null"), nil
	}
	return json.Marshal(geojson.NewGeometry(g.Geometry))
}

func (g *Geometry) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		g.Geometry = nil
		return nil
	}
	parsed, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return err
	}
	g.Geometry = parsed.Geometry()
	return nil
}
