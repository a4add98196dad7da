package providers

import (
	"errors"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/segmentio/encoding/json"
)

var errNoGeometry = errors.New("no geometry found")

// ParseDate versucht ein Datum in beliebigem gängigem Format zu lesen.
// Nicht lesbare Werte ergeben nil ("unbekannt").
func ParseDate(values ...string) *time.Time {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		t, err := dateparse.ParseIn(v, time.UTC)
		if err != nil {
			continue
		}
		t = t.UTC()
		return &t
	}
	return nil
}

// ParseGeometry liest GeoJSON (Geometry, Feature, FeatureCollection) oder WKT.
func ParseGeometry(s string) (orb.Geometry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errNoGeometry
	}
	if strings.HasPrefix(s, "{") {
		return parseGeoJSON([]byte(s))
	}
	return wkt.Unmarshal(s)
}

func parseGeoJSON(data []byte) (orb.Geometry, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, err
		}
		var collection orb.Collection
		for _, f := range fc.Features {
			if f.Geometry != nil {
				collection = append(collection, f.Geometry)
			}
		}
		switch len(collection) {
		case 0:
			return nil, errNoGeometry
		case 1:
			return collection[0], nil
		}
		return collection, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, err
		}
		if f.Geometry == nil {
			return nil, errNoGeometry
		}
		return f.Geometry, nil
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, err
		}
		return g.Geometry(), nil
	}
}

// CollapseSpace entfernt führende/abschließende Leerzeichen und fasst Whitespace zusammen.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FirstNonEmpty liefert den ersten nicht-leeren Wert.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = CollapseSpace(v); v != "" {
			return v
		}
	}
	return ""
}
