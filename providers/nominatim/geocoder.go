package nominatim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// ErrNoMatch meldet, dass der Geocoder zum Namen nichts gefunden hat.
var ErrNoMatch = errors.New("nominatim: no match")

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Geocoder löst Namen über die Nominatim-Suche in Koordinaten auf.
type Geocoder struct {
	BaseURL   string
	UserAgent string
	Logger    *zap.Logger
	client    *http.Client
}

// NewGeocoder erstellt einen Geocoder mit eigenem Zeitlimit.
func NewGeocoder(baseURL, userAgent string, timeout time.Duration, logger *zap.Logger) *Geocoder {
	return &Geocoder{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: userAgent,
		Logger:    logger,
		client:    &http.Client{Timeout: timeout},
	}
}

// Geocode liefert den besten Treffer für name.
func (g *Geocoder) Geocode(ctx context.Context, name string) (orb.Point, error) {
	q := url.Values{}
	q.Set("q", name)
	q.Set("format", "json")
	q.Set("limit", "1")
	target := g.BaseURL + "/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return orb.Point{}, err
	}
	// Nominatim verlangt einen identifizierenden User-Agent.
	req.Header.Set("User-Agent", g.UserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return orb.Point{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return orb.Point{}, fmt.Errorf("nominatim request failed with status: %d", resp.StatusCode)
	}

	var places []place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return orb.Point{}, err
	}
	if len(places) == 0 {
		return orb.Point{}, ErrNoMatch
	}
	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("nominatim: bad lat %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("nominatim: bad lon %q: %w", places[0].Lon, err)
	}
	g.Logger.Debug("Ort gefunden", zap.String("query", name), zap.String("match", places[0].DisplayName))
	return orb.Point{lon, lat}, nil
}
