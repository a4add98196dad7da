package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/paulmach/orb"

	"geo-harvest/models"
	"geo-harvest/providers"
)

// SourceType ist das Kennzeichen für Entwürfe aus RSS/Atom.
const SourceType = models.FeedTypeRSS

// Parser liest RSS-2.0- und Atom-Feeds über gofeed.
type Parser struct {
	Client    *http.Client
	UserAgent string
}

// NewParser erstellt einen Feed-Parser mit begrenztem Zeitlimit für entfernte Feeds.
func NewParser(timeout time.Duration, userAgent string) *Parser {
	return &Parser{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

// Parse liest den Feed hinter ref (http(s)-URL, file://-URL oder lokaler Pfad)
// und liefert die Einträge in Feed-Reihenfolge.
func (p *Parser) Parse(ctx context.Context, ref string) providers.Drafts {
	return func(yield func(*models.WorkDraft, error) bool) {
		f, err := p.load(ctx, ref)
		if err != nil {
			yield(nil, &providers.DocumentError{Err: err})
			return
		}
		for _, item := range f.Items {
			if !yield(draftFromItem(item)) {
				return
			}
		}
	}
}

func (p *Parser) load(ctx context.Context, ref string) (*gofeed.Feed, error) {
	fp := gofeed.NewParser()
	u, err := url.Parse(ref)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		fp.Client = p.Client
		if p.UserAgent != "" {
			fp.UserAgent = p.UserAgent
		}
		return fp.ParseURLWithContext(ref, ctx)
	}

	path := ref
	if err == nil && u.Scheme == "file" {
		path = u.Path
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return fp.Parse(fh)
}

func draftFromItem(item *gofeed.Item) (*models.WorkDraft, error) {
	id := providers.FirstNonEmpty(item.GUID, item.Link)
	title := providers.FirstNonEmpty(item.Title)
	if title == "" {
		return nil, &providers.ItemError{Identifier: id, Err: providers.ErrMissingTitle}
	}

	d := &models.WorkDraft{
		Title:            title,
		Abstract:         providers.FirstNonEmpty(item.Description, item.Content),
		SourceIdentifier: id,
		URL:              strings.TrimSpace(item.Link),
		SourceType:       SourceType,
	}

	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		d.PublicationDate = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		d.PublicationDate = &t
	default:
		var dcDates []string
		if item.DublinCoreExt != nil {
			dcDates = item.DublinCoreExt.Date
		}
		d.PublicationDate = providers.ParseDate(append([]string{item.Published, item.Updated}, dcDates...)...)
	}

	var candidates []string
	if item.DublinCoreExt != nil {
		candidates = append(candidates, item.DublinCoreExt.Identifier...)
	}
	candidates = append(candidates, item.GUID, item.Link)
	for _, c := range candidates {
		if doi := providers.ExtractDOI(c); doi != "" {
			d.PersistentID = doi
			break
		}
	}

	d.Geometry = geoRSS(item.Extensions)
	return d, nil
}

// geoRSS liest georss:point ("lat lon") oder georss:polygon ("lat lon lat lon ...").
func geoRSS(exts ext.Extensions) orb.Geometry {
	geo, ok := exts["georss"]
	if !ok {
		return nil
	}
	if points := geo["point"]; len(points) > 0 {
		coords, err := parseLatLon(points[0].Value)
		if err == nil && len(coords) == 1 {
			return coords[0]
		}
	}
	if polys := geo["polygon"]; len(polys) > 0 {
		coords, err := parseLatLon(polys[0].Value)
		if err == nil && len(coords) >= 4 {
			ring := orb.Ring(coords)
			if !ring.Closed() {
				ring = append(ring, ring[0])
			}
			return orb.Polygon{ring}
		}
	}
	return nil
}

func parseLatLon(s string) ([]orb.Point, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields)%2 != 0 {
		return nil, fmt.Errorf("georss: odd coordinate count in %q", s)
	}
	points := make([]orb.Point, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		lat, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, err
		}
		lon, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return nil, err
		}
		points = append(points, orb.Point{lon, lat})
	}
	return points, nil
}
