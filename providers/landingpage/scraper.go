package landingpage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/paulmach/orb"

	"geo-harvest/providers"
)

// Metadata sind die aus einer Artikelseite gelesenen Zusatzangaben.
type Metadata struct {
	Geometry    orb.Geometry
	PeriodStart string
	PeriodEnd   string
}

// Scraper liest Dublin-Core-Meta-Tags (DC.SpatialCoverage, DC.temporal) aus Landing Pages.
type Scraper struct {
	UserAgent string
	client    *http.Client
}

// NewScraper erstellt einen Scraper mit Zeitlimit.
func NewScraper(timeout time.Duration, userAgent string) *Scraper {
	return &Scraper{UserAgent: userAgent, client: &http.Client{Timeout: timeout}}
}

// Fetch lädt pageURL und wertet die Meta-Tags aus.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.UserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("landing page request failed with status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}
	return Extract(doc), nil
}

// Extract liest die Meta-Tags aus einem bereits geparsten Dokument.
func Extract(doc *goquery.Document) *Metadata {
	md := &Metadata{}
	doc.Find("meta[name]").Each(func(_ int, sel *goquery.Selection) {
		name := strings.ToLower(strings.TrimSpace(sel.AttrOr("name", "")))
		content := strings.TrimSpace(sel.AttrOr("content", ""))
		if content == "" {
			return
		}
		switch name {
		case "dc.spatialcoverage", "dc.coverage.spatial":
			if md.Geometry == nil {
				if g, err := providers.ParseGeometry(content); err == nil {
					md.Geometry = g
				}
			}
		case "dc.temporal", "dc.periodoftime", "dc.coverage.temporal":
			if md.PeriodStart == "" {
				md.PeriodStart, md.PeriodEnd = parsePeriod(content)
			}
		}
	})
	return md
}

// parsePeriod versteht "start/end" sowie DCMI-Period-Notation ("start=..; end=..;").
func parsePeriod(s string) (start, end string) {
	if strings.Contains(s, "=") {
		for _, part := range strings.Split(s, ";") {
			k, v, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(k)) {
			case "start":
				start = strings.TrimSpace(v)
			case "end":
				end = strings.TrimSpace(v)
			}
		}
		return start, end
	}
	if a, b, ok := strings.Cut(s, "/"); ok {
		return strings.TrimSpace(a), strings.TrimSpace(b)
	}
	return strings.TrimSpace(s), ""
}
