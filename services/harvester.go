package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"geo-harvest/config"
	"geo-harvest/models"
	"geo-harvest/providers"
	"geo-harvest/providers/feed"
	"geo-harvest/providers/landingpage"
	"geo-harvest/providers/oaipmh"
	"geo-harvest/providers/unpaywall"
)

// userAgentTransport setzt den konfigurierten User-Agent auf jede Anfrage.
type userAgentTransport struct {
	UserAgent string
	Transport http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.UserAgent)
	return t.Transport.RoundTrip(req)
}

// LandingPageFetcher liefert Zusatzmetadaten von der Artikelseite, implementiert von *landingpage.Scraper.
type LandingPageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (*landingpage.Metadata, error)
}

// LinkResolver findet die Landing Page zu einer DOI, implementiert von *unpaywall.Resolver.
type LinkResolver interface {
	LandingPage(ctx context.Context, doi string) (string, error)
}

// SourceRun fasst das Ergebnis eines Laufs für die Zusammenfassung zusammen.
type SourceRun struct {
	Source  string             `json:"source"`
	EventID uint               `json:"event_id"`
	Status  models.EventStatus `json:"status"`
	Created int                `json:"created"`
	Updated int                `json:"updated"`
	Skipped int                `json:"skipped"`
	Errored int                `json:"errored"`
	Error   string             `json:"error,omitempty"`
}

// HarvestSummary ist die Zusammenfassung eines Sweeps über alle Quellen.
type HarvestSummary struct {
	Runs []SourceRun `json:"runs"`
}

// Totals summiert die Zähler aller Läufe.
func (s HarvestSummary) Totals() (created, updated, skipped, errored int) {
	for _, r := range s.Runs {
		created += r.Created
		updated += r.Updated
		skipped += r.Skipped
		errored += r.Errored
	}
	return
}

// HarvestService orchestriert Harvesting-Läufe für alle registrierten Quellen.
type HarvestService struct {
	Config  *config.Config
	DB      *gorm.DB
	Logger  *zap.Logger
	Tracker *Tracker
	Writer  DraftWriter
	OAI     *oaipmh.Parser
	Feeds   *feed.Parser
	Pages   LandingPageFetcher
	Links   LinkResolver

	client *http.Client
}

// NewHarvestService erstellt den Service. Landing-Page-Anreicherung ist nur aktiv,
// wenn sie konfiguriert ist.
func NewHarvestService(cfg *config.Config, db *gorm.DB, logger *zap.Logger, tracker *Tracker, writer DraftWriter) *HarvestService {
	h := &HarvestService{
		Config:  cfg,
		DB:      db,
		Logger:  logger,
		Tracker: tracker,
		Writer:  writer,
		OAI:     oaipmh.NewParser(),
		Feeds:   feed.NewParser(cfg.HTTPTimeout, cfg.UserAgent),
		client: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: &userAgentTransport{UserAgent: cfg.UserAgent, Transport: http.DefaultTransport},
		},
	}
	if cfg.HarvestScrapeLandingPages {
		h.Pages = landingpage.NewScraper(cfg.HTTPTimeout, cfg.UserAgent)
		if cfg.UnpaywallEmail != "" {
			h.Links = unpaywall.NewResolver(cfg.UnpaywallBaseURL, cfg.UnpaywallEmail, cfg.HTTPTimeout, logger)
		}
	}
	return h
}

// RunForAllSources harvestet alle Quellen mit Harvest-URL. Fehler einer Quelle
// werden protokolliert und blockieren die übrigen nicht.
func (h *HarvestService) RunForAllSources(ctx context.Context) (HarvestSummary, error) {
	var summary HarvestSummary
	if _, err := h.Tracker.ReclaimStale(ctx, h.Config.HarvestStaleAfter); err != nil {
		h.Logger.Error("Zurücksetzen hängender Events fehlgeschlagen", zap.Error(err))
	}

	var sources []models.Source
	if err := h.DB.WithContext(ctx).Where("harvest_url <> ''").Order("id").Find(&sources).Error; err != nil {
		h.Logger.Error("Fehler beim Abrufen der Quellen", zap.Error(err))
		return summary, err
	}

	for i := range sources {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		src := &sources[i]
		ev, err := h.RunForSource(ctx, src)
		run := SourceRun{Source: src.Key()}
		if ev != nil {
			run.EventID = ev.ID
			run.Status = ev.Status
			run.Created, run.Updated, run.Skipped, run.Errored = ev.CreatedCount, ev.UpdatedCount, ev.SkippedCount, ev.ErroredCount
		}
		if err != nil {
			run.Error = err.Error()
			h.Logger.Error("Harvesting der Quelle fehlgeschlagen", zap.String("source", src.Key()), zap.Error(err))
		}
		summary.Runs = append(summary.Runs, run)
	}

	created, updated, skipped, errored := summary.Totals()
	h.Logger.Info("Harvesting-Sweep abgeschlossen",
		zap.Int("sources", len(sources)),
		zap.Int("created", created),
		zap.Int("updated", updated),
		zap.Int("skipped", skipped),
		zap.Int("errored", errored))
	return summary, nil
}

// RunForSource führt einen Lauf für genau eine Quelle aus.
func (h *HarvestService) RunForSource(ctx context.Context, src *models.Source) (*models.HarvestingEvent, error) {
	if src.HarvestURL == "" {
		return nil, fmt.Errorf("source %q has no harvest url", src.Name)
	}
	method := src.FeedType
	if method == "" {
		method = models.FeedTypeOAIPMH
	}

	ev, err := h.Tracker.Open(ctx, src, method)
	if err != nil {
		return nil, err
	}
	if err := h.Tracker.Start(ctx, ev); err != nil {
		return ev, err
	}

	var drafts providers.Drafts
	switch method {
	case models.FeedTypeRSS:
		drafts = h.Feeds.Parse(ctx, src.HarvestURL)
	case models.FeedTypeOAIPMH:
		data, err := h.fetchOAI(ctx, src.HarvestURL)
		if err != nil {
			return ev, h.Tracker.Fail(ctx, ev, err)
		}
		drafts = h.OAI.Parse(data)
	default:
		return ev, h.Tracker.Fail(ctx, ev, fmt.Errorf("unknown feed type %q", method))
	}

	drafts = h.enrich(ctx, limitDrafts(drafts, h.Config.HarvestMaxRecords))
	runErr := h.Tracker.Consume(ctx, ev, src, drafts, h.Writer)

	now := time.Now().UTC()
	if err := h.DB.WithContext(ctx).Model(src).UpdateColumn("last_harvest_at", now).Error; err != nil {
		h.Logger.Warn("last_harvest_at konnte nicht gesetzt werden", zap.String("source", src.Key()), zap.Error(err))
	} else {
		src.LastHarvestAt = &now
	}
	return ev, runErr
}

// HarvestOAIDocument verarbeitet ein bereits abgerufenes OAI-PMH-Dokument.
func (h *HarvestService) HarvestOAIDocument(ctx context.Context, src *models.Source, data []byte) (*models.HarvestingEvent, error) {
	return h.Tracker.Run(ctx, src, models.FeedTypeOAIPMH, h.OAI.Parse(data), h.Writer)
}

// HarvestFeed verarbeitet einen RSS/Atom-Feed (URL oder lokaler Pfad).
func (h *HarvestService) HarvestFeed(ctx context.Context, src *models.Source, ref string) (*models.HarvestingEvent, error) {
	return h.Tracker.Run(ctx, src, models.FeedTypeRSS, h.Feeds.Parse(ctx, ref), h.Writer)
}

func (h *HarvestService) fetchOAI(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if h.Config.OAIUsername != "" {
		req.SetBasicAuth(h.Config.OAIUsername, h.Config.OAIPassword)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch oai-pmh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("oai-pmh request failed with status: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// enrich ergänzt Geometrie und Zeitraum von der Landing Page, wenn der Entwurf keine Geometrie hat.
// Fehlt die URL, wird sie über die DOI nachgeschlagen.
func (h *HarvestService) enrich(ctx context.Context, drafts providers.Drafts) providers.Drafts {
	if h.Pages == nil {
		return drafts
	}
	return func(yield func(*models.WorkDraft, error) bool) {
		for d, err := range drafts {
			if err == nil && d.Geometry == nil && d.URL == "" && d.PersistentID != "" && h.Links != nil {
				if link, lerr := h.Links.LandingPage(ctx, d.PersistentID); lerr == nil {
					d.URL = link
				} else {
					h.Logger.Debug("Keine Landing Page zur DOI", zap.String("doi", d.PersistentID), zap.Error(lerr))
				}
			}
			if err == nil && d.Geometry == nil && d.URL != "" {
				md, ferr := h.Pages.Fetch(ctx, d.URL)
				if ferr != nil {
					h.Logger.Warn("Landing Page nicht lesbar", zap.String("url", d.URL), zap.Error(ferr))
				} else {
					d.Geometry = md.Geometry
					if d.PeriodStart == "" {
						d.PeriodStart, d.PeriodEnd = md.PeriodStart, md.PeriodEnd
					}
				}
			}
			if !yield(d, err) {
				return
			}
		}
	}
}

// limitDrafts begrenzt die Anzahl erfolgreich gelesener Entwürfe; 0 heißt unbegrenzt.
func limitDrafts(drafts providers.Drafts, max int) providers.Drafts {
	if max <= 0 {
		return drafts
	}
	return func(yield func(*models.WorkDraft, error) bool) {
		n := 0
		for d, err := range drafts {
			if err == nil {
				if n >= max {
					return
				}
				n++
			}
			if !yield(d, err) {
				return
			}
		}
	}
}
