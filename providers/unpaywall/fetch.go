package unpaywall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// ErrNoLocation meldet eine DOI ohne bekannte Open-Access-Fundstelle.
var ErrNoLocation = errors.New("unpaywall: no open access location")

// Response repräsentiert die JSON-Antwort der Unpaywall-API.
type Response struct {
	DOI            string `json:"doi"`
	DOIURL         string `json:"doi_url"`
	BestOALocation *struct {
		URL               string `json:"url"`
		URLForLandingPage string `json:"url_for_landing_page"`
		URLForPDF         string `json:"url_for_pdf"`
	} `json:"best_oa_location"`
}

// Resolver ermittelt über Unpaywall die Landing Page zu einer DOI.
type Resolver struct {
	BaseURL string
	Email   string
	Logger  *zap.Logger
	client  *http.Client
}

// NewResolver erstellt einen neuen Unpaywall-Resolver.
func NewResolver(baseURL, email string, timeout time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Email:   email,
		Logger:  logger,
		client:  &http.Client{Timeout: timeout},
	}
}

// LandingPage liefert die URL der Artikelseite zur DOI.
func (r *Resolver) LandingPage(ctx context.Context, doi string) (string, error) {
	if r.Email == "" {
		return "", fmt.Errorf("unpaywall email ist nicht konfiguriert")
	}

	u := fmt.Sprintf("%s/%s?email=%s", r.BaseURL, doi, url.QueryEscape(r.Email))
	log := r.Logger.With(zap.String("doi", doi))
	log.Debug("Rufe Unpaywall API auf.")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNoLocation
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unpaywall request failed with status: %d", resp.StatusCode)
	}

	var ur Response
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", err
	}

	if loc := ur.BestOALocation; loc != nil {
		if loc.URLForLandingPage != "" {
			return loc.URLForLandingPage, nil
		}
		if loc.URL != "" {
			return loc.URL, nil
		}
	}
	if ur.DOIURL != "" {
		return ur.DOIURL, nil
	}
	log.Debug("Keine Fundstelle in Unpaywall-Antwort gefunden.")
	return "", ErrNoLocation
}
