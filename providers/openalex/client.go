package openalex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sethgrid/pester"
	"go.uber.org/zap"
)

var (
	// ErrNotFound meldet, dass OpenAlex zur Kennung keine Quelle kennt.
	ErrNotFound = errors.New("openalex: source not found")
	// ErrTooManyRedirects meldet eine zweite Weiterleitung im Fallback-Pfad.
	ErrTooManyRedirects = errors.New("openalex: more than one redirect")
	// ErrTargetRejected meldet ein Ziel, das die Zielprüfung abgelehnt hat.
	ErrTargetRejected = errors.New("openalex: target rejected")
)

// maxRedirects begrenzt die Sprünge im primären Pfad.
const maxRedirects = 5

// TargetCheck prüft eine URL, bevor sie abgerufen wird.
type TargetCheck func(ctx context.Context, rawURL string) error

// DialControl prüft die tatsächlich gewählte Adresse beim Verbindungsaufbau.
type DialControl func(network, address string, c syscall.RawConn) error

// Option konfiguriert den Client.
type Option func(*Client)

// WithTargetCheck prüft die Lookup-URL und jede Weiterleitung vor dem Abruf.
func WithTargetCheck(check TargetCheck) Option {
	return func(c *Client) { c.check = check }
}

// WithDialControl prüft jede ausgehende Verbindung auf Socket-Ebene. Ein Proxy aus
// der Umgebung wird dann nicht genutzt, damit die geprüfte Adresse das Ziel ist.
func WithDialControl(control DialControl) Option {
	return func(c *Client) { c.control = control }
}

// Client fragt die OpenAlex-API ab. Primär über einen pester-Client mit
// Wiederholungen, im Fehlerfall über direkte Anfragen mit genau einem 302-Sprung.
type Client struct {
	BaseURL string
	Mailto  string
	Logger  *zap.Logger

	primary  *pester.Client
	fallback *http.Client
	check    TargetCheck
	control  DialControl
}

// NewClient erstellt einen OpenAlex-Client. Weiterleitungen folgt keiner der beiden
// Pfade automatisch, damit jedes Ziel geprüft werden kann.
func NewClient(baseURL, mailto string, timeout time.Duration, maxRetries int, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Mailto:  mailto,
		Logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	var transport http.RoundTripper = http.DefaultTransport
	if c.control != nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.Proxy = nil
		t.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   c.control,
		}).DialContext
		transport = t
	}
	noRedirect := func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	c.primary = pester.NewExtendedClient(&http.Client{Timeout: timeout, Transport: transport, CheckRedirect: noRedirect})
	c.primary.MaxRetries = maxRetries
	c.primary.Backoff = pester.ExponentialBackoff
	c.primary.KeepLog = true
	c.fallback = &http.Client{Timeout: timeout, Transport: transport, CheckRedirect: noRedirect}
	return c
}

// SourceURL liefert die Lookup-URL für eine Quelle: per ISSN oder per Namenssuche.
func (c *Client) SourceURL(issn, name string) string {
	var u string
	if issn != "" {
		u = fmt.Sprintf("%s/sources/issn:%s", c.BaseURL, url.PathEscape(issn))
	} else {
		u = fmt.Sprintf("%s/sources?filter=%s", c.BaseURL, url.QueryEscape("display_name.search:"+name))
	}
	return c.withMailto(u)
}

// FetchSource lädt die Metadaten einer Quelle per ISSN, ohne ISSN per Namenssuche.
func (c *Client) FetchSource(ctx context.Context, issn, name string) (*Source, error) {
	if issn == "" && strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("openalex: neither issn nor name given")
	}
	target := c.SourceURL(issn, name)
	body, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}

	if issn != "" {
		var src Source
		if err := json.Unmarshal(body, &src); err != nil {
			return nil, fmt.Errorf("openalex: decode source: %w", err)
		}
		return &src, nil
	}

	var list sourceList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("openalex: decode search: %w", err)
	}
	if len(list.Results) == 0 {
		return nil, ErrNotFound
	}
	return &list.Results[0], nil
}

// FetchWorkIDs lädt die IDs der (ersten 100) Werke einer Quelle.
func (c *Client) FetchWorkIDs(ctx context.Context, openalexID string) ([]string, error) {
	short := ShortID(openalexID)
	if short == "" {
		return nil, fmt.Errorf("openalex: empty source id")
	}
	target := c.withMailto(fmt.Sprintf("%s/works?filter=locations.source.id:%s&per-page=100", c.BaseURL, url.QueryEscape(short)))
	body, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	var list workList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("openalex: decode works: %w", err)
	}
	ids := make([]string, 0, len(list.Results))
	for _, w := range list.Results {
		if w.ID != "" {
			ids = append(ids, w.ID)
		}
	}
	return ids, nil
}

func (c *Client) checkTarget(ctx context.Context, target string) error {
	if c.check == nil {
		return nil
	}
	if err := c.check(ctx, target); err != nil {
		return fmt.Errorf("%w: %w", ErrTargetRejected, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	if err := c.checkTarget(ctx, target); err != nil {
		return nil, err
	}
	body, err := c.getPrimary(ctx, target)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrTargetRejected) {
		return body, err
	}
	c.Logger.Warn("Primärer OpenAlex-Abruf fehlgeschlagen, nutze Fallback", zap.String("url", target), zap.Error(err))
	return c.getFallback(ctx, target)
}

func (c *Client) getPrimary(ctx context.Context, target string) ([]byte, error) {
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.primary.Do(req)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, err
		}
		if !isRedirect(resp.StatusCode) {
			defer resp.Body.Close()
			return readBody(resp)
		}

		loc, err := resp.Location()
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("openalex: redirect without location: %w", err)
		}
		if hop >= maxRedirects {
			return nil, fmt.Errorf("openalex: stopped after %d redirects", maxRedirects)
		}
		if err := c.checkTarget(ctx, loc.String()); err != nil {
			return nil, err
		}
		target = loc.String()
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (c *Client) getFallback(ctx context.Context, target string) ([]byte, error) {
	resp, err := c.fallbackRequest(ctx, target)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusFound {
		loc, err := resp.Location()
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("openalex: redirect without location: %w", err)
		}
		if err := c.checkTarget(ctx, loc.String()); err != nil {
			return nil, err
		}
		c.Logger.Debug("Folge OpenAlex-Weiterleitung", zap.String("location", loc.String()))
		resp, err = c.fallbackRequest(ctx, loc.String())
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			resp.Body.Close()
			return nil, ErrTooManyRedirects
		}
	}
	defer resp.Body.Close()
	return readBody(resp)
}

func (c *Client) fallbackRequest(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.fallback.Do(req)
}

func (c *Client) withMailto(u string) string {
	if c.Mailto == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "mailto=" + url.QueryEscape(c.Mailto)
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openalex request failed with status: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
