package openalex

import (
	"strings"

	"github.com/segmentio/encoding/json"
)

// Source ist die (teilweise) JSON-Antwort des OpenAlex-Endpunkts /sources.
type Source struct {
	ID                   string          `json:"id"`
	DisplayName          string          `json:"display_name"`
	ISSNL                string          `json:"issn_l"`
	ISSN                 []string        `json:"issn"`
	HostOrganization     json.RawMessage `json:"host_organization"`
	HostOrganizationName string          `json:"host_organization_name"`
	WorksCount           int64           `json:"works_count"`
	WorksAPIURL          string          `json:"works_api_url"`
	HomepageURL          string          `json:"homepage_url"`
	UpdatedDate          string          `json:"updated_date"`
	IsOA                 bool            `json:"is_oa"`
	Location             *Location       `json:"location,omitempty"`
	Latitude             *float64        `json:"latitude,omitempty"`
	Longitude            *float64        `json:"longitude,omitempty"`
}

// Location sind optionale Koordinaten, wie sie einige Quellen-Einträge mitliefern.
type Location struct {
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// PublisherName liefert den Namen der Trägerorganisation. host_organization ist
// je nach API-Version ein Objekt mit display_name oder nur eine ID.
func (s *Source) PublisherName() string {
	if name := strings.TrimSpace(s.HostOrganizationName); name != "" {
		return name
	}
	var org struct {
		DisplayName string `json:"display_name"`
	}
	if len(s.HostOrganization) > 0 && s.HostOrganization[0] == '{' {
		if err := json.Unmarshal(s.HostOrganization, &org); err == nil && org.DisplayName != "" {
			return strings.TrimSpace(org.DisplayName)
		}
	}
	return ""
}

// Coordinates liefert eingebettete Koordinaten (lon, lat), falls vorhanden.
func (s *Source) Coordinates() (lon, lat float64, ok bool) {
	if s.Location != nil {
		la, lo := s.Location.Lat, s.Location.Lon
		if la == nil || lo == nil {
			la, lo = s.Location.Latitude, s.Location.Longitude
		}
		if la != nil && lo != nil {
			return *lo, *la, true
		}
	}
	if s.Latitude != nil && s.Longitude != nil {
		return *s.Longitude, *s.Latitude, true
	}
	return 0, 0, false
}

// ShortID liefert die kurze Form einer OpenAlex-ID ("S123" statt "https://openalex.org/S123").
func ShortID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

type sourceList struct {
	Results []Source `json:"results"`
}

type workList struct {
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}
