package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Zeitlimit für alle ausgehenden Netzwerkaufrufe
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	UserAgent   string        `envconfig:"USER_AGENT" default:"geo-harvest/1.0 (+https://github.com/geo-harvest)"`

	// Quellen-Registry, wird beim Start eingelesen (optional)
	SourcesFile string `envconfig:"SOURCES_FILE"`

	// Harvesting
	OAIUsername               string        `envconfig:"OAI_USERNAME"`
	OAIPassword               string        `envconfig:"OAI_PASSWORD"`
	HarvestMaxRecords         int           `envconfig:"HARVEST_MAX_RECORDS" default:"0"`
	HarvestStaleAfter         time.Duration `envconfig:"HARVEST_STALE_AFTER" default:"24h"`
	HarvestScrapeLandingPages bool          `envconfig:"HARVEST_SCRAPE_LANDING_PAGES" default:"false"`
	HarvestSchedule           string        `envconfig:"HARVEST_SCHEDULE" default:"0 3 * * *"`

	// DOI-Auflösung für Einträge ohne Link, nur zusammen mit Landing-Page-Anreicherung
	UnpaywallBaseURL string `envconfig:"UNPAYWALL_BASE_URL" default:"https://api.unpaywall.org/v2"`
	UnpaywallEmail   string `envconfig:"UNPAYWALL_EMAIL"`

	// OpenAlex-Synchronisation
	OpenAlexBaseURL       string        `envconfig:"OPENALEX_BASE_URL" default:"https://api.openalex.org"`
	OpenAlexMailto        string        `envconfig:"OPENALEX_MAILTO"`
	OpenAlexMaxRetries    int           `envconfig:"OPENALEX_MAX_RETRIES" default:"3"`
	SyncDelay             time.Duration `envconfig:"SYNC_DELAY" default:"200ms"`
	SyncSchedule          string        `envconfig:"SYNC_SCHEDULE" default:"0 4 * * 0"`
	AllowPrivateEndpoints bool          `envconfig:"ALLOW_PRIVATE_ENDPOINTS" default:"false"`

	NominatimURL     string        `envconfig:"NOMINATIM_URL" default:"https://nominatim.openstreetmap.org"`
	GeocoderTimeout  time.Duration `envconfig:"GEOCODER_TIMEOUT" default:"10s"`
	GeocoderDisabled bool          `envconfig:"GEOCODER_DISABLED" default:"false"`

	// Export-Artefakte
	ExportDir           string        `envconfig:"EXPORT_DIR"`
	CacheInterval       time.Duration `envconfig:"CACHE_INTERVAL" default:"6h"`
	ExportKeepSnapshots int           `envconfig:"EXPORT_KEEP_SNAPSHOTS" default:"4"`

	// S3 ist optional: ohne Bucket werden Artefakte nur lokal veröffentlicht.
	S3Key    string `envconfig:"S3_KEY"`
	S3Secret string `envconfig:"S3_SECRET"`
	S3URL    string `envconfig:"S3_URL"`
	S3Region string `envconfig:"S3_REGION" default:"eu-central-1"`
	S3Bucket string `envconfig:"S3_BUCKET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// S3Enabled meldet, ob ein S3-Ziel für Snapshots konfiguriert ist.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3URL != ""
}

// CacheSchedule liefert den cron-Ausdruck für die Export-Regenerierung.
func (c *Config) CacheSchedule() string {
	return fmt.Sprintf("@every %s", c.CacheInterval)
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if c.ExportDir == "" {
		c.ExportDir = filepath.Join(xdg.CacheHome, "geo-harvest", "exports")
	}
	return &c, nil
}
