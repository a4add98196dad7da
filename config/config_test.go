package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_USER", "harvest")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "geo")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, "4242", cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 24*time.Hour, cfg.HarvestStaleAfter)
	assert.Equal(t, "https://api.unpaywall.org/v2", cfg.UnpaywallBaseURL)
	assert.False(t, cfg.AllowPrivateEndpoints)
	assert.False(t, cfg.S3Enabled())
	assert.Equal(t, "@every 6h0m0s", cfg.CacheSchedule())
	assert.True(t, strings.HasSuffix(cfg.ExportDir, filepath.Join("geo-harvest", "exports")))
	assert.Equal(t, "host=localhost user=harvest password=secret dbname=geo port=5432 sslmode=disable", cfg.DSN())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Chdir(t.TempDir())
	t.Setenv("EXPORT_DIR", "/srv/exports")
	t.Setenv("CACHE_INTERVAL", "30m")
	t.Setenv("S3_BUCKET", "snapshots")
	t.Setenv("S3_URL", "https://s3.example.org")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/exports", cfg.ExportDir)
	assert.Equal(t, "@every 30m0s", cfg.CacheSchedule())
	assert.True(t, cfg.S3Enabled())
}

func TestLoadMissingRequired(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"DB_HOST", "DB_USER", "DB_PASSWORD", "DB_NAME"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	_, err := Load()
	assert.Error(t, err)
}
