package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"geo-harvest/models"
	"geo-harvest/providers/openalex"
)

type fakeMetadataClient struct {
	sources map[string]*openalex.Source
	errs    map[string]error
	workIDs []string

	fetches int
}

func (f *fakeMetadataClient) SourceURL(issn, name string) string {
	return "https://api.openalex.org/sources/issn:" + issn
}

func (f *fakeMetadataClient) FetchSource(_ context.Context, issn, _ string) (*openalex.Source, error) {
	f.fetches++
	if err := f.errs[issn]; err != nil {
		return nil, err
	}
	src, ok := f.sources[issn]
	if !ok {
		return nil, openalex.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (f *fakeMetadataClient) FetchWorkIDs(context.Context, string) ([]string, error) {
	return f.workIDs, nil
}

type fakeGeocoder struct {
	point orb.Point
	err   error
	calls []string
}

func (f *fakeGeocoder) Geocode(_ context.Context, name string) (orb.Point, error) {
	f.calls = append(f.calls, name)
	return f.point, f.err
}

func publicGuard() *AddressGuard {
	return &AddressGuard{Lookup: func(context.Context, string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	}}
}

func essdRemote() *openalex.Source {
	return &openalex.Source{
		ID:                   "https://openalex.org/S4210194245",
		DisplayName:          "Earth System Science Data",
		ISSNL:                "1866-3508",
		HostOrganizationName: "Copernicus Publications",
		WorksCount:           2500,
		WorksAPIURL:          "https://api.openalex.org/works?filter=primary_location.source.id:S4210194245",
		UpdatedDate:          "2024-05-01T00:00:00",
	}
}

func newSyncSource(t *testing.T, db *gorm.DB, name, issn string) *models.Source {
	t.Helper()
	src := &models.Source{Name: name, ISSNL: issn, FeedType: models.FeedTypeOAIPMH}
	require.NoError(t, db.Create(src).Error)
	return src
}

func reloadSource(t *testing.T, db *gorm.DB, id uint) *models.Source {
	t.Helper()
	var src models.Source
	require.NoError(t, db.First(&src, id).Error)
	return &src
}

// countSourceUpdates zählt UPDATE-Statements auf der Tabelle sources.
func countSourceUpdates(t *testing.T, db *gorm.DB) *atomic.Int64 {
	t.Helper()
	var n atomic.Int64
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:count_source_updates", func(tx *gorm.DB) {
		if tx.Statement.Table == "sources" && tx.Error == nil {
			n.Add(1)
		}
	}))
	return &n
}

func TestSyncSourceWritesOnceThenNoop(t *testing.T) {
	db := newTestDB(t)
	client := &fakeMetadataClient{
		sources: map[string]*openalex.Source{"1866-3508": essdRemote()},
		workIDs: []string{"W1", "W2"},
	}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, publicGuard(), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")

	res, err := s.SyncSource(t.Context(), src)
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, []string{
		"external_work_ids", "openalex_id", "openalex_url", "publisher_name",
		"remote_updated_date", "works_api_url", "works_count",
	}, res.Changed)

	stored := reloadSource(t, db, src.ID)
	assert.Equal(t, "S4210194245", stored.OpenAlexID)
	assert.Equal(t, "Copernicus Publications", stored.PublisherName)
	assert.Equal(t, int64(2500), stored.WorksCount)
	assert.JSONEq(t, `["W1","W2"]`, string(stored.ExternalWorkIDs))
	assert.Len(t, stored.MetadataHash, 64)

	updates := countSourceUpdates(t, db)
	res, err = s.SyncSource(t.Context(), stored)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Zero(t, updates.Load())
}

func TestSyncSourceWritesOnlyChangedColumn(t *testing.T) {
	db := newTestDB(t)
	remote := essdRemote()
	client := &fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": remote}}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, publicGuard(), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")

	_, err := s.SyncSource(t.Context(), src)
	require.NoError(t, err)
	firstHash := reloadSource(t, db, src.ID).MetadataHash

	remote.WorksCount = 2501
	res, err := s.SyncSource(t.Context(), reloadSource(t, db, src.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{"works_count"}, res.Changed)

	stored := reloadSource(t, db, src.ID)
	assert.Equal(t, int64(2501), stored.WorksCount)
	assert.NotEqual(t, firstHash, stored.MetadataHash)
}

func TestSyncSourceEmptyValuesDoNotOverwrite(t *testing.T) {
	db := newTestDB(t)
	remote := essdRemote()
	client := &fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": remote}}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, publicGuard(), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")
	_, err := s.SyncSource(t.Context(), src)
	require.NoError(t, err)

	remote.HostOrganizationName = ""
	remote.DisplayName = ""
	remote.WorksAPIURL = "  "
	res, err := s.SyncSource(t.Context(), reloadSource(t, db, src.ID))
	require.NoError(t, err)
	assert.Empty(t, res.Changed)

	stored := reloadSource(t, db, src.ID)
	assert.Equal(t, "Copernicus Publications", stored.PublisherName)
	assert.NotEmpty(t, stored.WorksAPIURL)
}

func TestSyncSourceRejectsPrivateTarget(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	db := newTestDB(t)
	client := openalex.NewClient(srv.URL, "", 0, 0, zaptest.NewLogger(t))
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, NewAddressGuard(false), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")

	_, err := s.SyncSource(t.Context(), src)
	require.ErrorIs(t, err, ErrPrivateAddress)
	assert.Zero(t, hits.Load())
	assert.Empty(t, reloadSource(t, db, src.ID).MetadataHash)
}

func TestSweepAbortsOnGuardRejection(t *testing.T) {
	db := newTestDB(t)
	client := &fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": essdRemote()}}
	guard := &AddressGuard{Lookup: func(context.Context, string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("10.0.0.7")}}, nil
	}}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, guard, 0)
	newSyncSource(t, db, "ESSD", "1866-3508")
	newSyncSource(t, db, "Other", "1234-5678")

	_, err := s.Sweep(t.Context())
	require.ErrorIs(t, err, ErrPrivateAddress)
	assert.Zero(t, client.fetches)
}

func TestSweepContinuesAfterSourceFailure(t *testing.T) {
	db := newTestDB(t)
	client := &fakeMetadataClient{
		sources: map[string]*openalex.Source{"1866-3508": essdRemote()},
		errs:    map[string]error{"0000-0000": errors.New("connection reset")},
	}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, publicGuard(), 0)
	newSyncSource(t, db, "Broken", "0000-0000")
	newSyncSource(t, db, "ESSD", "1866-3508")

	summary, err := s.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Written: 1, Failed: 1}, summary)

	summary, err = s.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Unchanged: 1, Failed: 1}, summary)
}

func TestSyncByISSN(t *testing.T) {
	db := newTestDB(t)
	client := &fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": essdRemote()}}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, publicGuard(), 0)
	newSyncSource(t, db, "ESSD", "1866-3508")

	res, err := s.SyncByISSN(t.Context(), "1866-3508")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Changed)

	_, err = s.SyncByISSN(t.Context(), "9999-9999")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSyncSourceGeocodesWhenGeometryMissing(t *testing.T) {
	db := newTestDB(t)
	client := &fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": essdRemote()}}
	geo := &fakeGeocoder{point: orb.Point{9.93, 51.54}}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, geo, publicGuard(), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")

	res, err := s.SyncSource(t.Context(), src)
	require.NoError(t, err)
	assert.Contains(t, res.Changed, "geometry")
	assert.Equal(t, []string{"Copernicus Publications"}, geo.calls)
	assert.Equal(t, orb.Point{9.93, 51.54}, reloadSource(t, db, src.ID).Geometry.Geometry)
}

func TestSyncSourceToleratesGeocoderErrors(t *testing.T) {
	db := newTestDB(t)
	client := &fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": essdRemote()}}
	geo := &fakeGeocoder{err: errors.New("nominatim down")}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, geo, publicGuard(), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")

	res, err := s.SyncSource(t.Context(), src)
	require.NoError(t, err)
	assert.NotContains(t, res.Changed, "geometry")
	assert.Len(t, geo.calls, 3, "publisher, display name and source name are tried")
	assert.Equal(t, int64(2500), reloadSource(t, db, src.ID).WorksCount)
}

func TestSyncSourcePrefersEmbeddedCoordinates(t *testing.T) {
	db := newTestDB(t)
	remote := essdRemote()
	lat, lon := 52.38, 9.72
	remote.Latitude, remote.Longitude = &lat, &lon
	client := &fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": remote}}
	geo := &fakeGeocoder{point: orb.Point{0, 0}}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, geo, publicGuard(), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")

	_, err := s.SyncSource(t.Context(), src)
	require.NoError(t, err)
	assert.Empty(t, geo.calls)
	assert.Equal(t, orb.Point{9.72, 52.38}, reloadSource(t, db, src.ID).Geometry.Geometry)
}

func TestSyncSourceKeepsExistingGeometry(t *testing.T) {
	db := newTestDB(t)
	client := &fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": essdRemote()}}
	geo := &fakeGeocoder{point: orb.Point{1, 1}}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, geo, publicGuard(), 0)
	src := &models.Source{Name: "ESSD", ISSNL: "1866-3508", Geometry: models.NewGeometry(orb.Point{8, 50})}
	require.NoError(t, db.Create(src).Error)

	res, err := s.SyncSource(t.Context(), src)
	require.NoError(t, err)
	assert.NotContains(t, res.Changed, "geometry")
	assert.Empty(t, geo.calls)
}

func TestSyncSourceRejectsRedirectToPrivateHost(t *testing.T) {
	var internalHits atomic.Int64
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		internalHits.Add(1)
		w.Write([]byte(`{"id":"https://openalex.org/S1","display_name":"Injected","works_count":1}`))
	}))
	defer internal.Close()

	var frontHits atomic.Int64
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frontHits.Add(1)
		http.Redirect(w, r, internal.URL+r.URL.Path, http.StatusFound)
	}))
	defer front.Close()

	// Der Guard löst Hostnamen über den Test-Resolver als öffentlich auf; die
	// Weiterleitung zeigt auf eine IP-Adresse im Loopback-Bereich.
	frontURL := strings.Replace(front.URL, "127.0.0.1", "localhost", 1)
	guard := publicGuard()
	client := openalex.NewClient(frontURL, "", time.Second, 1, zaptest.NewLogger(t), openalex.WithTargetCheck(guard.Check))

	db := newTestDB(t)
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, guard, 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")

	_, err := s.SyncSource(t.Context(), src)
	require.ErrorIs(t, err, ErrPrivateAddress)
	assert.ErrorIs(t, err, openalex.ErrTargetRejected)
	assert.Positive(t, frontHits.Load())
	assert.Zero(t, internalHits.Load())

	stored := reloadSource(t, db, src.ID)
	assert.Empty(t, stored.MetadataHash)
	assert.Empty(t, stored.OpenAlexID)
	assert.Empty(t, stored.PublisherName)
}

type privateWorksClient struct {
	fakeMetadataClient
}

func (c *privateWorksClient) FetchWorkIDs(context.Context, string) ([]string, error) {
	return nil, fmt.Errorf("%w: %w", openalex.ErrTargetRejected, ErrPrivateAddress)
}

func TestSyncSourceAbortsWhenWorkListIsRedirectedInternally(t *testing.T) {
	db := newTestDB(t)
	client := &privateWorksClient{fakeMetadataClient{sources: map[string]*openalex.Source{"1866-3508": essdRemote()}}}
	s := NewSynchronizer(db, zaptest.NewLogger(t), client, nil, publicGuard(), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")

	_, err := s.SyncSource(t.Context(), src)
	require.ErrorIs(t, err, ErrPrivateAddress)
	assert.Empty(t, reloadSource(t, db, src.ID).MetadataHash)
}

func TestSyncSourceReplacesUnreadableWorkList(t *testing.T) {
	db := newTestDB(t)
	client := &fakeMetadataClient{
		sources: map[string]*openalex.Source{"1866-3508": essdRemote()},
		workIDs: []string{"W1"},
	}
	core, logs := observer.New(zap.WarnLevel)
	s := NewSynchronizer(db, zap.New(core), client, nil, publicGuard(), 0)
	src := newSyncSource(t, db, "ESSD", "1866-3508")
	src.ExternalWorkIDs = datatypes.JSON(`{"truncated`)

	res, err := s.SyncSource(t.Context(), src)
	require.NoError(t, err)
	assert.Contains(t, res.Changed, "external_work_ids")
	assert.JSONEq(t, `["W1"]`, string(reloadSource(t, db, src.ID).ExternalWorkIDs))

	entries := logs.FilterMessage("Gespeicherte Werkliste nicht lesbar, wird ersetzt").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "1866-3508", entries[0].ContextMap()["source"])
}
