package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geo-harvest/providers/openalex"
)

func TestContentHashIgnoresKeyOrderAndNormalization(t *testing.T) {
	a := map[string]any{"publisher_name": "Universität Göttingen", "works_count": 12}
	b := map[string]any{}
	b["works_count"] = 12
	// Zerlegte Umlaute (NFD) und Leerraum am Rand.
	b["publisher_name"] = "  Universita\u0308t Go\u0308ttingen "

	ha, err := ContentHash(hashDomainSourceMetadata, a)
	require.NoError(t, err)
	hb, err := ContentHash(hashDomainSourceMetadata, b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	other, err := ContentHash(hashDomainWorkContent, a)
	require.NoError(t, err)
	assert.NotEqual(t, ha, other, "domains separate identical field sets")
}

func TestSourceMetadataHashChangesWithContent(t *testing.T) {
	src := &openalex.Source{ID: "https://openalex.org/S1", HostOrganizationName: "Copernicus", WorksCount: 10}
	first, err := NormalizeSource(src).Hash()
	require.NoError(t, err)

	again, err := NormalizeSource(src).Hash()
	require.NoError(t, err)
	assert.Equal(t, first, again)

	src.WorksCount = 11
	changed, err := NormalizeSource(src).Hash()
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestNormalizeSource(t *testing.T) {
	md := NormalizeSource(&openalex.Source{
		ID:          " https://openalex.org/S4210194245 ",
		DisplayName: "Earth System Science Data",
		WorksCount:  5,
	})
	assert.Equal(t, "S4210194245", md.OpenAlexID)
	assert.Equal(t, "https://openalex.org/S4210194245", md.OpenAlexURL)
	assert.Equal(t, "Earth System Science Data", md.PublisherName, "display name stands in for a missing publisher")
	assert.Equal(t, int64(5), md.WorksCount)
}
