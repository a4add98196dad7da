package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/segmentio/encoding/json"
	"golang.org/x/text/unicode/norm"
)

// Hash-Domänen, damit gleiche Bytes aus verschiedenen Kontexten nie kollidieren.
const (
	hashDomainSourceMetadata = "geo-harvest/source-metadata/v1"
	hashDomainWorkContent    = "geo-harvest/work-content/v1"
)

// hashWithDomain berechnet sha256(domain || 0x00 || data) als Hex-String.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON serialisiert fields mit sortierten Schlüsseln und NFC-normalisierten,
// getrimmten Strings. Marshal sortiert Map-Schlüssel selbst.
func canonicalJSON(fields map[string]any) ([]byte, error) {
	normalized := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			v = normalizeText(s)
		}
		normalized[k] = v
	}
	return json.Marshal(normalized)
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// ContentHash liefert den stabilen Hash über ein normalisiertes Feldset.
func ContentHash(domain string, fields map[string]any) (string, error) {
	data, err := canonicalJSON(fields)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domain, data), nil
}
