package oaipmh

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"geo-harvest/models"
	"geo-harvest/providers"
)

// SourceType ist das Kennzeichen für Entwürfe aus OAI-PMH.
const SourceType = models.FeedTypeOAIPMH

var errEmptyDocument = errors.New("empty document")

// Parser wandelt OAI-PMH-Antworten (GetRecord/ListRecords mit oai_dc) in Work-Entwürfe um.
// Er ist zustandslos und persistiert nichts.
type Parser struct{}

// NewParser erstellt einen neuen OAI-PMH-Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse liefert die Datensätze aus data in Dokumentreihenfolge.
// Das Dokument wird tokenweise gelesen; ein Syntaxfehler beendet die Folge
// mit einem *providers.DocumentError, nachdem alle vorherigen Datensätze geliefert wurden.
func (p *Parser) Parse(data []byte) providers.Drafts {
	return func(yield func(*models.WorkDraft, error) bool) {
		dec := xml.NewDecoder(bytes.NewReader(data))
		rootSeen := false
		for {
			tok, err := dec.Token()
			if err == io.EOF {
				if !rootSeen {
					yield(nil, &providers.DocumentError{Err: errEmptyDocument})
				}
				return
			}
			if err != nil {
				yield(nil, &providers.DocumentError{Err: err})
				return
			}

			start, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}
			if !rootSeen {
				if start.Name.Local != "OAI-PMH" {
					yield(nil, &providers.DocumentError{Err: fmt.Errorf("unexpected root element %q", start.Name.Local)})
					return
				}
				rootSeen = true
				continue
			}

			switch start.Name.Local {
			case "error":
				var e oaiError
				if err := dec.DecodeElement(&e, &start); err != nil {
					yield(nil, &providers.DocumentError{Err: err})
					return
				}
				// noRecordsMatch ist eine gültige, leere Antwort.
				if e.Code == "noRecordsMatch" {
					return
				}
				yield(nil, &providers.DocumentError{Err: fmt.Errorf("oai-pmh error %s: %s", e.Code, strings.TrimSpace(e.Message))})
				return
			case "record":
				var rec record
				if err := dec.DecodeElement(&rec, &start); err != nil {
					yield(nil, &providers.DocumentError{Err: err})
					return
				}
				if !yield(rec.draft()) {
					return
				}
			}
		}
	}
}

func (r *record) draft() (*models.WorkDraft, error) {
	id := strings.TrimSpace(r.Header.Identifier)
	if r.Header.Status == "deleted" {
		return nil, &providers.ItemError{Identifier: id, Err: providers.ErrDeletedRecord}
	}

	dc := r.Metadata.DC
	title := providers.FirstNonEmpty(dc.Title...)
	if title == "" {
		return nil, &providers.ItemError{Identifier: id, Err: providers.ErrMissingTitle}
	}

	d := &models.WorkDraft{
		Title:            title,
		Abstract:         providers.FirstNonEmpty(dc.Description...),
		SourceIdentifier: id,
		PublicationDate:  providers.ParseDate(dc.Date...),
		SourceType:       SourceType,
	}

	for _, ident := range dc.Identifier {
		ident = strings.TrimSpace(ident)
		if d.PersistentID == "" {
			d.PersistentID = providers.ExtractDOI(ident)
		}
		if d.URL == "" && (strings.HasPrefix(ident, "http://") || strings.HasPrefix(ident, "https://")) {
			d.URL = ident
		}
	}

	for _, cov := range dc.Coverage {
		// Textuelle Coverage ("Europe", "2010-2020") ist normal und wird ignoriert.
		if g, err := providers.ParseGeometry(cov); err == nil && g != nil {
			d.Geometry = g
			break
		}
	}
	return d, nil
}
