package providers

import (
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"geo-harvest/models"
)

// Drafts ist die lazy, endliche Folge von Entwürfen eines Parsers in Dokumentreihenfolge.
// Ein *ItemError betrifft nur einen Eintrag, ein *DocumentError beendet die Folge.
type Drafts = iter.Seq2[*models.WorkDraft, error]

var (
	// ErrMissingTitle markiert einen Eintrag ohne Pflichtfeld Titel.
	ErrMissingTitle = errors.New("record has no title")
	// ErrDeletedRecord markiert einen im Repository gelöschten OAI-Datensatz.
	ErrDeletedRecord = errors.New("record is marked deleted")
)

// ItemError beschreibt einen Validierungsfehler an genau einem Eintrag.
type ItemError struct {
	Identifier string
	Err        error
}

func (e *ItemError) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("item: %v", e.Err)
	}
	return fmt.Sprintf("item %s: %v", e.Identifier, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// DocumentError beschreibt einen nicht behebbaren Fehler auf Dokumentebene.
type DocumentError struct {
	Err error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document: %v", e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

var doiPattern = regexp.MustCompile(`(?i)10\.\d{4,9}/[-._;()/:A-Z0-9]+`)

// ExtractDOI sucht eine DOI in s (auch in doi:- oder doi.org-Links) und liefert sie kleingeschrieben.
func ExtractDOI(s string) string {
	m := doiPattern.FindString(strings.TrimSpace(s))
	if m == "" {
		return ""
	}
	return strings.ToLower(strings.TrimRight(m, "."))
}
