// Package nlp extracts typed clinical entities from free-text notes. The
// entity recognizer is pluggable through Backend; this package owns span
// cleanup, label canonicalization and overlap resolution.
package nlp

import (
	"context"
	"strings"

	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

// Span is a raw backend match. Start and End are byte offsets into the text
// passed to Extract, End exclusive. Label is the backend's own label and may
// carry a B-/I- prefix.
type Span struct {
	Start int     `json:"start"`
	End   int     `json:"end"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Backend recognizes entity spans in text.
type Backend interface {
	Extract(ctx context.Context, text string) ([]Span, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, text string) ([]Span, error)

func (f BackendFunc) Extract(ctx context.Context, text string) ([]Span, error) {
	return f(ctx, text)
}

var labelTypes = map[string]string{
	"sign_symptom":          models.EntitySymptom,
	"symptom":               models.EntitySymptom,
	"sign":                  models.EntitySymptom,
	"disease_disorder":      models.EntityDisease,
	"disease":               models.EntityDisease,
	"disorder":              models.EntityDisease,
	"problem":               models.EntityDisease,
	"medication":            models.EntityMedication,
	"drug":                  models.EntityMedication,
	"chemical":              models.EntityMedication,
	"therapeutic_procedure": models.EntityOther,
}

// splitLabel strips an IOB prefix. inside is true for I- continuation tags.
func splitLabel(label string) (base string, inside bool) {
	label = strings.TrimSpace(label)
	if len(label) > 2 && label[1] == '-' {
		switch label[0] {
		case 'B', 'b':
			return label[2:], false
		case 'I', 'i':
			return label[2:], true
		}
	}
	return label, false
}

// Canonical maps a backend label onto Symptom, Disease, Medication or Other.
func Canonical(label string) string {
	base, _ := splitLabel(label)
	if t, ok := labelTypes[strings.ToLower(base)]; ok {
		return t
	}
	return models.EntityOther
}
