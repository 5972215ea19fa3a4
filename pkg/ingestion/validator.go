package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

var (
	errInvalidSource = errors.New("invalid source")
	errNotBundle     = errors.New("not a FHIR bundle")
	errEmptyBundle   = errors.New("bundle has no entries")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Validator rejects records that cannot be normalized at all. An empty
// source allow-list accepts every source.
type Validator struct {
	allowedSources map[string]struct{}
}

func NewValidator(sources []string) *Validator {
	vs := make(map[string]struct{})
	for _, src := range sources {
		if trimmed := strings.TrimSpace(strings.ToLower(src)); trimmed != "" {
			vs[trimmed] = struct{}{}
		}
	}
	return &Validator{allowedSources: vs}
}

func (v *Validator) Validate(rec models.PatientRecord) error {
	if v == nil {
		return ValidationError{reason: errors.New("validator not initialised")}
	}

	if len(v.allowedSources) > 0 {
		source := strings.TrimSpace(strings.ToLower(rec.Source))
		if _, ok := v.allowedSources[source]; !ok {
			return ValidationError{reason: fmt.Errorf("source '%s' not allowed: %w", source, errInvalidSource)}
		}
	}

	kind, _ := rec.Bundle["resourceType"].(string)
	if !strings.EqualFold(kind, "Bundle") {
		if kind == "" {
			kind = "missing resourceType"
		}
		return ValidationError{reason: fmt.Errorf("%s: %w", kind, errNotBundle)}
	}
	entries, _ := rec.Bundle["entry"].([]interface{})
	if len(entries) == 0 {
		return ValidationError{reason: errEmptyBundle}
	}
	return nil
}
