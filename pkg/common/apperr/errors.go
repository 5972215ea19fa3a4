// Package apperr defines the error taxonomy shared by the risk pipeline.
// Callers match on the sentinels with errors.Is; *Error adds the patient and
// model context that triggered the failure.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrInsufficientData  = errors.New("insufficient data")
	ErrStaleModel        = errors.New("stale model")
	ErrExtractionTimeout = errors.New("extraction timeout")
	ErrPredictionTimeout = errors.New("prediction timeout")
	ErrNotFound          = errors.New("not found")
	ErrNoModel           = errors.New("no trained model available")
)

type Error struct {
	Kind         error
	PatientID    string
	ModelVersion string
	Detail       string
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.PatientID != "" {
		fmt.Fprintf(&b, " (patient %s)", e.PatientID)
	}
	if e.ModelVersion != "" {
		fmt.Fprintf(&b, " (model %s)", e.ModelVersion)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func SchemaMismatch(patientID, modelVersion, detail string) error {
	return &Error{Kind: ErrSchemaMismatch, PatientID: patientID, ModelVersion: modelVersion, Detail: detail}
}

func InsufficientData(detail string) error {
	return &Error{Kind: ErrInsufficientData, Detail: detail}
}

func StaleModel(patientID, modelVersion, detail string) error {
	return &Error{Kind: ErrStaleModel, PatientID: patientID, ModelVersion: modelVersion, Detail: detail}
}

func ExtractionTimeout(noteID string, err error) error {
	return &Error{Kind: ErrExtractionTimeout, Detail: "note " + noteID, Err: err}
}

func PredictionTimeout(patientID, modelVersion string, err error) error {
	return &Error{Kind: ErrPredictionTimeout, PatientID: patientID, ModelVersion: modelVersion, Err: err}
}

func NotFound(what string) error {
	return &Error{Kind: ErrNotFound, Detail: what}
}

// IsRetryable reports whether the caller may retry the operation with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExtractionTimeout) || errors.Is(err, ErrPredictionTimeout)
}

// Context extracts the patient and model identifiers carried by err, if any.
func Context(err error) (patientID, modelVersion string) {
	var e *Error
	if errors.As(err, &e) {
		return e.PatientID, e.ModelVersion
	}
	return "", ""
}
