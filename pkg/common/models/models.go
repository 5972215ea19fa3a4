package models

import (
	"time"

	"github.com/google/uuid"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // bundle, risk-report
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// PatientRecord is one exported FHIR bundle for a single patient.
type PatientRecord struct {
	PatientID  string                 `json:"patient_id"`
	Source     string                 `json:"source,omitempty"`
	Bundle     map[string]interface{} `json:"bundle"`
	ReceivedAt time.Time              `json:"received_at"`
}

type ClinicalNote struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
	Text      string `json:"text"`
}

// FeatureValue holds one cell of a FeatureRow. When Missing is set, Value is
// meaningless and must not be read.
type FeatureValue struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Missing bool    `json:"missing"`
	Reason  string  `json:"reason,omitempty"`
}

type FeatureRow struct {
	PatientID string         `json:"patient_id"`
	Features  []FeatureValue `json:"features"`
}

// Names returns the row's schema in order.
func (r FeatureRow) Names() []string {
	names := make([]string, len(r.Features))
	for i, f := range r.Features {
		names[i] = f.Name
	}
	return names
}

func (r FeatureRow) Get(name string) (FeatureValue, bool) {
	for _, f := range r.Features {
		if f.Name == name {
			return f, true
		}
	}
	return FeatureValue{}, false
}

// MissingCount is the number of features carrying the missing marker.
func (r FeatureRow) MissingCount() int {
	n := 0
	for _, f := range r.Features {
		if f.Missing {
			n++
		}
	}
	return n
}

// Field issue reasons.
const (
	ReasonNotFound        = "not_found"
	ReasonMalformed       = "malformed"
	ReasonUnsupportedUnit = "unsupported_unit"
	ReasonOutOfWindow     = "out_of_window"
	ReasonImplausible     = "implausible"
)

type FieldIssue struct {
	Feature string `json:"feature"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

type RecordDiagnostics struct {
	PatientID    string       `json:"patient_id"`
	Found        []string     `json:"found"`
	Missing      []FieldIssue `json:"missing,omitempty"`
	MissingCount int          `json:"missing_count"`
	Notes        int          `json:"notes"`
}

// BatchDiagnostics aggregates per-record outcomes of an ingestion run.
type BatchDiagnostics struct {
	Records          int                 `json:"records"`
	Normalized       int                 `json:"normalized"`
	Failed           int                 `json:"failed"`
	MissingByFeature map[string]int      `json:"missing_by_feature"`
	Failures         []RecordFailure     `json:"failures,omitempty"`
	PerRecord        []RecordDiagnostics `json:"per_record,omitempty"`
}

type RecordFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

type RiskAssessment struct {
	PatientID    string    `json:"patient_id"`
	Probability  float64   `json:"probability"`
	RiskLabel    bool      `json:"risk_label"`
	Threshold    float64   `json:"threshold"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

type Attribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
	Input   float64 `json:"input"`
	Imputed bool    `json:"imputed"`
}

type Explanation struct {
	PatientID    string        `json:"patient_id"`
	ModelVersion string        `json:"model_version"`
	Baseline     float64       `json:"baseline"`
	Output       float64       `json:"output"`
	Attributions []Attribution `json:"attributions"`
}

// Sum returns Baseline plus all attributions.
func (e Explanation) Sum() float64 {
	total := e.Baseline
	for _, a := range e.Attributions {
		total += a.Value
	}
	return total
}

// Entity types.
const (
	EntitySymptom    = "Symptom"
	EntityDisease    = "Disease"
	EntityMedication = "Medication"
	EntityOther      = "Other"
)

// ClinicalEntity is one typed span of a note. Start and End are character
// offsets into the note text, End exclusive.
type ClinicalEntity struct {
	Text         string  `json:"text"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
	Start        int     `json:"start"`
	End          int     `json:"end"`
	SourceNoteID string  `json:"source_note_id"`
}

type PatientRiskReport struct {
	PatientID   string             `json:"patient_id"`
	Assessment  RiskAssessment     `json:"assessment"`
	Explanation Explanation        `json:"explanation"`
	Entities    []ClinicalEntity   `json:"entities"`
	Diagnostics *RecordDiagnostics `json:"diagnostics,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Model Training
type TrainingJob struct {
	ID           uuid.UUID              `json:"id"`
	ModelType    string                 `json:"model_type"`
	Config       map[string]interface{} `json:"config"`
	Status       string                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
	ArtifactPath string                 `json:"artifact_path,omitempty"`
	ModelVersion string                 `json:"model_version,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}
