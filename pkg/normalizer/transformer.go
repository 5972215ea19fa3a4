package normalizer

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/terminology"
)

// Result is everything the normalizer derives from one PatientRecord.
type Result struct {
	Row         models.FeatureRow
	Diagnostics models.RecordDiagnostics
	Notes       []models.ClinicalNote
}

// Transformer turns nested FHIR bundles into fixed-schema feature rows using
// a declarative rule table. It holds no mutable state and is safe for
// concurrent use.
type Transformer struct {
	rules     terminology.RuleSet
	reference time.Time
	now       func() time.Time
}

// NewTransformer builds a transformer. A zero reference date means "now" at
// the time each record is normalized.
func NewTransformer(rules terminology.RuleSet, reference time.Time) *Transformer {
	return &Transformer{rules: rules, reference: reference, now: time.Now}
}

func (t *Transformer) Schema() []string {
	return t.rules.Schema()
}

func (t *Transformer) referenceDate() time.Time {
	if t.reference.IsZero() {
		return t.now().UTC()
	}
	return t.reference
}

type bundleIndex struct {
	patients     []resource
	observations []resource
	conditions   []resource
	all          []resource
}

func indexBundle(bundle map[string]interface{}) *bundleIndex {
	idx := &bundleIndex{all: bundleResources(bundle)}
	for _, res := range idx.all {
		switch strings.ToLower(res.kind()) {
		case "patient":
			idx.patients = append(idx.patients, res)
		case "observation":
			idx.observations = append(idx.observations, res)
		case "condition":
			idx.conditions = append(idx.conditions, res)
		}
	}
	return idx
}

// Normalize never fails: every feature of the schema is present in the output
// row, either with a value or with the missing marker and a recorded reason.
func (t *Transformer) Normalize(rec models.PatientRecord) Result {
	ref := t.referenceDate()
	idx := indexBundle(rec.Bundle)
	patientID := resolvePatientID(rec, idx)

	row := models.FeatureRow{PatientID: patientID, Features: make([]models.FeatureValue, 0, len(t.rules.Rules))}
	diag := models.RecordDiagnostics{PatientID: patientID, Found: []string{}}

	for _, rule := range t.rules.Rules {
		out := t.safeApply(rule, idx, ref)
		if out.issue != nil {
			row.Features = append(row.Features, models.FeatureValue{Name: rule.Feature, Missing: true, Reason: out.issue.Reason})
			diag.Missing = append(diag.Missing, *out.issue)
			continue
		}
		row.Features = append(row.Features, models.FeatureValue{Name: rule.Feature, Value: out.value})
		diag.Found = append(diag.Found, rule.Feature)
	}
	diag.MissingCount = len(diag.Missing)

	notes := extractNotes(patientID, idx)
	diag.Notes = len(notes)

	return Result{Row: row, Diagnostics: diag, Notes: notes}
}

// safeApply converts a panic inside a rule into a malformed-field issue so
// one pathological resource cannot abort the record.
func (t *Transformer) safeApply(rule terminology.Rule, idx *bundleIndex, ref time.Time) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = missing(rule.Feature, models.ReasonMalformed, fmt.Sprintf("rule panicked: %v", r))
		}
	}()
	return applyRule(rule, idx, ref)
}

func resolvePatientID(rec models.PatientRecord, idx *bundleIndex) string {
	for _, p := range idx.patients {
		if id := getString(p.data["id"]); id != "" {
			return id
		}
	}
	if rec.PatientID != "" {
		return rec.PatientID
	}
	return getString(rec.Bundle["id"])
}

// extractNotes collects free text from DocumentReference attachments and
// resource-level annotations.
func extractNotes(patientID string, idx *bundleIndex) []models.ClinicalNote {
	var notes []models.ClinicalNote
	add := func(baseID, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		id := baseID
		if id == "" {
			id = fmt.Sprintf("%s-note-%d", patientID, len(notes)+1)
		} else {
			for _, n := range notes {
				if n.ID == id {
					id = fmt.Sprintf("%s-%d", baseID, len(notes)+1)
					break
				}
			}
		}
		notes = append(notes, models.ClinicalNote{ID: id, PatientID: patientID, Text: text})
	}

	for _, res := range idx.all {
		resID := getString(res.data["id"])
		if strings.EqualFold(res.kind(), "DocumentReference") {
			for _, c := range extractSlice(res.data["content"]) {
				attachment := extractMap(extractMap(c)["attachment"])
				contentType := strings.ToLower(getString(attachment["contentType"]))
				if contentType != "" && !strings.HasPrefix(contentType, "text/") {
					continue
				}
				if data := getString(attachment["data"]); data != "" {
					if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
						add(resID, string(decoded))
					}
				}
			}
			add(resID, getString(res.data["description"]))
		}
		for _, n := range extractSlice(res.data["note"]) {
			add(resID, getString(extractMap(n)["text"]))
		}
	}
	return notes
}
