package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/terminology"
)

var defaultValuePaths = []string{"valueQuantity.value", "valueInteger", "valueDecimal", "valueString"}

// outcome is the result of applying one rule to one bundle.
type outcome struct {
	value float64
	issue *models.FieldIssue
}

func found(v float64) outcome { return outcome{value: v} }

func missing(feature, reason, detail string) outcome {
	return outcome{issue: &models.FieldIssue{Feature: feature, Reason: reason, Detail: detail}}
}

// candidate is one observation (or observation component) matching a rule.
type candidate struct {
	source map[string]interface{}
	ts     time.Time
	hasTS  bool
}

// newer reports whether c should replace best. Undated candidates rank below
// dated ones; equal timestamps keep the first encountered.
func (c candidate) newer(best candidate) bool {
	if !c.hasTS {
		return false
	}
	if !best.hasTS {
		return true
	}
	return c.ts.After(best.ts)
}

func applyRule(rule terminology.Rule, idx *bundleIndex, ref time.Time) outcome {
	switch rule.Kind {
	case terminology.KindAge:
		return extractAge(rule, idx.patients, ref)
	case terminology.KindQuantity:
		return extractQuantity(rule, idx.observations, ref)
	case terminology.KindCondition:
		return extractCondition(rule, idx.conditions, ref)
	case terminology.KindSmoking:
		return extractSmoking(rule, idx.observations, ref)
	default:
		return missing(rule.Feature, models.ReasonMalformed, "unknown rule kind "+rule.Kind)
	}
}

func extractAge(rule terminology.Rule, patients []resource, ref time.Time) outcome {
	if len(patients) == 0 {
		return missing(rule.Feature, models.ReasonNotFound, "no Patient resource")
	}
	paths := rule.ValuePaths
	if len(paths) == 0 {
		paths = []string{"birthDate"}
	}
	raw := ""
	for _, path := range paths {
		if raw = getString(lookup(patients[0].data, path)); raw != "" {
			break
		}
	}
	if raw == "" {
		return missing(rule.Feature, models.ReasonNotFound, "birthDate absent")
	}
	birth, ok := parseTime(raw)
	if !ok {
		return missing(rule.Feature, models.ReasonMalformed, fmt.Sprintf("unparsable birthDate %q", raw))
	}
	if birth.After(ref) {
		return missing(rule.Feature, models.ReasonImplausible, "birthDate after reference date")
	}
	return found(float64(yearsBetween(birth, ref)))
}

func yearsBetween(from, to time.Time) int {
	years := to.Year() - from.Year()
	if to.Month() < from.Month() || (to.Month() == from.Month() && to.Day() < from.Day()) {
		years--
	}
	return years
}

// conceptMatches applies the rule's code table, falling back to display
// keywords only when the concept is uncoded or allowDisplay is set.
func conceptMatches(rule terminology.Rule, concept map[string]interface{}, allowDisplay bool) bool {
	codes, displays := codings(concept)
	for _, code := range codes {
		if rule.MatchesCode(code) {
			return true
		}
	}
	if len(codes) > 0 && !allowDisplay {
		return false
	}
	for _, display := range displays {
		if rule.MatchesDisplay(display) {
			return true
		}
	}
	return false
}

// observationCandidates collects matching observations and matching
// components of panel observations (e.g. blood pressure 85354-9).
func observationCandidates(rule terminology.Rule, observations []resource) []candidate {
	var out []candidate
	for _, obs := range observations {
		ts, hasTS := effectiveTime(obs.data)
		if conceptMatches(rule, extractMap(obs.data["code"]), false) {
			out = append(out, candidate{source: obs.data, ts: ts, hasTS: hasTS})
		}
		for _, comp := range extractSlice(obs.data["component"]) {
			component := extractMap(comp)
			if conceptMatches(rule, extractMap(component["code"]), false) {
				out = append(out, candidate{source: component, ts: ts, hasTS: hasTS})
			}
		}
	}
	return out
}

// latest applies the reference-date window and picks the most recent
// candidate. ok is false when every candidate falls after ref.
func latest(cands []candidate, ref time.Time) (candidate, bool) {
	var best candidate
	have := false
	for _, c := range cands {
		if c.hasTS && c.ts.After(ref) {
			continue
		}
		if !have || c.newer(best) {
			best = c
			have = true
		}
	}
	return best, have
}

func extractQuantity(rule terminology.Rule, observations []resource, ref time.Time) outcome {
	cands := observationCandidates(rule, observations)
	if len(cands) == 0 {
		return missing(rule.Feature, models.ReasonNotFound, "no matching observation")
	}
	best, ok := latest(cands, ref)
	if !ok {
		return missing(rule.Feature, models.ReasonOutOfWindow, "all observations after reference date")
	}

	paths := rule.ValuePaths
	if len(paths) == 0 {
		paths = defaultValuePaths
	}
	var raw interface{}
	for _, path := range paths {
		if raw = lookup(best.source, path); raw != nil {
			break
		}
	}
	if raw == nil {
		return missing(rule.Feature, models.ReasonMalformed, "observation has no value")
	}
	value, err := toFloat(raw)
	if err != nil {
		return missing(rule.Feature, models.ReasonMalformed, err.Error())
	}

	unit := getString(lookup(best.source, "valueQuantity.unit"))
	if unit == "" {
		unit = getString(lookup(best.source, "valueQuantity.code"))
	}
	factor, ok := rule.UnitFactor(unit)
	if !ok {
		return missing(rule.Feature, models.ReasonUnsupportedUnit, unit)
	}
	return found(value * factor)
}

func extractCondition(rule terminology.Rule, conditions []resource, ref time.Time) outcome {
	for _, cond := range conditions {
		if !conceptMatches(rule, extractMap(cond.data["code"]), true) {
			continue
		}
		status := strings.ToLower(getString(lookup(cond.data, "verificationStatus.coding.code")))
		if status == "entered-in-error" || status == "refuted" {
			continue
		}
		onset, hasOnset := parseTime(getString(cond.data["onsetDateTime"]))
		if !hasOnset {
			onset, hasOnset = parseTime(getString(cond.data["recordedDate"]))
		}
		if hasOnset && onset.After(ref) {
			continue
		}
		return found(1)
	}
	if rule.Default != nil {
		return found(*rule.Default)
	}
	return missing(rule.Feature, models.ReasonNotFound, "no matching condition")
}

func extractSmoking(rule terminology.Rule, observations []resource, ref time.Time) outcome {
	cands := observationCandidates(rule, observations)
	if len(cands) == 0 {
		return missing(rule.Feature, models.ReasonNotFound, "no smoking status observation")
	}
	best, ok := latest(cands, ref)
	if !ok {
		return missing(rule.Feature, models.ReasonOutOfWindow, "all observations after reference date")
	}
	concept := extractMap(best.source["valueCodeableConcept"])
	text := getString(concept["text"])
	if text == "" {
		_, displays := codings(concept)
		if len(displays) > 0 {
			text = displays[0]
		}
	}
	if text == "" {
		return missing(rule.Feature, models.ReasonMalformed, "smoking status has no text")
	}
	text = strings.ToLower(text)
	if strings.Contains(text, "smoker") && !strings.Contains(text, "never") {
		return found(1)
	}
	return found(0)
}
