package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// resource is one FHIR resource kept with its position in the bundle so that
// ties can be broken by encounter order.
type resource struct {
	data  map[string]interface{}
	order int
}

func (r resource) kind() string {
	return getString(r.data["resourceType"])
}

// bundleResources flattens a Bundle into its resources in entry order. A bare
// resource is treated as a one-entry bundle.
func bundleResources(bundle map[string]interface{}) []resource {
	if bundle == nil {
		return nil
	}
	if !strings.EqualFold(getString(bundle["resourceType"]), "Bundle") {
		if getString(bundle["resourceType"]) == "" {
			return nil
		}
		return []resource{{data: bundle}}
	}
	entries := extractSlice(bundle["entry"])
	out := make([]resource, 0, len(entries))
	for i, entry := range entries {
		res := extractMap(extractMap(entry)["resource"])
		if len(res) == 0 {
			continue
		}
		out = append(out, resource{data: res, order: i})
	}
	return out
}

// lookup walks a dotted path through nested maps. Arrays along the way are
// entered at their first element.
func lookup(data map[string]interface{}, path string) interface{} {
	var current interface{} = data
	for _, part := range strings.Split(path, ".") {
		if arr, ok := current.([]interface{}); ok {
			if len(arr) == 0 {
				return nil
			}
			current = arr[0]
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// codings returns every coding of a CodeableConcept plus its free text.
func codings(concept map[string]interface{}) (codes []string, displays []string) {
	for _, c := range extractSlice(concept["coding"]) {
		coding := extractMap(c)
		if code := getString(coding["code"]); code != "" {
			codes = append(codes, code)
		}
		if display := getString(coding["display"]); display != "" {
			displays = append(displays, display)
		}
	}
	if text := getString(concept["text"]); text != "" {
		displays = append(displays, text)
	}
	return codes, displays
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// effectiveTime picks the clinically relevant timestamp of an observation.
func effectiveTime(data map[string]interface{}) (time.Time, bool) {
	for _, path := range []string{"effectiveDateTime", "effectivePeriod.start", "effectiveInstant", "issued"} {
		if t, ok := parseTime(getString(lookup(data, path))); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// toFloat coerces JSON-ish numeric values. Numeric strings are accepted;
// NaN and infinities are rejected.
func toFloat(value interface{}) (float64, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric string %q", v)
		}
		f = parsed
	case nil:
		return 0, fmt.Errorf("null value")
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value")
	}
	return f, nil
}

func extractMap(value interface{}) map[string]interface{} {
	if m, ok := value.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func extractSlice(value interface{}) []interface{} {
	if s, ok := value.([]interface{}); ok {
		return s
	}
	return nil
}

func getString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return ""
	}
}
