package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule kinds understood by the normalizer.
const (
	KindAge       = "age"
	KindQuantity  = "quantity"
	KindCondition = "condition"
	KindSmoking   = "smoking"
)

// Rule declares how one feature is located inside a patient bundle. Codes are
// matched against coding[].code. Display keywords are lowercase substrings of
// coding[].display or code.text. Observation rules only fall back to display
// keywords for concepts that carry no code at all, so a coded percentile
// observation never matches a ratio rule; condition rules accept either.
type Rule struct {
	Feature    string             `yaml:"feature" json:"feature"`
	Kind       string             `yaml:"kind" json:"kind"`
	Resource   string             `yaml:"resource" json:"resource"`
	Codes      []string           `yaml:"codes" json:"codes"`
	Display    []string           `yaml:"display" json:"display"`
	ValuePaths []string           `yaml:"value_paths" json:"value_paths"`
	Units      map[string]float64 `yaml:"units" json:"units"`
	Default    *float64           `yaml:"default" json:"default,omitempty"`
}

type RuleSet struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

func Load(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}
	var set RuleSet
	if err := yaml.Unmarshal(content, &set); err != nil {
		return RuleSet{}, err
	}
	if err := set.Validate(); err != nil {
		return RuleSet{}, err
	}
	return set, nil
}

func (s RuleSet) Validate() error {
	if len(s.Rules) == 0 {
		return fmt.Errorf("extraction rule set empty")
	}
	seen := make(map[string]struct{}, len(s.Rules))
	for i, r := range s.Rules {
		name := strings.TrimSpace(r.Feature)
		if name == "" {
			return fmt.Errorf("rule %d: feature name missing", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("rule %d: duplicate feature %s", i, name)
		}
		seen[name] = struct{}{}
		switch r.Kind {
		case KindAge, KindQuantity, KindCondition, KindSmoking:
		default:
			return fmt.Errorf("rule %s: unknown kind %q", name, r.Kind)
		}
		if r.Kind == KindQuantity && len(r.Codes) == 0 && len(r.Display) == 0 {
			return fmt.Errorf("rule %s: quantity rule needs codes or display keywords", name)
		}
	}
	return nil
}

// Schema returns the feature names in declaration order.
func (s RuleSet) Schema() []string {
	names := make([]string, len(s.Rules))
	for i, r := range s.Rules {
		names[i] = r.Feature
	}
	return names
}

// MatchesCode reports whether code is one of the rule's codes.
func (r Rule) MatchesCode(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	for _, c := range r.Codes {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// MatchesDisplay reports whether text contains one of the display keywords.
func (r Rule) MatchesDisplay(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}
	for _, d := range r.Display {
		if d != "" && strings.Contains(text, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

// UnitFactor returns the multiplier converting unit into the rule's canonical
// unit. Rules without a unit table accept any unit unchanged.
func (r Rule) UnitFactor(unit string) (float64, bool) {
	if len(r.Units) == 0 {
		return 1, true
	}
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return 1, true
	}
	for u, factor := range r.Units {
		if strings.EqualFold(u, unit) {
			return factor, true
		}
	}
	return 0, false
}

func DefaultRules() RuleSet {
	zero := 0.0
	return RuleSet{Rules: []Rule{
		{
			Feature:    "age",
			Kind:       KindAge,
			Resource:   "Patient",
			ValuePaths: []string{"birthDate"},
		},
		{
			Feature:  "bmi",
			Kind:     KindQuantity,
			Resource: "Observation",
			Codes:    []string{"39156-5"},
			Display:  []string{"body mass index"},
			Units:    map[string]float64{"kg/m2": 1, "kg/m^2": 1},
		},
		{
			Feature:  "systolic_bp",
			Kind:     KindQuantity,
			Resource: "Observation",
			Codes:    []string{"8480-6"},
			Display:  []string{"systolic"},
			Units:    map[string]float64{"mm[Hg]": 1, "mmHg": 1},
		},
		{
			Feature:  "diastolic_bp",
			Kind:     KindQuantity,
			Resource: "Observation",
			Codes:    []string{"8462-4"},
			Display:  []string{"diastolic"},
			Units:    map[string]float64{"mm[Hg]": 1, "mmHg": 1},
		},
		{
			Feature:  "cholesterol",
			Kind:     KindQuantity,
			Resource: "Observation",
			Codes:    []string{"2093-3"},
			Display:  []string{"total cholesterol"},
			Units:    map[string]float64{"mg/dL": 1, "mmol/L": 38.67},
		},
		{
			Feature:  "diabetes_history",
			Kind:     KindCondition,
			Resource: "Condition",
			Codes:    []string{"44054006", "73211009", "E11", "E11.9", "E10"},
			Display:  []string{"diabetes"},
			Default:  &zero,
		},
		{
			Feature:  "smoker",
			Kind:     KindSmoking,
			Resource: "Observation",
			Codes:    []string{"72166-2"},
			Display:  []string{"tobacco smoking status"},
		},
	}}
}
