package features

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"gopkg.in/yaml.v3"
)

type ImputeStrategy string

const (
	ImputeMedian   ImputeStrategy = "median"
	ImputeMean     ImputeStrategy = "mean"
	ImputeConstant ImputeStrategy = "constant"
)

// Bound actions recorded in Flag.Action.
const (
	ActionClipped = "clipped"
	ActionDropped = "dropped"
)

// Policy controls how one feature column is bounded and imputed. Min and Max
// are optional; an out-of-range value is clipped when Clip is set and treated
// as missing otherwise.
type Policy struct {
	Impute   ImputeStrategy `yaml:"impute" json:"impute"`
	Constant float64        `yaml:"constant" json:"constant"`
	Min      *float64       `yaml:"min" json:"min,omitempty"`
	Max      *float64       `yaml:"max" json:"max,omitempty"`
	Clip     bool           `yaml:"clip" json:"clip"`
	Required bool           `yaml:"required" json:"required"`
}

func (p Policy) validate(feature string) error {
	switch p.Impute {
	case ImputeMedian, ImputeMean, ImputeConstant:
	default:
		return fmt.Errorf("feature %s: unknown imputation policy %q", feature, p.Impute)
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return fmt.Errorf("feature %s: min %.4g above max %.4g", feature, *p.Min, *p.Max)
	}
	return nil
}

// bound applies the plausibility range. ok is false when the value must be
// dropped to missing.
func (p Policy) bound(v float64) (out float64, action string, ok bool) {
	if p.Min != nil && v < *p.Min {
		if p.Clip {
			return *p.Min, ActionClipped, true
		}
		return 0, ActionDropped, false
	}
	if p.Max != nil && v > *p.Max {
		if p.Clip {
			return *p.Max, ActionClipped, true
		}
		return 0, ActionDropped, false
	}
	return v, "", true
}

// fit computes the fill value from the observed column values.
func (p Policy) fit(observed []float64) float64 {
	if p.Impute == ImputeConstant || len(observed) == 0 {
		return p.Constant
	}
	if p.Impute == ImputeMean {
		var sum float64
		for _, v := range observed {
			sum += v
		}
		return sum / float64(len(observed))
	}
	sorted := append([]float64(nil), observed...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func bounds(lo, hi float64) (*float64, *float64) {
	return &lo, &hi
}

// DefaultPolicies mirror the reference preparation: systolic pressure falls
// back to a normotensive 120, other vitals and labs to the cohort median.
func DefaultPolicies() map[string]Policy {
	ageMin, ageMax := bounds(0, 120)
	bmiMin, bmiMax := bounds(10, 80)
	sysMin, sysMax := bounds(60, 260)
	diaMin, diaMax := bounds(30, 160)
	cholMin, cholMax := bounds(50, 600)
	return map[string]Policy{
		"age":              {Impute: ImputeMedian, Min: ageMin, Max: ageMax},
		"bmi":              {Impute: ImputeMedian, Min: bmiMin, Max: bmiMax},
		"systolic_bp":      {Impute: ImputeConstant, Constant: 120, Min: sysMin, Max: sysMax},
		"diastolic_bp":     {Impute: ImputeMedian, Min: diaMin, Max: diaMax},
		"cholesterol":      {Impute: ImputeMedian, Min: cholMin, Max: cholMax},
		"diabetes_history": {Impute: ImputeConstant, Constant: 0},
		"smoker":           {Impute: ImputeConstant, Constant: 0},
	}
}

// LoadPolicies reads a YAML map of feature name to Policy. An empty path
// yields DefaultPolicies.
func LoadPolicies(path string) (map[string]Policy, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var policies map[string]Policy
	if err := yaml.Unmarshal(content, &policies); err != nil {
		return nil, err
	}
	return policies, nil
}

// Preprocessor is the fitted column transform. It is produced by Build and
// reused unchanged for single-row inference.
type Preprocessor struct {
	Schema   []string  `json:"schema"`
	Fill     []float64 `json:"fill"`
	Policies []Policy  `json:"policies"`
}

// CheckSchema reports a SchemaMismatch unless names equal the fitted schema
// exactly, order included.
func (p *Preprocessor) CheckSchema(patientID, modelVersion string, names []string) error {
	if len(names) != len(p.Schema) {
		return apperr.SchemaMismatch(patientID, modelVersion,
			fmt.Sprintf("row has %d features, expected %d", len(names), len(p.Schema)))
	}
	for i, name := range names {
		if name != p.Schema[i] {
			return apperr.SchemaMismatch(patientID, modelVersion,
				fmt.Sprintf("column %d is %q, expected %q", i, name, p.Schema[i]))
		}
	}
	return nil
}

// Transform bounds and imputes one row. imputed[i] is set when column i was
// filled rather than observed.
func (p *Preprocessor) Transform(row models.FeatureRow, modelVersion string) (values []float64, imputed []bool, err error) {
	if err := p.CheckSchema(row.PatientID, modelVersion, row.Names()); err != nil {
		return nil, nil, err
	}
	values = make([]float64, len(p.Schema))
	imputed = make([]bool, len(p.Schema))
	for i, f := range row.Features {
		v, ok := f.Value, !f.Missing
		if ok {
			v, _, ok = p.Policies[i].bound(v)
		}
		if !ok || math.IsNaN(v) {
			v = p.Fill[i]
			imputed[i] = true
		}
		values[i] = v
	}
	return values, imputed, nil
}
