package explain

import (
	"fmt"
	"math"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/ml/shap"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel"
)

const reconstructionTolerance = 1e-6

// Engine explains predictions of exactly one model version.
type Engine struct {
	version  string
	schema   []string
	baseline float64
}

func NewEngine(m *riskmodel.Model) *Engine {
	var base float64
	for i := range m.Forest.Trees {
		base += shap.ExpectedValue(&m.Forest.Trees[i])
	}
	if n := len(m.Forest.Trees); n > 0 {
		base /= float64(n)
	}
	return &Engine{
		version:  m.Version,
		schema:   append([]string(nil), m.Schema...),
		baseline: base,
	}
}

func (e *Engine) Version() string   { return e.version }
func (e *Engine) Baseline() float64 { return e.baseline }

// Explain attributes the model output for row to its input features.
// Attributions are ordered by absolute value, largest first, ties in schema
// order.
func (e *Engine) Explain(m *riskmodel.Model, row models.FeatureRow) (models.Explanation, error) {
	if m.Version != e.version {
		return models.Explanation{}, apperr.StaleModel(row.PatientID, m.Version,
			fmt.Sprintf("explainer pinned to %s", e.version))
	}
	if names := row.Names(); !equalNames(names, e.schema) {
		return models.Explanation{}, apperr.StaleModel(row.PatientID, m.Version,
			fmt.Sprintf("row schema [%s] differs from explainer schema [%s]", strings.Join(names, ","), strings.Join(e.schema, ",")))
	}

	x, imputed, err := m.Transform(row)
	if err != nil {
		return models.Explanation{}, err
	}
	phi, _ := shap.ForestValues(m.Forest, x)
	output := m.Forest.Predict(x)

	attributions := make([]models.Attribution, len(e.schema))
	for i, name := range e.schema {
		attributions[i] = models.Attribution{Feature: name, Value: phi[i], Input: x[i], Imputed: imputed[i]}
	}
	sort.SliceStable(attributions, func(i, j int) bool {
		return math.Abs(attributions[i].Value) > math.Abs(attributions[j].Value)
	})

	exp := models.Explanation{
		PatientID:    row.PatientID,
		ModelVersion: m.Version,
		Baseline:     e.baseline,
		Output:       output,
		Attributions: attributions,
	}
	if diff := math.Abs(exp.Sum() - output); diff > reconstructionTolerance*math.Max(1, math.Abs(output)) {
		return models.Explanation{}, fmt.Errorf("attributions for %s do not reconstruct model output (off by %g)", row.PatientID, diff)
	}
	return exp, nil
}

// Top returns the n strongest attributions of exp.
func (e *Engine) Top(exp models.Explanation, n int) []models.Attribution {
	if n <= 0 || n >= len(exp.Attributions) {
		return exp.Attributions
	}
	return exp.Attributions[:n]
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Cache keeps engines for recently used model versions.
type Cache struct {
	engines *lru.Cache[string, *Engine]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = 8
	}
	c, err := lru.New[string, *Engine](size)
	if err != nil {
		return nil, err
	}
	return &Cache{engines: c}, nil
}

// For returns the engine pinned to m, building it on first use.
func (c *Cache) For(m *riskmodel.Model) *Engine {
	if e, ok := c.engines.Get(m.Version); ok {
		return e
	}
	e := NewEngine(m)
	c.engines.Add(m.Version, e)
	return e
}
