package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

// Flag records a value that was altered by a plausibility bound.
type Flag struct {
	PatientID string  `json:"patient_id"`
	Feature   string  `json:"feature"`
	Raw       float64 `json:"raw"`
	Action    string  `json:"action"`
}

// Table is a dense, fully imputed feature matrix with rows ordered by patient
// id.
type Table struct {
	Schema        []string       `json:"schema"`
	PatientIDs    []string       `json:"patient_ids"`
	Values        [][]float64    `json:"values"`
	Imputed       [][]bool       `json:"imputed"`
	Flags         []Flag         `json:"flags,omitempty"`
	Preprocessor  *Preprocessor  `json:"preprocessor"`
	MissingCounts map[string]int `json:"missing_counts"`
}

func (t *Table) Len() int {
	return len(t.PatientIDs)
}

// Column returns the index of name in the schema, or -1.
func (t *Table) Column(name string) int {
	for i, n := range t.Schema {
		if n == name {
			return i
		}
	}
	return -1
}

// Row rebuilds the FeatureRow of row i. Imputed cells are reported as missing
// so that the row can be fed back through a Preprocessor.
func (t *Table) Row(i int) models.FeatureRow {
	row := models.FeatureRow{PatientID: t.PatientIDs[i], Features: make([]models.FeatureValue, len(t.Schema))}
	for j, name := range t.Schema {
		row.Features[j] = models.FeatureValue{Name: name, Value: t.Values[i][j], Missing: t.Imputed[i][j]}
	}
	return row
}

type Builder struct {
	schema   []string
	policies []Policy
}

// NewBuilder fixes the schema and its policies. Features without an explicit
// policy use median imputation with no bounds; a policy naming a feature
// outside the schema is rejected.
func NewBuilder(schema []string, policies map[string]Policy) (*Builder, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("feature schema empty")
	}
	index := make(map[string]int, len(schema))
	for i, name := range schema {
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate feature %s in schema", name)
		}
		index[name] = i
	}
	for name := range policies {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("policy for unknown feature %s", name)
		}
	}

	b := &Builder{schema: append([]string(nil), schema...), policies: make([]Policy, len(schema))}
	for i, name := range schema {
		p, ok := policies[name]
		if !ok {
			p = Policy{Impute: ImputeMedian}
		}
		if err := p.validate(name); err != nil {
			return nil, err
		}
		b.policies[i] = p
	}
	return b, nil
}

func (b *Builder) Schema() []string {
	return append([]string(nil), b.schema...)
}

// Build assembles the table. The input slice is not modified.
func (b *Builder) Build(rows []models.FeatureRow) (*Table, error) {
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return rows[order[i]].PatientID < rows[order[j]].PatientID
	})

	schemaCheck := &Preprocessor{Schema: b.schema}
	n, p := len(rows), len(b.schema)
	table := &Table{
		Schema:        b.Schema(),
		PatientIDs:    make([]string, n),
		Values:        make([][]float64, n),
		Imputed:       make([][]bool, n),
		MissingCounts: make(map[string]int, p),
	}
	observed := make([][]float64, p)

	for r, idx := range order {
		row := rows[idx]
		if err := schemaCheck.CheckSchema(row.PatientID, "", row.Names()); err != nil {
			return nil, err
		}
		table.PatientIDs[r] = row.PatientID
		table.Values[r] = make([]float64, p)
		table.Imputed[r] = make([]bool, p)
		for j, f := range row.Features {
			if f.Missing {
				table.Imputed[r][j] = true
				continue
			}
			if math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
				table.Imputed[r][j] = true
				continue
			}
			v, action, ok := b.policies[j].bound(f.Value)
			if action != "" {
				table.Flags = append(table.Flags, Flag{PatientID: row.PatientID, Feature: b.schema[j], Raw: f.Value, Action: action})
			}
			if !ok {
				table.Imputed[r][j] = true
				continue
			}
			table.Values[r][j] = v
			observed[j] = append(observed[j], v)
		}
	}

	fill := make([]float64, p)
	for j, name := range b.schema {
		if len(observed[j]) == 0 {
			if b.policies[j].Required {
				return nil, apperr.SchemaMismatch("", "", fmt.Sprintf("required feature %s has no observed values", name))
			}
			if b.policies[j].Impute != ImputeConstant {
				return nil, apperr.SchemaMismatch("", "", fmt.Sprintf("feature %s has no observed values to %s-impute from", name, b.policies[j].Impute))
			}
		}
		fill[j] = b.policies[j].fit(observed[j])
		table.MissingCounts[name] = n - len(observed[j])
	}
	for r := range table.Values {
		for j := range fill {
			if table.Imputed[r][j] {
				table.Values[r][j] = fill[j]
			}
		}
	}

	table.Preprocessor = &Preprocessor{
		Schema:   b.Schema(),
		Fill:     fill,
		Policies: append([]Policy(nil), b.policies...),
	}

	logger.Log.WithFields(map[string]interface{}{
		"rows":    n,
		"flags":   len(table.Flags),
		"missing": table.MissingCounts,
	}).Info("feature table built")
	return table, nil
}
