// Package riskmodeltest builds small synthetic cohorts and trained models for
// tests of packages that consume a riskmodel.Model.
package riskmodeltest

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel"
)

var Schema = []string{"age", "bmi", "systolic_bp", "diastolic_bp", "cholesterol", "diabetes_history", "smoker"}

// Cohort returns n deterministic feature rows; every seventh row is missing
// bmi.
func Cohort(n int, seed int64) []models.FeatureRow {
	rng := rand.New(rand.NewSource(seed))
	rows := make([]models.FeatureRow, n)
	for i := range rows {
		values := []float64{
			float64(30 + rng.Intn(50)),
			18 + rng.Float64()*20,
			100 + rng.Float64()*80,
			60 + rng.Float64()*40,
			150 + rng.Float64()*120,
			float64(rng.Intn(4) / 3),
			float64(rng.Intn(2)),
		}
		row := models.FeatureRow{PatientID: fmt.Sprintf("p-%03d", i)}
		for j, name := range Schema {
			row.Features = append(row.Features, models.FeatureValue{Name: name, Value: values[j]})
		}
		if i%7 == 0 {
			row.Features[1] = models.FeatureValue{Name: "bmi", Missing: true, Reason: models.ReasonNotFound}
		}
		rows[i] = row
	}
	return rows
}

// Table builds the feature table and default labels for a cohort.
func Table(t testing.TB, n int, seed int64) (*features.Table, []int) {
	t.Helper()
	b, err := features.NewBuilder(Schema, features.DefaultPolicies())
	require.NoError(t, err)
	table, err := b.Build(Cohort(n, seed))
	require.NoError(t, err)
	labels, err := features.DefaultLabeler().Labels(table)
	require.NoError(t, err)
	return table, labels
}

// Options keeps forests small so tests stay fast.
func Options() riskmodel.Options {
	opts := riskmodel.DefaultOptions()
	opts.Forest.Trees = 10
	opts.Forest.MaxDepth = 5
	return opts
}

func Train(t testing.TB, seed int64) *riskmodel.Model {
	t.Helper()
	table, labels := Table(t, 120, seed)
	m, err := riskmodel.Fit(context.Background(), table, labels, Options())
	require.NoError(t, err)
	return m
}

// Row builds a complete row with the given values in Schema order.
func Row(id string, values ...float64) models.FeatureRow {
	row := models.FeatureRow{PatientID: id}
	for i, name := range Schema {
		fv := models.FeatureValue{Name: name, Missing: true, Reason: models.ReasonNotFound}
		if i < len(values) {
			fv = models.FeatureValue{Name: name, Value: values[i]}
		}
		row.Features = append(row.Features, fv)
	}
	return row
}
