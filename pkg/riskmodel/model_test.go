package riskmodel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
)

var schema = []string{"age", "bmi", "systolic_bp", "diastolic_bp", "cholesterol", "diabetes_history", "smoker"}

func cohort(n int, seed int64) []models.FeatureRow {
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
		for j, name := range schema {
			row.Features = append(row.Features, models.FeatureValue{Name: name, Value: values[j]})
		}
		if i%7 == 0 {
			row.Features[1] = models.FeatureValue{Name: "bmi", Missing: true, Reason: models.ReasonNotFound}
		}
		rows[i] = row
	}
	return rows
}

func trainedModel(t *testing.T) (*Model, *features.Table) {
	t.Helper()
	b, err := features.NewBuilder(schema, features.DefaultPolicies())
	require.NoError(t, err)
	table, err := b.Build(cohort(160, 11))
	require.NoError(t, err)
	labels, err := features.DefaultLabeler().Labels(table)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Forest.Trees = 15
	opts.Forest.MaxDepth = 6
	m, err := Fit(context.Background(), table, labels, opts)
	require.NoError(t, err)
	return m, table
}

func missingBP(id string) models.FeatureRow {
	row := models.FeatureRow{PatientID: id}
	for _, name := range schema {
		fv := models.FeatureValue{Name: name, Value: 1}
		if name == "systolic_bp" || name == "diastolic_bp" {
			fv = models.FeatureValue{Name: name, Missing: true, Reason: models.ReasonNotFound}
		}
		if name == "age" {
			fv.Value = 64
		}
		row.Features = append(row.Features, fv)
	}
	return row
}

func TestFitProducesVersionedModel(t *testing.T) {
	m, table := trainedModel(t)

	assert.NotEmpty(t, m.Version)
	assert.Equal(t, schema, m.Schema)
	assert.Equal(t, 0.5, m.Threshold)
	assert.Equal(t, 32, m.Metrics.ValidationSize)
	assert.Equal(t, 128, m.Metrics.TrainSize)
	assert.Equal(t, table.Len(), m.Metrics.Positives+m.Metrics.Negatives)
	assert.Greater(t, m.Metrics.Validation.Accuracy, 0.75)
	assert.Len(t, m.Metrics.Validation.Calibration, 5)
}

func TestPredictIsDeterministic(t *testing.T) {
	m, table := trainedModel(t)
	row := table.Row(3)

	first, err := m.Predict(row)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := m.Predict(row)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.GreaterOrEqual(t, first, 0.0)
	assert.LessOrEqual(t, first, 1.0)
}

func TestPredictImputesMissingBloodPressure(t *testing.T) {
	m, _ := trainedModel(t)

	x, imputed, err := m.Transform(missingBP("new"))
	require.NoError(t, err)
	assert.Equal(t, 120.0, x[2], "systolic falls back to its constant")
	assert.True(t, imputed[2])
	assert.True(t, imputed[3])

	p, err := m.Predict(missingBP("new"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p, 0.0)
}

func TestPredictRejectsExtraColumn(t *testing.T) {
	m, _ := trainedModel(t)
	row := missingBP("p-extra")
	row.Features = append(row.Features, models.FeatureValue{Name: "heart_rate", Value: 72})

	_, err := m.Predict(row)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrSchemaMismatch))
	patientID, version := apperr.Context(err)
	assert.Equal(t, "p-extra", patientID)
	assert.Equal(t, m.Version, version)
}

func TestFitInsufficientData(t *testing.T) {
	b, err := features.NewBuilder(schema, features.DefaultPolicies())
	require.NoError(t, err)
	table, err := b.Build(cohort(3, 5))
	require.NoError(t, err)

	_, err = Fit(context.Background(), table, []int{1, 1, 1}, DefaultOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientData))
	assert.Contains(t, err.Error(), "3 positive and 0 negative")
}

func TestFitRejectsNonBinaryLabels(t *testing.T) {
	b, err := features.NewBuilder(schema, features.DefaultPolicies())
	require.NoError(t, err)
	table, err := b.Build(cohort(30, 3))
	require.NoError(t, err)

	labels := make([]int, table.Len())
	for i := range labels {
		labels[i] = i % 3
	}
	assert.NotPanics(t, func() {
		_, err = Fit(context.Background(), table, labels, DefaultOptions())
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labels must be 0 or 1")
}

func TestFitIsReproducible(t *testing.T) {
	b, err := features.NewBuilder(schema, features.DefaultPolicies())
	require.NoError(t, err)
	table, err := b.Build(cohort(80, 9))
	require.NoError(t, err)
	labels, err := features.DefaultLabeler().Labels(table)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Forest.Trees = 8
	first, err := Fit(context.Background(), table, labels, opts)
	require.NoError(t, err)
	second, err := Fit(context.Background(), table, labels, opts)
	require.NoError(t, err)

	assert.NotEqual(t, first.Version, second.Version)
	assert.Equal(t, first.Forest, second.Forest)
}

func TestArtifactRoundTrip(t *testing.T) {
	m, table := trainedModel(t)

	var buf bytes.Buffer
	require.NoError(t, m.Write(&buf))
	loaded, err := Read(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.Version, loaded.Version)
	for i := 0; i < table.Len(); i += 10 {
		want, err := m.Predict(table.Row(i))
		require.NoError(t, err)
		got, err := loaded.Predict(table.Row(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReadRejectsMalformedArtifacts(t *testing.T) {
	cases := map[string]string{
		"not json":   "{",
		"no version": `{"forest":{"features":1,"trees":[{"nodes":[{"feature":-1,"value":0.5,"cover":1}]}]}}`,
		"no trees":   `{"version":"v","schema":["a"],"forest":{"features":1,"trees":[]}}`,
	}
	for name, input := range cases {
		_, err := Read(bytes.NewBufferString(input))
		assert.Error(t, err, name)
	}
}

func TestRiskLabel(t *testing.T) {
	assert.True(t, RiskLabel(0.51, 0.5))
	assert.False(t, RiskLabel(0.5, 0.5))
	assert.False(t, RiskLabel(0.49, 0.5))
}
