package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

func observation(code string, value float64, unit string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType":      "Observation",
		"code":              map[string]interface{}{"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": code}}},
		"effectiveDateTime": "2023-06-01",
		"valueQuantity":     map[string]interface{}{"value": value, "unit": unit},
	}
}

func writeBundles(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p-%03d", i)
		resources := []interface{}{
			map[string]interface{}{"resourceType": "Patient", "id": id, "birthDate": fmt.Sprintf("%d-03-15", 1940+rng.Intn(50))},
			observation("8480-6", float64(105+rng.Intn(80)), "mm[Hg]"),
			observation("8462-4", float64(65+rng.Intn(40)), "mm[Hg]"),
			observation("39156-5", 19+rng.Float64()*15, "kg/m2"),
			observation("2093-3", float64(150+rng.Intn(120)), "mg/dL"),
		}
		if i%5 == 0 {
			resources = append(resources, map[string]interface{}{
				"resourceType": "Condition",
				"code":         map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "44054006"}}},
			})
		}
		if i%3 == 0 {
			resources = append(resources, map[string]interface{}{
				"resourceType": "DocumentReference",
				"id":           "doc-" + id,
				"description":  "Complains of chest pain, takes aspirin daily",
			})
		}
		entries := make([]interface{}, len(resources))
		for j, r := range resources {
			entries[j] = map[string]interface{}{"resource": r}
		}
		raw, err := json.Marshal(map[string]interface{}{"resourceType": "Bundle", "entry": entries})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), raw, 0o600))
	}
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIngestTrainScore(t *testing.T) {
	bundles := writeBundles(t, 60)
	work := t.TempDir()
	table := filepath.Join(work, "table.csv")
	diag := filepath.Join(work, "diagnostics.json")
	artifacts := filepath.Join(work, "artifacts")

	_, err := run(t, "ingest", "--dir", bundles, "--out", table, "--diagnostics", diag, "--reference-date", "2024-01-01")
	require.NoError(t, err)

	raw, err := os.ReadFile(diag)
	require.NoError(t, err)
	var batch models.BatchDiagnostics
	require.NoError(t, json.Unmarshal(raw, &batch))
	assert.Equal(t, 60, batch.Records)
	assert.Equal(t, 60, batch.Normalized)

	header, err := os.ReadFile(table)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(header), "patient_id,age,bmi"))

	out, err := run(t, "train", "--table", table, "--artifact-dir", artifacts, "--trees", "8", "--max-depth", "4")
	require.NoError(t, err)
	var trained trainOutput
	require.NoError(t, json.Unmarshal([]byte(out), &trained))
	assert.Equal(t, "cardiac-risk", trained.Name)
	assert.NotEmpty(t, trained.Version)
	assert.FileExists(t, trained.Artifact)

	out, err = run(t, "score", "--bundles", bundles, "--artifact-dir", artifacts, "--reference-date", "2024-01-01")
	require.NoError(t, err)
	var results []scoreResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 60)
	for _, res := range results {
		require.Empty(t, res.Error, res.Source)
		require.NotNil(t, res.Report)
		assert.Equal(t, trained.Version, res.Report.Assessment.ModelVersion)
		assert.InDelta(t, res.Report.Assessment.Probability, res.Report.Explanation.Sum(), 1e-6)
	}
	assert.Len(t, results[0].Report.Entities, 2)
}

func TestScoreWithoutModel(t *testing.T) {
	bundles := writeBundles(t, 1)
	_, err := run(t, "score", "--bundles", bundles, "--artifact-dir", t.TempDir())
	assert.ErrorContains(t, err, "no cardiac-risk artifact found")
}

func TestExtract(t *testing.T) {
	out, err := run(t, "extract", "--note-id", "n-1", "Shortness of breath; started lisinopril")
	require.NoError(t, err)

	var entities []models.ClinicalEntity
	require.NoError(t, json.Unmarshal([]byte(out), &entities))
	require.Len(t, entities, 2)
	assert.Equal(t, "Shortness of breath", entities[0].Text)
	assert.Equal(t, models.EntitySymptom, entities[0].Type)
	assert.Equal(t, "lisinopril", entities[1].Text)
	assert.Equal(t, "n-1", entities[1].SourceNoteID)
}

func TestExtractRequiresText(t *testing.T) {
	_, err := run(t, "extract")
	assert.Error(t, err)
}
