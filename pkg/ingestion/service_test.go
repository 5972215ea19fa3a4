package ingestion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/normalizer"
	"github.com/synaptica-ai/cardiorisk/pkg/terminology"
)

var refDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bundleJSON(t *testing.T, patientID string, systolic float64) []byte {
	t.Helper()
	b := map[string]interface{}{
		"resourceType": "Bundle",
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}{
				"resourceType": "Patient", "id": patientID, "birthDate": "1970-02-01",
			}},
			map[string]interface{}{"resource": map[string]interface{}{
				"resourceType":      "Observation",
				"effectiveDateTime": "2023-05-01",
				"code":              map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "8480-6"}}},
				"valueQuantity":     map[string]interface{}{"value": systolic, "unit": "mm[Hg]"},
			}},
		},
	}
	data, err := json.Marshal(b)
	require.NoError(t, err)
	return data
}

type capturePublisher struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (c *capturePublisher) PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, data)
	return nil
}

func newTestService(workers int, dlq *capturePublisher) *Service {
	norm := normalizer.NewService(normalizer.NewTransformer(terminology.DefaultRules(), refDate), nil, nil)
	if dlq == nil {
		return NewService(norm, NewValidator(nil), nil, nil, nil, workers)
	}
	return NewService(norm, NewValidator(nil), nil, nil, dlq, workers)
}

func writeFixtureDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string][]byte{
		"a.json":    bundleJSON(t, "p-3", 150),
		"b.json":    bundleJSON(t, "p-1", 120),
		"c.json":    []byte(`{"resourceType": "Bundle", "entry": [`),
		"d.json":    []byte(`{"resourceType": "Patient", "id": "p-9"}`),
		"e.json":    bundleJSON(t, "p-1", 180),
		"notes.txt": []byte("not a bundle"),
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o600))
	}
	return dir
}

func TestIngestDirOrdersRowsAndCollectsFailures(t *testing.T) {
	dir := writeFixtureDir(t)
	dlq := &capturePublisher{}
	res, err := newTestService(4, dlq).IngestDir(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	assert.Equal(t, "p-1", res.Rows[0].PatientID)
	assert.Equal(t, "p-3", res.Rows[1].PatientID)
	systolic, ok := res.Rows[0].Get("systolic_bp")
	require.True(t, ok)
	assert.Equal(t, 120.0, systolic.Value, "first source wins for a duplicated patient")

	diag := res.Diagnostics
	assert.Equal(t, 5, diag.Records)
	assert.Equal(t, 2, diag.Normalized)
	assert.Equal(t, 3, diag.Failed)
	require.Len(t, diag.Failures, 3)
	assert.Equal(t, filepath.Join(dir, "c.json"), diag.Failures[0].Source)
	assert.Contains(t, diag.Failures[0].Error, "invalid JSON")
	assert.Contains(t, diag.Failures[1].Error, "Patient: not a FHIR bundle")
	assert.Contains(t, diag.Failures[2].Error, "duplicate patient id p-1")

	assert.Equal(t, map[string]int{"bmi": 2, "diastolic_bp": 2, "cholesterol": 2, "smoker": 2}, diag.MissingByFeature)
	require.Len(t, diag.PerRecord, 2)
	assert.Equal(t, "p-1", diag.PerRecord[0].PatientID)
	assert.Len(t, dlq.events, 3)
}

func TestBatchIndependentOfWorkerCount(t *testing.T) {
	dir := writeFixtureDir(t)
	one, err := newTestService(1, nil).IngestDir(context.Background(), dir)
	require.NoError(t, err)
	many, err := newTestService(8, nil).IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, one.Rows, many.Rows)
	assert.Equal(t, one.Diagnostics, many.Diagnostics)
}

func TestBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	docs := []Document{{Source: "x", System: "file", Data: bundleJSON(t, "p-1", 120)}}
	_, err := newTestService(2, nil).Batch(ctx, "test", docs)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadDirMissing(t *testing.T) {
	_, err := ReadDir(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestDecodeRecordEnvelope(t *testing.T) {
	body := []byte(`{"patient_id":"p-5","source":"ehr","bundle":{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient"}}]}}`)
	rec, err := DecodeRecord(Document{Source: "api#0", System: "api", Data: body})
	require.NoError(t, err)
	assert.Equal(t, "p-5", rec.PatientID)
	assert.Equal(t, "ehr", rec.Source)
	assert.Equal(t, "Bundle", rec.Bundle["resourceType"])
}

func TestValidator(t *testing.T) {
	bundle := func(entries ...interface{}) map[string]interface{} {
		return map[string]interface{}{"resourceType": "Bundle", "entry": entries}
	}
	v := NewValidator([]string{"EHR", " file "})
	cases := map[string]struct {
		rec   models.PatientRecord
		valid bool
	}{
		"ok":             {models.PatientRecord{Source: "ehr", Bundle: bundle(map[string]interface{}{})}, true},
		"source case":    {models.PatientRecord{Source: "FILE", Bundle: bundle(map[string]interface{}{})}, true},
		"unknown source": {models.PatientRecord{Source: "fax", Bundle: bundle(map[string]interface{}{})}, false},
		"not bundle":     {models.PatientRecord{Source: "ehr", Bundle: map[string]interface{}{"resourceType": "Patient"}}, false},
		"no type":        {models.PatientRecord{Source: "ehr", Bundle: map[string]interface{}{}}, false},
		"empty bundle":   {models.PatientRecord{Source: "ehr", Bundle: bundle()}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.Validate(tc.rec)
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsValidationError(err))
		})
	}

	var nilValidator *Validator
	assert.True(t, IsValidationError(nilValidator.Validate(models.PatientRecord{})))
}
