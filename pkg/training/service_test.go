package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel/riskmodeltest"
	"github.com/synaptica-ai/cardiorisk/pkg/serving"
	"github.com/synaptica-ai/cardiorisk/pkg/storage"
)

func newTestService(t *testing.T) (*Service, *serving.Registry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	registry := serving.NewRegistry("cardiac-risk", serving.NewFileStore(t.TempDir()))
	svc, err := NewService(store, registry, nil, Config{
		Schema:   riskmodeltest.Schema,
		Policies: features.DefaultPolicies(),
		Defaults: riskmodeltest.Options(),
	})
	require.NoError(t, err)
	return svc, registry, store
}

func writeTable(t *testing.T, labels func([]int) []int) string {
	t.Helper()
	table, defaults := riskmodeltest.Table(t, 120, 3)
	if labels != nil {
		defaults = labels(defaults)
	}
	path := filepath.Join(t.TempDir(), "table.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, storage.WriteTableCSV(f, table, defaults))
	return path
}

func TestTrainingJobCompletes(t *testing.T) {
	svc, registry, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateJobInput{TablePath: writeTable(t, nil), Config: map[string]interface{}{"trees": 8}})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	svc.Wait()

	done, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status, done.ErrorMessage)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.FileExists(t, done.ArtifactPath)

	current, err := registry.Current()
	require.NoError(t, err)
	assert.Equal(t, current.Version, done.ModelVersion)
	assert.Len(t, current.Forest.Trees, 8)

	artifact, err := svc.GetArtifact(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.ArtifactPath, artifact.Path)
	assert.Contains(t, artifact.Metrics, "validation")
}

func TestTrainingJobFailsOnSingleClass(t *testing.T) {
	svc, registry, _ := newTestService(t)
	ctx := context.Background()

	allPositive := func(labels []int) []int {
		for i := range labels {
			labels[i] = 1
		}
		return labels
	}
	job, err := svc.Create(ctx, CreateJobInput{TablePath: writeTable(t, allPositive)})
	require.NoError(t, err)
	svc.Wait()

	done, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "insufficient data")
	_, err = registry.Current()
	assert.Error(t, err)
}

func TestTrainingJobSchemaMismatch(t *testing.T) {
	svc, _, _ := newTestService(t)
	path := filepath.Join(t.TempDir(), "table.csv")
	require.NoError(t, os.WriteFile(path, []byte("patient_id,age,heart_rate,label\np-1,50,70,1\n"), 0o600))

	_, _, err := svc.Train(context.Background(), CreateJobInput{TablePath: path})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "schema mismatch")
}

func TestCreateValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateJobInput{})
	assert.Error(t, err)
	_, err = svc.Create(ctx, CreateJobInput{TablePath: "a.csv", BundleDir: "dir"})
	assert.Error(t, err)
	_, err = svc.Create(ctx, CreateJobInput{BundleDir: "dir"})
	assert.Error(t, err, "no ingestion service configured")
	_, err = svc.Create(ctx, CreateJobInput{TablePath: "a.csv", Config: map[string]interface{}{"trees": "many"}})
	assert.Error(t, err)

	_, err = svc.Get(ctx, uuid.New())
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestNewServiceRejectsBadSchema(t *testing.T) {
	_, err := NewService(NewMemoryStore(), serving.NewRegistry("m", nil), nil, Config{
		Schema:   []string{"age", "age"},
		Policies: features.DefaultPolicies(),
	})
	assert.Error(t, err)

	_, err = NewService(nil, serving.NewRegistry("m", nil), nil, Config{Schema: riskmodeltest.Schema, Policies: features.DefaultPolicies()})
	assert.Error(t, err)
}
