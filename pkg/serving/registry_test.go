package serving

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel/riskmodeltest"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry("cardiac-risk", nil)
	_, err := r.Current()
	assert.True(t, errors.Is(err, apperr.ErrNoModel))

	_, err = r.Load(context.Background())
	assert.Error(t, err)
}

func TestRegistryFitPersistsAndInstalls(t *testing.T) {
	store := NewFileStore(t.TempDir())
	r := NewRegistry("cardiac-risk", store)
	table, labels := riskmodeltest.Table(t, 120, 5)

	m, path, err := r.Fit(context.Background(), table, labels, riskmodeltest.Options())
	require.NoError(t, err)
	assert.FileExists(t, path)

	cur, err := r.Current()
	require.NoError(t, err)
	assert.Same(t, m, cur)

	fresh := NewRegistry("cardiac-risk", store)
	changed, err := fresh.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	loaded, err := fresh.Current()
	require.NoError(t, err)
	assert.Equal(t, m.Version, loaded.Version)

	changed, err = fresh.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRegistryFitFailureKeepsCurrent(t *testing.T) {
	r := NewRegistry("cardiac-risk", nil)
	first := riskmodeltest.Train(t, 1)
	r.Swap(first)

	table, labels := riskmodeltest.Table(t, 40, 5)
	for i := range labels {
		labels[i] = 1
	}
	_, _, err := r.Fit(context.Background(), table, labels, riskmodeltest.Options())
	assert.True(t, errors.Is(err, apperr.ErrInsufficientData))

	cur, err := r.Current()
	require.NoError(t, err)
	assert.Same(t, first, cur)
}

func TestRegistryReadersKeepPinnedModel(t *testing.T) {
	r := NewRegistry("cardiac-risk", nil)
	first := riskmodeltest.Train(t, 1)
	r.Swap(first)

	row := riskmodeltest.Row("p-x", 70, 30, 165, 100, 260, 1, 1)
	pinned, err := r.Current()
	require.NoError(t, err)
	want, err := pinned.Predict(row)
	require.NoError(t, err)

	table, labels := riskmodeltest.Table(t, 120, 9)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Fit(context.Background(), table, labels, riskmodeltest.Options())
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 50; i++ {
		got, err := pinned.Predict(row)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	wg.Wait()

	cur, err := r.Current()
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, cur.Version)
	assert.Equal(t, first.Version, pinned.Version)
}
