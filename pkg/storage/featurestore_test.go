package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

type memoryKV struct {
	data map[string]string
	ttl  map[string]time.Duration
	fail error
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (m *memoryKV) Get(ctx context.Context, key string) *redis.StringCmd {
	if m.fail != nil {
		return redis.NewStringResult("", m.fail)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memoryKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if m.fail != nil {
		return redis.NewStatusResult("", m.fail)
	}
	m.data[key] = string(value.([]byte))
	m.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestFeatureStoreRoundTrip(t *testing.T) {
	kv := newMemoryKV()
	store := NewFeatureStore(kv, "", 5*time.Minute)
	ctx := context.Background()

	rec := CachedRecord{
		Row:   models.FeatureRow{PatientID: "p-1", Features: []models.FeatureValue{{Name: "age", Value: 60}}},
		Notes: []models.ClinicalNote{{ID: "n-1", PatientID: "p-1", Text: "chest pain"}},
	}
	require.NoError(t, store.Put(ctx, rec))
	assert.Equal(t, 5*time.Minute, kv.ttl["features:p-1"])

	got, err := store.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Row, got.Row)
	assert.Equal(t, rec.Notes, got.Notes)
	assert.False(t, got.StoredAt.IsZero())

	require.NoError(t, store.Delete(ctx, "p-1"))
	_, err = store.Get(ctx, "p-1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestFeatureStoreBackendError(t *testing.T) {
	kv := newMemoryKV()
	kv.fail = errors.New("connection refused")
	store := NewFeatureStore(kv, "cache", time.Minute)

	_, err := store.Get(context.Background(), "p-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperr.ErrNotFound))
	assert.Error(t, store.Put(context.Background(), CachedRecord{Row: models.FeatureRow{PatientID: "p-1"}}))
}
