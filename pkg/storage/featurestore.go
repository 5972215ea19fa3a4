package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

// KV is the subset of the redis client used by the feature store.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// FeatureStore caches normalized rows and extracted notes for online report
// requests.
type FeatureStore struct {
	client   KV
	prefix   string
	cacheTTL time.Duration
}

// CachedRecord is the online view of one patient.
type CachedRecord struct {
	Row         models.FeatureRow        `json:"row"`
	Diagnostics models.RecordDiagnostics `json:"diagnostics"`
	Notes       []models.ClinicalNote    `json:"notes,omitempty"`
	StoredAt    time.Time                `json:"stored_at"`
}

func NewFeatureStore(client KV, prefix string, ttl time.Duration) *FeatureStore {
	if prefix == "" {
		prefix = "features"
	}
	return &FeatureStore{client: client, prefix: prefix, cacheTTL: ttl}
}

func (f *FeatureStore) key(patientID string) string {
	return fmt.Sprintf("%s:%s", f.prefix, patientID)
}

// Put replaces the cached record of a patient.
func (f *FeatureStore) Put(ctx context.Context, rec CachedRecord) error {
	if rec.StoredAt.IsZero() {
		rec.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := f.key(rec.Row.PatientID)
	if err := f.client.Set(ctx, key, data, f.cacheTTL).Err(); err != nil {
		logger.Log.WithError(err).WithField("key", key).Error("failed to cache features")
		return err
	}
	logger.Log.WithFields(map[string]interface{}{
		"key":  key,
		"size": len(data),
	}).Debug("Cached features")
	return nil
}

func (f *FeatureStore) Get(ctx context.Context, patientID string) (CachedRecord, error) {
	data, err := f.client.Get(ctx, f.key(patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedRecord{}, apperr.NotFound("patient " + patientID)
	}
	if err != nil {
		return CachedRecord{}, err
	}
	var rec CachedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CachedRecord{}, fmt.Errorf("decode cached features for %s: %w", patientID, err)
	}
	return rec, nil
}

func (f *FeatureStore) Delete(ctx context.Context, patientID string) error {
	return f.client.Del(ctx, f.key(patientID)).Err()
}
