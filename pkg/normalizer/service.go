package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/synaptica-ai/cardiorisk/pkg/common/kafka"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/observability/metrics"
)

// Service wraps the Transformer with optional persistence of feature rows and
// publication of normalized events. Both sinks may be nil.
type Service struct {
	transformer *Transformer
	repo        *Repository
	producer    kafka.Publisher
}

func NewService(transformer *Transformer, repo *Repository, producer kafka.Publisher) *Service {
	return &Service{
		transformer: transformer,
		repo:        repo,
		producer:    producer,
	}
}

func (s *Service) Schema() []string {
	return s.transformer.Schema()
}

// Process normalizes one record. The returned error only reports sink
// failures; the Result is always complete.
func (s *Service) Process(ctx context.Context, rec models.PatientRecord) (Result, error) {
	result := s.transformer.Normalize(rec)
	metrics.ObserveNormalized(result.Diagnostics.MissingCount)

	logger.WithFields(map[string]interface{}{
		"patient_id": result.Row.PatientID,
		"missing":    result.Diagnostics.MissingCount,
		"notes":      result.Diagnostics.Notes,
	}).Debug("record normalized")

	if s.repo != nil {
		if err := s.repo.Save(ctx, NewFeatureRowModel(result.Row)); err != nil {
			return result, fmt.Errorf("persist feature row %s: %w", result.Row.PatientID, err)
		}
	}

	if s.producer != nil {
		payload := map[string]interface{}{
			"patient_id": result.Row.PatientID,
			"features":   result.Row.Features,
			"missing":    result.Diagnostics.Missing,
		}
		if err := s.producer.PublishEvent(ctx, "normalized", "normalizer", payload); err != nil {
			logger.Log.WithError(err).WithField("patient_id", result.Row.PatientID).Error("failed to publish normalized event")
			return result, err
		}
	}
	return result, nil
}

func (s *Service) Normalize(rec models.PatientRecord) Result {
	return s.transformer.Normalize(rec)
}

// RecordFromEvent extracts a PatientRecord from a bus event. The bundle may be
// carried as an object or as a JSON string.
func RecordFromEvent(event models.Event) (models.PatientRecord, error) {
	if event.Data == nil {
		return models.PatientRecord{}, fmt.Errorf("event data missing")
	}
	rec := models.PatientRecord{
		PatientID:  getString(event.Data["patient_id"]),
		Source:     event.Source,
		ReceivedAt: event.Timestamp,
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	switch bundle := event.Data["bundle"].(type) {
	case map[string]interface{}:
		rec.Bundle = bundle
	case string:
		var tmp map[string]interface{}
		if err := json.Unmarshal([]byte(bundle), &tmp); err != nil {
			return models.PatientRecord{}, fmt.Errorf("decode bundle: %w", err)
		}
		rec.Bundle = tmp
	default:
		return models.PatientRecord{}, fmt.Errorf("bundle not present")
	}
	return rec, nil
}
