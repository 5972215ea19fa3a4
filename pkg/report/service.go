package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/kafka"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/explain"
	"github.com/synaptica-ai/cardiorisk/pkg/nlp"
	"github.com/synaptica-ai/cardiorisk/pkg/normalizer"
	"github.com/synaptica-ai/cardiorisk/pkg/observability/metrics"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel"
	"github.com/synaptica-ai/cardiorisk/pkg/serving"
	"github.com/synaptica-ai/cardiorisk/pkg/storage"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	PredictionTimeout time.Duration
	TopAttributions   int
}

// Deps are the collaborators of a Service. Normalizer, Registry and
// Extractor are required; the rest are optional sinks and sources.
type Deps struct {
	Normalizer *normalizer.Service
	Registry   *serving.Registry
	Explainers *explain.Cache
	Extractor  *nlp.Extractor
	Cache      *storage.FeatureStore
	Rows       *normalizer.Repository
	Logs       *serving.Repository
	Publisher  kafka.Publisher
}

// Service merges prediction, explanation and entity extraction into one
// PatientRiskReport.
type Service struct {
	deps Deps
	opts Options
}

func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Normalizer == nil || deps.Registry == nil || deps.Extractor == nil {
		return nil, errors.New("report service requires normalizer, registry and extractor")
	}
	if deps.Explainers == nil {
		cache, err := explain.NewCache(4)
		if err != nil {
			return nil, err
		}
		deps.Explainers = cache
	}
	if opts.PredictionTimeout <= 0 {
		opts.PredictionTimeout = 2 * time.Second
	}
	if opts.TopAttributions <= 0 {
		opts.TopAttributions = 5
	}
	return &Service{deps: deps, opts: opts}, nil
}

// FromRecord normalizes rec, caches the result for later lookups and scores
// it.
func (s *Service) FromRecord(ctx context.Context, rec models.PatientRecord) (models.PatientRiskReport, error) {
	result, err := s.deps.Normalizer.Process(ctx, rec)
	if err != nil {
		logger.Log.WithError(err).WithField("patient_id", result.Row.PatientID).Warn("normalized record not persisted")
	}
	if s.deps.Cache != nil {
		cached := storage.CachedRecord{Row: result.Row, Diagnostics: result.Diagnostics, Notes: result.Notes}
		if err := s.deps.Cache.Put(ctx, cached); err != nil {
			logger.Log.WithError(err).WithField("patient_id", result.Row.PatientID).Warn("feature cache write failed")
		}
	}
	diag := result.Diagnostics
	return s.Score(ctx, result.Row, &diag, result.Notes)
}

// ForPatient scores a previously normalized patient, looking first in the
// feature cache and then in the feature row table. Rows loaded from the
// table carry no notes.
func (s *Service) ForPatient(ctx context.Context, patientID string) (models.PatientRiskReport, error) {
	if s.deps.Cache != nil {
		cached, err := s.deps.Cache.Get(ctx, patientID)
		if err == nil {
			return s.Score(ctx, cached.Row, &cached.Diagnostics, cached.Notes)
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			logger.Log.WithError(err).WithField("patient_id", patientID).Warn("feature cache read failed")
		}
	}
	if s.deps.Rows != nil {
		model, err := s.deps.Rows.Get(ctx, patientID)
		if err != nil {
			return models.PatientRiskReport{}, err
		}
		row, err := model.Row()
		if err != nil {
			return models.PatientRiskReport{}, err
		}
		return s.Score(ctx, row, nil, nil)
	}
	return models.PatientRiskReport{}, apperr.NotFound("patient " + patientID)
}

// History lists the logged assessments of a patient, newest first.
func (s *Service) History(ctx context.Context, patientID string, limit int) ([]serving.AssessmentLog, error) {
	if s.deps.Logs == nil {
		return nil, apperr.NotFound("assessment log")
	}
	logs, err := s.deps.Logs.Recent(ctx, patientID, limit)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []serving.AssessmentLog{}
	}
	return logs, nil
}

// Score runs prediction with explanation and note extraction concurrently.
// Prediction failures fail the report; extraction failures only add
// warnings.
func (s *Service) Score(ctx context.Context, row models.FeatureRow, diag *models.RecordDiagnostics, notes []models.ClinicalNote) (models.PatientRiskReport, error) {
	start := time.Now()
	m, err := s.deps.Registry.Current()
	if err != nil {
		return models.PatientRiskReport{}, err
	}

	var (
		assessment  models.RiskAssessment
		explanation models.Explanation
		results     []nlp.NoteResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		assessment, explanation, err = s.predict(gctx, m, row)
		return err
	})
	g.Go(func() error {
		results = s.deps.Extractor.ExtractNotes(gctx, notes)
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.PatientRiskReport{}, err
	}

	report := models.PatientRiskReport{
		PatientID:   row.PatientID,
		Assessment:  assessment,
		Explanation: explanation,
		Entities:    []models.ClinicalEntity{},
		Diagnostics: diag,
		GeneratedAt: time.Now().UTC(),
	}
	if diag != nil && diag.MissingCount > 0 {
		names := make([]string, len(diag.Missing))
		for i, issue := range diag.Missing {
			names[i] = issue.Feature
		}
		report.Warnings = append(report.Warnings, fmt.Sprintf("imputed %d missing features: %s", diag.MissingCount, strings.Join(names, ", ")))
	}
	for _, res := range results {
		if res.Err != nil {
			if errors.Is(res.Err, apperr.ErrExtractionTimeout) {
				report.Warnings = append(report.Warnings, fmt.Sprintf("entity extraction timed out for note %s", res.NoteID))
			} else {
				report.Warnings = append(report.Warnings, fmt.Sprintf("entity extraction failed for note %s: %v", res.NoteID, res.Err))
			}
			continue
		}
		report.Entities = append(report.Entities, res.Entities...)
	}

	top := s.deps.Explainers.For(m).Top(explanation, s.opts.TopAttributions)
	s.record(ctx, m, report, top, time.Since(start))
	return report, nil
}

type prediction struct {
	assessment  models.RiskAssessment
	explanation models.Explanation
	err         error
}

// predict pins m for the whole call and gives up after PredictionTimeout.
func (s *Service) predict(ctx context.Context, m *riskmodel.Model, row models.FeatureRow) (models.RiskAssessment, models.Explanation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PredictionTimeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return models.RiskAssessment{}, models.Explanation{}, predictionError(err, row, m)
	}

	done := make(chan prediction, 1)
	go func() {
		assessment, err := m.Assess(row)
		metrics.ObservePrediction(err)
		if err != nil {
			done <- prediction{err: err}
			return
		}
		explanation, err := s.deps.Explainers.For(m).Explain(m, row)
		metrics.ObserveExplanation(err)
		done <- prediction{assessment: assessment, explanation: explanation, err: err}
	}()

	select {
	case p := <-done:
		return p.assessment, p.explanation, p.err
	case <-ctx.Done():
		return models.RiskAssessment{}, models.Explanation{}, predictionError(ctx.Err(), row, m)
	}
}

func predictionError(err error, row models.FeatureRow, m *riskmodel.Model) error {
	metrics.ObservePrediction(err)
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.PredictionTimeout(row.PatientID, m.Version, err)
	}
	return err
}

func (s *Service) record(ctx context.Context, m *riskmodel.Model, report models.PatientRiskReport, top []models.Attribution, latency time.Duration) {
	fields := map[string]interface{}{
		"patient_id":    report.PatientID,
		"model_version": m.Version,
		"probability":   report.Assessment.Probability,
		"entities":      len(report.Entities),
		"warnings":      len(report.Warnings),
	}
	logger.Log.WithFields(fields).Info("risk report generated")

	if s.deps.Logs != nil {
		if err := s.deps.Logs.RecordReport(ctx, m.Name, report, top, latency); err != nil {
			logger.Log.WithError(err).WithField("patient_id", report.PatientID).Error("failed to record assessment")
		}
	}
	if s.deps.Publisher != nil {
		payload := map[string]interface{}{
			"patient_id":    report.PatientID,
			"model_version": m.Version,
			"probability":   report.Assessment.Probability,
			"risk_label":    report.Assessment.RiskLabel,
			"top_features":  top,
			"entities":      report.Entities,
			"warnings":      report.Warnings,
		}
		if err := s.deps.Publisher.PublishEvent(ctx, "risk-report", "serving", payload); err != nil {
			logger.Log.WithError(err).WithField("patient_id", report.PatientID).Error("failed to publish risk report")
		}
	}
}

// HandleBundleEvent scores a bundle delivered on the event bus. Events that
// can never be scored are marked poison so the consumer skips them.
func (s *Service) HandleBundleEvent(ctx context.Context, event models.Event) error {
	rec, err := normalizer.RecordFromEvent(event)
	if err != nil {
		return fmt.Errorf("%w: %v", kafka.ErrPoison, err)
	}
	_, err = s.FromRecord(ctx, rec)
	if errors.Is(err, apperr.ErrSchemaMismatch) || errors.Is(err, apperr.ErrStaleModel) {
		return fmt.Errorf("%w: %v", kafka.ErrPoison, err)
	}
	return err
}
