package ingestion

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/synaptica-ai/cardiorisk/pkg/common/kafka"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/normalizer"
	"github.com/synaptica-ai/cardiorisk/pkg/observability/metrics"
	"github.com/synaptica-ai/cardiorisk/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// BatchResult holds the rows of every normalized record ordered by patient
// id, plus the notes found along the way.
type BatchResult struct {
	RunID       string                  `json:"run_id,omitempty"`
	Rows        []models.FeatureRow     `json:"-"`
	Notes       []models.ClinicalNote   `json:"-"`
	Diagnostics models.BatchDiagnostics `json:"diagnostics"`
}

// Service normalizes batches of bundles on a bounded worker pool. Record
// level problems are collected into the batch diagnostics; only context
// cancellation aborts a batch.
type Service struct {
	normalizer *normalizer.Service
	validator  *Validator
	repo       *Repository
	cache      *storage.FeatureStore
	dlq        kafka.Publisher
	workers    int
}

func NewService(norm *normalizer.Service, validator *Validator, repo *Repository, cache *storage.FeatureStore, dlq kafka.Publisher, workers int) *Service {
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		normalizer: norm,
		validator:  validator,
		repo:       repo,
		cache:      cache,
		dlq:        dlq,
		workers:    workers,
	}
}

type outcome struct {
	source string
	result normalizer.Result
	err    error
}

func (s *Service) IngestDir(ctx context.Context, dir string) (*BatchResult, error) {
	docs, err := ReadDir(dir)
	if err != nil {
		return nil, err
	}
	return s.Batch(ctx, dir, docs)
}

// Batch normalizes docs. The result does not depend on worker scheduling.
func (s *Service) Batch(ctx context.Context, source string, docs []Document) (*BatchResult, error) {
	res := &BatchResult{}
	if s.repo != nil {
		run := &Run{ID: uuid.New().String(), Source: source, Status: StatusAccepted, Records: len(docs)}
		if err := s.repo.Create(ctx, run); err != nil {
			return nil, fmt.Errorf("persisting ingestion run: %w", err)
		}
		res.RunID = run.ID
	}

	outcomes := make([]outcome, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = s.one(gctx, doc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if s.repo != nil {
			_ = s.repo.Fail(context.WithoutCancel(ctx), res.RunID, err)
		}
		return nil, err
	}

	reduce(res, outcomes)
	s.publishFailures(ctx, res.Diagnostics.Failures)

	if s.repo != nil {
		if err := s.repo.Complete(ctx, res.RunID, res.Diagnostics); err != nil {
			logger.Log.WithError(err).WithField("run_id", res.RunID).Error("failed to record ingestion run")
		}
	}
	logger.Log.WithFields(map[string]interface{}{
		"run_id":     res.RunID,
		"source":     source,
		"records":    res.Diagnostics.Records,
		"normalized": res.Diagnostics.Normalized,
		"failed":     res.Diagnostics.Failed,
	}).Info("Batch ingested")
	return res, nil
}

func (s *Service) one(ctx context.Context, doc Document) outcome {
	rec, err := DecodeRecord(doc)
	if err == nil {
		err = s.validator.Validate(rec)
	}
	if err != nil {
		metrics.ObserveRecordFailure()
		return outcome{source: doc.Source, err: err}
	}

	result, err := s.normalizer.Process(ctx, rec)
	if err != nil {
		logger.Log.WithError(err).WithField("source", doc.Source).Warn("normalized row not persisted")
	}
	if s.cache != nil {
		cached := storage.CachedRecord{Row: result.Row, Diagnostics: result.Diagnostics, Notes: result.Notes}
		if err := s.cache.Put(ctx, cached); err != nil {
			logger.Log.WithError(err).WithField("patient_id", result.Row.PatientID).Warn("feature cache write failed")
		}
	}
	return outcome{source: doc.Source, result: result}
}

// reduce orders rows by patient id. A patient seen in several sources keeps
// the record from the first source in name order; the others are failures.
func reduce(res *BatchResult, outcomes []outcome) {
	diag := models.BatchDiagnostics{
		Records:          len(outcomes),
		MissingByFeature: map[string]int{},
	}

	ok := make([]outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.err != nil {
			diag.Failures = append(diag.Failures, models.RecordFailure{Source: o.source, Error: o.err.Error()})
			continue
		}
		ok = append(ok, o)
	}
	sort.SliceStable(ok, func(i, j int) bool {
		a, b := ok[i].result.Row.PatientID, ok[j].result.Row.PatientID
		if a != b {
			return a < b
		}
		return ok[i].source < ok[j].source
	})

	seen := make(map[string]string, len(ok))
	for _, o := range ok {
		id := o.result.Row.PatientID
		if first, dup := seen[id]; dup {
			diag.Failures = append(diag.Failures, models.RecordFailure{
				Source: o.source,
				Error:  fmt.Sprintf("duplicate patient id %s (kept %s)", id, first),
			})
			continue
		}
		seen[id] = o.source
		res.Rows = append(res.Rows, o.result.Row)
		res.Notes = append(res.Notes, o.result.Notes...)
		diag.PerRecord = append(diag.PerRecord, o.result.Diagnostics)
		for _, issue := range o.result.Diagnostics.Missing {
			diag.MissingByFeature[issue.Feature]++
		}
	}
	sort.SliceStable(diag.Failures, func(i, j int) bool { return diag.Failures[i].Source < diag.Failures[j].Source })
	diag.Normalized = len(res.Rows)
	diag.Failed = len(diag.Failures)
	res.Diagnostics = diag
}

// publishFailures forwards rejected sources to the dead letter topic.
func (s *Service) publishFailures(ctx context.Context, failures []models.RecordFailure) {
	if s.dlq == nil {
		return
	}
	for _, f := range failures {
		payload := map[string]interface{}{
			"source": f.Source,
			"error":  f.Error,
		}
		if err := s.dlq.PublishEvent(ctx, "ingestion-dlq", "ingestion", payload); err != nil {
			logger.Log.WithError(err).Error("failed to push event to DLQ")
		}
	}
}

func (s *Service) Status(ctx context.Context, id string) (*Run, error) {
	if s.repo == nil {
		return nil, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}
