package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
	"github.com/synaptica-ai/cardiorisk/pkg/ingestion"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel"
	"github.com/synaptica-ai/cardiorisk/pkg/serving"
	"github.com/synaptica-ai/cardiorisk/pkg/storage"
	"gorm.io/datatypes"
)

type Config struct {
	Schema     []string
	Policies   map[string]features.Policy
	Labeler    features.Labeler
	Defaults   riskmodel.Options
	MaxWorkers int
}

// Service runs training jobs in the background, at most MaxWorkers at a
// time. Successful jobs install their model in the registry.
type Service struct {
	repo      JobStore
	registry  *serving.Registry
	ingest    *ingestion.Service
	cfg       Config
	workerSem chan struct{}
	wg        sync.WaitGroup
}

func NewService(repo JobStore, registry *serving.Registry, ingest *ingestion.Service, cfg Config) (*Service, error) {
	if repo == nil || registry == nil {
		return nil, errors.New("training service requires a job store and a registry")
	}
	if _, err := features.NewBuilder(cfg.Schema, cfg.Policies); err != nil {
		return nil, err
	}
	if cfg.Labeler == nil {
		cfg.Labeler = features.DefaultLabeler()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Service{
		repo:      repo,
		registry:  registry,
		ingest:    ingest,
		cfg:       cfg,
		workerSem: make(chan struct{}, cfg.MaxWorkers),
	}, nil
}

func (s *Service) Create(ctx context.Context, input CreateJobInput) (models.TrainingJob, error) {
	if (input.TablePath == "") == (input.BundleDir == "") {
		return models.TrainingJob{}, fmt.Errorf("exactly one of table_path and bundle_dir is required")
	}
	if input.BundleDir != "" && s.ingest == nil {
		return models.TrainingJob{}, fmt.Errorf("bundle ingestion not configured")
	}
	if _, err := s.options(input.Config); err != nil {
		return models.TrainingJob{}, err
	}

	now := time.Now().UTC()
	job := &JobModel{
		ID:        uuid.New(),
		ModelType: riskmodel.ModelType,
		Config:    datatypes.JSONMap(input.Config),
		Source:    datatypes.JSONMap{"table_path": input.TablePath, "bundle_dir": input.BundleDir},
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return models.TrainingJob{}, err
	}

	s.wg.Add(1)
	go s.run(job.ID, input)
	return toDomain(job), nil
}

// Wait blocks until every started job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.TrainingJob, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.TrainingJob{}, err
	}
	return toDomain(job), nil
}

func (s *Service) List(ctx context.Context, limit int) ([]models.TrainingJob, error) {
	jobs, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	results := make([]models.TrainingJob, 0, len(jobs))
	for _, job := range jobs {
		copy := job
		results = append(results, toDomain(&copy))
	}
	return results, nil
}

func (s *Service) GetArtifact(ctx context.Context, id uuid.UUID) (Artifact, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return Artifact{}, err
	}
	metrics := map[string]interface{}{}
	if job.Metrics != nil {
		metrics = map[string]interface{}(job.Metrics)
	}
	return Artifact{JobID: job.ID, Path: job.ArtifactPath, ModelVersion: job.ModelVersion, Metrics: metrics}, nil
}

func (s *Service) run(jobID uuid.UUID, input CreateJobInput) {
	defer s.wg.Done()
	s.workerSem <- struct{}{}
	defer func() { <-s.workerSem }()

	ctx := context.Background()
	log := logger.Log.WithField("job_id", jobID.String())
	if err := s.repo.Start(ctx, jobID, time.Now().UTC()); err != nil {
		log.WithError(err).Error("failed to mark job running")
	}

	m, path, err := s.Train(ctx, input)
	if err != nil {
		s.failJob(ctx, jobID, err)
		return
	}

	metrics, err := metricsMap(m.Metrics)
	if err != nil {
		log.WithError(err).Warn("failed to encode training metrics")
	}
	result := JobResult{
		Status:       StatusCompleted,
		Metrics:      metrics,
		ArtifactPath: path,
		ModelVersion: m.Version,
		CompletedAt:  time.Now().UTC(),
	}
	if err := s.repo.Finish(ctx, jobID, result); err != nil {
		log.WithError(err).Error("failed to mark job complete")
	}
	log.WithField("model_version", m.Version).Info("training job completed")
}

// Train builds the feature table for input and fits a model through the
// registry. Labels come from the table's label column when present and from
// the configured labeler otherwise.
func (s *Service) Train(ctx context.Context, input CreateJobInput) (*riskmodel.Model, string, error) {
	opts, err := s.options(input.Config)
	if err != nil {
		return nil, "", err
	}
	rows, labels, err := s.load(ctx, input)
	if err != nil {
		return nil, "", err
	}

	builder, err := features.NewBuilder(s.cfg.Schema, s.cfg.Policies)
	if err != nil {
		return nil, "", err
	}
	table, err := builder.Build(rows)
	if err != nil {
		return nil, "", err
	}
	if labels == nil {
		if labels, err = s.cfg.Labeler.Labels(table); err != nil {
			return nil, "", err
		}
	}
	return s.registry.Fit(ctx, table, labels, opts)
}

// load returns rows sorted by patient id. labels is nil when the source has
// none.
func (s *Service) load(ctx context.Context, input CreateJobInput) ([]models.FeatureRow, []int, error) {
	if input.BundleDir != "" {
		if s.ingest == nil {
			return nil, nil, fmt.Errorf("bundle ingestion not configured")
		}
		res, err := s.ingest.IngestDir(ctx, input.BundleDir)
		if err != nil {
			return nil, nil, err
		}
		return res.Rows, nil, nil
	}

	f, err := os.Open(filepath.Clean(input.TablePath))
	if err != nil {
		return nil, nil, fmt.Errorf("open feature table: %w", err)
	}
	defer f.Close()
	labeled, err := storage.ReadTableCSV(f)
	if err != nil {
		return nil, nil, err
	}
	if !labeled.HasLabels {
		return labeled.Rows, nil, nil
	}
	return labeled.Rows, labeled.Labels, nil
}

func (s *Service) options(config map[string]interface{}) (riskmodel.Options, error) {
	opts := s.cfg.Defaults
	if config == nil {
		return opts, nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return opts, err
	}
	var jc JobConfig
	if err := json.Unmarshal(raw, &jc); err != nil {
		return opts, fmt.Errorf("invalid job config: %w", err)
	}
	if jc.Trees > 0 {
		opts.Forest.Trees = jc.Trees
	}
	if jc.MaxDepth > 0 {
		opts.Forest.MaxDepth = jc.MaxDepth
	}
	if jc.MinSamplesLeaf > 0 {
		opts.Forest.MinSamplesLeaf = jc.MinSamplesLeaf
	}
	if jc.Seed != 0 {
		opts.Forest.Seed = jc.Seed
	}
	if jc.ValidationFraction > 0 {
		opts.ValidationFraction = jc.ValidationFraction
	}
	if jc.MinClassExamples > 0 {
		opts.MinClassExamples = jc.MinClassExamples
	}
	if jc.Threshold > 0 {
		opts.Threshold = jc.Threshold
	}
	return opts, nil
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, err error) {
	logger.Log.WithError(err).WithField("job_id", jobID.String()).Error("training job failed")
	_ = s.repo.Finish(ctx, jobID, JobResult{
		Status:       StatusFailed,
		ErrorMessage: err.Error(),
		CompletedAt:  time.Now().UTC(),
	})
}

func metricsMap(m riskmodel.TrainingMetrics) (map[string]interface{}, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toDomain(job *JobModel) models.TrainingJob {
	result := models.TrainingJob{
		ID:           job.ID,
		ModelType:    job.ModelType,
		Status:       job.Status,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ArtifactPath: job.ArtifactPath,
		ModelVersion: job.ModelVersion,
		ErrorMessage: job.ErrorMessage,
	}
	if job.Config != nil {
		result.Config = map[string]interface{}(job.Config)
	}
	if job.Metrics != nil {
		result.Metrics = map[string]interface{}(job.Metrics)
	}
	return result
}
