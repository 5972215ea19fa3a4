package training

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("training job not found")

// JobStore persists training jobs.
type JobStore interface {
	Create(ctx context.Context, job *JobModel) error
	Start(ctx context.Context, jobID uuid.UUID, startedAt time.Time) error
	Finish(ctx context.Context, jobID uuid.UUID, result JobResult) error
	Get(ctx context.Context, jobID uuid.UUID) (*JobModel, error)
	List(ctx context.Context, limit int) ([]JobModel, error)
}

// JobResult is the terminal state of a job.
type JobResult struct {
	Status       string
	Metrics      map[string]interface{}
	ArtifactPath string
	ModelVersion string
	ErrorMessage string
	CompletedAt  time.Time
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&JobModel{})
}

func (r *Repository) Create(ctx context.Context, job *JobModel) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repository) Start(ctx context.Context, jobID uuid.UUID, startedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&JobModel{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"status":     StatusRunning,
		"started_at": startedAt,
		"updated_at": time.Now().UTC(),
	}).Error
}

func (r *Repository) Finish(ctx context.Context, jobID uuid.UUID, result JobResult) error {
	updates := map[string]interface{}{
		"status":        result.Status,
		"artifact_path": result.ArtifactPath,
		"model_version": result.ModelVersion,
		"error_message": result.ErrorMessage,
		"completed_at":  result.CompletedAt,
		"updated_at":    time.Now().UTC(),
	}
	if result.Metrics != nil {
		updates["metrics"] = datatypes.JSONMap(result.Metrics)
	}
	return r.db.WithContext(ctx).Model(&JobModel{}).Where("id = ?", jobID).Updates(updates).Error
}

func (r *Repository) Get(ctx context.Context, jobID uuid.UUID) (*JobModel, error) {
	var job JobModel
	result := r.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	return &job, result.Error
}

func (r *Repository) List(ctx context.Context, limit int) ([]JobModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []JobModel
	result := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&jobs)
	return jobs, result.Error
}
