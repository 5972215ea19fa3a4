package training

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type JobModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	ModelType    string            `gorm:"column:model_type"`
	Config       datatypes.JSONMap `gorm:"column:config"`
	Source       datatypes.JSONMap `gorm:"column:source"`
	Status       string            `gorm:"column:status"`
	Metrics      datatypes.JSONMap `gorm:"column:metrics"`
	ArtifactPath string            `gorm:"column:artifact_path"`
	ModelVersion string            `gorm:"column:model_version"`
	ErrorMessage string            `gorm:"column:error_message"`
	CreatedAt    time.Time         `gorm:"column:created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
	StartedAt    *time.Time        `gorm:"column:started_at"`
	CompletedAt  *time.Time        `gorm:"column:completed_at"`
}

func (JobModel) TableName() string {
	return "training_jobs"
}

// CreateJobInput names the training data and overrides of the default fit
// options. Exactly one of TablePath and BundleDir is set.
type CreateJobInput struct {
	TablePath string                 `json:"table_path,omitempty"`
	BundleDir string                 `json:"bundle_dir,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
}

// JobConfig holds the recognised keys of CreateJobInput.Config. Zero values
// keep the defaults.
type JobConfig struct {
	Trees              int     `json:"trees"`
	MaxDepth           int     `json:"max_depth"`
	MinSamplesLeaf     int     `json:"min_samples_leaf"`
	Seed               int64   `json:"seed"`
	ValidationFraction float64 `json:"validation_fraction"`
	MinClassExamples   int     `json:"min_class_examples"`
	Threshold          float64 `json:"threshold"`
}

type Artifact struct {
	JobID        uuid.UUID              `json:"job_id"`
	Path         string                 `json:"path"`
	ModelVersion string                 `json:"model_version"`
	Metrics      map[string]interface{} `json:"metrics"`
}
