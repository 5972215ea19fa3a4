package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("ingestion run not found")

const (
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run records one batch ingestion and its diagnostics.
type Run struct {
	ID          string         `json:"id" gorm:"primaryKey;column:id"`
	Source      string         `json:"source" gorm:"column:source"`
	Status      string         `json:"status" gorm:"column:status"`
	Records     int            `json:"records" gorm:"column:records"`
	Normalized  int            `json:"normalized" gorm:"column:normalized"`
	Failed      int            `json:"failed" gorm:"column:failed"`
	Diagnostics datatypes.JSON `json:"diagnostics,omitempty" gorm:"column:diagnostics"`
	Error       string         `json:"error,omitempty" gorm:"column:error"`
	CreatedAt   time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

func (Run) TableName() string {
	return "ingestion_runs"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Run{})
}

func (r *Repository) Create(ctx context.Context, run *Run) error {
	run.CreatedAt = time.Now().UTC()
	run.UpdatedAt = run.CreatedAt
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repository) Complete(ctx context.Context, id string, diag models.BatchDiagnostics) error {
	payload, err := json.Marshal(diag)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      StatusCompleted,
			"records":     diag.Records,
			"normalized":  diag.Normalized,
			"failed":      diag.Failed,
			"diagnostics": datatypes.JSON(payload),
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (r *Repository) Fail(ctx context.Context, id string, cause error) error {
	return r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     StatusFailed,
			"error":      cause.Error(),
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *Repository) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	result := r.db.WithContext(ctx).First(&run, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &run, result.Error
}

func (r *Repository) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-ttl)
	return r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Run{}).Error
}
