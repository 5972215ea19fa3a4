package serving

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AssessmentLog is the persistence model for served risk reports.
type AssessmentLog struct {
	ID           uuid.UUID      `gorm:"primaryKey;column:id"`
	PatientID    string         `gorm:"column:patient_id;index"`
	ModelName    string         `gorm:"column:model_name"`
	ModelVersion string         `gorm:"column:model_version"`
	Probability  float64        `gorm:"column:probability"`
	RiskLabel    bool           `gorm:"column:risk_label"`
	Threshold    float64        `gorm:"column:threshold"`
	TopFeatures  datatypes.JSON `gorm:"column:top_features"`
	EntityCount  int            `gorm:"column:entity_count"`
	Warnings     datatypes.JSON `gorm:"column:warnings"`
	LatencyMs    float64        `gorm:"column:latency_ms"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

// TableName overrides gorm naming.
func (AssessmentLog) TableName() string {
	return "assessment_logs"
}

// Repository handles assessment log queries.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&AssessmentLog{})
}

// RecordReport stores the headline of a report: the assessment, its top
// attributions and the extraction outcome.
func (r *Repository) RecordReport(ctx context.Context, modelName string, report models.PatientRiskReport, top []models.Attribution, latency time.Duration) error {
	topJSON, err := json.Marshal(top)
	if err != nil {
		return err
	}
	warnings := report.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return err
	}
	log := AssessmentLog{
		ID:           uuid.New(),
		PatientID:    report.PatientID,
		ModelName:    modelName,
		ModelVersion: report.Assessment.ModelVersion,
		Probability:  report.Assessment.Probability,
		RiskLabel:    report.Assessment.RiskLabel,
		Threshold:    report.Assessment.Threshold,
		TopFeatures:  datatypes.JSON(topJSON),
		EntityCount:  len(report.Entities),
		Warnings:     datatypes.JSON(warningsJSON),
		LatencyMs:    float64(latency.Microseconds()) / 1000.0,
		CreatedAt:    time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&log).Error
}

// Recent returns the most recent assessment logs up to limit. A non-empty
// patientID restricts the result to that patient.
func (r *Repository) Recent(ctx context.Context, patientID string, limit int) ([]AssessmentLog, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx)
	if patientID != "" {
		q = q.Where("patient_id = ?", patientID)
	}
	var logs []AssessmentLog
	err := q.Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
