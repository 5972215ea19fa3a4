package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeatureRowModel stores the latest normalized row of a patient. Re-ingesting
// a patient replaces the row.
type FeatureRowModel struct {
	PatientID    string            `gorm:"primaryKey;column:patient_id"`
	Values       datatypes.JSONMap `gorm:"column:values"`
	Missing      datatypes.JSONMap `gorm:"column:missing"`
	Schema       datatypes.JSON    `gorm:"column:schema"`
	MissingCount int               `gorm:"column:missing_count"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
}

func (FeatureRowModel) TableName() string {
	return "feature_rows"
}

func NewFeatureRowModel(row models.FeatureRow) *FeatureRowModel {
	values := make(datatypes.JSONMap, len(row.Features))
	missing := make(datatypes.JSONMap)
	names := make([]string, 0, len(row.Features))
	for _, f := range row.Features {
		names = append(names, f.Name)
		if f.Missing {
			missing[f.Name] = f.Reason
			continue
		}
		values[f.Name] = f.Value
	}
	schema, _ := json.Marshal(names)
	return &FeatureRowModel{
		PatientID:    row.PatientID,
		Values:       values,
		Missing:      missing,
		Schema:       datatypes.JSON(schema),
		MissingCount: len(missing),
	}
}

// Row rebuilds the FeatureRow in its stored schema order.
func (m *FeatureRowModel) Row() (models.FeatureRow, error) {
	var names []string
	if err := json.Unmarshal(m.Schema, &names); err != nil {
		return models.FeatureRow{}, err
	}
	row := models.FeatureRow{PatientID: m.PatientID, Features: make([]models.FeatureValue, 0, len(names))}
	for _, name := range names {
		if reason, ok := m.Missing[name]; ok {
			row.Features = append(row.Features, models.FeatureValue{Name: name, Missing: true, Reason: getString(reason)})
			continue
		}
		v, err := toFloat(m.Values[name])
		if err != nil {
			row.Features = append(row.Features, models.FeatureValue{Name: name, Missing: true, Reason: models.ReasonMalformed})
			continue
		}
		row.Features = append(row.Features, models.FeatureValue{Name: name, Value: v})
	}
	return row, nil
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&FeatureRowModel{})
}

func (r *Repository) Save(ctx context.Context, rec *FeatureRowModel) error {
	rec.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "patient_id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

func (r *Repository) Get(ctx context.Context, patientID string) (*FeatureRowModel, error) {
	var rec FeatureRowModel
	err := r.db.WithContext(ctx).First(&rec, "patient_id = ?", patientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("feature row " + patientID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
