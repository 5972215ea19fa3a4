package serving

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestRecordReport(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "assessment_logs"`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	report := models.PatientRiskReport{
		PatientID: "p-1",
		Assessment: models.RiskAssessment{
			PatientID:    "p-1",
			Probability:  0.72,
			RiskLabel:    true,
			Threshold:    0.5,
			ModelVersion: "v1",
		},
		Entities: []models.ClinicalEntity{{Text: "chest pain", Type: models.EntitySymptom}},
	}
	top := []models.Attribution{{Feature: "systolic_bp", Value: 0.2, Input: 165}}
	require.NoError(t, repo.RecordReport(context.Background(), "cardiac-risk", report, top, 12*time.Millisecond))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentByPatient(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRepository(db)

	id := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "patient_id", "model_version", "probability", "risk_label"}).
		AddRow(id.String(), "p-1", "v1", 0.72, true)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "assessment_logs" WHERE patient_id = $1 ORDER BY created_at DESC`)).
		WillReturnRows(rows)

	logs, err := repo.Recent(context.Background(), "p-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, id, logs[0].ID)
	assert.Equal(t, "v1", logs[0].ModelVersion)
	assert.True(t, logs[0].RiskLabel)
	assert.NoError(t, mock.ExpectationsWereMet())
}
