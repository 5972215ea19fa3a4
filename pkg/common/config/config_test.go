package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "cardiac-risk", cfg.ModelName)
	assert.Equal(t, 100, cfg.ForestTrees)
	assert.Equal(t, 2*time.Second, cfg.PredictionTimeout)
	assert.True(t, cfg.ReferenceDate.IsZero())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FOREST_TREES", "25")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("REFERENCE_DATE", "2024-01-01")
	t.Setenv("EXTRACTION_TIMEOUT", "750ms")

	cfg := Load()
	assert.Equal(t, 25, cfg.ForestTrees)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), cfg.ReferenceDate)
	assert.Equal(t, 750*time.Millisecond, cfg.ExtractionTimeout)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardiorisk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model_name: stroke-risk\nrisk_threshold: 0.35\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("RISK_THRESHOLD", "0.4")

	cfg := Load()
	assert.Equal(t, "stroke-risk", cfg.ModelName)
	assert.Equal(t, 0.4, cfg.RiskThreshold)
}

func TestParseDate(t *testing.T) {
	assert.True(t, ParseDate("").IsZero())
	assert.True(t, ParseDate("yesterday").IsZero())
	assert.Equal(t, 2023, ParseDate("2023-06-01T10:00:00Z").Year())
}
