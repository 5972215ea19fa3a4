package riskmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
	"github.com/synaptica-ai/cardiorisk/pkg/ml/forest"
)

const ModelType = "random_forest"

type Options struct {
	Name               string         `json:"name"`
	Forest             forest.Options `json:"forest"`
	ValidationFraction float64        `json:"validation_fraction"`
	MinClassExamples   int            `json:"min_class_examples"`
	Threshold          float64        `json:"threshold"`
}

func DefaultOptions() Options {
	return Options{
		Name:               "cardiac-risk",
		Forest:             forest.DefaultOptions(),
		ValidationFraction: 0.2,
		MinClassExamples:   5,
		Threshold:          0.5,
	}
}

type TrainingMetrics struct {
	TrainSize      int            `json:"train_size"`
	ValidationSize int            `json:"validation_size"`
	Positives      int            `json:"positives"`
	Negatives      int            `json:"negatives"`
	Train          forest.Metrics `json:"train"`
	Validation     forest.Metrics `json:"validation"`
}

// Model is an immutable trained risk model. Every field is set by Fit or by
// decoding an artifact and never changed afterwards.
type Model struct {
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Version      string                 `json:"version"`
	Schema       []string               `json:"schema"`
	Threshold    float64                `json:"threshold"`
	Preprocessor *features.Preprocessor `json:"preprocessor"`
	Forest       *forest.Forest         `json:"forest"`
	Options      Options                `json:"options"`
	Metrics      TrainingMetrics        `json:"metrics"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Fit trains a forest on table with labels aligned to table rows. A seeded
// shuffle holds out ValidationFraction of the rows for evaluation; the model
// is fitted on the remainder.
func Fit(ctx context.Context, table *features.Table, labels []int, opts Options) (*Model, error) {
	if table == nil || table.Preprocessor == nil {
		return nil, fmt.Errorf("feature table not built")
	}
	if len(labels) != table.Len() {
		return nil, fmt.Errorf("have %d labels for %d rows", len(labels), table.Len())
	}
	opts = opts.withDefaults()

	pos, neg := 0, 0
	for i, l := range labels {
		switch l {
		case 1:
			pos++
		case 0:
			neg++
		default:
			return nil, fmt.Errorf("label %d at row %d: labels must be 0 or 1", l, i)
		}
	}
	if pos < opts.MinClassExamples || neg < opts.MinClassExamples {
		return nil, apperr.InsufficientData(fmt.Sprintf(
			"need at least %d examples per class, have %d positive and %d negative", opts.MinClassExamples, pos, neg))
	}

	trainIdx, validIdx := split(table.Len(), opts.ValidationFraction, opts.Forest.Seed)
	trainX, trainY := subset(table.Values, labels, trainIdx)
	if !bothClasses(trainY) {
		return nil, apperr.InsufficientData("training split holds a single class")
	}

	f, err := forest.Fit(ctx, trainX, trainY, opts.Forest)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Name:         opts.Name,
		Type:         ModelType,
		Version:      uuid.New().String(),
		Schema:       append([]string(nil), table.Schema...),
		Threshold:    opts.Threshold,
		Preprocessor: table.Preprocessor,
		Forest:       f,
		Options:      opts,
		CreatedAt:    time.Now().UTC(),
	}
	validX, validY := subset(table.Values, labels, validIdx)
	m.Metrics = TrainingMetrics{
		TrainSize:      len(trainIdx),
		ValidationSize: len(validIdx),
		Positives:      pos,
		Negatives:      neg,
		Train:          forest.Evaluate(m.scoreAll(trainX), trainY, opts.Threshold),
		Validation:     forest.Evaluate(m.scoreAll(validX), validY, opts.Threshold),
	}

	logger.Log.WithFields(map[string]interface{}{
		"model_version":  m.Version,
		"train_size":     m.Metrics.TrainSize,
		"validation_auc": m.Metrics.Validation.AUC,
		"validation_acc": m.Metrics.Validation.Accuracy,
		"brier":          m.Metrics.Validation.Brier,
	}).Info("risk model trained")
	return m, nil
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Name == "" {
		o.Name = d.Name
	}
	if o.ValidationFraction < 0 || o.ValidationFraction >= 1 {
		o.ValidationFraction = d.ValidationFraction
	}
	if o.MinClassExamples <= 0 {
		o.MinClassExamples = d.MinClassExamples
	}
	if o.Threshold <= 0 || o.Threshold >= 1 {
		o.Threshold = d.Threshold
	}
	if o.Forest.Trees <= 0 {
		o.Forest.Trees = d.Forest.Trees
	}
	if o.Forest.MaxDepth <= 0 {
		o.Forest.MaxDepth = d.Forest.MaxDepth
	}
	return o
}

func split(n int, fraction float64, seed int64) (train, valid []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	k := int(math.Round(float64(n) * fraction))
	if k >= n {
		k = 0
	}
	valid = append([]int(nil), perm[:k]...)
	train = append([]int(nil), perm[k:]...)
	return train, valid
}

func subset(values [][]float64, labels []int, idx []int) ([][]float64, []int) {
	x := make([][]float64, len(idx))
	y := make([]int, len(idx))
	for i, j := range idx {
		x[i] = values[j]
		y[i] = labels[j]
	}
	return x, y
}

func bothClasses(y []int) bool {
	seen := [2]bool{}
	for _, l := range y {
		seen[l] = true
	}
	return seen[0] && seen[1]
}

func (m *Model) scoreAll(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		out[i] = m.Forest.Predict(row)
	}
	return out
}

// Transform validates the row against the model schema and returns the
// imputed input vector.
func (m *Model) Transform(row models.FeatureRow) ([]float64, []bool, error) {
	return m.Preprocessor.Transform(row, m.Version)
}

// Predict returns the positive-class probability of row.
func (m *Model) Predict(row models.FeatureRow) (float64, error) {
	x, _, err := m.Transform(row)
	if err != nil {
		return 0, err
	}
	return m.Forest.Predict(x), nil
}

func (m *Model) Assess(row models.FeatureRow) (models.RiskAssessment, error) {
	p, err := m.Predict(row)
	if err != nil {
		return models.RiskAssessment{}, err
	}
	return models.RiskAssessment{
		PatientID:    row.PatientID,
		Probability:  p,
		RiskLabel:    RiskLabel(p, m.Threshold),
		Threshold:    m.Threshold,
		ModelVersion: m.Version,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// RiskLabel reports whether p is above the high-risk threshold.
func RiskLabel(p, threshold float64) bool {
	return p > threshold
}

func (m *Model) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// Read decodes and validates a model artifact.
func Read(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Model) validate() error {
	if m.Version == "" {
		return fmt.Errorf("model artifact has no version")
	}
	if m.Forest == nil || len(m.Forest.Trees) == 0 {
		return fmt.Errorf("model %s has no trees", m.Version)
	}
	if m.Preprocessor == nil || len(m.Preprocessor.Fill) != len(m.Schema) || len(m.Preprocessor.Policies) != len(m.Schema) {
		return fmt.Errorf("model %s preprocessor does not match schema", m.Version)
	}
	if m.Forest.Features != len(m.Schema) {
		return fmt.Errorf("model %s forest expects %d features, schema has %d", m.Version, m.Forest.Features, len(m.Schema))
	}
	for t, tree := range m.Forest.Trees {
		for i, n := range tree.Nodes {
			if n.IsLeaf() {
				continue
			}
			if n.Feature >= len(m.Schema) || n.Left <= i || n.Right <= i || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("model %s tree %d node %d malformed", m.Version, t, i)
			}
		}
	}
	return nil
}
