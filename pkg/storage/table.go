package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
)

const (
	patientIDColumn = "patient_id"
	labelColumn     = "label"
)

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func tableHeader(t *features.Table, withLabels bool) []string {
	header := append([]string{patientIDColumn}, t.Schema...)
	if withLabels {
		header = append(header, labelColumn)
	}
	return header
}

func checkLabels(t *features.Table, labels []int) error {
	if labels != nil && len(labels) != t.Len() {
		return fmt.Errorf("have %d labels for %d rows", len(labels), t.Len())
	}
	return nil
}

// WriteTableCSV writes patient_id, the schema columns and, when labels is
// non-nil, a trailing label column. Output is byte-identical for identical
// tables.
func WriteTableCSV(w io.Writer, t *features.Table, labels []int) error {
	if err := checkLabels(t, labels); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(tableHeader(t, labels != nil)); err != nil {
		return err
	}
	record := make([]string, 0, len(t.Schema)+2)
	for i, id := range t.PatientIDs {
		record = append(record[:0], id)
		for _, v := range t.Values[i] {
			record = append(record, formatValue(v))
		}
		if labels != nil {
			record = append(record, strconv.Itoa(labels[i]))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// LabeledRows is a feature table read back from CSV, ordered by patient id.
type LabeledRows struct {
	Schema    []string
	Rows      []models.FeatureRow
	Labels    []int
	HasLabels bool
}

// ReadTableCSV parses a table written by WriteTableCSV. Empty cells are read
// as missing values.
func ReadTableCSV(r io.Reader) (*LabeledRows, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 || strings.TrimSpace(header[0]) != patientIDColumn {
		return nil, fmt.Errorf("first column must be %s", patientIDColumn)
	}
	out := &LabeledRows{}
	schema := header[1:]
	if schema[len(schema)-1] == labelColumn {
		out.HasLabels = true
		schema = schema[:len(schema)-1]
	}
	out.Schema = append([]string(nil), schema...)

	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := models.FeatureRow{PatientID: record[0], Features: make([]models.FeatureValue, len(schema))}
		for j, name := range schema {
			cell := strings.TrimSpace(record[j+1])
			if cell == "" {
				row.Features[j] = models.FeatureValue{Name: name, Missing: true, Reason: models.ReasonNotFound}
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, name, err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				row.Features[j] = models.FeatureValue{Name: name, Missing: true, Reason: models.ReasonMalformed}
				continue
			}
			row.Features[j] = models.FeatureValue{Name: name, Value: v}
		}
		out.Rows = append(out.Rows, row)
		if out.HasLabels {
			label, err := strconv.Atoi(strings.TrimSpace(record[len(record)-1]))
			if err != nil || (label != 0 && label != 1) {
				return nil, fmt.Errorf("line %d: label must be 0 or 1", line)
			}
			out.Labels = append(out.Labels, label)
		}
	}

	sortLabeled(out)
	return out, nil
}

func sortLabeled(l *LabeledRows) {
	order := make([]int, len(l.Rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return l.Rows[order[i]].PatientID < l.Rows[order[j]].PatientID
	})
	rows := make([]models.FeatureRow, len(order))
	var labels []int
	if l.HasLabels {
		labels = make([]int, len(order))
	}
	for i, idx := range order {
		rows[i] = l.Rows[idx]
		if l.HasLabels {
			labels[i] = l.Labels[idx]
		}
	}
	l.Rows, l.Labels = rows, labels
}
