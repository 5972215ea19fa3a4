package features

import (
	"fmt"

	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
)

// Labeler derives binary outcomes for a built table.
type Labeler interface {
	Labels(t *Table) ([]int, error)
}

// ThresholdLabeler marks a row positive when systolic pressure exceeds the
// threshold or diabetes history is present. Labels are computed on imputed
// values.
type ThresholdLabeler struct {
	SystolicFeature   string
	SystolicThreshold float64
	DiabetesFeature   string
}

func DefaultLabeler() ThresholdLabeler {
	return ThresholdLabeler{
		SystolicFeature:   "systolic_bp",
		SystolicThreshold: 140,
		DiabetesFeature:   "diabetes_history",
	}
}

func (l ThresholdLabeler) Labels(t *Table) ([]int, error) {
	sys := t.Column(l.SystolicFeature)
	dia := t.Column(l.DiabetesFeature)
	if sys < 0 || dia < 0 {
		return nil, apperr.SchemaMismatch("", "",
			fmt.Sprintf("labeling needs %s and %s", l.SystolicFeature, l.DiabetesFeature))
	}
	labels := make([]int, t.Len())
	for i, row := range t.Values {
		if row[sys] > l.SystolicThreshold || row[dia] == 1 {
			labels[i] = 1
		}
	}
	return labels, nil
}
