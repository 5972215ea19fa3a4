package forest

import (
	"math"
	"sort"
)

type CalibrationBin struct {
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	Count         int     `json:"count"`
	MeanPredicted float64 `json:"mean_predicted"`
	ObservedRate  float64 `json:"observed_rate"`
}

type Metrics struct {
	Samples     int              `json:"samples"`
	Accuracy    float64          `json:"accuracy"`
	Precision   float64          `json:"precision"`
	Recall      float64          `json:"recall"`
	AUC         float64          `json:"auc"`
	Brier       float64          `json:"brier"`
	Calibration []CalibrationBin `json:"calibration"`
}

const calibrationBins = 5

// Evaluate scores predicted probabilities against binary labels. Precision
// and recall are zero when undefined; AUC is 0.5 when only one class is
// present.
func Evaluate(probs []float64, labels []int, threshold float64) Metrics {
	m := Metrics{Samples: len(probs)}
	if len(probs) == 0 {
		return m
	}
	var tp, fp, fn, correct int
	var brier float64
	for i, p := range probs {
		predicted := 0
		if p > threshold {
			predicted = 1
		}
		switch {
		case predicted == 1 && labels[i] == 1:
			tp++
		case predicted == 1 && labels[i] == 0:
			fp++
		case predicted == 0 && labels[i] == 1:
			fn++
		}
		if predicted == labels[i] {
			correct++
		}
		d := p - float64(labels[i])
		brier += d * d
	}
	n := float64(len(probs))
	m.Accuracy = float64(correct) / n
	m.Brier = brier / n
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	m.AUC = auc(probs, labels)
	m.Calibration = calibration(probs, labels)
	return m
}

// auc is the Mann-Whitney rank statistic with averaged ranks for ties.
func auc(probs []float64, labels []int) float64 {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return probs[order[i]] < probs[order[j]] })

	ranks := make([]float64, len(probs))
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && probs[order[j+1]] == probs[order[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = avg
		}
		i = j + 1
	}

	var pos, neg, rankSum float64
	for i, l := range labels {
		if l == 1 {
			pos++
			rankSum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}
	return (rankSum - pos*(pos+1)/2) / (pos * neg)
}

func calibration(probs []float64, labels []int) []CalibrationBin {
	bins := make([]CalibrationBin, calibrationBins)
	sums := make([]float64, calibrationBins)
	positives := make([]float64, calibrationBins)
	for i := range bins {
		bins[i].Lower = float64(i) / calibrationBins
		bins[i].Upper = float64(i+1) / calibrationBins
	}
	for i, p := range probs {
		b := int(math.Floor(p * calibrationBins))
		if b >= calibrationBins {
			b = calibrationBins - 1
		}
		if b < 0 {
			b = 0
		}
		bins[b].Count++
		sums[b] += p
		positives[b] += float64(labels[i])
	}
	for i := range bins {
		if bins[i].Count > 0 {
			bins[i].MeanPredicted = sums[i] / float64(bins[i].Count)
			bins[i].ObservedRate = positives[i] / float64(bins[i].Count)
		}
	}
	return bins
}
