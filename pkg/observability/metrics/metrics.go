package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	recordsNormalized    atomic.Int64
	recordsFailed        atomic.Int64
	missingFields        atomic.Int64
	predictionsServed    atomic.Int64
	predictionFailures   atomic.Int64
	explanationsServed   atomic.Int64
	explanationFailures  atomic.Int64
	entitiesExtracted    atomic.Int64
	extractionTimeouts   atomic.Int64
	trainingRuns         atomic.Int64
	trainingFailures     atomic.Int64
	modelVersionsCreated atomic.Int64
)

func ObserveNormalized(missing int) {
	recordsNormalized.Add(1)
	missingFields.Add(int64(missing))
}

func ObserveRecordFailure() { recordsFailed.Add(1) }

func ObservePrediction(err error) {
	if err != nil {
		predictionFailures.Add(1)
		return
	}
	predictionsServed.Add(1)
}

func ObserveExplanation(err error) {
	if err != nil {
		explanationFailures.Add(1)
		return
	}
	explanationsServed.Add(1)
}

func ObserveExtraction(entities int, timedOut bool) {
	if timedOut {
		extractionTimeouts.Add(1)
		return
	}
	entitiesExtracted.Add(int64(entities))
}

func ObserveTraining(err error) {
	if err != nil {
		trainingFailures.Add(1)
		return
	}
	trainingRuns.Add(1)
	modelVersionsCreated.Add(1)
}

// Snapshot returns the current counter values keyed by metric name.
func Snapshot() map[string]int64 {
	return map[string]int64{
		"records_normalized":   recordsNormalized.Load(),
		"records_failed":       recordsFailed.Load(),
		"missing_fields":       missingFields.Load(),
		"predictions":          predictionsServed.Load(),
		"prediction_failures":  predictionFailures.Load(),
		"explanations":         explanationsServed.Load(),
		"explanation_failures": explanationFailures.Load(),
		"entities_extracted":   entitiesExtracted.Load(),
		"extraction_timeouts":  extractionTimeouts.Load(),
		"training_runs":        trainingRuns.Load(),
		"training_failures":    trainingFailures.Load(),
	}
}

func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WritePrometheus(w)
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeCounter(w, "cardiorisk_records_normalized_total", "Patient records normalized into feature rows.", recordsNormalized.Load())
	writeCounter(w, "cardiorisk_records_failed_total", "Patient bundles rejected before normalization.", recordsFailed.Load())
	writeCounter(w, "cardiorisk_missing_fields_total", "Features recorded with the missing marker.", missingFields.Load())
	writeCounter(w, "cardiorisk_predictions_total", "Risk predictions served.", predictionsServed.Load())
	writeCounter(w, "cardiorisk_prediction_failures_total", "Risk predictions that failed.", predictionFailures.Load())
	writeCounter(w, "cardiorisk_explanations_total", "Explanations computed.", explanationsServed.Load())
	writeCounter(w, "cardiorisk_explanation_failures_total", "Explanations that failed.", explanationFailures.Load())
	writeCounter(w, "cardiorisk_entities_extracted_total", "Clinical entities extracted from notes.", entitiesExtracted.Load())
	writeCounter(w, "cardiorisk_extraction_timeouts_total", "Note extractions that exceeded their time budget.", extractionTimeouts.Load())
	writeCounter(w, "cardiorisk_training_runs_total", "Successful model fits.", trainingRuns.Load())
	writeCounter(w, "cardiorisk_training_failures_total", "Failed model fits.", trainingFailures.Load())
	writeCounter(w, "cardiorisk_model_versions_total", "Model versions created by this process.", modelVersionsCreated.Load())
}

func writeCounter(w http.ResponseWriter, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
