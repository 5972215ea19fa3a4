package report

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
)

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/patients/{id}/report", h.handleGetReport).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/assessments", h.handleHistory).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/reports", h.handleScoreRecord).Methods(http.MethodPost)
}

func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.service.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *HTTPHandler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	report, err := h.service.ForPatient(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleScoreRecord accepts either a PatientRecord envelope or a bare FHIR
// Bundle.
func (h *HTTPHandler) handleScoreRecord(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.Log.WithError(err).Warn("invalid report payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec := models.PatientRecord{Source: "api"}
	if bundle, ok := body["bundle"].(map[string]interface{}); ok {
		rec.Bundle = bundle
		rec.PatientID, _ = body["patient_id"].(string)
	} else if body["resourceType"] == "Bundle" {
		rec.Bundle = body
	} else {
		http.Error(w, "body must be a FHIR Bundle or carry one under \"bundle\"", http.StatusBadRequest)
		return
	}

	report, err := h.service.FromRecord(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// StatusCode maps pipeline errors to HTTP statuses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrSchemaMismatch), errors.Is(err, apperr.ErrStaleModel):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrExtractionTimeout), errors.Is(err, apperr.ErrPredictionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrNoModel):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	patientID, modelVersion := apperr.Context(err)
	entry := logger.Log.WithError(err).WithFields(map[string]interface{}{
		"status":        status,
		"patient_id":    patientID,
		"model_version": modelVersion,
	})
	if status == http.StatusInternalServerError {
		entry.Error("report request failed")
		http.Error(w, "internal error", status)
		return
	}
	entry.Warn("report request rejected")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Error("failed to encode response")
	}
}
