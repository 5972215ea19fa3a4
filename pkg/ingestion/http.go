package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
)

// IngestRequest carries a batch of bundles or PatientRecord envelopes.
type IngestRequest struct {
	Source  string            `json:"source"`
	Records []json.RawMessage `json:"records"`
}

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/ingest", h.handleIngest).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/ingest/{id}", h.handleStatus).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid ingestion payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Records) == 0 {
		http.Error(w, "no records", http.StatusBadRequest)
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	docs := make([]Document, len(req.Records))
	for i, raw := range req.Records {
		docs[i] = Document{Source: fmt.Sprintf("%s#%d", source, i), System: source, Data: raw}
	}

	res, err := h.service.Batch(r.Context(), source, docs)
	if err != nil {
		logger.Log.WithError(err).Error("failed to process ingestion")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	run, err := h.service.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "ingestion run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch ingestion status")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}
