package training

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
)

type HTTPHandler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/training/jobs", h.handleCreateJob).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/training/jobs", h.handleListJobs).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/training/jobs/{id}", h.handleGetJob).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/training/jobs/{id}/status", h.handleGetJob).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/training/jobs/{id}/artifact", h.handleArtifact).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var input CreateJobInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	job, err := h.service.Create(r.Context(), input)
	if err != nil {
		logger.Log.WithError(err).Warn("training job rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *HTTPHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.service.List(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list training jobs")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *HTTPHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *HTTPHandler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	artifact, err := h.service.GetArtifact(r.Context(), id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrJobNotFound) {
		http.Error(w, "training job not found", http.StatusNotFound)
		return
	}
	logger.Log.WithError(err).Error("failed to fetch training job")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
