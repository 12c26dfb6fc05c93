package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/CTAG07/Sundew/pkg/evaluate"
	"github.com/CTAG07/Sundew/pkg/jobs"
	"github.com/CTAG07/Sundew/pkg/service"
	"github.com/CTAG07/Sundew/pkg/train"
)

// maxTrainBody bounds a training submission.
const maxTrainBody = 64 << 20

// TrainAPI holds the dependencies for the training and checkpoint handlers.
type TrainAPI struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewTrainAPI creates a new instance of the TrainAPI.
func NewTrainAPI(svc *service.Service, logger *slog.Logger) *TrainAPI {
	return &TrainAPI{
		svc:    svc,
		logger: logger,
	}
}

// RegisterRoutes sets up the routing for /api/train and /api/checkpoints.
func (a *TrainAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/train", a.handleSubmit)
	mux.HandleFunc("/api/train/jobs", a.handleJobs)
	mux.HandleFunc("/api/train/jobs/", a.handleJobByID)
	mux.HandleFunc("/api/checkpoints", a.handleCheckpoints)
	mux.HandleFunc("/api/checkpoints/", a.handleCheckpointMetrics)
}

type TrainRequest struct {
	Text           string `json:"text"`
	BlockSize      int    `json:"block_size"`
	EpochsPerBlock int    `json:"epochs_per_block"`
}

// errorStatus maps service errors onto HTTP statuses.
func errorStatus(err error) int {
	var evalErr *evaluate.EvaluationError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, train.ErrNoCheckpoint),
		errors.Is(err, evaluate.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &evalErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// queryLimit reads ?limit=, falling back to def and capping at 1000.
func queryLimit(r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, 1000), true
}

// handleSubmit queues a training job and answers 202 with its id.
func (a *TrainAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeTrainWrite) {
		return
	}
	var req TrainRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTrainBody)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	id, err := a.svc.SubmitTraining(req.Text, req.BlockSize, req.EpochsPerBlock)
	if err != nil {
		a.logger.Warn("Training submission rejected", "error", err)
		respondWithError(w, errorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// handleJobs lists jobs: the ones held in memory, or with ?history=true the
// persisted ones including earlier runs of the server.
func (a *TrainAPI) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeTrainRead) {
		return
	}
	if r.URL.Query().Get("history") != "true" {
		respondWithJSON(w, http.StatusOK, a.svc.Jobs())
		return
	}
	limit, ok := queryLimit(r, 100)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	history, err := a.svc.JobHistory(r.Context(), limit)
	if err != nil {
		a.logger.Error("Failed to read job history", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to read job history")
		return
	}
	respondWithJSON(w, http.StatusOK, history)
}

// handleJobByID returns one job's status.
func (a *TrainAPI) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeTrainRead) {
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/train/jobs/"), "/")
	if id == "" {
		respondWithError(w, http.StatusBadRequest, "Job ID not specified")
		return
	}
	job, err := a.svc.JobStatus(r.Context(), id)
	if err != nil {
		if status := errorStatus(err); status != http.StatusNotFound {
			a.logger.Error("Failed to read job", "job_id", id, "error", err)
		}
		respondWithError(w, errorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

// handleCheckpoints lists checkpoints, newest first.
func (a *TrainAPI) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeTrainRead) {
		return
	}
	limit, ok := queryLimit(r, 50)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	cps, err := a.svc.Checkpoints(r.Context(), limit)
	if err != nil {
		a.logger.Error("Failed to list checkpoints", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to list checkpoints")
		return
	}
	respondWithJSON(w, http.StatusOK, cps)
}

// handleCheckpointMetrics serves /api/checkpoints/{id}/metrics.
func (a *TrainAPI) handleCheckpointMetrics(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/checkpoints/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "metrics" {
		respondWithError(w, http.StatusNotFound, "Action not found")
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeTrainRead) {
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid checkpoint ID format in URL")
		return
	}
	metrics, err := a.svc.CheckpointMetrics(r.Context(), id)
	if err != nil {
		respondWithError(w, errorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, metrics)
}
