package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/CTAG07/Sundew/pkg/service"
)

// EvalAPI holds the dependencies for the Monte Carlo evaluation handlers.
type EvalAPI struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewEvalAPI creates a new instance of the EvalAPI.
func NewEvalAPI(svc *service.Service, logger *slog.Logger) *EvalAPI {
	return &EvalAPI{
		svc:    svc,
		logger: logger,
	}
}

// RegisterRoutes sets up the routing for all /api/evaluate endpoints.
func (a *EvalAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/evaluate", a.handleEvaluate)
	mux.HandleFunc("/api/evaluate/history", a.handleHistory)
	mux.HandleFunc("/api/evaluate/latest", a.handleLatest)
	mux.HandleFunc("/api/evaluate/progress", a.handleProgress)
	mux.HandleFunc("/api/evaluate/", a.handleByID)
}

// handleEvaluate runs an evaluation synchronously. Fields missing from the
// body keep the configured post-training values.
func (a *EvalAPI) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeEval) {
		return
	}
	params := a.svc.Config().Evaluation.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	res, err := a.svc.Evaluate(r.Context(), params)
	if err != nil {
		if errorStatus(err) >= http.StatusInternalServerError {
			a.logger.Error("Evaluation failed", "error", err)
		}
		respondWithError(w, errorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (a *EvalAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeEval) {
		return
	}
	limit, ok := queryLimit(r, 20)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	history, err := a.svc.EvaluationHistory(r.Context(), limit)
	if err != nil {
		a.logger.Error("Failed to read evaluation history", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to read evaluation history")
		return
	}
	respondWithJSON(w, http.StatusOK, history)
}

func (a *EvalAPI) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeEval) {
		return
	}
	res, err := a.svc.LatestEvaluation(r.Context())
	if err != nil {
		if errorStatus(err) >= http.StatusInternalServerError {
			a.logger.Error("Failed to read latest evaluation", "error", err)
		}
		respondWithError(w, errorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// handleProgress serves the validity trend of evaluations run after training
// jobs, oldest first.
func (a *EvalAPI) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeEval) {
		return
	}
	limit, ok := queryLimit(r, 50)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	chart, err := a.svc.ProgressChart(r.Context(), limit)
	if err != nil {
		a.logger.Error("Failed to read training progress", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to read training progress")
		return
	}
	respondWithJSON(w, http.StatusOK, chart)
}

func (a *EvalAPI) handleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeEval) {
		return
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/evaluate/"), "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid evaluation ID format in URL")
		return
	}
	res, err := a.svc.Evaluation(r.Context(), id)
	if err != nil {
		respondWithError(w, errorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}
