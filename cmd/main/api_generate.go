package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/CTAG07/Sundew/pkg/service"
)

// GenerateAPI holds the dependencies for the generation handlers.
type GenerateAPI struct {
	svc    *service.Service
	logger *slog.Logger
}

// NewGenerateAPI creates a new instance of the GenerateAPI.
func NewGenerateAPI(svc *service.Service, logger *slog.Logger) *GenerateAPI {
	return &GenerateAPI{
		svc:    svc,
		logger: logger,
	}
}

// RegisterRoutes sets up the routing for all /api/generate endpoints.
func (a *GenerateAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/generate", a.handleGenerate)
	mux.HandleFunc("/api/generate/distribution", a.handleDistribution)
	mux.HandleFunc("/api/generate/history", a.handleHistory)
}

type GenerateResponse struct {
	Text string `json:"text"`
}

type DistributionRequest struct {
	Context      string      `json:"context"`
	NGramWeights *[3]float64 `json:"ngram_weights,omitempty"`
	NeuralWeight *float64    `json:"neural_weight,omitempty"`
	Temperature  *float64    `json:"temperature,omitempty"`
}

type DistributionResponse struct {
	Context       string             `json:"context"`
	Probabilities map[string]float64 `json:"probabilities"`
}

func (a *GenerateAPI) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeGenerate) {
		return
	}
	var req service.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	text, err := a.svc.Generate(r.Context(), req)
	if err != nil {
		if errorStatus(err) >= http.StatusInternalServerError {
			a.logger.Error("Generation failed", "error", err)
		}
		respondWithError(w, errorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, GenerateResponse{Text: text})
}

func (a *GenerateAPI) handleDistribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeGenerate) {
		return
	}
	var req DistributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	dist, err := a.svc.Distribution(r.Context(), req.Context, req.NGramWeights, req.NeuralWeight, req.Temperature)
	if err != nil {
		if errorStatus(err) >= http.StatusInternalServerError {
			a.logger.Error("Distribution lookup failed", "error", err)
		}
		respondWithError(w, errorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, DistributionResponse{Context: req.Context, Probabilities: runeKeys(dist)})
}

// handleHistory lists recent generations on GET and clears them on DELETE.
func (a *GenerateAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requireScope(w, r, scopeGenerate) {
			return
		}
		limit, ok := queryLimit(r, 20)
		if !ok {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		history, err := a.svc.GenerationHistory(r.Context(), limit)
		if err != nil {
			a.logger.Error("Failed to read generation history", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to read generation history")
			return
		}
		respondWithJSON(w, http.StatusOK, history)
	case http.MethodDelete:
		if !requireScope(w, r, scopeGenerate) {
			return
		}
		removed, err := a.svc.ClearGenerationHistory(r.Context())
		if err != nil {
			a.logger.Error("Failed to clear generation history", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to clear generation history")
			return
		}
		a.logger.Info("Cleared generation history", "removed", removed)
		respondWithJSON(w, http.StatusOK, map[string]int64{"removed": removed})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
