package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/CTAG07/Sundew/pkg/charset"
	"github.com/CTAG07/Sundew/pkg/markov"
)

// MarkovAPI holds the dependencies for the frequency store API handlers.
type MarkovAPI struct {
	store  *markov.Store
	logger *slog.Logger
}

// NewMarkovAPI creates a new instance of the MarkovAPI.
func NewMarkovAPI(store *markov.Store, logger *slog.Logger) *MarkovAPI {
	return &MarkovAPI{
		store:  store,
		logger: logger,
	}
}

// RegisterRoutes sets up the routing for all /api/markov endpoints.
func (m *MarkovAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/markov/stats", m.handleStats)
	mux.HandleFunc("/api/markov/export", m.handleExport)
	mux.HandleFunc("/api/markov/import", m.handleImport)
	mux.HandleFunc("/api/markov/prune", m.handlePrune)
	mux.HandleFunc("/api/markov/reset", m.handleReset)
	mux.HandleFunc("/api/markov/probabilities", m.handleProbabilities)
}

type PruneRequest struct {
	MinCount int `json:"min_count"`
}

// ProbabilitiesRequest asks for the continuations of the last order-1
// characters of Context.
type ProbabilitiesRequest struct {
	Order   int    `json:"order"`
	Context string `json:"context"`
}

// ProbabilitiesResponse lists the continuations of one context. Keys are
// single characters.
type ProbabilitiesResponse struct {
	Order         int                `json:"order"`
	Context       string             `json:"context"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// storageStatus maps store errors to an HTTP status: busy or failed storage is
// a server problem, anything else came from the request.
func storageStatus(err error) int {
	if markov.IsStorageError(err) {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// handleStats returns row and observation counts per order.
func (m *MarkovAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeMarkovRead) {
		return
	}
	stats, err := m.store.Stats(r.Context())
	if err != nil {
		m.logger.Error("Failed to read frequency store stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read stats: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// handleExport streams every n-gram count as a JSON document.
func (m *MarkovAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeMarkovRead) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="sundew_ngrams.json"`)
	if err := m.store.Export(r.Context(), w); err != nil {
		m.logger.Error("Failed to export frequency store", "error", err)
	}
}

// handleImport merges an exported document into the store by summing counts.
func (m *MarkovAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeMarkovWrite) {
		return
	}

	if err := m.store.Import(r.Context(), r.Body); err != nil {
		m.logger.Error("Failed to import n-grams", "error", err)
		respondWithError(w, storageStatus(err), fmt.Sprintf("Import failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePrune drops n-grams observed at most min_count times.
func (m *MarkovAPI) handlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeMarkovWrite) {
		return
	}
	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	removed, err := m.store.Prune(r.Context(), req.MinCount)
	if err != nil {
		m.logger.Error("Failed to prune frequency store", "error", err)
		respondWithError(w, storageStatus(err), fmt.Sprintf("Pruning failed: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// handleReset deletes every n-gram.
func (m *MarkovAPI) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeMarkovWrite) {
		return
	}
	if err := m.store.Reset(r.Context()); err != nil {
		m.logger.Error("Failed to reset frequency store", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Reset failed: %v", err))
		return
	}
	m.logger.Warn("Frequency store reset via API")
	w.WriteHeader(http.StatusNoContent)
}

// handleProbabilities returns the normalized continuations of a context.
func (m *MarkovAPI) handleProbabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeMarkovRead) {
		return
	}
	var req ProbabilitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if req.Order < markov.MinOrder || req.Order > markov.MaxOrder {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("order must lie within [%d, %d]", markov.MinOrder, markov.MaxOrder))
		return
	}
	prefix := charset.Clean(req.Context)
	if n := len(prefix); n >= req.Order-1 {
		prefix = prefix[n-(req.Order-1):]
	}
	probs, err := m.store.Probabilities(r.Context(), req.Order, prefix)
	if err != nil {
		m.logger.Error("Failed to read probabilities", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Lookup failed: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, ProbabilitiesResponse{
		Order:         req.Order,
		Context:       prefix,
		Probabilities: runeKeys(probs),
	})
}

// runeKeys turns a rune-keyed distribution into one JSON can encode as an object.
func runeKeys(dist map[rune]float64) map[string]float64 {
	out := make(map[string]float64, len(dist))
	for r, p := range dist {
		out[string(r)] = p
	}
	return out
}
