package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CTAG07/Sundew/pkg/service"
	"github.com/google/uuid"
)

const statsSchema = `
CREATE TABLE IF NOT EXISTS stats_route (
    route         TEXT PRIMARY KEY,
    total_hits    INTEGER NOT NULL DEFAULT 1,
    first_seen    INTEGER NOT NULL,
    last_seen     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stats_client (
    ip_address    TEXT PRIMARY KEY,
    total_hits    INTEGER NOT NULL DEFAULT 1,
    first_seen    INTEGER NOT NULL,
    last_seen     INTEGER NOT NULL
);
`

// UsageRow is one entry of a top-N listing.
type UsageRow struct {
	Key       string    `json:"key"`
	TotalHits int64     `json:"total_hits"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// GlobalStatsSummary provides a high-level overview of the service and of API usage.
type GlobalStatsSummary struct {
	Service       *service.Stats `json:"service"`
	TotalRequests int64          `json:"total_requests"`
	UniqueRoutes  int64          `json:"unique_routes"`
	UniqueClients int64          `json:"unique_clients"`
}

// StatsAPI holds the dependencies for the statistics handlers.
type StatsAPI struct {
	db     *sql.DB
	svc    *service.Service
	cm     *ConfigManager
	logger *slog.Logger
}

func setupStatsSchema(db *sql.DB) error {
	_, err := db.Exec(statsSchema)
	return err
}

func NewStatsAPI(db *sql.DB, svc *service.Service, cm *ConfigManager, logger *slog.Logger) *StatsAPI {
	return &StatsAPI{
		db:     db,
		svc:    svc,
		cm:     cm,
		logger: logger,
	}
}

func (s *StatsAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.HandleFunc("/api/stats/top_routes", s.handleTopRoutes)
	mux.HandleFunc("/api/stats/top_clients", s.handleTopClients)
}

// routeKey collapses id segments so every job, checkpoint or evaluation
// counts under one route.
func routeKey(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		} else if _, err = uuid.Parse(p); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// Track records every request that reaches next. A failure to record is
// logged and never blocks the request.
func (s *StatsAPI) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.LogRequest(r.Context(), routeKey(r.URL.Path), getClientIP(r, s.cm)); err != nil {
			s.logger.Warn("Failed to record request stats", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// LogRequest bumps the route and client counters in a single transaction.
func (s *StatsAPI) LogRequest(ctx context.Context, route, ip string) error {
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	_, err = tx.ExecContext(ctx, `
        INSERT INTO stats_route (route, first_seen, last_seen) VALUES (?, ?, ?)
        ON CONFLICT(route) DO UPDATE SET total_hits = total_hits + 1, last_seen = excluded.last_seen
    `, route, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert stats_route: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO stats_client (ip_address, first_seen, last_seen) VALUES (?, ?, ?)
        ON CONFLICT(ip_address) DO UPDATE SET total_hits = total_hits + 1, last_seen = excluded.last_seen
    `, ip, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert stats_client: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stats transaction: %w", err)
	}
	return nil
}

func (s *StatsAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeStatsRead) {
		return
	}
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to gather service stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to gather stats: %v", err))
		return
	}
	summary := GlobalStatsSummary{Service: st}
	_ = s.db.QueryRowContext(r.Context(), "SELECT COALESCE(SUM(total_hits), 0) FROM stats_route").Scan(&summary.TotalRequests)
	_ = s.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM stats_route").Scan(&summary.UniqueRoutes)
	_ = s.db.QueryRowContext(r.Context(), "SELECT COUNT(*) FROM stats_client").Scan(&summary.UniqueClients)
	respondWithJSON(w, http.StatusOK, summary)
}

func (s *StatsAPI) handleTopRoutes(w http.ResponseWriter, r *http.Request) {
	s.handleTop(w, r, "SELECT route, total_hits, first_seen, last_seen FROM stats_route ORDER BY total_hits DESC LIMIT 100")
}

func (s *StatsAPI) handleTopClients(w http.ResponseWriter, r *http.Request) {
	s.handleTop(w, r, "SELECT ip_address, total_hits, first_seen, last_seen FROM stats_client ORDER BY total_hits DESC LIMIT 100")
}

func (s *StatsAPI) handleTop(w http.ResponseWriter, r *http.Request, query string) {
	if !requireScope(w, r, scopeStatsRead) {
		return
	}
	rows, err := s.db.QueryContext(r.Context(), query)
	if err != nil {
		s.logger.Error("Failed to query usage stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	results := make([]UsageRow, 0)
	for rows.Next() {
		var row UsageRow
		var first, last int64
		if err = rows.Scan(&row.Key, &row.TotalHits, &first, &last); err != nil {
			s.logger.Error("Failed to scan usage stats", "error", err)
			continue
		}
		row.FirstSeen = time.UnixMilli(first)
		row.LastSeen = time.UnixMilli(last)
		results = append(results, row)
	}
	respondWithJSON(w, http.StatusOK, results)
}
