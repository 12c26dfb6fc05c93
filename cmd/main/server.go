package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/CTAG07/Sundew/pkg/service"
)

type Server struct {
	cm          *ConfigManager
	db          *sql.DB
	logger      *slog.Logger
	svc         *service.Service
	authAPI     *AuthAPI
	trainAPI    *TrainAPI
	generateAPI *GenerateAPI
	evalAPI     *EvalAPI
	markovAPI   *MarkovAPI
	statsAPI    *StatsAPI
	serverAPI   *ServerAPI
	apiMux      *http.ServeMux
}

// NewServer builds every API over svc and registers their routes. The schemas
// for keys and usage stats are created here; the service creates its own.
func NewServer(cm *ConfigManager, logger *slog.Logger, db *sql.DB, svc *service.Service, actionChan chan string) (*Server, error) {
	if err := setupAuthSchema(db); err != nil {
		return nil, fmt.Errorf("failed to set up auth schema: %w", err)
	}
	if err := setupStatsSchema(db); err != nil {
		return nil, fmt.Errorf("failed to set up stats schema: %w", err)
	}

	server := &Server{
		cm:          cm,
		db:          db,
		logger:      logger,
		svc:         svc,
		authAPI:     NewAuthAPI(db, logger),
		trainAPI:    NewTrainAPI(svc, logger),
		generateAPI: NewGenerateAPI(svc, logger),
		evalAPI:     NewEvalAPI(svc, logger),
		markovAPI:   NewMarkovAPI(svc.Markov(), logger),
		statsAPI:    NewStatsAPI(db, svc, cm, logger),
		serverAPI:   NewServerAPI(cm, db, actionChan, logger),
		apiMux:      http.NewServeMux(),
	}

	apiMux := http.NewServeMux()

	server.authAPI.RegisterRoutes(apiMux)
	server.trainAPI.RegisterRoutes(apiMux)
	server.generateAPI.RegisterRoutes(apiMux)
	server.evalAPI.RegisterRoutes(apiMux)
	server.markovAPI.RegisterRoutes(apiMux)
	server.statsAPI.RegisterRoutes(apiMux)
	server.serverAPI.RegisterRoutes(apiMux)

	// Make sure api functions must pass through authentication first
	authedAPI := server.statsAPI.Track(server.authAPI.Authenticate(apiMux))
	// ... except for the health check, which is unauthed so something like docker can use it
	server.apiMux.HandleFunc("/api/health", server.serverAPI.handleHealthCheck)
	server.apiMux.Handle("/api/", authedAPI)
	server.apiMux.HandleFunc("/", handleRoot)

	return server, nil
}

// Handler returns the root handler of the API server.
func (s *Server) Handler() http.Handler {
	return s.apiMux
}

// handleRoot answers the bare root with the build version and 404s anything else.
func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		respondWithError(w, http.StatusNotFound, "Not found")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"name": "sundew", "version": Version})
}

// getClientIP returns the caller's address. Forwarding headers are honoured
// only when the direct peer is a trusted proxy.
func getClientIP(r *http.Request, cm *ConfigManager) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If splitting fails (e.g., no port), use the address as is.
		ip = r.RemoteAddr
	}
	if cm == nil || !cm.IsTrusted(ip) {
		return ip
	}

	// The X-Real-Ip header contains the forwarded IP in some cases (like from nginx)
	if realIP := r.Header.Get("X-Real-Ip"); realIP != "" {
		return realIP
	}

	// The X-Forwarded-For header can contain a comma-separated list of IPs.
	// The first IP in the list is the original client IP.
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		ips := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(ips[0])
	}
	return ip
}
