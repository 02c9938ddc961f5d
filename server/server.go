// Package server implements the taskq HTTP server, REST API, auth, and SSE real-time events.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/config"
	"github.com/GoCodeAlone/taskq/metrics"
	"github.com/GoCodeAlone/taskq/server/api"
	"github.com/GoCodeAlone/taskq/server/ws"
)

// Server is the taskq HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	queue    api.QueueService
	bus      comms.Bus
	metrics  *metrics.Metrics
	hub      *ws.Hub
	handlers *api.Handlers
	detach   func()

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetQueue attaches the queue facade the API drives.
func (s *Server) SetQueue(q api.QueueService) {
	s.queue = q
}

// SetBus attaches the event bus. Its events are streamed to SSE clients.
func (s *Server) SetBus(bus comms.Bus) {
	s.bus = bus
}

// SetMetrics attaches the Prometheus collectors served at /metrics.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Hub returns the SSE hub.
func (s *Server) Hub() *ws.Hub { return s.hub }

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Queue:   s.queue,
		Bus:     s.bus,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime.Unix(),
	}
	if s.metrics != nil {
		h.Metrics = s.metrics
	}
	s.handlers = h

	if s.bus != nil && s.detach == nil {
		s.detach = s.hub.Attach(s.bus)
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// SSE: auth via query param because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE checks the query token and hands the connection to the hub.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}
	if _, err := verifyJWT(s.jwtSecret(), token); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
		return
	}
	s.hub.ServeSSE(w, r)
}
