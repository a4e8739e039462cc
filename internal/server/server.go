// Package server provides the HTTP and WebSocket surface of the daemon:
// REST endpoints for orchestrations and terminal sessions, a terminal
// WebSocket bridging a session's pty stream, and an events WebSocket fed
// by the project broadcaster.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/QuivrHQ/247-sub000/internal/auth"
	"github.com/QuivrHQ/247-sub000/internal/broadcast"
	"github.com/QuivrHQ/247-sub000/internal/config"
	"github.com/QuivrHQ/247-sub000/internal/orchestration"
	"github.com/QuivrHQ/247-sub000/internal/planning"
	"github.com/QuivrHQ/247-sub000/internal/session"
)

// Server is the daemon's HTTP server.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	validator  *auth.Validator

	engine   *orchestration.Engine
	sessions *session.Manager
	broker   *broadcast.Broadcaster

	planMu sync.Mutex
	plans  map[string]*planning.Session
}

// New creates the server. validator may be nil when auth is disabled.
func New(cfg *config.Config, validator *auth.Validator, engine *orchestration.Engine, sessions *session.Manager, broker *broadcast.Broadcaster) *Server {
	s := &Server{
		config:    cfg,
		validator: validator,
		engine:    engine,
		sessions:  sessions,
		broker:    broker,
		plans:     make(map[string]*planning.Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/orchestrations", s.requireAuth(s.handleRunOrchestration))
	mux.HandleFunc("GET /api/orchestrations", s.requireAuth(s.handleListOrchestrations))
	mux.HandleFunc("GET /api/orchestrations/{id}", s.requireAuth(s.handleGetOrchestration))
	mux.HandleFunc("POST /api/orchestrations/{id}/resume", s.requireAuth(s.handleResumeOrchestration))
	mux.HandleFunc("POST /api/orchestrations/{id}/cancel", s.requireAuth(s.handleCancelOrchestration))
	mux.HandleFunc("GET /api/orchestrations/{id}/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("GET /api/orchestrations/{id}/subtasks", s.requireAuth(s.handleListSubtasks))

	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("DELETE /api/sessions/{name}", s.requireAuth(s.handleKillSession))
	mux.HandleFunc("GET /api/sessions/{name}/history", s.requireAuth(s.handleSessionHistory))
	mux.HandleFunc("GET /api/sessions/{name}/plan", s.requireAuth(s.handleGetPlan))
	mux.HandleFunc("POST /api/sessions/{name}/plan/answer", s.requireAuth(s.handleAnswerQuestion))
	mux.HandleFunc("POST /api/sessions/{name}/plan/accept", s.requireAuth(s.handleAcceptPlan))

	mux.HandleFunc("GET /ws/terminal/{name}", s.requireAuth(s.handleTerminalWS))
	mux.HandleFunc("GET /ws/events/{projectId}", s.requireAuth(s.handleEventsWS))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s
}

// Handler exposes the route mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	slog.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requireAuth gates a handler behind JWT validation unless auth is
// disabled. WebSocket clients pass the token as a query parameter.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthDisabled || s.validator == nil {
			next(w, r)
			return
		}
		token := auth.TokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if _, err := s.validator.Validate(token); err != nil {
			slog.Warn("token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

// isOriginAllowed checks the Origin header against the configured list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// matchWildcardOrigin checks if origin matches a pattern of the form
// "https://*.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
