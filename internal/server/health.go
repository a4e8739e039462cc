package server

import "net/http"

// handleHealth reports liveness plus a few cheap gauges.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"sessions":    s.sessions.Count(),
		"activeRuns":  s.engine.ActiveCount(),
		"subscribers": s.broker.TotalSubscribers(),
	})
}
