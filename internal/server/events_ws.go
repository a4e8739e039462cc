package server

import (
	"log/slog"
	"net/http"
)

// handleEventsWS streams a project's orchestration events to the client,
// one JSON event per WebSocket message. A slow client drops its oldest
// undelivered events rather than stalling publishers.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.broker.Subscribe(projectID)
	defer cancel()

	// Reader goroutine: we ignore client messages, but the read loop is
	// what notices a disconnect.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-disconnected:
			return
		}
	}
}
