package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket message envelope shared by both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsInputData struct {
	Data string `json:"data"`
}

type wsResizeData struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// createUpgrader builds a WebSocket upgrader with explicit origin
// validation; upgrades bypass CORS.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Same-origin or a non-browser client.
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// handleTerminalWS bridges a WebSocket to an existing session's pty
// stream. The client receives the replay buffer first, then live output.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("name"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg wsMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(msg)
	}
	sendOutput := func(data []byte) error {
		payload, _ := json.Marshal(map[string]string{"data": string(data)})
		return send(wsMessage{Type: "output", Data: payload})
	}

	// Replay recent output so the client does not join on a blank screen.
	if replay := sess.Replay(); len(replay) > 0 {
		if err := sendOutput(replay); err != nil {
			return
		}
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	finish := func() { closeOnce.Do(func() { close(done) }) }

	removeOnData := sess.OnData(func(chunk []byte) {
		select {
		case <-done:
			return
		default:
		}
		if err := sendOutput(chunk); err != nil {
			finish()
		}
	})
	defer removeOnData()
	sess.OnExit(func() {
		_ = send(wsMessage{Type: "exit"})
		finish()
	})

	readyData, _ := json.Marshal(map[string]string{"state": string(sess.State())})
	_ = send(wsMessage{Type: "state", Data: readyData})
	sess.OnReady(func() {
		data, _ := json.Marshal(map[string]string{"state": "ready"})
		_ = send(wsMessage{Type: "state", Data: data})
	})

	// Inbound loop: input keystrokes, resizes, pings.
	go func() {
		defer finish()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wsMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				slog.Debug("invalid websocket message", "error", err)
				continue
			}

			switch msg.Type {
			case "input":
				var input wsInputData
				if err := json.Unmarshal(msg.Data, &input); err != nil {
					continue
				}
				if _, err := sess.Write([]byte(input.Data)); err != nil {
					return
				}
			case "resize":
				var resize wsResizeData
				if err := json.Unmarshal(msg.Data, &resize); err != nil {
					continue
				}
				if err := sess.Resize(resize.Cols, resize.Rows); err != nil {
					slog.Warn("resize failed", "session", sess.Name, "error", err)
				}
			case "detach":
				if err := sess.Detach(); err != nil {
					slog.Warn("detach failed", "session", sess.Name, "error", err)
				}
			case "ping":
				_ = send(wsMessage{Type: "pong"})
			default:
				slog.Debug("unknown websocket message type", "type", msg.Type)
			}
		}
	}()

	<-done
}
