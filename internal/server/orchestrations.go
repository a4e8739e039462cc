package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/QuivrHQ/247-sub000/internal/orchestration"
)

type runRequest struct {
	Task      string `json:"task"`
	ProjectID string `json:"projectId"`
	WorkDir   string `json:"workDir"`
	Model     string `json:"model,omitempty"`
}

type resumeRequest struct {
	Message string `json:"message"`
	WorkDir string `json:"workDir"`
	Model   string `json:"model,omitempty"`
}

// handleRunOrchestration submits a new task. Returns 202 with the id; the
// caller follows progress over the events WebSocket.
func (s *Server) handleRunOrchestration(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	id, err := s.engine.Run(r.Context(), req.Task, orchestration.RunConfig{
		ProjectID:    req.ProjectID,
		WorkDir:      req.WorkDir,
		AllowedTools: s.config.AllowedTools,
		Model:        modelOrDefault(req.Model, s.config.AssistantModel),
	})
	if err != nil {
		slog.Error("orchestration start failed", "id", id, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"id":    id,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleListOrchestrations(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.List(r.URL.Query().Get("project"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list orchestrations")
		return
	}
	if list == nil {
		list = []orchestration.Orchestration{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetOrchestration(w http.ResponseWriter, r *http.Request) {
	orch, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		writeOrchestrationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orch)
}

func (s *Server) handleResumeOrchestration(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	id := r.PathValue("id")
	err := s.engine.Resume(r.Context(), id, req.Message, orchestration.RunConfig{
		WorkDir:      req.WorkDir,
		AllowedTools: s.config.AllowedTools,
		Model:        modelOrDefault(req.Model, s.config.AssistantModel),
	})
	if err != nil {
		writeOrchestrationError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleCancelOrchestration(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeOrchestrationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.engine.ListMessages(r.PathValue("id"))
	if err != nil {
		writeOrchestrationError(w, err)
		return
	}
	if msgs == nil {
		msgs = []orchestration.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleListSubtasks(w http.ResponseWriter, r *http.Request) {
	subtasks, err := s.engine.ListSubtasks(r.PathValue("id"))
	if err != nil {
		writeOrchestrationError(w, err)
		return
	}
	if subtasks == nil {
		subtasks = []orchestration.Subtask{}
	}
	writeJSON(w, http.StatusOK, subtasks)
}

// writeOrchestrationError maps the engine's error taxonomy onto HTTP
// statuses.
func writeOrchestrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestration.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestration.ErrNotResumable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestration.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func modelOrDefault(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}
