package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/QuivrHQ/247-sub000/internal/session"
)

type createSessionRequest struct {
	Name          string            `json:"name"`
	WorkDir       string            `json:"workDir"`
	ProjectName   string            `json:"projectName,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Command       []string          `json:"command,omitempty"`
	StartupPrompt string            `json:"startupPrompt,omitempty"`
	Cols          int               `json:"cols,omitempty"`
	Rows          int               `json:"rows,omitempty"`
	// Planning runs the session as a planning conversation: sentinel-framed
	// questions and the final plan are parsed from its output and exposed
	// under /api/sessions/{name}/plan.
	Planning bool `json:"planning,omitempty"`
}

type sessionInfo struct {
	Name       string    `json:"name"`
	WorkDir    string    `json:"workDir"`
	State      string    `json:"state"`
	PreExisted bool      `json:"preExisted"`
	CreatedAt  time.Time `json:"createdAt"`
	IdleFor    string    `json:"idleFor"`
}

func describeSession(s *session.Session) sessionInfo {
	return sessionInfo{
		Name:       s.Name,
		WorkDir:    s.WorkDir,
		State:      string(s.State()),
		PreExisted: s.PreExisted,
		CreatedAt:  s.CreatedAt,
		IdleFor:    s.IdleTime().Round(time.Second).String(),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.WorkDir, req.Name, session.Options{
		Env:           req.Env,
		Command:       req.Command,
		ProjectName:   req.ProjectName,
		StartupPrompt: req.StartupPrompt,
		Shell:         s.config.DefaultShell,
		Cols:          req.Cols,
		Rows:          req.Rows,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if req.Planning {
		s.startPlanning(req.ProjectName, sess.Name, sess)
	}
	writeJSON(w, http.StatusCreated, describeSession(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := []sessionInfo{}
	for _, sess := range s.sessions.List() {
		infos = append(infos, describeSession(sess))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.sessions.Kill(r.Context(), name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.dropPlan(name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

// handleSessionHistory serves the tmux scrollback. Capture failure
// degrades to empty content rather than an error status.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(r.PathValue("name"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	maxLines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		if err := json.Unmarshal([]byte(v), &maxLines); err != nil {
			maxLines = 0
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"history": sess.CaptureHistory(r.Context(), maxLines),
	})
}
