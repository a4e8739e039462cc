package server

import (
	"encoding/json"
	"net/http"

	"github.com/QuivrHQ/247-sub000/internal/broadcast"
	"github.com/QuivrHQ/247-sub000/internal/planning"
	"github.com/QuivrHQ/247-sub000/internal/stream"
)

type answerRequest struct {
	QuestionID string `json:"questionId"`
	Text       string `json:"text"`
}

type planState struct {
	Phase       string            `json:"phase"`
	Questions   []stream.Question `json:"questions"`
	Outstanding *stream.Question  `json:"outstanding,omitempty"`
	Answers     map[string]string `json:"answers"`
	Plan        *stream.Plan      `json:"plan,omitempty"`
}

// startPlanning layers a planning conversation on a freshly created session
// and fans its progress out to the project's event subscribers.
func (s *Server) startPlanning(projectID, name string, term planning.Terminal) {
	plan := planning.New(term, planning.Callbacks{
		OnQuestion: func(q stream.Question) {
			s.broker.Publish(broadcast.Event{
				Type:        "question",
				ProjectID:   projectID,
				SessionName: name,
				Payload:     q,
			})
		},
		OnPlanReady: func(p stream.Plan) {
			s.broker.Publish(broadcast.Event{
				Type:        "plan-ready",
				ProjectID:   projectID,
				SessionName: name,
				Payload:     p,
			})
		},
		OnPhaseChange: func(phase planning.Phase) {
			s.broker.Publish(broadcast.Event{
				Type:        "planning-phase",
				ProjectID:   projectID,
				SessionName: name,
				Payload:     map[string]string{"phase": string(phase)},
			})
		},
	})

	s.planMu.Lock()
	s.plans[name] = plan
	s.planMu.Unlock()
}

func (s *Server) plan(name string) *planning.Session {
	s.planMu.Lock()
	defer s.planMu.Unlock()
	return s.plans[name]
}

func (s *Server) dropPlan(name string) {
	s.planMu.Lock()
	delete(s.plans, name)
	s.planMu.Unlock()
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan := s.plan(r.PathValue("name"))
	if plan == nil {
		writeError(w, http.StatusNotFound, "no planning session")
		return
	}
	writeJSON(w, http.StatusOK, planState{
		Phase:       string(plan.Phase()),
		Questions:   plan.Questions(),
		Outstanding: plan.Outstanding(),
		Answers:     plan.Answers(),
		Plan:        plan.Plan(),
	})
}

func (s *Server) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	plan := s.plan(r.PathValue("name"))
	if plan == nil {
		writeError(w, http.StatusNotFound, "no planning session")
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.QuestionID == "" {
		writeError(w, http.StatusBadRequest, "questionId is required")
		return
	}
	if err := plan.Answer(req.QuestionID, req.Text); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

func (s *Server) handleAcceptPlan(w http.ResponseWriter, r *http.Request) {
	plan := s.plan(r.PathValue("name"))
	if plan == nil {
		writeError(w, http.StatusNotFound, "no planning session")
		return
	}
	if err := plan.Accept(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
