// Package planning runs interactive planning conversations: the assistant
// asks clarifying questions through sentinel-framed blocks in the terminal
// output, the user answers them, and the session ends with a structured
// plan. A planning session is a thin state machine layered on a terminal
// session and the sentinel parser.
package planning

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/QuivrHQ/247-sub000/internal/stream"
)

// Phase is the planning session lifecycle state.
type Phase string

const (
	// PhaseGathering means the assistant is still asking questions.
	PhaseGathering Phase = "gathering"
	// PhaseReview means a well-formed plan was parsed and awaits the user.
	PhaseReview Phase = "review"
	// PhaseComplete means the user accepted the plan.
	PhaseComplete Phase = "complete"
	// PhaseError means the session ended without producing a plan.
	PhaseError Phase = "error"
)

// Terminal is the slice of a session the planner needs. *session.Session
// satisfies it. The planner listens for the terminal's whole lifetime, so
// OnData's remove func is discarded.
type Terminal interface {
	OnData(func([]byte)) func()
	OnExit(func())
	Write([]byte) (int, error)
}

// Events a Session reports to its owner.
type Callbacks struct {
	// OnQuestion fires when a new question becomes outstanding.
	OnQuestion func(q stream.Question)
	// OnPlanReady fires once when a well-formed plan block is parsed.
	OnPlanReady func(p stream.Plan)
	// OnPhaseChange fires on every phase transition.
	OnPhaseChange func(phase Phase)
}

// Session is one planning conversation. All mutation happens on the
// session's data callback plus the public methods, guarded by one mutex.
type Session struct {
	term      Terminal
	parser    *stream.SentinelParser
	callbacks Callbacks

	mu          sync.Mutex
	phase       Phase
	questions   []stream.Question
	answers     map[string]string
	outstanding *stream.Question
	plan        *stream.Plan
}

// New wires a planning session onto an existing terminal session. The
// terminal's output starts feeding the sentinel parser immediately.
func New(term Terminal, callbacks Callbacks) *Session {
	s := &Session{
		term:      term,
		parser:    stream.NewSentinelParser(),
		callbacks: callbacks,
		phase:     PhaseGathering,
		answers:   make(map[string]string),
	}
	term.OnData(s.consume)
	term.OnExit(s.finish)
	return s
}

// consume feeds terminal output through the sentinel parser and applies
// any completed records.
func (s *Session) consume(chunk []byte) {
	for _, ev := range s.parser.Write(chunk) {
		s.apply(ev)
	}
}

func (s *Session) apply(ev stream.Event) {
	switch ev.Kind {
	case stream.KindQuestion:
		s.mu.Lock()
		if s.phase != PhaseGathering {
			s.mu.Unlock()
			return
		}
		q := *ev.Question
		s.questions = append(s.questions, q)
		s.outstanding = &q
		s.mu.Unlock()

		slog.Debug("planning question", "id", q.ID)
		if s.callbacks.OnQuestion != nil {
			s.callbacks.OnQuestion(q)
		}

	case stream.KindPlan:
		s.mu.Lock()
		if s.phase != PhaseGathering {
			s.mu.Unlock()
			return
		}
		s.plan = ev.Plan
		s.phase = PhaseReview
		s.mu.Unlock()

		slog.Info("plan parsed", "issues", len(ev.Plan.Issues))
		s.notifyPhase(PhaseReview)
		if s.callbacks.OnPlanReady != nil {
			s.callbacks.OnPlanReady(*ev.Plan)
		}
	}
}

// Answer records the user's answer to the outstanding question, forwards
// it to the terminal, and releases the next held question if any.
func (s *Session) Answer(questionID, text string) error {
	s.mu.Lock()
	if s.outstanding == nil {
		s.mu.Unlock()
		return fmt.Errorf("no outstanding question")
	}
	if s.outstanding.ID != questionID {
		s.mu.Unlock()
		return fmt.Errorf("question %q is not outstanding", questionID)
	}
	s.answers[questionID] = text
	s.outstanding = nil
	s.mu.Unlock()

	if _, err := s.term.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}

	for _, ev := range s.parser.ResolveQuestion() {
		s.apply(ev)
	}
	return nil
}

// Accept marks the reviewed plan as accepted.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.phase != PhaseReview {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("no plan to accept in phase %q", phase)
	}
	s.phase = PhaseComplete
	s.mu.Unlock()

	s.notifyPhase(PhaseComplete)
	return nil
}

// finish handles terminal exit: a trailing unterminated plan block still
// counts, otherwise a session that never produced a plan is an error.
func (s *Session) finish() {
	for _, ev := range s.parser.Flush() {
		s.apply(ev)
	}

	s.mu.Lock()
	if s.phase == PhaseComplete || s.phase == PhaseReview {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseError
	s.mu.Unlock()
	s.notifyPhase(PhaseError)
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Questions returns the questions asked so far, in order.
func (s *Session) Questions() []stream.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Question{}, s.questions...)
}

// Outstanding returns the currently unanswered question, or nil.
func (s *Session) Outstanding() *stream.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding == nil {
		return nil
	}
	q := *s.outstanding
	return &q
}

// Answers returns the recorded answers keyed by question id.
func (s *Session) Answers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Plan returns the parsed plan, or nil before review.
func (s *Session) Plan() *stream.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

func (s *Session) notifyPhase(phase Phase) {
	if s.callbacks.OnPhaseChange != nil {
		s.callbacks.OnPhaseChange(phase)
	}
}
