// Package orchestration owns the orchestration and subtask state machines:
// it spawns the external task-execution process, applies its event stream to
// orchestration state, persists the transcript and cost, and exposes
// resume and cancel. The engine is the sole writer of orchestration state.
package orchestration

import (
	"errors"
	"time"
)

// Status is the orchestration lifecycle state. Transitions run
// planning → executing → one of the terminal states, and terminal states
// are absorbing: no event moves an orchestration out of them.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SubtaskStatus is the per-subtask lifecycle state. Transitions are
// monotonic forward only.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Terminal reports whether s is a terminal subtask status.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// rank orders subtask statuses for monotonicity checks.
func (s SubtaskStatus) rank() int {
	switch s {
	case SubtaskPending:
		return 0
	case SubtaskRunning:
		return 1
	case SubtaskCompleted, SubtaskFailed:
		return 2
	}
	return -1
}

// Orchestration is one task-execution run.
type Orchestration struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	SessionID    string    `json:"sessionId,omitempty"`
	TotalCostUSD float64   `json:"totalCostUsd"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is one transcript entry.
type Message struct {
	OrchestrationID string    `json:"orchestrationId"`
	Role            string    `json:"role"` // "user" or "assistant"
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Subtask is one delegated unit of work within an orchestration. Subtasks
// are only ever appended; they are never deleted.
type Subtask struct {
	ID              string        `json:"id"`
	OrchestrationID string        `json:"orchestrationId"`
	Name            string        `json:"name"`
	AgentType       string        `json:"agentType,omitempty"`
	Status          SubtaskStatus `json:"status"`
	CostUSD         float64       `json:"costUsd"`
	StartedAt       time.Time     `json:"startedAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
}

// Store is the persistence collaborator for orchestration state. Schema and
// migration live with the implementation; the engine only needs create,
// update, and query by id.
type Store interface {
	InsertOrchestration(o Orchestration) error
	UpdateOrchestration(o Orchestration) error
	GetOrchestration(id string) (*Orchestration, error)
	ListOrchestrations(projectID string) ([]Orchestration, error)
	AppendMessage(m Message) error
	ListMessages(orchestrationID string) ([]Message, error)
	UpsertSubtask(s Subtask) error
	ListSubtasks(orchestrationID string) ([]Subtask, error)
}

// Error taxonomy surfaced synchronously to callers. Streaming-time failures
// are captured into orchestration state instead and emitted as error events.
var (
	// ErrNotFound means the referenced orchestration id is unknown.
	ErrNotFound = errors.New("orchestration not found")
	// ErrNotResumable means resume was requested without a recorded
	// resumption token.
	ErrNotResumable = errors.New("orchestration has no session to resume")
	// ErrAlreadyRunning means a process is already active for the id.
	ErrAlreadyRunning = errors.New("orchestration already has an active process")
)
