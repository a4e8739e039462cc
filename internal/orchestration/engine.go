package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/QuivrHQ/247-sub000/internal/broadcast"
	"github.com/QuivrHQ/247-sub000/internal/runner"
	"github.com/QuivrHQ/247-sub000/internal/stream"
)

// nameExcerptLen bounds the human-readable orchestration name derived
// from the task text.
const nameExcerptLen = 80

// RunConfig carries the per-run settings the caller controls.
type RunConfig struct {
	ProjectID    string
	WorkDir      string
	AllowedTools []string
	Model        string
}

// Engine drives orchestrations: it spawns the external process through a
// Runner, applies the decoded event stream to persisted state, and fans
// state changes out through the broadcaster. The engine is the sole writer
// of orchestration and subtask records; each run's events are applied in
// emission order by a single goroutine.
type Engine struct {
	store  Store
	runner runner.Runner
	broker *broadcast.Broadcaster

	mu     sync.Mutex
	active map[string]runner.Handle
}

// NewEngine creates an engine over the given store, runner, and broker.
func NewEngine(store Store, r runner.Runner, broker *broadcast.Broadcaster) *Engine {
	return &Engine{
		store:  store,
		runner: r,
		broker: broker,
		active: make(map[string]runner.Handle),
	}
}

// Run creates an orchestration for the task, spawns the external process,
// and returns the new id without waiting for completion. Progress is
// observed through the broadcaster. If the spawn fails the orchestration
// is recorded as failed and the error is returned alongside the id, so
// the failure stays queryable.
func (e *Engine) Run(ctx context.Context, task string, cfg RunConfig) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	orch := Orchestration{
		ID:        id,
		ProjectID: cfg.ProjectID,
		Name:      nameExcerpt(task),
		Status:    StatusPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.InsertOrchestration(orch); err != nil {
		return "", fmt.Errorf("failed to create orchestration: %w", err)
	}
	if err := e.store.AppendMessage(Message{
		OrchestrationID: id,
		Role:            "user",
		Content:         task,
		CreatedAt:       now,
	}); err != nil {
		return "", fmt.Errorf("failed to record task message: %w", err)
	}

	if err := e.spawn(ctx, &orch, runner.Config{
		Task:         task,
		WorkDir:      cfg.WorkDir,
		AllowedTools: cfg.AllowedTools,
		Model:        cfg.Model,
	}); err != nil {
		return id, err
	}
	return id, nil
}

// Resume re-spawns the external process for an existing orchestration,
// continuing its recorded conversation. Fails with ErrNotResumable when no
// resumption token was ever captured, and ErrAlreadyRunning when a process
// is still active for this id.
func (e *Engine) Resume(ctx context.Context, id, message string, cfg RunConfig) error {
	orch, err := e.store.GetOrchestration(id)
	if err != nil {
		return err
	}
	if orch.SessionID == "" {
		return ErrNotResumable
	}

	e.mu.Lock()
	_, running := e.active[id]
	e.mu.Unlock()
	if running {
		return ErrAlreadyRunning
	}

	if err := e.store.AppendMessage(Message{
		OrchestrationID: id,
		Role:            "user",
		Content:         message,
		CreatedAt:       time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to record resume message: %w", err)
	}

	return e.spawn(ctx, orch, runner.Config{
		Task:            message,
		WorkDir:         cfg.WorkDir,
		ResumeSessionID: orch.SessionID,
		AllowedTools:    cfg.AllowedTools,
		Model:           cfg.Model,
	})
}

// spawn starts the external process, registers the handle, and hands the
// event stream to the per-run consumer goroutine. A start failure marks
// the orchestration failed and emits an error event.
//
// The process outlives the calling context: Run and Resume return as soon
// as the spawn succeeds, typically from an HTTP handler whose request
// context is cancelled the moment the response is written. Only Cancel
// stops a running process.
func (e *Engine) spawn(ctx context.Context, orch *Orchestration, cfg runner.Config) error {
	e.mu.Lock()
	if _, running := e.active[orch.ID]; running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	handle, err := e.runner.Start(context.WithoutCancel(ctx), cfg)
	if err != nil {
		spawnErr := fmt.Errorf("failed to spawn external process: %w", err)
		e.setStatus(orch, StatusFailed, spawnErr.Error())
		e.publish(orch, "error", map[string]string{"error": spawnErr.Error()})
		return spawnErr
	}

	e.mu.Lock()
	e.active[orch.ID] = handle
	e.mu.Unlock()

	// Set directly rather than through setStatus: resuming a terminal
	// orchestration legitimately re-enters executing.
	orch.Status = StatusExecuting
	orch.Error = ""
	e.update(orch)
	e.publish(orch, "started", nil)

	go e.consume(orch.ID, handle)
	return nil
}

// Cancel signals the active process for the orchestration and marks it
// cancelled. Calling Cancel on a terminal orchestration is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	orch, err := e.store.GetOrchestration(id)
	if err != nil {
		return err
	}
	if orch.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	handle, running := e.active[id]
	delete(e.active, id)
	e.mu.Unlock()

	if running {
		handle.Cancel()
	}

	e.setStatus(orch, StatusCancelled, "")
	e.publish(orch, "cancelled", nil)
	return nil
}

// Get returns the orchestration record.
func (e *Engine) Get(id string) (*Orchestration, error) {
	return e.store.GetOrchestration(id)
}

// ListMessages returns the transcript in insertion order.
func (e *Engine) ListMessages(id string) ([]Message, error) {
	return e.store.ListMessages(id)
}

// ListSubtasks returns the orchestration's subtasks.
func (e *Engine) ListSubtasks(id string) ([]Subtask, error) {
	return e.store.ListSubtasks(id)
}

// List returns orchestrations, optionally filtered by project.
func (e *Engine) List(projectID string) ([]Orchestration, error) {
	return e.store.ListOrchestrations(projectID)
}

// ActiveCount returns how many processes are currently registered.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// consume applies one run's event stream in order, then settles the final
// status from the process exit. It is the only goroutine touching this
// orchestration's state while the run is live.
func (e *Engine) consume(id string, handle runner.Handle) {
	sawResult := false
	subtasks := make(map[string]Subtask)

	for ev := range handle.Events() {
		orch, err := e.store.GetOrchestration(id)
		if err != nil {
			slog.Error("orchestration vanished mid-run", "id", id, "error", err)
			break
		}
		if e.apply(orch, subtasks, ev) {
			sawResult = true
		}
	}

	exitCode, _ := handle.Wait()

	e.mu.Lock()
	// Cancel may already have removed the registration.
	if e.active[id] == handle {
		delete(e.active, id)
	}
	e.mu.Unlock()

	if sawResult {
		return
	}

	orch, err := e.store.GetOrchestration(id)
	if err != nil || orch.Status.Terminal() {
		return
	}
	if exitCode != 0 {
		e.setStatus(orch, StatusFailed, "process exited abnormally")
		e.publish(orch, "error", map[string]string{"error": "process exited abnormally"})
		return
	}
	// Clean exit without a terminal result event. The process said
	// nothing went wrong, so close the orchestration out.
	e.setStatus(orch, StatusCompleted, "")
	e.publish(orch, "completed", nil)
}

// apply folds one decoded event into orchestration state. Returns true for
// a terminal result event.
func (e *Engine) apply(orch *Orchestration, subtasks map[string]Subtask, ev stream.Event) bool {
	switch ev.Kind {
	case stream.KindInit:
		if ev.SessionID != "" && ev.SessionID != orch.SessionID {
			orch.SessionID = ev.SessionID
			e.update(orch)
		}

	case stream.KindAssistantMessage:
		msg := Message{
			OrchestrationID: orch.ID,
			Role:            "assistant",
			Content:         ev.Text,
			CreatedAt:       time.Now(),
		}
		if err := e.store.AppendMessage(msg); err != nil {
			slog.Error("failed to append message", "orchestration", orch.ID, "error", err)
		}
		e.publish(orch, "message", msg)

	case stream.KindSubtaskStarted:
		st := Subtask{
			ID:              subtaskID(ev.SubtaskID),
			OrchestrationID: orch.ID,
			Name:            ev.SubtaskName,
			AgentType:       ev.AgentType,
			Status:          SubtaskRunning,
			StartedAt:       time.Now(),
		}
		if prev, ok := subtasks[st.ID]; ok && prev.Status.rank() >= st.Status.rank() {
			break // never move a subtask backwards
		}
		subtasks[st.ID] = st
		e.upsertSubtask(st)
		e.publish(orch, "subtask-started", st)

	case stream.KindSubtaskCompleted:
		st, ok := subtasks[ev.SubtaskID]
		if !ok {
			break // result for a subtask this run never started
		}
		next := SubtaskCompleted
		if ev.IsError {
			next = SubtaskFailed
		}
		if st.Status.rank() >= next.rank() {
			break
		}
		now := time.Now()
		st.Status = next
		st.CompletedAt = &now
		subtasks[st.ID] = st
		e.upsertSubtask(st)
		e.publish(orch, "subtask-completed", st)

	case stream.KindResult:
		if orch.Status.Terminal() {
			// Cancelled while the process was finishing up.
			return true
		}
		orch.TotalCostUSD += ev.CostUSD
		status := StatusCompleted
		if ev.IsError {
			status = StatusFailed
			orch.Error = ev.Text
		}
		e.setStatus(orch, status, orch.Error)
		e.publish(orch, "completed", map[string]interface{}{
			"status":       orch.Status,
			"totalCostUsd": orch.TotalCostUSD,
		})
		return true
	}
	return false
}

// setStatus persists a status change, refusing to move an orchestration
// out of a terminal state.
func (e *Engine) setStatus(orch *Orchestration, status Status, errMsg string) {
	if orch.Status.Terminal() {
		return
	}
	orch.Status = status
	if errMsg != "" {
		orch.Error = errMsg
	}
	e.update(orch)
}

func (e *Engine) update(orch *Orchestration) {
	orch.UpdatedAt = time.Now()
	if err := e.store.UpdateOrchestration(*orch); err != nil {
		slog.Error("failed to persist orchestration", "id", orch.ID, "error", err)
	}
}

func (e *Engine) upsertSubtask(st Subtask) {
	if err := e.store.UpsertSubtask(st); err != nil {
		slog.Error("failed to persist subtask", "orchestration", st.OrchestrationID, "error", err)
	}
}

func (e *Engine) publish(orch *Orchestration, eventType string, payload interface{}) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(broadcast.Event{
		Type:            eventType,
		ProjectID:       orch.ProjectID,
		OrchestrationID: orch.ID,
		Payload:         payload,
	})
}

// subtaskID falls back to a generated id when the process did not assign
// a tool-invocation id.
func subtaskID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// nameExcerpt derives a short display name from the task text.
func nameExcerpt(task string) string {
	task = strings.TrimSpace(task)
	if first := strings.IndexByte(task, '\n'); first >= 0 {
		task = task[:first]
	}
	if len(task) <= nameExcerptLen {
		return task
	}
	cut := task[:nameExcerptLen]
	if sp := strings.LastIndexByte(cut, ' '); sp > nameExcerptLen/2 {
		cut = cut[:sp]
	}
	return cut + "..."
}
