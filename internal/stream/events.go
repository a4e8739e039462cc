// Package stream decodes the output of external task-execution processes
// into one internal event shape. Two wire formats feed it: newline-delimited
// JSON emitted by the assistant CLI in stream-json mode, and sentinel-framed
// blocks embedded in free-form terminal output during planning sessions.
// Both integration paths adapt into Event before anything downstream sees
// them, so the orchestration logic is written once against a single shape.
package stream

import "encoding/json"

// Kind tags the event union.
type Kind string

const (
	// KindInit carries the external process's resumption token.
	KindInit Kind = "init"
	// KindAssistantMessage carries one chunk of assistant text.
	KindAssistantMessage Kind = "assistant_message"
	// KindSubtaskStarted marks a delegated sub-task invocation.
	KindSubtaskStarted Kind = "subtask_started"
	// KindSubtaskCompleted marks the matching sub-task result.
	KindSubtaskCompleted Kind = "subtask_completed"
	// KindResult is the terminal event with cost and success/failure.
	KindResult Kind = "result"
	// KindQuestion is a sentinel-framed planning question.
	KindQuestion Kind = "question"
	// KindPlan is a sentinel-framed generated plan.
	KindPlan Kind = "plan"
)

// Event is the tagged internal event union. Only the fields relevant to the
// Kind are populated.
type Event struct {
	Kind Kind

	// SessionID is the resumption token (KindInit).
	SessionID string

	// Text is assistant content (KindAssistantMessage) or the final result
	// text (KindResult).
	Text string

	// Subtask identity (KindSubtaskStarted / KindSubtaskCompleted).
	SubtaskID   string
	SubtaskName string
	AgentType   string

	// CostUSD and IsError describe the terminal result (KindResult).
	CostUSD float64
	IsError bool

	// Question and Plan are the sentinel-framed records.
	Question *Question
	Plan     *Plan
}

// Question is one planning question awaiting a user answer.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"question"`
	Context string   `json:"context,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Plan is the structured plan produced at the end of a planning session.
type Plan struct {
	Summary    string      `json:"summary"`
	Issues     []PlanIssue `json:"issues"`
	Risks      []string    `json:"risks,omitempty"`
	Complexity string      `json:"complexity,omitempty"`
}

// PlanIssue is one proposed issue within a plan.
type PlanIssue struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// wireMessage mirrors one line of the assistant CLI's stream-json output.
// Unknown fields are ignored; undecodable lines are skipped as noise.
type wireMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	CostUSD   float64         `json:"total_cost_usd,omitempty"`
}

// wireContentBlock mirrors one content block of an assistant message.
type wireContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// wireAssistantMessage is the message field of an assistant wire event.
type wireAssistantMessage struct {
	Content []wireContentBlock `json:"content"`
}

// taskToolName is the delegation tool the assistant uses to fan work out to
// sub-agents. A tool_use block with this name opens a subtask; the matching
// tool_result block closes it.
const taskToolName = "Task"

// taskInput is the decoded input of a delegation tool call.
type taskInput struct {
	Description  string `json:"description"`
	SubagentType string `json:"subagent_type"`
	Prompt       string `json:"prompt"`
}

// adaptWire converts one decoded wire message into zero or more internal
// events. A single assistant message can fan out into a text event plus
// several subtask events (one per content block).
func adaptWire(msg wireMessage) []Event {
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			return []Event{{Kind: KindInit, SessionID: msg.SessionID}}
		}
		return nil

	case "assistant":
		var parsed wireAssistantMessage
		if err := json.Unmarshal(msg.Message, &parsed); err != nil {
			return nil
		}
		var events []Event
		for _, block := range parsed.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, Event{Kind: KindAssistantMessage, Text: block.Text})
				}
			case "tool_use":
				if block.Name != taskToolName {
					continue
				}
				var input taskInput
				_ = json.Unmarshal(block.Input, &input)
				events = append(events, Event{
					Kind:        KindSubtaskStarted,
					SubtaskID:   block.ID,
					SubtaskName: input.Description,
					AgentType:   input.SubagentType,
				})
			}
		}
		return events

	case "user":
		// Tool results come back wrapped in a user message.
		var parsed wireAssistantMessage
		if err := json.Unmarshal(msg.Message, &parsed); err != nil {
			return nil
		}
		var events []Event
		for _, block := range parsed.Content {
			if block.Type == "tool_result" && block.ToolUseID != "" {
				events = append(events, Event{
					Kind:      KindSubtaskCompleted,
					SubtaskID: block.ToolUseID,
					IsError:   block.IsError,
				})
			}
		}
		return events

	case "result":
		return []Event{{
			Kind:    KindResult,
			Text:    msg.Result,
			CostUSD: msg.CostUSD,
			IsError: msg.IsError,
		}}
	}
	return nil
}
