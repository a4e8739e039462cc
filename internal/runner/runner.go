// Package runner spawns and supervises the external coding assistant that
// executes orchestration tasks. Two transports are supported: the assistant
// CLI in stream-json mode (one JSON event per stdout line) and the ACP
// stdio protocol via the acp-go-sdk. Both surface their activity as
// stream.Event values on a channel, so the orchestration engine never sees
// transport details.
package runner

import (
	"context"

	"github.com/QuivrHQ/247-sub000/internal/stream"
)

// Config describes a single assistant run.
type Config struct {
	// Task is the prompt text handed to the assistant.
	Task string
	// WorkDir is the directory the assistant operates in.
	WorkDir string
	// ResumeSessionID, when set, resumes a previous assistant conversation
	// instead of starting a fresh one.
	ResumeSessionID string
	// AllowedTools restricts which tools the assistant may use. Empty means
	// the assistant's defaults.
	AllowedTools []string
	// Model overrides the assistant's default model when non-empty.
	Model string
}

// Handle is a live assistant run.
type Handle interface {
	// Events returns the run's event channel. It is closed once the
	// underlying process has exited and all buffered events were delivered.
	Events() <-chan stream.Event
	// Wait blocks until the run finishes and returns the process exit code.
	// The events channel is closed before Wait returns.
	Wait() (int, error)
	// Cancel asks the run to stop. It is safe to call multiple times and
	// after the run has already exited.
	Cancel()
}

// Runner starts assistant runs.
type Runner interface {
	Start(ctx context.Context, cfg Config) (Handle, error)
}
