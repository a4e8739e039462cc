package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/QuivrHQ/247-sub000/internal/stream"
)

// DefaultCommand is the assistant binary launched when CLIRunner.Command
// is left empty.
const DefaultCommand = "claude"

// killGrace is how long a cancelled run gets to exit after SIGINT before
// it is killed outright.
const killGrace = 10 * time.Second

// CLIRunner launches the assistant CLI in stream-json output mode and
// decodes its stdout line by line.
type CLIRunner struct {
	// Command is the assistant binary. Defaults to DefaultCommand.
	Command string
	// ExtraArgs are appended to every invocation, after the generated flags.
	ExtraArgs []string
}

// Start spawns the CLI and begins decoding its stdout. The returned handle's
// event channel closes when stdout is drained.
func (r *CLIRunner) Start(ctx context.Context, cfg Config) (Handle, error) {
	command := r.Command
	if command == "" {
		command = DefaultCommand
	}

	args := []string{"-p", cfg.Task, "--output-format", "stream-json", "--verbose"}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	for _, tool := range cfg.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	args = append(args, r.ExtraArgs...)

	cmd := exec.Command(command, args...)
	cmd.Dir = cfg.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start assistant process: %w", err)
	}

	slog.Info("assistant CLI started",
		"command", command,
		"pid", cmd.Process.Pid,
		"resume", cfg.ResumeSessionID != "")

	h := &cliHandle{
		cmd:    cmd,
		events: make(chan stream.Event, 64),
		done:   make(chan struct{}),
	}

	go h.drainStderr(stderr)
	go h.run(ctx, stdout)

	return h, nil
}

type cliHandle struct {
	cmd    *exec.Cmd
	events chan stream.Event

	cancelOnce sync.Once

	mu       sync.Mutex
	done     chan struct{}
	exitCode int
	waitErr  error
}

func (h *cliHandle) Events() <-chan stream.Event { return h.events }

// run decodes stdout into events, then reaps the process. The events
// channel is closed before done is signalled so Wait observes a fully
// drained stream.
func (h *cliHandle) run(ctx context.Context, stdout io.ReadCloser) {
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-watchDone:
		}
	}()

	parser := &stream.LineParser{}
	buf := make([]byte, 32*1024)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			for _, ev := range parser.Write(buf[:n]) {
				h.events <- ev
			}
		}
		if readErr != nil {
			break
		}
	}
	for _, ev := range parser.Flush() {
		h.events <- ev
	}
	close(h.events)
	close(watchDone)

	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.waitErr = err
	close(h.done)
	h.mu.Unlock()
}

func (h *cliHandle) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			slog.Debug("assistant stderr", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// Wait blocks until the process has exited and the event stream is drained.
func (h *cliHandle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.waitErr
}

// Cancel sends SIGINT so the assistant can flush partial results, then
// kills it if it lingers past the grace period.
func (h *cliHandle) Cancel() {
	h.cancelOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		slog.Info("cancelling assistant run", "pid", h.cmd.Process.Pid)
		if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = h.cmd.Process.Kill()
			return
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(killGrace):
				_ = h.cmd.Process.Kill()
			}
		}()
	})
}
