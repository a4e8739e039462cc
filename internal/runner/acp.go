package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/QuivrHQ/247-sub000/internal/stream"
)

// DefaultACPCommand is the stdio ACP adapter binary launched when
// ACPRunner.Command is left empty.
const DefaultACPCommand = "claude-code-acp"

// acpInitTimeout bounds the protocol handshake and session setup.
const acpInitTimeout = 30 * time.Second

// ACPRunner drives the assistant over the Agent Client Protocol: it spawns
// a stdio agent process, performs the handshake, and issues a single
// blocking Prompt for the configured task. Session notifications arriving
// during the prompt are adapted into stream events.
type ACPRunner struct {
	// Command is the agent binary. Defaults to DefaultACPCommand.
	Command string
	// Args are additional CLI arguments for the agent binary.
	Args []string
}

func (r *ACPRunner) Start(ctx context.Context, cfg Config) (Handle, error) {
	command := r.Command
	if command == "" {
		command = DefaultACPCommand
	}

	cmd := exec.Command(command, r.Args...)
	cmd.Dir = cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	h := &acpHandle{
		cmd:    cmd,
		events: make(chan stream.Event, 64),
		done:   make(chan struct{}),
	}

	client := &acpEventClient{handle: h}
	conn := acpsdk.NewClientSideConnection(client, stdin, stdout)

	go h.run(ctx, conn, cfg)

	return h, nil
}

type acpHandle struct {
	cmd    *exec.Cmd
	events chan stream.Event

	cancelOnce sync.Once
	cancel     context.CancelFunc

	evMu     sync.Mutex
	evClosed bool

	mu       sync.Mutex
	done     chan struct{}
	exitCode int
	waitErr  error
}

func (h *acpHandle) Events() <-chan stream.Event { return h.events }

func (h *acpHandle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.waitErr
}

func (h *acpHandle) Cancel() {
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// emit delivers an event unless the channel has been closed. The SDK's
// read loop can still dispatch notifications while the run is tearing
// down, so the closed check has to be under the lock.
func (h *acpHandle) emit(ev stream.Event) {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if !h.evClosed {
		h.events <- ev
	}
}

func (h *acpHandle) closeEvents() {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if !h.evClosed {
		h.evClosed = true
		close(h.events)
	}
}

func (h *acpHandle) run(ctx context.Context, conn *acpsdk.ClientSideConnection, cfg Config) {
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	runErr := h.converse(runCtx, conn, cfg)
	cancel()

	// Tear the process down and reap it. A clean conversation ends with the
	// agent still alive, so the kill is unconditional.
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	waitErr := h.cmd.Wait()

	code := 0
	if runErr != nil {
		code = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}

	h.closeEvents()
	h.mu.Lock()
	h.exitCode = code
	h.waitErr = runErr
	close(h.done)
	h.mu.Unlock()
}

// converse performs the handshake, opens or resumes a session, and runs
// the prompt to completion.
func (h *acpHandle) converse(ctx context.Context, conn *acpsdk.ClientSideConnection, cfg Config) error {
	initCtx, cancelInit := context.WithTimeout(ctx, acpInitTimeout)
	defer cancelInit()

	initResp, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: false, WriteTextFile: false},
		},
	})
	if err != nil {
		return fmt.Errorf("ACP initialize failed: %w", err)
	}

	var sessionID acpsdk.SessionId
	if cfg.ResumeSessionID != "" && initResp.AgentCapabilities.LoadSession {
		_, err := conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(cfg.ResumeSessionID),
			Cwd:        cfg.WorkDir,
			McpServers: []acpsdk.McpServer{},
		})
		if err != nil {
			return fmt.Errorf("ACP load session failed: %w", err)
		}
		sessionID = acpsdk.SessionId(cfg.ResumeSessionID)
		slog.Info("ACP session resumed", "sessionID", cfg.ResumeSessionID)
	} else {
		sessResp, err := conn.NewSession(initCtx, acpsdk.NewSessionRequest{
			Cwd:        cfg.WorkDir,
			McpServers: []acpsdk.McpServer{},
		})
		if err != nil {
			return fmt.Errorf("ACP new session failed: %w", err)
		}
		sessionID = sessResp.SessionId
		slog.Info("ACP session created", "sessionID", string(sessionID))
	}

	h.emit(stream.Event{Kind: stream.KindInit, SessionID: string(sessionID)})

	if cfg.Model != "" {
		if _, err := conn.SetSessionModel(ctx, acpsdk.SetSessionModelRequest{
			SessionId: sessionID,
			ModelId:   acpsdk.ModelId(cfg.Model),
		}); err != nil {
			slog.Warn("ACP SetSessionModel failed (non-fatal)", "model", cfg.Model, "error", err)
		}
	}

	// Blocking until the turn ends. Notifications stream through the
	// client's SessionUpdate in the meantime.
	resp, err := conn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(cfg.Task)},
	})
	if err != nil {
		return fmt.Errorf("ACP prompt failed: %w", err)
	}

	h.emit(stream.Event{
		Kind:      stream.KindResult,
		SessionID: string(sessionID),
		Text:      string(resp.StopReason),
	})
	return nil
}

// acpEventClient implements the SDK client interface. Notifications are
// adapted into stream events; file system and terminal capabilities are
// not offered to the agent.
type acpEventClient struct {
	handle *acpHandle
}

func (c *acpEventClient) SessionUpdate(_ context.Context, notif acpsdk.SessionNotification) error {
	u := notif.Update
	sessionID := string(notif.SessionId)

	if u.AgentMessageChunk != nil {
		if text := acpBlockText(u.AgentMessageChunk.Content); text != "" {
			c.handle.emit(stream.Event{
				Kind:      stream.KindAssistantMessage,
				SessionID: sessionID,
				Text:      text,
			})
		}
	}

	if u.ToolCall != nil {
		c.handle.emit(stream.Event{
			Kind:        stream.KindSubtaskStarted,
			SessionID:   sessionID,
			SubtaskID:   string(u.ToolCall.ToolCallId),
			SubtaskName: u.ToolCall.Title,
			AgentType:   string(u.ToolCall.Kind),
		})
	}

	if u.ToolCallUpdate != nil && u.ToolCallUpdate.Status != nil {
		switch string(*u.ToolCallUpdate.Status) {
		case "completed", "failed":
			c.handle.emit(stream.Event{
				Kind:      stream.KindSubtaskCompleted,
				SessionID: sessionID,
				SubtaskID: string(u.ToolCallUpdate.ToolCallId),
				IsError:   string(*u.ToolCallUpdate.Status) == "failed",
			})
		}
	}

	return nil
}

func (c *acpEventClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	// Headless runs auto-approve with the first offered option. The agent
	// is already sandboxed to the orchestration work directory.
	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *acpEventClient) ReadTextFile(_ context.Context, _ acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("ReadTextFile not supported")
}

func (c *acpEventClient) WriteTextFile(_ context.Context, _ acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("WriteTextFile not supported")
}

func (c *acpEventClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *acpEventClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *acpEventClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *acpEventClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *acpEventClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

// acpBlockText pulls plain text out of a content block, returning ""
// for non-text blocks.
func acpBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}
