package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/QuivrHQ/247-sub000/internal/initscript"
	"github.com/QuivrHQ/247-sub000/internal/tmux"
)

// DefaultSettleDelay bounds how long a fresh interactive session waits for
// its bootstrap script before being declared ready anyway. The primary
// readiness signal is the sentinel the bootstrap echoes; this delay is the
// fallback when the sentinel is never observed.
const DefaultSettleDelay = 3 * time.Second

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Tmux is the control client for the tmux server. Required.
	Tmux *tmux.Client
	// SettleDelay overrides DefaultSettleDelay when positive.
	SettleDelay time.Duration
	// ReplayCapacity is the per-session output buffer size in bytes.
	// Zero means the ring buffer default.
	ReplayCapacity int
	// ScriptDir is where bootstrap scripts are written. Defaults to the
	// OS temp directory.
	ScriptDir string
	// DefaultShell is the interactive shell for bootstrapped sessions.
	// Defaults to /bin/bash.
	DefaultShell string
	// AssistantCommand is the assistant binary a bootstrap script invokes
	// when a session carries a startup prompt. Empty uses the script's
	// built-in default.
	AssistantCommand string
}

// Manager tracks live session handles by name. A name maps to at most one
// open handle; the attach-versus-create decision is made once per Create
// and never re-evaluated.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	tmux           *tmux.Client
	settleDelay    time.Duration
	replayCapacity int
	scriptDir      string
	defaultShell   string
	assistantCmd   string
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	scriptDir := cfg.ScriptDir
	if scriptDir == "" {
		scriptDir = os.TempDir()
	}
	shell := cfg.DefaultShell
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		tmux:           cfg.Tmux,
		settleDelay:    settle,
		replayCapacity: cfg.ReplayCapacity,
		scriptDir:      scriptDir,
		defaultShell:   shell,
		assistantCmd:   cfg.AssistantCommand,
	}
}

// Create opens a handle on the named tmux session, attaching if one
// already exists and creating a detached session otherwise. The handle is
// ready immediately for pre-existing sessions and direct commands; fresh
// interactive sessions become ready when their bootstrap signals, or
// after the settle delay.
func (m *Manager) Create(ctx context.Context, workDir, name string, opts Options) (*Session, error) {
	if name == "" {
		return nil, fmt.Errorf("session name is required")
	}

	m.mu.Lock()
	if _, exists := m.sessions[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q is already open", name)
	}
	m.mu.Unlock()

	preExisted := m.tmux.HasSession(ctx, name)

	sess := newSession(m.tmux, name, workDir, preExisted, m.replayCapacity)

	directCommand := len(opts.Command) > 0
	if !preExisted {
		command := opts.Command
		if !directCommand {
			scriptPath, err := m.writeBootstrap(name, opts)
			if err != nil {
				return nil, err
			}
			command = []string{m.defaultShell, scriptPath}
		}
		if err := m.tmux.NewSession(ctx, name, workDir, command...); err != nil {
			return nil, fmt.Errorf("failed to create session %q: %w", name, err)
		}
	}

	if err := sess.attach(opts.Cols, opts.Rows); err != nil {
		if !preExisted {
			_ = m.tmux.KillSession(ctx, name)
		}
		return nil, err
	}

	m.mu.Lock()
	m.sessions[name] = sess
	m.mu.Unlock()

	switch {
	case preExisted:
		sess.markReady("pre-existing")
	case directCommand:
		sess.markReady("direct command")
	default:
		go m.settleWatch(sess)
	}

	slog.Info("session created",
		"session", name,
		"workDir", workDir,
		"preExisted", preExisted,
		"state", sess.State())
	return sess, nil
}

// writeBootstrap renders the init script to a file the new tmux session
// can run.
func (m *Manager) writeBootstrap(name string, opts Options) (string, error) {
	script, err := initscript.Build(initscript.Config{
		SessionName:      name,
		ProjectName:      opts.ProjectName,
		Shell:            shellOrDefault(opts.Shell, m.defaultShell),
		Env:              opts.Env,
		AssistantCommand: m.assistantCmd,
		StartupPrompt:    opts.StartupPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build bootstrap script: %w", err)
	}

	path := filepath.Join(m.scriptDir, fmt.Sprintf("session-init-%s.sh", name))
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("failed to write bootstrap script: %w", err)
	}
	return path, nil
}

func shellOrDefault(shell, fallback string) string {
	if shell != "" {
		return shell
	}
	return fallback
}

// settleWatch declares the session ready after the settle delay if the
// sentinel never showed up.
func (m *Manager) settleWatch(sess *Session) {
	timer := time.NewTimer(m.settleDelay)
	defer timer.Stop()
	<-timer.C
	sess.markReady("settle delay")
}

// Get returns the open handle for a name, or nil.
func (m *Manager) Get(name string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[name]
}

// List returns all open handles.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Kill terminates the named session and drops the handle.
func (m *Manager) Kill(ctx context.Context, name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session not found: %s", name)
	}
	return sess.Kill(ctx)
}

// Release closes the local handle without killing the tmux session, so it
// can be re-attached later.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if ok {
		sess.closePty()
	}
}

// Count returns the number of open handles.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupIdle kills sessions idle for longer than maxIdle and returns how
// many were closed.
func (m *Manager) CleanupIdle(ctx context.Context, maxIdle time.Duration) int {
	m.mu.RLock()
	var stale []string
	for name, s := range m.sessions {
		if s.IdleTime() > maxIdle {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range stale {
		if err := m.Kill(ctx, name); err != nil {
			slog.Warn("idle session cleanup failed", "session", name, "error", err)
		}
	}
	return len(stale)
}

// CloseAll kills every tracked session. Used by tests that must not leave
// tmux sessions behind.
func (m *Manager) CloseAll(ctx context.Context) {
	for _, s := range m.drain() {
		_ = s.Kill(ctx)
	}
}

// ReleaseAll closes every local handle without killing the tmux sessions,
// so they survive a daemon restart and can be re-attached. Used on
// shutdown.
func (m *Manager) ReleaseAll() {
	for _, s := range m.drain() {
		s.closePty()
	}
}

func (m *Manager) drain() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	return sessions
}
