// Package session manages tmux-backed terminal sessions. Each Session owns
// a pty attached to a tmux session, an output ring buffer for replay, and
// the readiness handshake for freshly bootstrapped sessions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/QuivrHQ/247-sub000/internal/initscript"
	"github.com/QuivrHQ/247-sub000/internal/tmux"
)

// State is the readiness state of a session.
type State string

const (
	// StateAttaching means the handle attached to a pre-existing tmux
	// session and is usable immediately.
	StateAttaching State = "attaching"
	// StateNewInitializing means a fresh session whose bootstrap script is
	// still running.
	StateNewInitializing State = "new-initializing"
	// StateReady means the session accepts input.
	StateReady State = "ready"
)

// detachKeys is the tmux default prefix (C-b) followed by the detach key.
var detachKeys = []byte{0x02, 'd'}

// Options configures session creation.
type Options struct {
	// Env holds extra environment variables exported by the bootstrap
	// script. Blank or whitespace-only values are dropped.
	Env map[string]string
	// Command, when non-empty, runs directly inside the tmux session
	// instead of the bootstrap script plus interactive shell. Such
	// sessions are ready immediately.
	Command []string
	// ProjectName is exported to the session for display and hooks.
	ProjectName string
	// StartupPrompt, when non-empty, is fed to the assistant
	// non-interactively before the shell starts.
	StartupPrompt string
	// Shell is the interactive shell the bootstrap execs into.
	Shell string
	// Cols and Rows are the initial pty dimensions. Zero means defaults.
	Cols int
	Rows int
}

// Session is a live handle on one tmux session.
type Session struct {
	Name       string
	WorkDir    string
	PreExisted bool
	CreatedAt  time.Time

	tmux *tmux.Client
	cmd  *exec.Cmd
	ptmx *os.File

	replay *ringBuffer

	mu             sync.Mutex
	state          State
	lastActive     time.Time
	dataCallbacks  []dataCallback
	nextCallbackID int64
	exitCallbacks  []func()
	readyCallbacks []func()
	exited         bool
	closed         bool

	readyOnce sync.Once

	// tail of recent output kept to spot the ready sentinel across
	// chunk boundaries
	sentinelTail []byte
}

func newSession(tm *tmux.Client, name, workDir string, preExisted bool, replayCapacity int) *Session {
	state := StateNewInitializing
	if preExisted {
		state = StateAttaching
	}
	now := time.Now()
	return &Session{
		Name:       name,
		WorkDir:    workDir,
		PreExisted: preExisted,
		CreatedAt:  now,
		tmux:       tm,
		replay:     newRingBuffer(replayCapacity),
		state:      state,
		lastActive: now,
	}
}

// attach opens the pty onto `tmux attach-session` and starts the read pump.
func (s *Session) attach(cols, rows int) error {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := s.tmux.AttachCommand(s.Name)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return fmt.Errorf("failed to attach pty to session %q: %w", s.Name, err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	go s.readPump()
	return nil
}

// readPump copies pty output into the replay buffer and the data
// callbacks until the pty closes, then fires the exit callbacks.
func (s *Session) readPump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.replay.Write(chunk)
			s.dispatchData(chunk)
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	s.exited = true
	callbacks := append([]func(){}, s.exitCallbacks...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (s *Session) dispatchData(chunk []byte) {
	s.mu.Lock()
	s.lastActive = time.Now()
	callbacks := append([]dataCallback{}, s.dataCallbacks...)
	watching := s.state == StateNewInitializing
	s.mu.Unlock()

	if watching {
		s.scanForSentinel(chunk)
	}
	for _, cb := range callbacks {
		cb.fn(chunk)
	}
}

// scanForSentinel looks for the bootstrap ready sentinel in the output,
// keeping a short tail so a marker straddling two chunks is still found.
func (s *Session) scanForSentinel(chunk []byte) {
	s.mu.Lock()
	s.sentinelTail = append(s.sentinelTail, chunk...)
	combined := s.sentinelTail
	keep := len(initscript.ReadySentinel) - 1
	if len(combined) > keep {
		s.sentinelTail = append([]byte{}, combined[len(combined)-keep:]...)
	}
	s.mu.Unlock()

	if containsSentinel(combined) {
		s.markReady("sentinel")
	}
}

func containsSentinel(b []byte) bool {
	sentinel := initscript.ReadySentinel
	for i := 0; i+len(sentinel) <= len(b); i++ {
		if string(b[i:i+len(sentinel)]) == sentinel {
			return true
		}
	}
	return false
}

// markReady flips the session to ready and fires queued callbacks in
// registration order. Idempotent.
func (s *Session) markReady(reason string) {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.state = StateReady
		callbacks := s.readyCallbacks
		s.readyCallbacks = nil
		s.sentinelTail = nil
		s.mu.Unlock()

		slog.Debug("session ready", "session", s.Name, "via", reason)
		for _, cb := range callbacks {
			cb()
		}
	})
}

// State returns the current readiness state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write forwards raw bytes to the pty. Fire and forget; a write error is
// logged and reported but never panics.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()

	n, err := s.ptmx.Write(data)
	if err != nil {
		slog.Warn("session write failed", "session", s.Name, "error", err)
	}
	return n, err
}

// Resize propagates new terminal dimensions to the pty.
func (s *Session) Resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

type dataCallback struct {
	id int64
	fn func([]byte)
}

// OnData registers an output consumer and returns a func removing it again.
// Multiple registrations are allowed and each receives every chunk; a
// disconnecting consumer (a closed terminal WebSocket) must unregister or
// its callback is invoked for the session's whole lifetime.
func (s *Session) OnData(cb func([]byte)) func() {
	s.mu.Lock()
	s.nextCallbackID++
	id := s.nextCallbackID
	s.dataCallbacks = append(s.dataCallbacks, dataCallback{id: id, fn: cb})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.dataCallbacks {
			if c.id == id {
				s.dataCallbacks = append(s.dataCallbacks[:i], s.dataCallbacks[i+1:]...)
				return
			}
		}
	}
}

// OnExit registers a callback fired once when the pty stream ends. A
// registration after exit fires immediately.
func (s *Session) OnExit(cb func()) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		cb()
		return
	}
	s.exitCallbacks = append(s.exitCallbacks, cb)
	s.mu.Unlock()
}

// OnReady fires the callback synchronously if the session is already
// ready, otherwise queues it to fire exactly once on readiness, in
// registration order.
func (s *Session) OnReady(cb func()) {
	s.mu.Lock()
	if s.state == StateReady {
		s.mu.Unlock()
		cb()
		return
	}
	s.readyCallbacks = append(s.readyCallbacks, cb)
	s.mu.Unlock()
}

// Replay returns the buffered recent output for late subscribers.
func (s *Session) Replay() []byte {
	return s.replay.Bytes()
}

// CaptureHistory reads up to maxLines of scrollback from tmux. Any
// failure degrades to an empty string.
func (s *Session) CaptureHistory(ctx context.Context, maxLines int) string {
	out, err := s.tmux.CapturePane(ctx, s.Name, maxLines)
	if err != nil {
		slog.Warn("scrollback capture failed", "session", s.Name, "error", err)
		return ""
	}
	return out
}

// Detach sends the tmux detach key sequence. The tmux session keeps
// running and can be re-attached under the same name.
func (s *Session) Detach() error {
	_, err := s.Write(detachKeys)
	return err
}

// Kill terminates the tmux session and closes the pty.
func (s *Session) Kill(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	killErr := s.tmux.KillSession(ctx, s.Name)
	s.closePty()
	return killErr
}

// closePty tears down the local attachment without touching the tmux
// session itself.
func (s *Session) closePty() {
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
}

// LastActive returns the time of the most recent read or write.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// IdleTime returns how long the session has been idle.
func (s *Session) IdleTime() time.Duration {
	return time.Since(s.LastActive())
}
