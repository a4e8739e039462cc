package session

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/QuivrHQ/247-sub000/internal/initscript"
	"github.com/QuivrHQ/247-sub000/internal/tmux"
)

// bareSession builds a Session without a tmux backend, enough to test the
// readiness and callback machinery in isolation.
func bareSession(preExisted bool) *Session {
	return newSession(tmux.NewClient(""), "test-sess", "/tmp", preExisted, 1024)
}

func TestOnReadyFiresSynchronouslyWhenReady(t *testing.T) {
	s := bareSession(true)
	s.markReady("test")

	fired := false
	s.OnReady(func() { fired = true })
	if !fired {
		t.Fatal("OnReady on a ready session must fire synchronously")
	}
}

func TestOnReadyQueuedCallbacksFireOnceInOrder(t *testing.T) {
	s := bareSession(false)
	if s.State() != StateNewInitializing {
		t.Fatalf("state = %q, want %q", s.State(), StateNewInitializing)
	}

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		s.OnReady(func() { order = append(order, i) })
	}
	if len(order) != 0 {
		t.Fatalf("callbacks fired before readiness: %v", order)
	}

	s.markReady("test")
	s.markReady("test again") // idempotent

	if len(order) != 3 {
		t.Fatalf("got %d callback firings, want 3", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("callback order = %v, want [1 2 3]", order)
			break
		}
	}
	if s.State() != StateReady {
		t.Errorf("state = %q, want %q", s.State(), StateReady)
	}
}

func TestSentinelDetectionAcrossChunkBoundaries(t *testing.T) {
	payload := []byte("noise before\n" + initscript.ReadySentinel + "\nnoise after")

	for _, chunkSize := range []int{1, 3, 7, len(payload)} {
		t.Run(fmt.Sprintf("chunk%d", chunkSize), func(t *testing.T) {
			s := bareSession(false)
			fired := false
			s.OnReady(func() { fired = true })

			for i := 0; i < len(payload); i += chunkSize {
				end := i + chunkSize
				if end > len(payload) {
					end = len(payload)
				}
				s.scanForSentinel(payload[i:end])
			}
			if !fired {
				t.Errorf("sentinel not detected with chunk size %d", chunkSize)
			}
		})
	}
}

func TestSentinelAbsenceDoesNotTriggerReady(t *testing.T) {
	s := bareSession(false)
	fired := false
	s.OnReady(func() { fired = true })

	s.scanForSentinel([]byte("__AGENT_SESSION_READ"))
	s.scanForSentinel([]byte("plain shell output\n"))
	if fired {
		t.Fatal("readiness declared without the sentinel")
	}
}

func TestOnDataReceivesEveryChunk(t *testing.T) {
	s := bareSession(true)

	var got [][]byte
	s.OnData(func(b []byte) { got = append(got, b) })
	s.OnData(func(b []byte) {}) // second consumer allowed

	s.dispatchData([]byte("one"))
	s.dispatchData([]byte("two"))

	if len(got) != 2 || string(got[0]) != "one" || string(got[1]) != "two" {
		t.Errorf("got chunks %q, want [one two]", got)
	}
	if string(s.Replay()) != "" {
		// dispatchData does not touch the replay buffer; the read pump does.
		t.Errorf("replay buffer unexpectedly populated: %q", s.Replay())
	}
}

func TestOnExitAfterExitFiresImmediately(t *testing.T) {
	s := bareSession(true)
	s.mu.Lock()
	s.exited = true
	s.mu.Unlock()

	fired := false
	s.OnExit(func() { fired = true })
	if !fired {
		t.Fatal("OnExit after exit must fire immediately")
	}
}

// requireTmux skips tests that need a real tmux binary.
func requireTmux(t *testing.T) *tmux.Client {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}
	socket := t.TempDir() + "/tmux.sock"
	return tmux.NewClient(socket)
}

func TestManagerCreateAndKill(t *testing.T) {
	tm := requireTmux(t)
	ctx := context.Background()

	m := NewManager(ManagerConfig{
		Tmux:      tm,
		ScriptDir: t.TempDir(),
	})
	defer m.CloseAll(ctx)

	sess, err := m.Create(ctx, t.TempDir(), "mgr-test", Options{
		Command: []string{"sleep", "30"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.PreExisted {
		t.Error("fresh session reported as pre-existing")
	}
	if sess.State() != StateReady {
		t.Errorf("direct-command session state = %q, want ready", sess.State())
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}

	if _, err := m.Create(ctx, t.TempDir(), "mgr-test", Options{}); err == nil {
		t.Error("expected error opening a second handle with the same name")
	}

	if err := m.Kill(ctx, "mgr-test"); err != nil {
		t.Errorf("Kill failed: %v", err)
	}
	if m.Get("mgr-test") != nil {
		t.Error("handle still present after Kill")
	}
	if err := m.Kill(ctx, "mgr-test"); err == nil {
		t.Error("expected not-found error killing twice")
	}
}

func TestManagerAttachesToPreExisting(t *testing.T) {
	tm := requireTmux(t)
	ctx := context.Background()

	if err := tm.NewSession(ctx, "pre-existing", "", "sleep", "30"); err != nil {
		t.Fatalf("tmux new-session failed: %v", err)
	}
	defer tm.KillSession(ctx, "pre-existing")

	m := NewManager(ManagerConfig{Tmux: tm, ScriptDir: t.TempDir()})
	defer m.CloseAll(ctx)

	sess, err := m.Create(ctx, "", "pre-existing", Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !sess.PreExisted {
		t.Error("expected PreExisted for an attach")
	}
	if sess.State() != StateReady {
		t.Errorf("pre-existing session state = %q, want ready", sess.State())
	}
}

func TestCleanupIdleOnlyClosesStale(t *testing.T) {
	tm := requireTmux(t)
	ctx := context.Background()

	m := NewManager(ManagerConfig{Tmux: tm, ScriptDir: t.TempDir()})
	defer m.CloseAll(ctx)

	if _, err := m.Create(ctx, "", "idle-test", Options{Command: []string{"sleep", "30"}}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if n := m.CleanupIdle(ctx, time.Hour); n != 0 {
		t.Errorf("CleanupIdle(1h) closed %d sessions, want 0", n)
	}

	time.Sleep(20 * time.Millisecond)
	if n := m.CleanupIdle(ctx, time.Millisecond); n != 1 {
		t.Errorf("CleanupIdle(1ms) closed %d sessions, want 1", n)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d after cleanup, want 0", m.Count())
	}
}

func TestReleaseAllLeavesSessionsAlive(t *testing.T) {
	tm := requireTmux(t)
	ctx := context.Background()

	m := NewManager(ManagerConfig{Tmux: tm, ScriptDir: t.TempDir()})
	defer tm.KillSession(ctx, "release-test")

	if _, err := m.Create(ctx, "", "release-test", Options{Command: []string{"sleep", "30"}}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Daemon shutdown detaches; the tmux session must survive for the
	// next instance to re-attach.
	m.ReleaseAll()

	if m.Count() != 0 {
		t.Errorf("Count() = %d after ReleaseAll, want 0", m.Count())
	}
	if !tm.HasSession(ctx, "release-test") {
		t.Fatal("tmux session killed by ReleaseAll; it must stay alive")
	}

	sess, err := m.Create(ctx, "", "release-test", Options{})
	if err != nil {
		t.Fatalf("re-attach after ReleaseAll failed: %v", err)
	}
	if !sess.PreExisted {
		t.Error("re-attached session should report PreExisted")
	}
}

func TestOnDataRemoveStopsDelivery(t *testing.T) {
	s := bareSession(true)

	var kept, removed int
	s.OnData(func([]byte) { kept++ })
	remove := s.OnData(func([]byte) { removed++ })

	s.dispatchData([]byte("one"))
	remove()
	remove() // removing twice is harmless
	s.dispatchData([]byte("two"))
	s.dispatchData([]byte("three"))

	if kept != 3 {
		t.Errorf("kept consumer saw %d chunks, want 3", kept)
	}
	if removed != 1 {
		t.Errorf("removed consumer saw %d chunks, want 1", removed)
	}
}
