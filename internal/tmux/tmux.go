// Package tmux provides a typed interface to the tmux control surface used
// for persistent terminal sessions. Only the subcommands the session layer
// needs are exposed: existence probes, detached session creation, option
// configuration, scrollback capture, key injection, and teardown. The
// multiplexer itself is an external collaborator and is never reimplemented
// here.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Client runs tmux subcommands against a single tmux server. An empty
// SocketPath targets the user's default server; a non-empty path isolates
// all sessions on a dedicated socket, which tests rely on.
type Client struct {
	SocketPath string
}

// NewClient returns a Client for the given socket path. Pass "" for the
// default tmux server.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// args prepends the socket flag when a dedicated socket is configured.
func (c *Client) args(sub ...string) []string {
	if c.SocketPath == "" {
		return sub
	}
	return append([]string{"-S", c.SocketPath}, sub...)
}

// Run executes an arbitrary tmux subcommand and returns its combined output.
// This is the escape hatch for subcommands without a dedicated method.
func (c *Client) Run(ctx context.Context, sub ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", c.args(sub...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(sub, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// HasSession reports whether a session with the given name exists. A
// non-running server counts as "no session", not an error.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, "tmux", c.args("has-session", "-t", name)...)
	return cmd.Run() == nil
}

// NewSession creates a detached session running the given command. An empty
// command starts the default shell.
func (c *Client) NewSession(ctx context.Context, name, workDir string, command ...string) error {
	sub := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		sub = append(sub, "-c", workDir)
	}
	sub = append(sub, command...)
	cmd := exec.CommandContext(ctx, "tmux", c.args(sub...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %q: %w (%s)",
			name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// KillSession terminates a session. A session that is already gone, or a
// server that is not running, is a normal cleanup condition and returns nil.
func (c *Client) KillSession(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "tmux", c.args("kill-session", "-t", name)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if strings.Contains(trimmed, "can't find session") ||
			strings.Contains(trimmed, "no server running") {
			return nil
		}
		return fmt.Errorf("tmux kill-session %q: %w (%s)", name, err, trimmed)
	}
	return nil
}

// SetOption sets a session option, or a global one when name is empty.
func (c *Client) SetOption(ctx context.Context, name, key, value string) error {
	var sub []string
	if name == "" {
		sub = []string{"set-option", "-g", key, value}
	} else {
		sub = []string{"set-option", "-t", name, key, value}
	}
	cmd := exec.CommandContext(ctx, "tmux", c.args(sub...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux set-option %q=%q: %w (%s)",
			key, value, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// CapturePane captures the scrollback and visible content of the session's
// active pane, limited to the last maxLines lines (0 for no limit).
func (c *Client) CapturePane(ctx context.Context, name string, maxLines int) (string, error) {
	output, err := c.Run(ctx, "capture-pane", "-t", name, "-p", "-S", "-", "-E", "-")
	if err != nil {
		return "", err
	}
	if maxLines <= 0 {
		return output, nil
	}
	return tailLines(output, maxLines), nil
}

// SendKeys injects literal keys into the session's active pane.
func (c *Client) SendKeys(ctx context.Context, name string, keys ...string) error {
	sub := append([]string{"send-keys", "-t", name}, keys...)
	cmd := exec.CommandContext(ctx, "tmux", c.args(sub...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys %q: %w (%s)",
			name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// AttachCommand returns an un-started exec.Cmd that attaches to the named
// session. The caller wires it to a pty before starting.
func (c *Client) AttachCommand(name string) *exec.Cmd {
	return exec.Command("tmux", c.args("attach-session", "-t", name)...)
}

// tailLines returns the last n lines of s, tail -n style: a trailing
// newline terminates the final line rather than starting a new one.
func tailLines(s string, n int) string {
	if len(s) == 0 {
		return s
	}
	searchFrom := len(s) - 1
	if s[searchFrom] == '\n' {
		searchFrom--
	}
	count := 0
	for i := searchFrom; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1:]
			}
		}
	}
	return s
}
