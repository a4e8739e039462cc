// Package initscript renders the one-shot bootstrap script that a freshly
// created terminal session runs before handing control to the interactive
// shell. The builder is a pure string transform with no side effects, which
// keeps it trivially testable.
package initscript

import (
	"fmt"
	"sort"
	"strings"
)

// SessionEnvVar is the identity variable exported into every session.
// Downstream hooks read it to associate shell activity with the session.
const SessionEnvVar = "AGENT_SESSION_NAME"

// ReadySentinel is echoed by the bootstrap once setup has completed. The
// session layer watches the output stream for this marker to declare the
// session ready instead of guessing with a timer.
const ReadySentinel = "__AGENT_SESSION_READY__"

// DefaultHistorySize is the shell history size configured by the bootstrap.
const DefaultHistorySize = 10000

// Config describes one bootstrap script.
type Config struct {
	// SessionName is the multiplexer session name, exported as the
	// session identity variable.
	SessionName string
	// ProjectName is a human-readable label shown in the prompt.
	ProjectName string
	// Shell is the interactive shell to exec into. Defaults to /bin/bash.
	Shell string
	// Env holds extra variables to export. Blank or whitespace-only
	// values are dropped rather than exported.
	Env map[string]string
	// AssistantCommand is the assistant binary invoked for a pre-seeded
	// prompt. Defaults to "claude".
	AssistantCommand string
	// StartupPrompt, when non-empty, is written to a side file and fed to
	// the assistant non-interactively before the shell starts. Used for
	// planning kickoffs and pre-seeded issue plans.
	StartupPrompt string
	// HistorySize overrides DefaultHistorySize when positive.
	HistorySize int
}

// Build renders the bootstrap script for cfg. The output is self-contained:
// it exports identity and custom variables, configures history, optionally
// feeds a startup prompt to the assistant, emits the ready sentinel, and
// execs into the interactive shell.
func Build(cfg Config) (string, error) {
	if strings.TrimSpace(cfg.SessionName) == "" {
		return "", fmt.Errorf("initscript: session name is required")
	}

	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	assistant := cfg.AssistantCommand
	if assistant == "" {
		assistant = "claude"
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "export %s=\"%s\"\n", SessionEnvVar, EscapeDoubleQuoted(cfg.SessionName))
	if strings.TrimSpace(cfg.ProjectName) != "" {
		fmt.Fprintf(&b, "export AGENT_PROJECT_NAME=\"%s\"\n", EscapeDoubleQuoted(cfg.ProjectName))
	}

	for _, key := range sortedKeys(cfg.Env) {
		value := cfg.Env[key]
		if strings.TrimSpace(value) == "" {
			continue
		}
		fmt.Fprintf(&b, "export %s=\"%s\"\n", key, EscapeDoubleQuoted(value))
	}

	fmt.Fprintf(&b, "export HISTSIZE=%d\n", historySize)
	fmt.Fprintf(&b, "export HISTFILESIZE=%d\n", historySize)
	if strings.TrimSpace(cfg.ProjectName) != "" {
		// $PS1 stays unescaped: the previous prompt is appended, not the
		// literal variable name.
		fmt.Fprintf(&b, "export PS1=\"[%s] $PS1\"\n", EscapeDoubleQuoted(cfg.ProjectName))
	}

	if strings.TrimSpace(cfg.StartupPrompt) != "" {
		promptPath := fmt.Sprintf("/tmp/%s-prompt.md", cfg.SessionName)
		fmt.Fprintf(&b, "cat > \"%s\" <<'AGENT_PROMPT_EOF'\n", EscapeDoubleQuoted(promptPath))
		b.WriteString(cfg.StartupPrompt)
		if !strings.HasSuffix(cfg.StartupPrompt, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("AGENT_PROMPT_EOF\n")
		fmt.Fprintf(&b, "%s \"$(cat \"%s\")\"\n", assistant, EscapeDoubleQuoted(promptPath))
	}

	// The sentinel follows the assistant invocation: a prompt-seeded
	// session is not ready while the assistant is still working.
	fmt.Fprintf(&b, "echo '%s'\n", ReadySentinel)
	fmt.Fprintf(&b, "exec %s\n", shell)
	return b.String(), nil
}

// EscapeDoubleQuoted escapes a value for embedding inside a double-quoted
// shell string. Backslash, double quote, dollar, and backtick are the four
// characters the shell interprets there.
func EscapeDoubleQuoted(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\', '"', '$', '`':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sortedKeys returns map keys in a stable order so the rendered script is
// deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
