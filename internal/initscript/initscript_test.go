package initscript

import (
	"strings"
	"testing"
)

func TestBuild_ExportsSessionIdentity(t *testing.T) {
	script, err := Build(Config{SessionName: "demo"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := `export AGENT_SESSION_NAME="demo"`
	if !strings.Contains(script, want) {
		t.Fatalf("script missing identity export %q:\n%s", want, script)
	}
	if !strings.Contains(script, ReadySentinel) {
		t.Fatalf("script missing ready sentinel:\n%s", script)
	}
	if !strings.Contains(script, "exec /bin/bash") {
		t.Fatalf("script does not exec into default shell:\n%s", script)
	}
}

func TestBuild_RequiresSessionName(t *testing.T) {
	if _, err := Build(Config{SessionName: "   "}); err == nil {
		t.Fatal("expected error for blank session name")
	}
}

func TestBuild_DropsBlankEnvValues(t *testing.T) {
	script, err := Build(Config{
		SessionName: "demo",
		Env: map[string]string{
			"KEEP_ME":  "value",
			"EMPTY":    "",
			"SPACES":   "   ",
			"TAB_ONLY": "\t",
		},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(script, `export KEEP_ME="value"`) {
		t.Fatalf("script missing KEEP_ME export:\n%s", script)
	}
	for _, name := range []string{"EMPTY", "SPACES", "TAB_ONLY"} {
		if strings.Contains(script, "export "+name) {
			t.Fatalf("blank variable %s should be dropped:\n%s", name, script)
		}
	}
}

func TestBuild_EnvExportAppearsExactlyOnce(t *testing.T) {
	script, err := Build(Config{
		SessionName: "demo",
		Env:         map[string]string{"TOKEN": "abc123"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := strings.Count(script, `export TOKEN="abc123"`); got != 1 {
		t.Fatalf("TOKEN export count = %d, want 1:\n%s", got, script)
	}
}

func TestBuild_StartupPromptWiredToAssistant(t *testing.T) {
	script, err := Build(Config{
		SessionName:   "plan-1",
		StartupPrompt: "Gather requirements for the login feature.",
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(script, "/tmp/plan-1-prompt.md") {
		t.Fatalf("prompt side file missing:\n%s", script)
	}
	if !strings.Contains(script, "Gather requirements for the login feature.") {
		t.Fatalf("prompt text missing:\n%s", script)
	}
	if !strings.Contains(script, "claude ") {
		t.Fatalf("assistant invocation missing:\n%s", script)
	}
	// The prompt run must happen before the exec line.
	execIdx := strings.Index(script, "exec /bin/bash")
	promptIdx := strings.Index(script, "claude ")
	if promptIdx > execIdx {
		t.Fatalf("assistant invocation must precede shell exec:\n%s", script)
	}
}

func TestBuild_CustomShellAndProject(t *testing.T) {
	script, err := Build(Config{
		SessionName: "demo",
		ProjectName: "billing",
		Shell:       "/usr/bin/zsh",
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(script, "exec /usr/bin/zsh") {
		t.Fatalf("custom shell not used:\n%s", script)
	}
	if !strings.Contains(script, `export AGENT_PROJECT_NAME="billing"`) {
		t.Fatalf("project name export missing:\n%s", script)
	}
}

func TestEscapeDoubleQuoted(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, `plain`},
		{`has "quotes"`, `has \"quotes\"`},
		{`dollar $HOME`, `dollar \$HOME`},
		{"back`tick", "back\\`tick"},
		{`back\slash`, `back\\slash`},
		{`all "$\` + "`", `all \"\$\\\` + "`"},
	}
	for _, tc := range tests {
		if got := EscapeDoubleQuoted(tc.in); got != tc.want {
			t.Errorf("EscapeDoubleQuoted(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEscapeDoubleQuoted_RoundTripsInScript(t *testing.T) {
	// Each special character must survive embedding exactly once.
	for _, value := range []string{`a"b`, `a$b`, "a`b", `a\b`} {
		script, err := Build(Config{
			SessionName: "demo",
			Env:         map[string]string{"VAL": value},
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		want := `export VAL="` + EscapeDoubleQuoted(value) + `"`
		if strings.Count(script, want) != 1 {
			t.Errorf("value %q not embedded exactly once as %q:\n%s", value, want, script)
		}
	}
}

func TestBuild_PromptExpandsPreviousPS1(t *testing.T) {
	script, err := Build(Config{SessionName: "s1", ProjectName: "shop"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(script, `export PS1="[shop] $PS1"`) {
		t.Errorf("PS1 export should append the previous prompt:\n%s", script)
	}
	if strings.Contains(script, `\$PS1`) {
		t.Errorf("escaped \\$PS1 renders a literal dollar sign in the prompt:\n%s", script)
	}
}

func TestBuild_SentinelFollowsStartupPrompt(t *testing.T) {
	script, err := Build(Config{
		SessionName:      "s1",
		AssistantCommand: "assistant",
		StartupPrompt:    "plan the work",
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	assistantAt := strings.Index(script, "assistant \"$(cat")
	sentinelAt := strings.Index(script, ReadySentinel)
	if assistantAt < 0 || sentinelAt < 0 {
		t.Fatalf("script missing assistant call or sentinel:\n%s", script)
	}
	// Readiness must not be signalled while the assistant is still
	// consuming the seeded prompt.
	if sentinelAt < assistantAt {
		t.Errorf("sentinel echoed before the assistant invocation:\n%s", script)
	}
}
