package localexec

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestIsAllowed(t *testing.T) {
	exec := New("")

	tests := []struct {
		cmd     string
		args    []string
		allowed bool
	}{
		{"claude", []string{"-p", "fix the tests"}, true},
		{"/usr/local/bin/codex", []string{"exec", "do it"}, true},
		{"aider", nil, true},
		{"git", []string{"status"}, true},
		{"git", []string{"diff", "--name-only"}, true},
		{"git", []string{"push"}, false},    // not in allowlist
		{"rm", []string{"-rf", "/"}, false}, // not in allowlist
		{"git", []string{}, false},          // no subcommand
		{"unknown", []string{"cmd"}, false}, // unknown command
	}

	for _, tt := range tests {
		t.Run(tt.cmd+" "+strings.Join(tt.args, " "), func(t *testing.T) {
			got := exec.IsAllowed(tt.cmd, tt.args)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%s, %v) = %v, want %v", tt.cmd, tt.args, got, tt.allowed)
			}
		})
	}
}

func TestAllow(t *testing.T) {
	exec := New("")

	exec.Allow("go", "test")
	if !exec.IsAllowed("go", []string{"test", "./..."}) {
		t.Error("Expected go test to be allowed")
	}
	if exec.IsAllowed("go", []string{"run", "."}) {
		t.Error("Expected go run to stay blocked")
	}

	exec.Allow("/opt/bin/my-agent")
	if !exec.IsAllowed("my-agent", []string{"anything"}) {
		t.Error("Expected my-agent to be allowed with any args")
	}
}

func TestExecute_NotAllowed(t *testing.T) {
	exec := New("")

	ctx := context.Background()
	_, err := exec.Execute(ctx, "rm", []string{"-rf", "/"}, "")

	if err == nil {
		t.Error("Expected error for non-allowed command")
	}
}

func TestExecute_StdinAndExitCode(t *testing.T) {
	sh := lookSh(t)
	l := New(t.TempDir())
	l.Allow(sh)

	result, err := l.Execute(context.Background(), sh, []string{"-c", "cat; echo oops >&2; exit 3"}, "hello")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if result.Stdout != "hello" {
		t.Errorf("Expected stdin echoed to stdout, got %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("Expected stderr captured, got %q", result.Stderr)
	}
}

func TestExecute_WorkDir(t *testing.T) {
	sh := lookSh(t)
	dir := t.TempDir()
	l := New(dir)
	l.Allow(sh)

	result, err := l.Execute(context.Background(), sh, []string{"-c", "pwd"}, "")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(result.Stdout), dir) {
		t.Errorf("Expected command to run in %s, got %q", dir, result.Stdout)
	}
}

func TestExecute_ContextTimeout(t *testing.T) {
	sh := lookSh(t)
	l := New("")
	l.Allow(sh)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.Execute(ctx, sh, []string{"-c", "exec sleep 5"}, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestName(t *testing.T) {
	exec := New("")
	if exec.Name() != "localexec" {
		t.Errorf("Expected name 'localexec', got %s", exec.Name())
	}
}

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}
