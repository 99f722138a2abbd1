// Package agents detects coding-agent CLIs that can execute runq tasks.
package agents

import (
	"errors"
	"os/exec"
	"strings"
)

// ErrNoAgent is returned by Detect when no known CLI is on PATH.
var ErrNoAgent = errors.New("no coding agent CLI found on PATH (tried claude, codex, gemini, aider)")

// Agent represents an installed agent CLI.
type Agent struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Version string   `json:"version,omitempty"`
	Args    []string `json:"args"` // arguments placed before the prompt
}

type known struct {
	id, name, binary string
	args             []string
}

// knownAgents in detection preference order.
var knownAgents = []known{
	{"claude", "Claude Code", "claude", []string{"-p"}},
	{"codex", "Codex CLI", "codex", []string{"exec"}},
	{"gemini", "Gemini CLI", "gemini", []string{"-p"}},
	{"aider", "Aider", "aider", []string{"--yes", "--message"}},
}

// Scan returns every known agent CLI found on PATH.
func Scan() []Agent {
	var found []Agent
	for _, k := range knownAgents {
		path, err := exec.LookPath(k.binary)
		if err != nil {
			continue
		}
		found = append(found, Agent{
			ID:      k.id,
			Name:    k.name,
			Path:    path,
			Version: getCommandVersion(path, "--version"),
			Args:    append([]string(nil), k.args...),
		})
	}
	return found
}

// Detect returns the preferred installed agent.
func Detect() (Agent, error) {
	for _, k := range knownAgents {
		path, err := exec.LookPath(k.binary)
		if err != nil {
			continue
		}
		return Agent{
			ID:   k.id,
			Name: k.name,
			Path: path,
			Args: append([]string(nil), k.args...),
		}, nil
	}
	return Agent{}, ErrNoAgent
}

// DefaultArgs returns the non-interactive prompt arguments for a known CLI
// binary name, or nil.
func DefaultArgs(binary string) []string {
	for _, k := range knownAgents {
		if k.binary == binary {
			return append([]string(nil), k.args...)
		}
	}
	return nil
}

func getCommandVersion(cmd string, flag string) string {
	out, err := exec.Command(cmd, flag).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Take first line only
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	// Limit length
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
