package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/runq/internal/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Setenv("RUNQ_HOME", t.TempDir())
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, time.Second, cfg.Poller.Interval())
	assert.Equal(t, 5*time.Minute, cfg.Poller.StaleAfter())
	assert.Equal(t, 120*time.Second, cfg.Poller.HeartbeatTimeout())
	assert.Empty(t, cfg.Executor.Args)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RUNQ_HOME", home)

	cfg, err := Load(filepath.Join(home, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, home, cfg.StateDir)
	assert.Equal(t, 5, cfg.Limits.MaxFiles)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Setenv("RUNQ_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
namespace: builds
backend: file
poller:
  interval_ms: 250
limits:
  max_files: 12
  file_count_mode: distinct_paths
executor:
  command: codex
  args: ["exec"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "builds", cfg.Namespace)
	assert.Equal(t, BackendFile, cfg.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Poller.Interval())
	// Unset keys keep their defaults.
	assert.Equal(t, 300000, cfg.Poller.StaleAfterMS)
	assert.Equal(t, 12, cfg.Limits.MaxFiles)
	assert.Equal(t, 10, cfg.Limits.MaxTests)
	assert.Equal(t, limits.CountDistinctPaths, cfg.Limits.FileCountMode)
	assert.Equal(t, "codex", cfg.Executor.Command)
	assert.Equal(t, []string{"exec"}, cfg.Executor.Args)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("RUNQ_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: fromfile\nlisten: 127.0.0.1:9000\n"), 0o644))

	t.Setenv("RUNQ_NAMESPACE", "fromenv")
	t.Setenv("RUNQ_BACKEND", "MEMORY")
	t.Setenv("RUNQ_POLL_INTERVAL_MS", "50")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.Namespace)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 50, cfg.Poller.IntervalMS)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("RUNQ_HOME", t.TempDir())
	tests := []struct {
		name string
		yaml string
	}{
		{"backend", "backend: postgres\n"},
		{"interval", "poller:\n  interval_ms: 0\n"},
		{"max files", "limits:\n  max_files: 21\n"},
		{"executors", "limits:\n  executors: 5\n"},
		{"count mode", "limits:\n  file_count_mode: bytes\n"},
		{"log format", "log_format: xml\n"},
		{"syntax", "namespace: [unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLimitsOutOfRangeIsValidationError(t *testing.T) {
	cfg := Default()
	cfg.Limits.MaxSeconds = 10

	err := cfg.Validate()
	var verr *limits.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "max_seconds", verr.Field)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("RUNQ_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Namespace = "saved"
	cfg.Executor.Command = "aider"
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "state"), expandHome("~/state"))
	assert.Equal(t, "/var/lib/runq", expandHome("/var/lib/runq"))
}
