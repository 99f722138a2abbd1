// Package config loads runq settings from ~/.runq/config.yaml and RUNQ_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/runq/internal/limits"
	"gopkg.in/yaml.v3"
)

// Backend names a queue storage implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
)

const DefaultListen = "127.0.0.1:7466"

type PollerConfig struct {
	IntervalMS         int    `yaml:"interval_ms"`
	StaleAfterMS       int    `yaml:"stale_after_ms"`
	HeartbeatTimeoutMS int    `yaml:"heartbeat_timeout_ms"`
	ProjectRoot        string `yaml:"project_root"`
}

func (p PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

func (p PollerConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterMS) * time.Millisecond
}

func (p PollerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(p.HeartbeatTimeoutMS) * time.Millisecond
}

type LimitsConfig struct {
	MaxFiles      int                  `yaml:"max_files"`
	MaxTests      int                  `yaml:"max_tests"`
	MaxSeconds    int                  `yaml:"max_seconds"`
	FileCountMode limits.FileCountMode `yaml:"file_count_mode"`
	Subagents     int                  `yaml:"subagents"`
	Executors     int                  `yaml:"executors"`
}

// Limits splits the section into the two limits.Manager inputs.
func (l LimitsConfig) Limits() (limits.Limits, limits.ParallelLimits) {
	return limits.Limits{
			MaxFiles:      l.MaxFiles,
			MaxTests:      l.MaxTests,
			MaxSeconds:    l.MaxSeconds,
			FileCountMode: l.FileCountMode,
		}, limits.ParallelLimits{
			Subagents: l.Subagents,
			Executors: l.Executors,
		}
}

// ExecutorConfig selects the agent CLI that runs claimed tasks. An empty
// Command means auto-detect; empty Args means the known CLI's defaults.
type ExecutorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
}

type Config struct {
	Namespace string         `yaml:"namespace"`
	Backend   Backend        `yaml:"backend"`
	StateDir  string         `yaml:"state_dir"`
	Listen    string         `yaml:"listen"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Poller    PollerConfig   `yaml:"poller"`
	Limits    LimitsConfig   `yaml:"limits"`
	Executor  ExecutorConfig `yaml:"executor"`
}

// Default returns the built-in configuration.
func Default() Config {
	l, p := limits.DefaultLimits(), limits.DefaultParallelLimits()
	return Config{
		Namespace: "default",
		Backend:   BackendSQLite,
		StateDir:  HomeDir(),
		Listen:    DefaultListen,
		LogLevel:  "info",
		LogFormat: "text",
		Poller: PollerConfig{
			IntervalMS:         1000,
			StaleAfterMS:       int((5 * time.Minute).Milliseconds()),
			HeartbeatTimeoutMS: int((120 * time.Second).Milliseconds()),
		},
		Limits: LimitsConfig{
			MaxFiles:      l.MaxFiles,
			MaxTests:      l.MaxTests,
			MaxSeconds:    l.MaxSeconds,
			FileCountMode: l.FileCountMode,
			Subagents:     p.Subagents,
			Executors:     p.Executors,
		},
	}
}

// HomeDir is $RUNQ_HOME, or ~/.runq.
func HomeDir() string {
	if override := os.Getenv("RUNQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".runq")
}

// DefaultPath returns the config file location.
func DefaultPath() string {
	return filepath.Join(HomeDir(), "config.yaml")
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error. An empty path means DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.StateDir = expandHome(cfg.StateDir)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects unknown enums, non-positive intervals and out-of-range
// limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("namespace must not be empty")
	}
	switch c.Backend {
	case BackendSQLite, BackendFile, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (want sqlite, file or memory)", c.Backend)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want text or json)", c.LogFormat)
	}
	if c.Poller.IntervalMS <= 0 {
		return fmt.Errorf("poller.interval_ms must be positive, got %d", c.Poller.IntervalMS)
	}
	if c.Poller.StaleAfterMS <= 0 {
		return fmt.Errorf("poller.stale_after_ms must be positive, got %d", c.Poller.StaleAfterMS)
	}
	if c.Poller.HeartbeatTimeoutMS <= 0 {
		return fmt.Errorf("poller.heartbeat_timeout_ms must be positive, got %d", c.Poller.HeartbeatTimeoutMS)
	}
	l, p := c.Limits.Limits()
	if err := l.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("RUNQ_NAMESPACE"); raw != "" {
		cfg.Namespace = raw
	}
	if raw := os.Getenv("RUNQ_BACKEND"); raw != "" {
		cfg.Backend = Backend(strings.ToLower(raw))
	}
	if raw := os.Getenv("RUNQ_STATE_DIR"); raw != "" {
		cfg.StateDir = raw
	}
	if raw := os.Getenv("RUNQ_LISTEN"); raw != "" {
		cfg.Listen = raw
	}
	if raw := os.Getenv("RUNQ_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RUNQ_LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if raw := os.Getenv("RUNQ_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Poller.IntervalMS = v
		}
	}
	if raw := os.Getenv("RUNQ_PROJECT_ROOT"); raw != "" {
		cfg.Poller.ProjectRoot = raw
	}
	if raw := os.Getenv("RUNQ_EXECUTOR"); raw != "" {
		cfg.Executor.Command = raw
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
