// Package scheduler runs the poller that claims queued tasks and hands them
// to an executor, one at a time per runner.
package scheduler

import (
	"time"

	"github.com/fentz26/runq/internal/queue"
)

// Config defines the poller configuration.
type Config struct {
	// Interval between polls. The first poll runs immediately on Start.
	Interval time.Duration
	// StaleAfter is the age at which RUNNING tasks are recovered on Start.
	StaleAfter time.Duration
	// RunnerID identifies this poller; generated when empty.
	RunnerID string
	// ProjectRoot is recorded on the runner heartbeat.
	ProjectRoot string
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:   time.Second,
		StaleAfter: queue.DefaultStaleAge,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	def := DefaultConfig()
	if out.Interval <= 0 {
		out.Interval = def.Interval
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = def.StaleAfter
	}
	if out.RunnerID == "" {
		out.RunnerID = NewRunnerID()
	}
	return out
}
