package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fentz26/runq/internal/agents"
	"github.com/fentz26/runq/internal/audit"
	"github.com/fentz26/runq/internal/config"
	"github.com/fentz26/runq/internal/connectors/localexec"
	"github.com/fentz26/runq/internal/controlplane"
	"github.com/fentz26/runq/internal/executor"
	"github.com/fentz26/runq/internal/filestore"
	"github.com/fentz26/runq/internal/logger"
	"github.com/fentz26/runq/internal/memstore"
	"github.com/fentz26/runq/internal/metrics"
	"github.com/fentz26/runq/internal/queue"
	"github.com/fentz26/runq/internal/scheduler"
	"github.com/fentz26/runq/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the wait for the in-flight task and HTTP drain.
const shutdownTimeout = 30 * time.Second

var daemonFlags struct {
	listen    string
	backend   string
	namespace string
	stateDir  string
	executor  string
	logLevel  string
	noPoller  bool
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the runq daemon",
	Long: `Starts the runq daemon: the HTTP API plus a poller that claims queued
tasks and runs them through the configured agent CLI.`,
	RunE: runDaemon,
}

func init() {
	f := daemonCmd.Flags()
	f.StringVar(&daemonFlags.listen, "listen", "", "Listen address for the API server (default from config)")
	f.StringVar(&daemonFlags.backend, "backend", "", "Queue backend: sqlite, file or memory")
	f.StringVar(&daemonFlags.namespace, "namespace", "", "Namespace this daemon serves")
	f.StringVar(&daemonFlags.stateDir, "state-dir", "", "Directory holding the queue state")
	f.StringVar(&daemonFlags.executor, "executor", "", "Agent command to run tasks with (detected when empty)")
	f.StringVar(&daemonFlags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.BoolVar(&daemonFlags.noPoller, "no-poller", false, "Serve the API only, without claiming tasks")
}

func loadDaemonConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if daemonFlags.listen != "" {
		cfg.Listen = daemonFlags.listen
	}
	if daemonFlags.backend != "" {
		cfg.Backend = config.Backend(daemonFlags.backend)
	}
	if daemonFlags.namespace != "" {
		cfg.Namespace = daemonFlags.namespace
	}
	if daemonFlags.stateDir != "" {
		cfg.StateDir = daemonFlags.stateDir
	}
	if daemonFlags.executor != "" {
		cfg.Executor.Command = daemonFlags.executor
	}
	if daemonFlags.logLevel != "" {
		cfg.LogLevel = daemonFlags.logLevel
	}
	return cfg, cfg.Validate()
}

// openBackend returns the backend selected by cfg and, for sqlite, the store
// as the audit sink.
func openBackend(cfg config.Config) (queue.Backend, audit.Sink, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := store.New(filepath.Join(cfg.StateDir, "runq.db"), cfg.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendFile:
		s, err := filestore.New(cfg.StateDir, cfg.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.BackendMemory:
		return memstore.New(cfg.Namespace), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// newAgentExecutor resolves the agent command and wraps it in the limits
// enforcing executor.
func newAgentExecutor(cfg config.Config, log *slog.Logger) (*executor.Agent, error) {
	workDir := cfg.Executor.WorkDir
	if workDir == "" {
		workDir = cfg.Poller.ProjectRoot
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	command, args := cfg.Executor.Command, cfg.Executor.Args
	if command == "" {
		agent, err := agents.Detect()
		if err != nil {
			return nil, err
		}
		log.Info("detected agent", "agent", agent.Name, "path", agent.Path, "version", agent.Version)
		command, args = agent.Path, agent.Args
	} else if len(args) == 0 {
		args = agents.DefaultArgs(filepath.Base(command))
	}

	conn := localexec.New(workDir)
	conn.Allow(command)

	l, p := cfg.Limits.Limits()
	return executor.New(conn, executor.Config{
		Command:  command,
		Args:     args,
		Limits:   l,
		Parallel: p,
	}, log)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}
	log := logger.Init(cfg.LogLevel, logger.Format(cfg.LogFormat))
	log.Info("starting runq daemon",
		"version", version,
		"backend", cfg.Backend,
		"namespace", cfg.Namespace,
		"state_dir", cfg.StateDir,
	)

	backend, sink, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	q := queue.New(backend, queue.Options{
		Logger:           log,
		HeartbeatTimeout: cfg.Poller.HeartbeatTimeout(),
	})
	defer func() {
		log.Info("closing queue backend")
		if err := q.Close(); err != nil {
			log.Error("backend close error", "error", err)
		}
	}()

	pdr := audit.NewRecorder(sink, log)
	service := controlplane.NewService(q, pdr)
	server := controlplane.NewServer(service, cfg.Listen, version)

	var poller *scheduler.Poller
	if !daemonFlags.noPoller {
		agent, err := newAgentExecutor(cfg, log)
		if err != nil {
			return err
		}
		poller = scheduler.New(q, agent.Executor(), &scheduler.Config{
			Interval:    cfg.Poller.Interval(),
			StaleAfter:  cfg.Poller.StaleAfter(),
			ProjectRoot: cfg.Poller.ProjectRoot,
		}, scheduler.Options{Logger: log, Recorder: pdr})
		collector := metrics.New(prometheus.DefaultRegisterer)
		poller.Subscribe(collector.Observe)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("API server listening", "addr", cfg.Listen)
		return server.Start()
	})
	if poller != nil {
		if err := poller.Start(gctx); err != nil {
			return err
		}
		log.Info("poller running", "runner_id", poller.RunnerID())
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if poller != nil {
			if err := poller.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop poller: %w", err))
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		return errors.Join(errs...)
	})

	// Start returns nil once Shutdown closes the listener, so a bind failure
	// is the only server error that cancels gctx.
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
