// Package daemon assembles and runs the orchestrator: store, forge
// client, webhook intake, build scheduler, executor, environment reaper,
// seed watcher and the HTTP API, with ordered startup and shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/centrixsystems/centrix-ci/internal/api"
	"github.com/centrixsystems/centrix-ci/internal/config"
	"github.com/centrixsystems/centrix-ci/internal/environments"
	"github.com/centrixsystems/centrix-ci/internal/events"
	"github.com/centrixsystems/centrix-ci/internal/executor"
	"github.com/centrixsystems/centrix-ci/internal/forge"
	"github.com/centrixsystems/centrix-ci/internal/git"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/metrics"
	"github.com/centrixsystems/centrix-ci/internal/scheduler"
	"github.com/centrixsystems/centrix-ci/internal/seed"
	"github.com/centrixsystems/centrix-ci/internal/store"
	"github.com/centrixsystems/centrix-ci/internal/webhook"
	"github.com/centrixsystems/centrix-ci/internal/workspace"
)

// Status is the daemon lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Daemon owns every long-lived component of the orchestrator.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	status    atomic.Value
	startTime time.Time

	store       *store.Store
	events      events.Publisher
	forge       *forge.Client
	executor    *executor.Executor
	scheduler   *scheduler.Scheduler
	reaper      *environments.Reaper
	server      *api.Server
	seeder      *seed.Seeder
	seedWatcher *seed.Watcher
}

// New wires the full component graph from configuration. Nothing runs
// yet; Start brings the components up.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{cfg: cfg, logger: logger}
	d.status.Store(StatusStopped)

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st

	pub, err := events.New(cfg.NATSURL, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect event publisher: %w", err)
	}
	d.events = pub

	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(registry)

	d.forge = forge.New(forge.Config{
		Token:  cfg.GitHubToken,
		Secret: cfg.WebhookSecret,
	}, logger)

	d.executor = executor.New(executor.Deps{
		Store:     st,
		Git:       git.NewClient(cfg.GitHubToken, logger),
		Workspace: workspace.NewManager(cfg.WorkspaceRoot),
		Forge:     d.forge,
		Events:    pub,
		Metrics:   recorder,
		Logger:    logger,
		BaseURL:   cfg.DashboardURL,
	})

	d.scheduler, err = scheduler.New(scheduler.Deps{
		Store:         st,
		Runner:        d.executor,
		Events:        pub,
		Metrics:       recorder,
		PollInterval:  cfg.PollInterval,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	if err != nil {
		pub.Close()
		st.Close()
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	d.reaper, err = environments.NewReaper(environments.ReaperDeps{
		Store:      st,
		Events:     pub,
		Metrics:    recorder,
		Logger:     logger,
		DormantTTL: cfg.DormantTTL,
	})
	if err != nil {
		pub.Close()
		st.Close()
		return nil, fmt.Errorf("create reaper: %w", err)
	}

	envService := environments.NewService(environments.Deps{
		Store:   st,
		Events:  pub,
		Metrics: recorder,
		Logger:  logger,
		Caps: environments.Caps{
			MaxRunning: cfg.MaxRunningEnvs,
			MaxPerPR:   cfg.MaxEnvsPerPR,
			MaxGlobal:  cfg.MaxEnvsGlobal,
		},
		IdleTimeoutMin: int(cfg.IdleTimeout.Minutes()),
	})

	hook := webhook.NewHandler(webhook.Deps{
		Store:          st,
		Forge:          d.forge,
		Events:         pub,
		Metrics:        recorder,
		Logger:         logger,
		DashboardURL:   cfg.DashboardURL,
		ThrottleWindow: cfg.ThrottleWindow,
	})

	d.server = api.NewServer(api.Deps{
		Store:        st,
		Webhook:      hook,
		Environments: envService,
		Events:       pub,
		Metrics:      recorder,
		MetricsPage:  metrics.HTTPHandler(registry),
		Logger:       logger,
		Addr:         fmt.Sprintf(":%d", cfg.Port),
	})

	if cfg.ProjectsFile != "" {
		d.seeder = seed.New(st, logger)
		d.seedWatcher, err = seed.NewWatcher(cfg.ProjectsFile, d.seeder, logger)
		if err != nil {
			pub.Close()
			st.Close()
			return nil, fmt.Errorf("create seed watcher: %w", err)
		}
	}

	return d, nil
}

// Start brings all components up and blocks until ctx is cancelled or
// the HTTP listener fails. The caller runs Stop afterwards.
func (d *Daemon) Start(ctx context.Context) error {
	if d.GetStatus() != StatusStopped {
		return fmt.Errorf("daemon is not in stopped state: %s", d.GetStatus())
	}
	d.status.Store(StatusStarting)
	d.startTime = time.Now()
	d.logger.Info("Starting CI orchestrator")

	if err := d.store.Ping(ctx); err != nil {
		d.status.Store(StatusError)
		return fmt.Errorf("store unreachable: %w", err)
	}

	if d.seeder != nil {
		created, err := d.seeder.ApplyFile(ctx, d.cfg.ProjectsFile)
		if err != nil {
			d.logger.Error("Initial seed apply failed", logfields.Error(err))
		} else if created > 0 {
			d.logger.Info("Seeded projects at startup", logfields.Count(created))
		}
		if err := d.seedWatcher.Start(ctx); err != nil {
			d.logger.Error("Failed to start seed watcher", logfields.Error(err))
		}
	}

	if err := d.scheduler.Start(ctx); err != nil {
		d.status.Store(StatusError)
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := d.reaper.Start(ctx); err != nil {
		d.status.Store(StatusError)
		return fmt.Errorf("start reaper: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- d.server.Start()
	}()

	d.status.Store(StatusRunning)
	d.logger.Info("CI orchestrator running",
		slog.Int("port", d.cfg.Port),
		slog.Int("max_concurrent", d.cfg.MaxConcurrent),
		slog.Duration("poll_interval", d.cfg.PollInterval))

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		d.status.Store(StatusError)
		return fmt.Errorf("http server: %w", err)
	}
}

// Stop shuts components down in reverse start order. Component failures
// are logged, not propagated; the daemon always ends stopped.
func (d *Daemon) Stop(ctx context.Context) error {
	status := d.GetStatus()
	if status == StatusStopped || status == StatusStopping {
		return nil
	}
	d.status.Store(StatusStopping)
	d.logger.Info("Stopping CI orchestrator")

	if d.seedWatcher != nil {
		d.seedWatcher.Stop()
	}
	if err := d.scheduler.Stop(); err != nil {
		d.logger.Error("Failed to stop scheduler", logfields.Error(err))
	}
	if err := d.reaper.Stop(); err != nil {
		d.logger.Error("Failed to stop reaper", logfields.Error(err))
	}
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Error("Failed to stop HTTP server", logfields.Error(err))
	}
	d.events.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Error("Failed to close store", logfields.Error(err))
	}

	d.status.Store(StatusStopped)
	d.logger.Info("CI orchestrator stopped",
		slog.Duration("uptime", time.Since(d.startTime)))
	return nil
}

// GetStatus returns the daemon lifecycle state.
func (d *Daemon) GetStatus() Status {
	status, ok := d.status.Load().(Status)
	if !ok {
		return StatusError
	}
	return status
}
