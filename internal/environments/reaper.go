package environments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/centrixsystems/centrix-ci/internal/events"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/metrics"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

const (
	// DefaultSweepInterval is how often the reaper walks environments.
	DefaultSweepInterval = time.Minute
	// DefaultDormantTTL destroys environments dormant longer than this.
	DefaultDormantTTL = 7 * 24 * time.Hour
)

// ReaperDeps carries the reaper collaborators and tuning knobs.
type ReaperDeps struct {
	Store   *store.Store
	Events  events.Publisher
	Metrics metrics.Recorder
	Logger  *slog.Logger

	Interval   time.Duration
	DormantTTL time.Duration
}

// Reaper drives the idle and dormant transitions: running environments
// go dormant after their per-row idle timeout, dormant and stale
// requested environments are destroyed after the dormant TTL.
type Reaper struct {
	store   *store.Store
	events  events.Publisher
	metrics metrics.Recorder
	logger  *slog.Logger

	interval   time.Duration
	dormantTTL time.Duration
	now        func() time.Time

	scheduler gocron.Scheduler
	ctx       context.Context
}

// NewReaper constructs a reaper. Zero values in deps fall back to defaults.
func NewReaper(d ReaperDeps) (*Reaper, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if d.Events == nil {
		d.Events = events.NoopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Interval <= 0 {
		d.Interval = DefaultSweepInterval
	}
	if d.DormantTTL <= 0 {
		d.DormantTTL = DefaultDormantTTL
	}
	return &Reaper{
		store:      d.Store,
		events:     d.Events,
		metrics:    d.Metrics,
		logger:     d.Logger,
		interval:   d.Interval,
		dormantTTL: d.DormantTTL,
		now:        time.Now,
		scheduler:  gs,
	}, nil
}

// Start registers the sweep job and begins ticking.
func (r *Reaper) Start(ctx context.Context) error {
	r.ctx = ctx
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(r.tick),
		gocron.WithName("environment-reaper"),
	)
	if err != nil {
		return fmt.Errorf("failed to create reaper job: %w", err)
	}
	r.logger.Info("Starting environment reaper",
		slog.Duration("interval", r.interval),
		slog.Duration("dormant_ttl", r.dormantTTL))
	r.scheduler.Start()
	return nil
}

// Stop gracefully shuts down the reaper.
func (r *Reaper) Stop() error {
	r.logger.Info("Stopping environment reaper")
	return r.scheduler.Shutdown()
}

func (r *Reaper) tick() {
	r.SweepOnce(r.ctx)
}

// SweepOnce runs a single pass over all transitions and refreshes the
// active-environments gauge.
func (r *Reaper) SweepOnce(ctx context.Context) {
	r.sweepIdleRunning(ctx)
	r.sweepDormant(ctx)
	r.sweepStaleRequested(ctx)
	r.refreshGauge(ctx)
}

func (r *Reaper) sweepIdleRunning(ctx context.Context) {
	envs, err := r.store.ListEnvironmentsByStatus(ctx, store.EnvStatusRunning)
	if err != nil {
		r.logger.Error("Failed to list running environments", logfields.Error(err))
		return
	}
	for _, e := range envs {
		last := e.CreateDate
		if e.LastActivity != nil {
			last = *e.LastActivity
		}
		idle := r.now().Sub(last)
		if idle <= time.Duration(e.IdleTimeoutMin)*time.Minute {
			continue
		}
		r.transition(ctx, e, store.EnvStatusDormant, "idle timeout exceeded")
	}
}

func (r *Reaper) sweepDormant(ctx context.Context) {
	envs, err := r.store.ListEnvironmentsByStatus(ctx, store.EnvStatusDormant)
	if err != nil {
		r.logger.Error("Failed to list dormant environments", logfields.Error(err))
		return
	}
	for _, e := range envs {
		if r.now().Sub(e.WriteDate) <= r.dormantTTL {
			continue
		}
		r.transition(ctx, e, store.EnvStatusDestroyed, "dormant TTL expired")
	}
}

// sweepStaleRequested ages out requests nothing ever provisioned, using
// the dormant TTL against the request time.
func (r *Reaper) sweepStaleRequested(ctx context.Context) {
	envs, err := r.store.ListEnvironmentsByStatus(ctx, store.EnvStatusRequested)
	if err != nil {
		r.logger.Error("Failed to list requested environments", logfields.Error(err))
		return
	}
	for _, e := range envs {
		last := e.CreateDate
		if e.LastActivity != nil {
			last = *e.LastActivity
		}
		if r.now().Sub(last) <= r.dormantTTL {
			continue
		}
		r.transition(ctx, e, store.EnvStatusDestroyed, "request aged out")
	}
}

func (r *Reaper) transition(ctx context.Context, e store.Environment, status, reason string) {
	if err := r.store.UpdateEnvironmentStatus(ctx, e.ID, status); err != nil {
		r.logger.Error("Failed to transition environment",
			logfields.EnvironmentID(e.ID),
			slog.String("to", status),
			logfields.Error(err))
		return
	}
	r.events.EnvironmentStatusChanged(&e, status)
	r.logger.Info("Environment transitioned",
		logfields.EnvironmentID(e.ID),
		slog.String("from", e.Status),
		slog.String("to", status),
		slog.String("reason", reason))
}

func (r *Reaper) refreshGauge(ctx context.Context) {
	n, err := r.store.CountActiveEnvironments(ctx)
	if err != nil {
		r.logger.Warn("Failed to count active environments", logfields.Error(err))
		return
	}
	r.metrics.SetActiveEnvironments(n)
}
