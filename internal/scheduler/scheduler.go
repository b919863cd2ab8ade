// Package scheduler polls the store for pending builds on a fixed
// interval and hands each claimed build to a runner. Admission is
// bounded by the running-build count, so overlapping poll ticks never
// push the system past the configured concurrency cap.
package scheduler

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
	// DefaultPollInterval is how often the scheduler looks for pending builds.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxConcurrent caps how many builds may be running at once.
	DefaultMaxConcurrent = 1
)

// Runner executes a single claimed build to completion.
type Runner interface {
	Run(ctx context.Context, build *store.Build) error
}

// Deps carries the scheduler's collaborators and tuning knobs.
type Deps struct {
	Store   *store.Store
	Runner  Runner
	Events  events.Publisher
	Metrics metrics.Recorder

	PollInterval  time.Duration
	MaxConcurrent int
}

// Scheduler wraps a gocron scheduler that admits pending builds.
type Scheduler struct {
	store   *store.Store
	runner  Runner
	events  events.Publisher
	metrics metrics.Recorder

	interval      time.Duration
	maxConcurrent int

	scheduler gocron.Scheduler
	ctx       context.Context
}

// New creates a scheduler. Zero values in Deps fall back to defaults.
func New(d Deps) (*Scheduler, error) {
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
	if d.PollInterval <= 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = DefaultMaxConcurrent
	}

	return &Scheduler{
		store:         d.Store,
		runner:        d.Runner,
		events:        d.Events,
		metrics:       d.Metrics,
		interval:      d.PollInterval,
		maxConcurrent: d.MaxConcurrent,
		scheduler:     gs,
	}, nil
}

// Start registers the polling job and begins ticking. The context is
// held for the lifetime of the scheduler and passed to every build run,
// so cancelling it interrupts in-flight steps during shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.tick),
		gocron.WithName("build-poll"),
	)
	if err != nil {
		return fmt.Errorf("failed to create poll job: %w", err)
	}

	slog.Info("Starting build scheduler",
		slog.Duration("interval", s.interval),
		slog.Int("max_concurrent", s.maxConcurrent))
	s.scheduler.Start()
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	slog.Info("Stopping build scheduler")
	return s.scheduler.Shutdown()
}

func (s *Scheduler) tick() {
	s.PollOnce(s.ctx)
}

// PollOnce runs a single admission pass: if the running count is below
// the cap, claim the oldest pending build and execute it synchronously.
// Long builds overlap with later ticks, which is where concurrency up
// to the cap comes from.
func (s *Scheduler) PollOnce(ctx context.Context) {
	running, err := s.store.CountRunning(ctx)
	if err != nil {
		slog.Error("Failed to count running builds", logfields.Error(err))
		return
	}
	if running >= s.maxConcurrent {
		slog.Debug("Concurrency cap reached", logfields.Count(running))
		return
	}

	build, err := s.store.ClaimNextPending(ctx)
	if err != nil {
		slog.Error("Failed to claim pending build", logfields.Error(err))
		return
	}
	if build == nil {
		return
	}

	s.metrics.IncBuildStatus(store.BuildStatusRunning)
	s.events.BuildStarted(build)
	slog.Info("Claimed pending build",
		logfields.BuildID(build.ID),
		logfields.ProjectID(build.ProjectID),
		logfields.Branch(build.Branch),
		logfields.Commit(build.CommitSHA))

	if err := s.runner.Run(ctx, build); err != nil {
		slog.Error("Build execution failed",
			logfields.BuildID(build.ID),
			logfields.Error(err))
	}
}
