// Package environments manages review environments: cap-bounded
// admission of PR environment requests and the idle/dormant lifecycle
// sweep. Provisioning itself is a collaborator's job; this package owns
// the state machine rows.
package environments

import (
	"context"
	"log/slog"

	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/events"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/metrics"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

// Default admission caps.
const (
	DefaultMaxRunning = 3
	DefaultMaxPerPR   = 5
	DefaultMaxGlobal  = 20
)

// Caps bound how many review environments may exist at once.
type Caps struct {
	MaxRunning int
	MaxPerPR   int
	MaxGlobal  int
}

func (c Caps) withDefaults() Caps {
	if c.MaxRunning <= 0 {
		c.MaxRunning = DefaultMaxRunning
	}
	if c.MaxPerPR <= 0 {
		c.MaxPerPR = DefaultMaxPerPR
	}
	if c.MaxGlobal <= 0 {
		c.MaxGlobal = DefaultMaxGlobal
	}
	return c
}

// Request carries the fields of an environment admission.
type Request struct {
	ProjectID int64
	PRNumber  int
	Branch    string
	CommitSHA string
	BuildID   *int64
}

// Service admits environment requests against the configured caps.
type Service struct {
	store   *store.Store
	events  events.Publisher
	metrics metrics.Recorder
	logger  *slog.Logger
	caps    Caps

	idleTimeoutMin int
}

// Deps carries the service collaborators.
type Deps struct {
	Store   *store.Store
	Events  events.Publisher
	Metrics metrics.Recorder
	Logger  *slog.Logger

	Caps           Caps
	IdleTimeoutMin int
}

// NewService constructs the admission service.
func NewService(d Deps) *Service {
	if d.Events == nil {
		d.Events = events.NoopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.IdleTimeoutMin <= 0 {
		d.IdleTimeoutMin = 60
	}
	return &Service{
		store:          d.Store,
		events:         d.Events,
		metrics:        d.Metrics,
		logger:         d.Logger,
		caps:           d.Caps.withDefaults(),
		idleTimeoutMin: d.IdleTimeoutMin,
	}
}

// Request admits one review environment in requested state. A conflict
// error signals a cap was hit; the caller maps it to HTTP 409.
func (s *Service) Request(ctx context.Context, req Request) (*store.Environment, error) {
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, cierrors.StoreError("get project", err)
	}
	if project == nil {
		return nil, cierrors.ValidationError("project not found").
			WithContext("project_id", req.ProjectID)
	}

	counts, err := s.store.CountEnvironments(ctx, req.ProjectID, req.PRNumber)
	if err != nil {
		return nil, cierrors.StoreError("count environments", err)
	}
	switch {
	case counts.Running >= s.caps.MaxRunning:
		return nil, cierrors.ConflictError("running environment cap reached").
			WithContext("cap", s.caps.MaxRunning)
	case counts.ForPR >= s.caps.MaxPerPR:
		return nil, cierrors.ConflictError("per-PR environment cap reached").
			WithContext("cap", s.caps.MaxPerPR).
			WithContext("pr_number", req.PRNumber)
	case counts.Global >= s.caps.MaxGlobal:
		return nil, cierrors.ConflictError("global environment cap reached").
			WithContext("cap", s.caps.MaxGlobal)
	}

	env, err := s.store.CreateEnvironment(ctx, store.NewEnvironment{
		TenantID:       project.TenantID,
		ProjectID:      req.ProjectID,
		BuildID:        req.BuildID,
		PRNumber:       req.PRNumber,
		Branch:         req.Branch,
		CommitSHA:      req.CommitSHA,
		IdleTimeoutMin: s.idleTimeoutMin,
	})
	if err != nil {
		return nil, cierrors.StoreError("create environment", err)
	}

	s.events.EnvironmentStatusChanged(env, store.EnvStatusRequested)
	s.refreshGauge(ctx)
	s.logger.Info("Environment requested",
		logfields.EnvironmentID(env.ID),
		logfields.ProjectID(req.ProjectID),
		logfields.PRNumber(req.PRNumber))
	return env, nil
}

// Touch records activity on an environment, resetting its idle clock.
// Touching a dormant environment wakes it back to running.
func (s *Service) Touch(ctx context.Context, id int64) (*store.Environment, error) {
	env, err := s.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, cierrors.StoreError("get environment", err)
	}
	if env == nil {
		return nil, cierrors.NotFoundError("environment not found").
			WithContext("environment_id", id)
	}
	if env.Status == store.EnvStatusDestroyed {
		return nil, cierrors.ConflictError("environment already destroyed").
			WithContext("environment_id", id)
	}

	waking := env.Status == store.EnvStatusDormant
	if waking {
		if err := s.store.UpdateEnvironmentStatus(ctx, id, store.EnvStatusRunning); err != nil {
			return nil, cierrors.StoreError("wake environment", err)
		}
	} else {
		if err := s.store.TouchEnvironment(ctx, id); err != nil {
			return nil, cierrors.StoreError("touch environment", err)
		}
	}

	env, err = s.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, cierrors.StoreError("reload environment", err)
	}
	if waking {
		s.events.EnvironmentStatusChanged(env, store.EnvStatusRunning)
		s.refreshGauge(ctx)
		s.logger.Info("Environment woken by activity", logfields.EnvironmentID(id))
	}
	return env, nil
}

func (s *Service) refreshGauge(ctx context.Context) {
	n, err := s.store.CountActiveEnvironments(ctx)
	if err != nil {
		s.logger.Warn("Failed to count active environments", logfields.Error(err))
		return
	}
	s.metrics.SetActiveEnvironments(n)
}
