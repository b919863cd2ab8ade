// Package api exposes CI state over HTTP: the dashboard query API under
// /ci/api, the webhook intake route, a health probe, and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/centrixsystems/centrix-ci/internal/environments"
	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/events"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/metrics"
	"github.com/centrixsystems/centrix-ci/internal/store"
	"github.com/centrixsystems/centrix-ci/internal/webhook"
)

// Deps carries the server's collaborators.
type Deps struct {
	Store        *store.Store
	Webhook      *webhook.Handler
	Environments *environments.Service
	Events       events.Publisher
	Metrics      metrics.Recorder
	MetricsPage  http.Handler
	Logger       *slog.Logger

	Addr string
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	addr         string
	router       *chi.Mux
	server       *http.Server
	store        *store.Store
	webhook      *webhook.Handler
	environments *environments.Service
	events       events.Publisher
	metrics      metrics.Recorder
	metricsPage  http.Handler
	logger       *slog.Logger
	errorAdapter *cierrors.HTTPErrorAdapter
}

// NewServer creates the API server with routes and middleware set up.
func NewServer(d Deps) *Server {
	if d.Events == nil {
		d.Events = events.NoopPublisher{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		addr:         d.Addr,
		router:       chi.NewRouter(),
		store:        d.Store,
		webhook:      d.Webhook,
		environments: d.Environments,
		events:       d.Events,
		metrics:      d.Metrics,
		metricsPage:  d.MetricsPage,
		logger:       d.Logger,
		errorAdapter: cierrors.NewHTTPErrorAdapter(d.Logger),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         d.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the configured handler, mostly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	if s.metricsPage != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metricsPage)
	}

	s.router.Route("/ci", func(r chi.Router) {
		if s.webhook != nil {
			r.Post("/webhook/github", s.webhook.HandleGitHub)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/builds", s.handleListBuilds)
			r.Post("/builds/trigger", s.handleTriggerBuild)
			r.Get("/builds/latest", s.handleLatestBuild)
			r.Get("/builds/{buildID}", s.handleGetBuild)
			r.Get("/builds/{buildID}/artifacts", s.handleBuildArtifacts)

			r.Get("/kpi/success_rate", s.handleKPISuccessRate)
			r.Get("/kpi/avg_duration", s.handleKPIAvgDuration)
			r.Get("/kpi/env_utilization", s.handleKPIEnvUtilization)
			r.Get("/kpi/builds_by_status", s.handleKPIBuildsByStatus)

			r.Get("/projects", s.handleListProjects)
			r.Post("/projects", s.handleCreateProject)
			r.Put("/projects/{projectID}/pipeline", s.handleUpdatePipeline)

			r.Get("/environments", s.handleListEnvironments)
			if s.environments != nil {
				r.Post("/environments/request", s.handleRequestEnvironment)
				r.Post("/environments/{envID}/touch", s.handleTouchEnvironment)
			}

			r.Get("/errors", s.handleListErrors)
		})
	})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("API server listening", slog.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger emits one slog line per request after it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			logfields.Method(r.Method),
			logfields.Path(r.URL.Path),
			logfields.Status(ww.Status()),
			logfields.RemoteAddr(r.RemoteAddr),
			logfields.RequestID(middleware.GetReqID(r.Context())),
			logfields.DurationMS(time.Since(start).Milliseconds()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			cierrors.Wrap(err, cierrors.CategoryStore, cierrors.SeverityError, "store unreachable"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to write response", logfields.Error(err))
	}
}
