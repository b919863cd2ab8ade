// Package events publishes build lifecycle events to NATS so external
// consumers (dashboards, chat notifiers) can follow the control loop
// without polling the API. Publishing is fire-and-forget: a failed
// publish is logged and never affects the build.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/store"
)

// Subjects for lifecycle events.
const (
	SubjectBuildCreated      = "ci.build.created"
	SubjectBuildStarted      = "ci.build.started"
	SubjectBuildFinished     = "ci.build.finished"
	SubjectStepFinished      = "ci.step.finished"
	SubjectErrorRecorded     = "ci.error.recorded"
	SubjectEnvironmentStatus = "ci.environment.status"
)

// Publisher emits lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	BuildCreated(b *store.Build)
	BuildStarted(b *store.Build)
	BuildFinished(b *store.Build)
	StepFinished(s *store.Step)
	ErrorRecorded(errorID, buildID int64, fingerprint, category string)
	EnvironmentStatusChanged(e *store.Environment, status string)
	Close()
}

// NoopPublisher drops every event (default when NATS is not configured).
type NoopPublisher struct{}

func (NoopPublisher) BuildCreated(*store.Build)                           {}
func (NoopPublisher) BuildStarted(*store.Build)                           {}
func (NoopPublisher) BuildFinished(*store.Build)                          {}
func (NoopPublisher) StepFinished(*store.Step)                            {}
func (NoopPublisher) ErrorRecorded(int64, int64, string, string)          {}
func (NoopPublisher) EnvironmentStatusChanged(*store.Environment, string) {}
func (NoopPublisher) Close()                                              {}

// New returns a NATS-backed publisher when url is non-empty, otherwise
// a no-op publisher.
func New(url string, logger *slog.Logger) (Publisher, error) {
	if url == "" {
		return NoopPublisher{}, nil
	}
	return Connect(url, logger)
}

// NATSPublisher publishes events over a core NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials NATS and returns a publisher bound to the connection.
func Connect(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("centrix-ci"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("NATS publisher connected", logfields.URL(url))
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// envelope is the wire shape shared by all subjects.
type envelope struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type buildPayload struct {
	BuildID    int64  `json:"build_id"`
	ProjectID  int64  `json:"project_id"`
	TenantID   string `json:"tenant_id"`
	Status     string `json:"status"`
	Branch     string `json:"branch"`
	CommitSHA  string `json:"commit_sha"`
	PRNumber   *int   `json:"pr_number,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

type stepPayload struct {
	StepID     int64  `json:"step_id"`
	BuildID    int64  `json:"build_id"`
	Name       string `json:"name"`
	Sequence   int    `json:"sequence"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

type errorPayload struct {
	ErrorID     int64  `json:"error_id"`
	BuildID     int64  `json:"build_id"`
	Fingerprint string `json:"fingerprint"`
	Category    string `json:"category"`
}

type environmentPayload struct {
	EnvironmentID int64  `json:"environment_id"`
	ProjectID     int64  `json:"project_id"`
	PRNumber      int    `json:"pr_number"`
	Branch        string `json:"branch"`
	Status        string `json:"status"`
}

func buildEvent(b *store.Build) buildPayload {
	return buildPayload{
		BuildID:    b.ID,
		ProjectID:  b.ProjectID,
		TenantID:   b.TenantID,
		Status:     b.Status,
		Branch:     b.Branch,
		CommitSHA:  b.CommitSHA,
		PRNumber:   b.PRNumber,
		DurationMS: b.DurationMS,
	}
}

func stepEvent(s *store.Step) stepPayload {
	return stepPayload{
		StepID:     s.ID,
		BuildID:    s.BuildID,
		Name:       s.Name,
		Sequence:   s.Sequence,
		Status:     s.Status,
		ExitCode:   s.ExitCode,
		DurationMS: s.DurationMS,
	}
}

// BuildCreated announces a newly admitted pending build.
func (p *NATSPublisher) BuildCreated(b *store.Build) {
	p.publish(SubjectBuildCreated, buildEvent(b))
}

// BuildStarted announces the pending to running transition.
func (p *NATSPublisher) BuildStarted(b *store.Build) {
	p.publish(SubjectBuildStarted, buildEvent(b))
}

// BuildFinished announces a terminal build with its duration.
func (p *NATSPublisher) BuildFinished(b *store.Build) {
	p.publish(SubjectBuildFinished, buildEvent(b))
}

// StepFinished announces one finalized step.
func (p *NATSPublisher) StepFinished(s *store.Step) {
	p.publish(SubjectStepFinished, stepEvent(s))
}

// ErrorRecorded announces a classified failure landing in the catalog.
func (p *NATSPublisher) ErrorRecorded(errorID, buildID int64, fingerprint, category string) {
	p.publish(SubjectErrorRecorded, errorPayload{
		ErrorID:     errorID,
		BuildID:     buildID,
		Fingerprint: fingerprint,
		Category:    category,
	})
}

// EnvironmentStatusChanged announces a review environment transition.
// The status argument is the new state, which may not yet be visible on
// the passed row.
func (p *NATSPublisher) EnvironmentStatusChanged(e *store.Environment, status string) {
	p.publish(SubjectEnvironmentStatus, environmentPayload{
		EnvironmentID: e.ID,
		ProjectID:     e.ProjectID,
		PRNumber:      e.PRNumber,
		Branch:        e.Branch,
		Status:        status,
	})
}

// Close drains the connection, flushing buffered publishes.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", logfields.Error(err))
		p.conn.Close()
	}
}

func (p *NATSPublisher) publish(subject string, data any) {
	raw, err := json.Marshal(envelope{
		ID:         uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		p.logger.Warn("Failed to marshal event", logfields.Subject(subject), logfields.Error(err))
		return
	}
	if err := p.conn.Publish(subject, raw); err != nil {
		p.logger.Warn("Failed to publish event", logfields.Subject(subject), logfields.Error(err))
	}
}
