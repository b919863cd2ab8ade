package metrics

import "time"

// Recorder defines observability hooks for the build control loop. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe for nil receivers
// when using the NoopRecorder (allowing optional injection).
type Recorder interface {
	IncWebhookReceived(event string)
	IncBuildStatus(status string)
	ObserveBuildDuration(d time.Duration)
	ObserveStepDuration(step string, d time.Duration)
	SetActiveEnvironments(n int)
	IncErrorRecorded(category string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncWebhookReceived(string)                 {}
func (NoopRecorder) IncBuildStatus(string)                     {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)        {}
func (NoopRecorder) ObserveStepDuration(string, time.Duration) {}
func (NoopRecorder) SetActiveEnvironments(int)                 {}
func (NoopRecorder) IncErrorRecorded(string)                   {}
