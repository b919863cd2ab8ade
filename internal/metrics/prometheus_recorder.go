package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Histogram buckets in milliseconds, spanning sub-second steps to ten-minute builds.
var durationMSBuckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000, 600000}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	webhooks      *prom.CounterVec
	buildStatus   *prom.CounterVec
	buildDuration prom.Histogram
	stepDuration  *prom.HistogramVec
	activeEnvs    prom.Gauge
	errors        *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.webhooks = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ci",
			Name:      "webhooks_received_total",
			Help:      "Webhook deliveries received by event kind",
		}, []string{"event"})
		pr.buildStatus = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ci",
			Name:      "builds_total",
			Help:      "Build status transitions by resulting status",
		}, []string{"status"})
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "ci",
			Name:      "build_duration_ms",
			Help:      "Total build duration in milliseconds",
			Buckets:   durationMSBuckets,
		})
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "ci",
			Name:      "step_duration_ms",
			Help:      "Duration of individual pipeline steps in milliseconds",
			Buckets:   durationMSBuckets,
		}, []string{"step"})
		pr.activeEnvs = prom.NewGauge(prom.GaugeOpts{
			Namespace: "ci",
			Name:      "active_environments",
			Help:      "Ephemeral environments not in destroyed state",
		})
		pr.errors = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ci",
			Name:      "errors_total",
			Help:      "Classified error occurrences by category",
		}, []string{"category"})
		reg.MustRegister(pr.webhooks, pr.buildStatus, pr.buildDuration, pr.stepDuration, pr.activeEnvs, pr.errors)
	})
	return pr
}

func (p *PrometheusRecorder) IncWebhookReceived(event string) {
	if p == nil || p.webhooks == nil {
		return
	}
	p.webhooks.WithLabelValues(event).Inc()
}

func (p *PrometheusRecorder) IncBuildStatus(status string) {
	if p == nil || p.buildStatus == nil {
		return
	}
	p.buildStatus.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(float64(d.Milliseconds()))
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration) {
	if p == nil || p.stepDuration == nil {
		return
	}
	p.stepDuration.WithLabelValues(step).Observe(float64(d.Milliseconds()))
}

func (p *PrometheusRecorder) SetActiveEnvironments(n int) {
	if p == nil || p.activeEnvs == nil {
		return
	}
	p.activeEnvs.Set(float64(n))
}

func (p *PrometheusRecorder) IncErrorRecorded(category string) {
	if p == nil || p.errors == nil {
		return
	}
	p.errors.WithLabelValues(category).Inc()
}
