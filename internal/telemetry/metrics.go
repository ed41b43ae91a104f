package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the appforge engine.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SandboxesActive    prometheus.Gauge
	TasksTotal         *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	ArtifactsIngested  prometheus.Counter
	ArtifactsRejected  *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	SandboxRejections  prometheus.Counter
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "appforge_sessions_active",
			Help: "Number of generation sessions currently held in memory.",
		}),
		SandboxesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "appforge_sandboxes_active",
			Help: "Number of live sandboxes counted against the global ceiling.",
		}),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_tasks_total",
			Help: "Role tasks by terminal status.",
		}, []string{"role", "status"}),
		GenerationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "appforge_generation_duration_seconds",
			Help:    "Duration of external generation calls per role.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"role"}),
		ArtifactsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "appforge_artifacts_ingested_total",
			Help: "Artifacts accepted by the processor.",
		}),
		ArtifactsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_artifacts_rejected_total",
			Help: "Artifacts rejected by the processor, by reason.",
		}, []string{"reason"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_events_published_total",
			Help: "Events published to the progress broker, by type.",
		}, []string{"type"}),
		SandboxRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "appforge_sandbox_capacity_rejections_total",
			Help: "Sandbox create requests refused at the global ceiling.",
		}),
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
