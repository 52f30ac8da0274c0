package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for maintenance runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	stepFailures *prometheus.CounterVec
	lastRun      prometheus.Gauge
	duration     prometheus.Histogram
}

// NewMetrics creates the maintenance metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rescale_pacer_maintenance_runs_total",
				Help: "Total number of maintenance runs by status",
			},
			[]string{"status"},
		),
		stepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rescale_pacer_maintenance_step_failures_total",
				Help: "Total number of failed maintenance steps",
			},
			[]string{"step"},
		),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rescale_pacer_maintenance_last_run_timestamp_seconds",
			Help: "Start time of the last completed maintenance run",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rescale_pacer_maintenance_duration_seconds",
			Help:    "Duration of maintenance runs that executed",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func (m *Metrics) recordRun(res Result) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(res.Status.String()).Inc()
	if res.Advanced {
		m.lastRun.Set(float64(res.StartedAt.Unix()))
		m.duration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
}

func (m *Metrics) recordStepFailure(step string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(step).Inc()
}
