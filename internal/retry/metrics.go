package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the retry coordinator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
}

// NewMetrics creates the coordinator metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rescale_pacer_retry_attempts_total",
				Help: "Total number of operation attempts by outcome",
			},
			[]string{"outcome"},
		),
		results: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rescale_pacer_retry_operations_total",
				Help: "Total number of logical operations by final result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) recordAttempt(outcome Outcome) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) recordResult(result string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(result).Inc()
}
