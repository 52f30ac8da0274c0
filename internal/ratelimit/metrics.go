package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the throttle gate.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	admissions       prometheus.Counter
	waitSeconds      prometheus.Histogram
	cooldowns        prometheus.Counter
	rateLimitSignals prometheus.Counter
}

// NewMetrics creates the gate metrics and registers them on reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "rescale_pacer_throttle_admissions_total",
			Help: "Total number of call attempts admitted by the throttle",
		}),
		waitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rescale_pacer_throttle_wait_seconds",
			Help:    "Time callers were asked to wait before admission",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		cooldowns: factory.NewCounter(prometheus.CounterOpts{
			Name: "rescale_pacer_throttle_cooldowns_total",
			Help: "Total number of cooldowns triggered by the request threshold",
		}),
		rateLimitSignals: factory.NewCounter(prometheus.CounterOpts{
			Name: "rescale_pacer_throttle_rate_limit_signals_total",
			Help: "Total number of rate limit rejections reported by the server",
		}),
	}
}

func (m *Metrics) recordAdmission(wait time.Duration) {
	if m == nil {
		return
	}
	m.admissions.Inc()
	m.waitSeconds.Observe(wait.Seconds())
}

func (m *Metrics) recordCooldown() {
	if m == nil {
		return
	}
	m.cooldowns.Inc()
}

func (m *Metrics) recordRateLimitSignal() {
	if m == nil {
		return
	}
	m.rateLimitSignals.Inc()
}
