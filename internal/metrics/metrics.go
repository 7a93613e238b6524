// Package metrics exposes compliance counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/memoryos/outputguard/internal/domain"
)

// Metrics holds the Prometheus instruments for the enforcement
// pipeline.
type Metrics struct {
	OutputsTotal    *prometheus.CounterVec
	BlockedTotal    *prometheus.CounterVec
	ViolationsTotal *prometheus.CounterVec
	BypassAttempts  prometheus.Counter
	ProbeHealth     *prometheus.GaugeVec
}

// New creates and registers the compliance metrics.
func New() *Metrics {
	return &Metrics{
		OutputsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outputguard_outputs_total",
				Help: "Total outputs validated by the compliance engine",
			},
			[]string{"channel"},
		),
		BlockedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outputguard_blocked_total",
				Help: "Outputs blocked by the compliance engine",
			},
			[]string{"channel"},
		),
		ViolationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outputguard_violations_total",
				Help: "Trigger phrases detected in validated outputs",
			},
			[]string{"channel"},
		),
		BypassAttempts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "outputguard_bypass_attempts_total",
				Help: "Detected attempts to emit output around the interceptor",
			},
		),
		ProbeHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outputguard_probe_health_score",
				Help: "Health score of the most recent connection validation per action type",
			},
			[]string{"action_type"},
		),
	}
}

// ObserveDecision records one compliance verdict.
func (m *Metrics) ObserveDecision(result domain.ComplianceResult, channel domain.Channel) {
	ch := string(channel)
	m.OutputsTotal.WithLabelValues(ch).Inc()
	if result.Blocked {
		m.BlockedTotal.WithLabelValues(ch).Inc()
	}
	if n := len(result.Violations); n > 0 {
		m.ViolationsTotal.WithLabelValues(ch).Add(float64(n))
	}
}

// ObserveProbe records the latest connection-validation score.
func (m *Metrics) ObserveProbe(actionType string, healthScore float64) {
	m.ProbeHealth.WithLabelValues(actionType).Set(healthScore)
}

// ObserveBypass counts one detected bypass attempt.
func (m *Metrics) ObserveBypass() {
	m.BypassAttempts.Inc()
}
