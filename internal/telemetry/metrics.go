package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments used by the completion gateway.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Outcomes *prometheus.CounterVec
	Retries  prometheus.Counter
	Duration prometheus.Histogram
}

// NewMetrics registers the gateway instruments with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_attempts_total",
			Help:      "Upstream completion attempts by result.",
		}, []string{"result"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_outcomes_total",
			Help:      "Completion outcomes by kind (text or fallback reason).",
		}, []string{"outcome"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_retries_total",
			Help:      "Retries scheduled after an overloaded response.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Wall time of a completion including backoff delays.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 12, 20, 30, 60},
		}),
	}
	reg.MustRegister(m.Attempts, m.Outcomes, m.Retries, m.Duration)
	return m
}

// ObserveDuration records the wall time of one completion.
func (m *Metrics) ObserveDuration(d time.Duration) {
	m.Duration.Observe(d.Seconds())
}

// MetricsHandler exposes the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
