// Package metrics records per-operation store outcomes in Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives one observation per store operation.
type Recorder interface {
	Observe(operation, outcome string, elapsed time.Duration)
}

// Nop drops observations.
type Nop struct{}

func (Nop) Observe(string, string, time.Duration) {}

type Prometheus struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheus registers the store collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		// Labels: operation, outcome (ok, not_found, conflict, invalid_transition, not_ready, invalid, storage_fault)
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astrodb",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by outcome",
		}, []string{"operation", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "astrodb",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
	}
}

func (p *Prometheus) Observe(operation, outcome string, elapsed time.Duration) {
	p.operations.WithLabelValues(operation, outcome).Inc()
	p.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}
