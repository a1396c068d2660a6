package prom

import "github.com/prometheus/client_golang/prometheus"

// ManagerAdapter implements manager.MetricsSink without importing the
// manager package, since MetricsSink only needs the two methods below —
// keeping this adapter import-free of the orchestration layer.
type ManagerAdapter struct {
	ops *prometheus.CounterVec
	lat *prometheus.HistogramVec
}

// NewManagerAdapter constructs a Prometheus-backed manager.MetricsSink.
//   - reg:   registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub: Prometheus namespace and subsystem
func NewManagerAdapter(reg prometheus.Registerer, ns, sub string) *ManagerAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &ManagerAdapter{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "operations_total",
				Help:      "Manager operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		lat: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: sub,
				Name:      "operation_latency_ms",
				Help:      "Manager operation latency in milliseconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"op"},
		),
	}
	reg.MustRegister(a.ops, a.lat)
	return a
}

// IncOperations implements manager.MetricsSink.
func (a *ManagerAdapter) IncOperations(op, outcome string) {
	a.ops.WithLabelValues(op, outcome).Inc()
}

// ObserveLatency implements manager.MetricsSink.
func (a *ManagerAdapter) ObserveLatency(op string, ms float64) {
	a.lat.WithLabelValues(op).Observe(ms)
}
