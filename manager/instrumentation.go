package manager

import (
	"context"
	"time"
)

// MetricsSink receives per-operation counters and latencies from an
// Instrumented manager. Implementations must be safe for concurrent use.
type MetricsSink interface {
	IncOperations(op, outcome string)
	ObserveLatency(op string, ms float64)
}

// noopSink is used when Instrumented is built with a nil sink.
type noopSink struct{}

func (noopSink) IncOperations(string, string)  {}
func (noopSink) ObserveLatency(string, float64) {}

// Instrumented wraps a Manager and reports latency/outcome for every
// GetOrAdd and Set call to a MetricsSink, without altering observable
// behavior. It also stamps the per-key lastLatencyMs field consumed by
// GetMetricsSnapshot.
type Instrumented[K comparable, V any] struct {
	m    *Manager[K, V]
	sink MetricsSink
}

// NewInstrumented wraps m with sink. A nil sink is replaced with a no-op.
func NewInstrumented[K comparable, V any](m *Manager[K, V], sink MetricsSink) *Instrumented[K, V] {
	if sink == nil {
		sink = noopSink{}
	}
	return &Instrumented[K, V]{m: m, sink: sink}
}

func (i *Instrumented[K, V]) GetOrAdd(ctx context.Context, k K) (V, error) {
	start := time.Now()
	v, err := i.m.GetOrAdd(ctx, k)
	i.record("get_or_add", k, start, err)
	return v, err
}

func (i *Instrumented[K, V]) Set(ctx context.Context, k K, v V) error {
	start := time.Now()
	err := i.m.Set(ctx, k, v)
	i.record("set", k, start, err)
	return err
}

func (i *Instrumented[K, V]) Close() error { return i.m.Close() }

func (i *Instrumented[K, V]) GetMetricsSnapshot(topN int) Snapshot[K] {
	return i.m.GetMetricsSnapshot(topN)
}

func (i *Instrumented[K, V]) record(op string, k K, start time.Time, err error) {
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	i.sink.IncOperations(op, outcome)
	i.sink.ObserveLatency(op, elapsedMs)

	if ks, ok := i.m.keys.get(k); ok {
		ks.lastLatencyMs.Store(int64(elapsedMs))
	}
}
