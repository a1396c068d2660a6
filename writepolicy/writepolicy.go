// Package writepolicy implements the two write-propagation strategies:
// write-through, which treats persistence as the source of truth
// and fails the caller if it fails, and write-behind, which only
// guarantees the fastest layer synchronously and fans the rest out in
// the background.
package writepolicy

import (
	"context"
	"time"

	"github.com/gocachekit/tiercache/layer"
)

// PersistFunc writes k/v to the system of record. It may fail; write-through
// treats that as fatal, write-behind logs and drops it.
type PersistFunc[K comparable, V any] func(ctx context.Context, k K, v V) error

// OnLayerError is the shape of a non-fatal layer write failure report.
// Layer.Set returns no error, so neither WriteThrough nor WriteBehind ever
// invokes it; each layer reports its own failures through its own callback.
type OnLayerError[K comparable, V any] func(layerIndex int, k K, err error)

// Policy propagates a write across a manager's layers and to the
// persistent store.
type Policy[K comparable, V any] interface {
	Write(ctx context.Context, k K, v V, layers []layer.Layer[K, V], ttls []time.Duration, persist PersistFunc[K, V]) error
	// DefaultTTL is the policy-level TTL the manager uses to reason about
	// soft-TTL thresholds when a per-layer TTL array isn't supplied.
	DefaultTTL() time.Duration
}

// SafeRun wraps a fire-and-forget background task so a panic inside it
// never terminates the process: every fire-and-forget task must be
// wrapped this way. Exported so other packages' background goroutines
// (manager's early-refresh and cleanup loops) reuse the same guard instead
// of reimplementing it.
func SafeRun(onPanic func(err error), fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(panicErr(r))
			}
		}
	}()
	fn()
}
