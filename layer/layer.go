// Package layer defines the contract every cache tier implements: the
// basic in-memory layer, the W-TinyLFU layer, and the remote KV layer all
// satisfy Layer[K, V] so the manager can treat them uniformly.
package layer

import (
	"context"
	"time"
)

// Layer is one tier in a multi-tier cache. Set never returns an error:
// a layer that cannot durably store the value reports the failure
// through its own injected error callback instead, since a cache layer
// write is never allowed to fail the caller's request. TryGet returns
// (zero, false) both on a genuine miss and on an internal layer error —
// the manager does not distinguish the two; either way it falls through
// to the next layer.
type Layer[K comparable, V any] interface {
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	TryGet(ctx context.Context, key K) (value V, found bool)
}

// Named is implemented by layers that identify themselves by name for
// metrics and promotion bookkeeping.
// Implementations embed or return a stable, short name such as "mem",
// "tinylfu", or "remote".
type Named interface {
	Name() string
}
