package writepolicy

import (
	"context"
	"fmt"
	"time"

	"github.com/gocachekit/tiercache/layer"
)

// WriteThrough sets every layer synchronously in order (individual layer
// failures are logged but never abort subsequent layers, matching the
// layer contract's own "Set never fails its caller" rule), then calls
// persist. A persist failure is fatal: it is the caller's only signal
// that the system of record didn't get the write.
type WriteThrough[K comparable, V any] struct {
	Ttl time.Duration
}

// NewWriteThrough constructs a WriteThrough policy with the given default TTL.
func NewWriteThrough[K comparable, V any](ttl time.Duration) *WriteThrough[K, V] {
	return &WriteThrough[K, V]{Ttl: ttl}
}

func (w *WriteThrough[K, V]) DefaultTTL() time.Duration { return w.Ttl }

func (w *WriteThrough[K, V]) Write(ctx context.Context, k K, v V, layers []layer.Layer[K, V], ttls []time.Duration, persist PersistFunc[K, V]) error {
	for i, l := range layers {
		ttl := w.Ttl
		if i < len(ttls) {
			ttl = ttls[i]
		}
		l.Set(ctx, k, v, ttl)
	}
	if persist == nil {
		return nil
	}
	if err := persist(ctx, k, v); err != nil {
		return fmt.Errorf("writepolicy: write-through persistence failed: %w", err)
	}
	return nil
}
