package writepolicy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gocachekit/tiercache/layer"
)

// WriteBehind sets layer 0 (the fastest tier) synchronously and fans the
// remaining layers plus persistence out in the background. No ordering
// guarantee exists between concurrent Write calls for the same key —
// last writer wins.
type WriteBehind[K comparable, V any] struct {
	Ttl        time.Duration
	OnLayerErr OnLayerError[K, V]
	// OnPersistErr reports a background persist failure (best-effort
	// under write-behind, never fatal to the caller).
	OnPersistErr func(k K, err error)
	// OnPanic reports a recovered panic from the fan-out goroutine.
	OnPanic func(err error)
}

// NewWriteBehind constructs a WriteBehind policy with the given default TTL.
func NewWriteBehind[K comparable, V any](ttl time.Duration) *WriteBehind[K, V] {
	return &WriteBehind[K, V]{Ttl: ttl}
}

func (w *WriteBehind[K, V]) DefaultTTL() time.Duration { return w.Ttl }

func (w *WriteBehind[K, V]) Write(ctx context.Context, k K, v V, layers []layer.Layer[K, V], ttls []time.Duration, persist PersistFunc[K, V]) error {
	ttlFor := func(i int) time.Duration {
		if i < len(ttls) {
			return ttls[i]
		}
		return w.Ttl
	}

	if len(layers) > 0 {
		layers[0].Set(ctx, k, v, ttlFor(0))
	}

	if len(layers) <= 1 && persist == nil {
		return nil
	}

	// corrID lets telemetry tell apart overlapping fan-outs for the same
	// key when write-behind's last-writer-wins semantics let a second
	// Write start before the first one's background fan-out finishes.
	corrID := uuid.NewString()
	bgCtx := detach(ctx)
	go SafeRun(func(err error) {
		if w.OnPanic != nil {
			w.OnPanic(fmt.Errorf("[%s] %w", corrID, err))
		}
	}, func() {
		for i := 1; i < len(layers); i++ {
			layers[i].Set(bgCtx, k, v, ttlFor(i))
		}
		if persist == nil {
			return
		}
		if err := persist(bgCtx, k, v); err != nil && w.OnPersistErr != nil {
			w.OnPersistErr(k, fmt.Errorf("[%s] %w", corrID, err))
		}
	})
	return nil
}

// detach returns a context that carries no deadline/cancellation from ctx,
// so the background fan-out isn't cut short by a caller-side timeout that
// the synchronous layer-0 write already satisfied.
func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

type detachedContext struct{ context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }
