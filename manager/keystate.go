package manager

import (
	"sync"
	"sync/atomic"
)

// keyState is the per-key coordination state the manager tracks
// alongside the layers: lastRefreshAt, a refresh-collapsing lock, the
// monotonic access/hit/miss/early-refresh/promotion counters, and the last
// observed latency. It is created lazily on first touch and
// reclaimed only by the stale-key cleanup sweep — never by the layers,
// which own their own lifecycle independently.
type keyState struct {
	refreshLock sync.Mutex

	lastRefreshAt     atomic.Int64 // UnixNano; 0 = never
	accessCount       atomic.Int64
	hitCount          atomic.Int64
	missCount         atomic.Int64
	earlyRefreshCount atomic.Int64
	lastLatencyMs     atomic.Int64 // set by the instrumentation wrapper
	promotionCount    atomic.Int64
}

// keyMap is a thin typed wrapper over sync.Map for per-key state, using
// atomic get-or-insert so creation under concurrent access never races.
type keyMap[K comparable] struct {
	m sync.Map // K -> *keyState
}

func (km *keyMap[K]) getOrCreate(k K) *keyState {
	if v, ok := km.m.Load(k); ok {
		return v.(*keyState)
	}
	ks := &keyState{}
	actual, _ := km.m.LoadOrStore(k, ks)
	return actual.(*keyState)
}

func (km *keyMap[K]) get(k K) (*keyState, bool) {
	v, ok := km.m.Load(k)
	if !ok {
		return nil, false
	}
	return v.(*keyState), true
}

func (km *keyMap[K]) delete(k K) {
	km.m.Delete(k)
}

// rangeAll calls fn for every resident key; fn returning false stops iteration.
func (km *keyMap[K]) rangeAll(fn func(k K, ks *keyState) bool) {
	km.m.Range(func(key, value any) bool {
		return fn(key.(K), value.(*keyState))
	})
}
