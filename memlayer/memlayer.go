// Package memlayer implements the basic in-memory cache tier: an
// unbounded-by-policy engine.Cache fronted by a periodic sweeper that
// actively reclaims expired entries instead of waiting for a read to
// notice them.
package memlayer

import (
	"context"
	"sync"
	"time"

	"github.com/gocachekit/tiercache/engine"
	"github.com/gocachekit/tiercache/policy/lru"
)

// Config configures a Layer.
type Config[K comparable, V any] struct {
	// Capacity bounds the number of resident entries (LRU-evicted beyond it).
	Capacity int
	// Shards is forwarded to engine.Options; 0 picks an automatic value.
	Shards int
	// SweepInterval is how often the background sweeper scans for expired
	// entries. 0 selects the 1-minute default; a negative value disables
	// the sweeper (entries then only expire lazily on read).
	SweepInterval time.Duration
	// Metrics receives the underlying engine's Hit/Miss/Evict/Size signals.
	Metrics engine.Metrics
	// OnSweepError is invoked if the sweeper itself panics mid-scan; the
	// sweeper recovers and keeps ticking. Defaults to a no-op.
	OnSweepError func(err error)
}

// Layer is the basic in-memory cache tier. It satisfies
// layer.Layer[K, V].
type Layer[K comparable, V any] struct {
	c engine.Cache[K, V]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Layer and, if SweepInterval > 0, starts its sweeper.
func New[K comparable, V any](cfg Config[K, V]) *Layer[K, V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1 << 20
	}
	opt := engine.Options[K, V]{
		Capacity: cfg.Capacity,
		Shards:   cfg.Shards,
		Policy:   lru.New[K, V](),
		Metrics:  cfg.Metrics,
	}
	l := &Layer[K, V]{
		c:      engine.New[K, V](opt),
		stopCh: make(chan struct{}),
	}

	interval := cfg.SweepInterval
	if interval == 0 {
		interval = time.Minute
	}
	if interval > 0 {
		onErr := cfg.OnSweepError
		if onErr == nil {
			onErr = func(error) {}
		}
		l.wg.Add(1)
		go l.sweepLoop(interval, onErr)
	}
	return l
}

func (l *Layer[K, V]) sweepLoop(interval time.Duration, onErr func(error)) {
	defer l.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-t.C:
			l.safeSweep(onErr)
		}
	}
}

func (l *Layer[K, V]) safeSweep(onErr func(error)) {
	defer func() {
		if r := recover(); r != nil {
			onErr(recoveredErr(r))
		}
	}()
	l.c.Sweep()
}

// Set inserts or updates key with the given TTL.
func (l *Layer[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		l.c.Set(key, value)
		return
	}
	l.c.SetWithTTL(key, value, ttl)
}

// TryGet returns the value for key, promoting it under the active policy.
func (l *Layer[K, V]) TryGet(_ context.Context, key K) (V, bool) {
	return l.c.Get(key)
}

// Name identifies this tier for metrics and promotion bookkeeping.
func (l *Layer[K, V]) Name() string { return "mem" }

// Len returns the number of resident entries.
func (l *Layer[K, V]) Len() int { return l.c.Len() }

// Close stops the sweeper goroutine and the underlying engine.
func (l *Layer[K, V]) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	return l.c.Close()
}
