// Package manager implements the cache manager: cross-layer
// lookup with promotion, single-flight on miss, early refresh of
// soon-to-expire keys, TTL jitter, per-key metrics, and stale-key
// cleanup. It is the orchestration layer that ties engine/memlayer,
// tinylfu, remotelayer, and writepolicy together.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gocachekit/tiercache/internal/singleflight"
	"github.com/gocachekit/tiercache/layer"
	"github.com/gocachekit/tiercache/writepolicy"
)

// PromotionPolicy controls which layers a cache hit is promoted into.
type PromotionPolicy int

const (
	// AllHigherLayers promotes into every layer faster than the one hit.
	AllHigherLayers PromotionPolicy = iota
	// FirstLayerOnly promotes only into the fastest layer.
	FirstLayerOnly
	// NonePromotion disables promotion entirely.
	NonePromotion
)

// Loader fetches a value on a total cache miss.
type Loader[K comparable, V any] func(ctx context.Context, k K) (V, error)

// Config configures a Manager. Zero values are filled with sensible
// defaults in New.
type Config[K comparable, V any] struct {
	Layers      []layer.Layer[K, V]
	Loader      Loader[K, V]
	WritePolicy writepolicy.Policy[K, V]
	// LayerTTLs overrides the per-layer TTL; defaults to DefaultTTL for
	// every layer when left nil.
	LayerTTLs []time.Duration
	// Persist writes to the system of record. Nil means writes succeed
	// silently without persisting (logged once via OnBackgroundError).
	Persist writepolicy.PersistFunc[K, V]

	DefaultTTL                  time.Duration
	EarlyRefreshThreshold       time.Duration
	MinRefreshInterval          time.Duration
	MaxConcurrentEarlyRefreshes int64
	TTLJitterFraction           float64
	PromotionPolicy             PromotionPolicy
	StaleKeyCleanupInterval     time.Duration
	StaleThreshold              time.Duration
	MaxRetries                  int
	RetryBaseDelay              time.Duration

	// OnCacheHit/OnCacheMiss/OnEarlyRefresh are fired for observability;
	// all default to no-ops.
	OnCacheHit      func(k K)
	OnCacheMiss     func(k K)
	OnEarlyRefresh  func(k K)
	OnBackgroundError func(op string, err error)
}

func (c *Config[K, V]) setDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.LayerTTLs == nil {
		c.LayerTTLs = make([]time.Duration, len(c.Layers))
		for i := range c.LayerTTLs {
			c.LayerTTLs[i] = c.DefaultTTL
		}
	}
	if c.EarlyRefreshThreshold <= 0 {
		c.EarlyRefreshThreshold = time.Minute
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = 30 * time.Second
	}
	if c.MaxConcurrentEarlyRefreshes <= 0 {
		c.MaxConcurrentEarlyRefreshes = 10
	}
	if c.TTLJitterFraction == 0 {
		c.TTLJitterFraction = 0.1
	}
	if c.StaleKeyCleanupInterval <= 0 {
		c.StaleKeyCleanupInterval = 10 * time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.OnCacheHit == nil {
		c.OnCacheHit = func(K) {}
	}
	if c.OnCacheMiss == nil {
		c.OnCacheMiss = func(K) {}
	}
	if c.OnEarlyRefresh == nil {
		c.OnEarlyRefresh = func(K) {}
	}
	if c.OnBackgroundError == nil {
		c.OnBackgroundError = func(string, error) {}
	}
}

// ErrNoLoader is returned by GetOrAdd on a total miss with no Loader configured.
var ErrNoLoader = fmt.Errorf("manager: no Loader configured")

// Manager is the cache manager.
type Manager[K comparable, V any] struct {
	cfg Config[K, V]

	keys  keyMap[K]
	sf    singleflight.Group[K, V]
	slots *semaphore.Weighted

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Manager and starts its background cleanup goroutine.
func New[K comparable, V any](cfg Config[K, V]) *Manager[K, V] {
	cfg.setDefaults()
	if cfg.Persist == nil {
		cfg.OnBackgroundError("persist", fmt.Errorf("manager: no Persist configured; writes are not persisted"))
	}
	m := &Manager[K, V]{
		cfg:    cfg,
		slots:  semaphore.NewWeighted(cfg.MaxConcurrentEarlyRefreshes),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.cleanupLoop()
	return m
}

// Close stops background goroutines and waits for them to exit. In-flight
// single-flight loads and early-refresh tasks are not cancelled; Close
// only stops new background ticks from firing.
func (m *Manager[K, V]) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}
