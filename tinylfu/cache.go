// Package tinylfu implements the W-TinyLFU in-memory cache tier:
// admission gated by a Count-Min Sketch frequency estimate and a
// Bloom-filter cold-key check, eviction by sampling a handful of resident
// keys and dropping the least-frequent, and periodic frequency decay so
// recency dominates long-run counts.
//
// This is deliberately not built as an engine.Policy plugin: admission can
// reject the incoming Set outright (nothing evicted, nothing inserted),
// which doesn't fit the ShardPolicy contract's "OnAdd may name a different
// victim to evict" shape without changing that contract for every other
// policy. tinylfu instead reimplements the engine's sharded-map structure
// directly, carrying the same per-shard locking and padded-counter idiom.
package tinylfu

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gocachekit/tiercache/internal/util"
)

// Options configures a Cache. Zero values are filled with sensible
// defaults in New.
type Options[K comparable, V any] struct {
	// MaxSize is the total resident-entry capacity across all shards.
	MaxSize int
	// Shards partitions MaxSize and the key space; 0 picks an automatic value.
	Shards int
	// SketchWidth/SketchDepth size the Count-Min Sketch (counters per row,
	// number of rows).
	SketchWidth uint64
	SketchDepth int
	// BloomSize/BloomHashes size the cold-key Bloom filter.
	BloomSize   uint64
	BloomHashes int
	// DecayInterval is how often the sketch is halved. 0 selects the
	// 5-minute default; a negative value disables decay.
	DecayInterval time.Duration
	// AdmissionEnabled gates step 2 of Set (cold-key probabilistic
	// admission). Disabling it still enforces the capacity/sampled-eviction
	// gate (step 3).
	AdmissionEnabled bool
	// EarlyRefreshThreshold: TryGet increments a single layer-wide
	// near-expiry counter (Stats.NearExpiry) when expiresAt-now <= this.
	// No per-key near-expiry count is kept.
	EarlyRefreshThreshold time.Duration
}

func (o *Options[K, V]) setDefaults() {
	if o.MaxSize <= 0 {
		o.MaxSize = 1000
	}
	if o.SketchWidth <= 0 {
		o.SketchWidth = 1000
	}
	if o.SketchDepth <= 0 {
		o.SketchDepth = 5
	}
	if o.BloomSize <= 0 {
		o.BloomSize = uint64(2 * o.MaxSize)
	}
	if o.BloomHashes <= 0 {
		o.BloomHashes = 5
	}
	if o.DecayInterval == 0 {
		o.DecayInterval = 5 * time.Minute
	}
}

type entry[K comparable, V any] struct {
	key       K
	val       V
	expiresAt int64 // UnixNano; 0 = no TTL
}

func (e *entry[K, V]) expired(now int64) bool {
	return e.expiresAt != 0 && now >= e.expiresAt
}

type tinyShard[K comparable, V any] struct {
	mu  sync.Mutex
	m   map[K]*entry[K, V]
	cap int
}

// Cache is the W-TinyLFU in-memory cache tier. It satisfies layer.Layer[K, V].
type Cache[K comparable, V any] struct {
	shards []*tinyShard[K, V]
	sketch *countMinSketch
	bloom  *bloomFilter
	opt    Options[K, V]

	_          util.CacheLinePad
	admissions util.PaddedAtomicInt64
	rejections util.PaddedAtomicInt64
	promotions util.PaddedAtomicInt64
	evictions  util.PaddedAtomicInt64
	hits       util.PaddedAtomicInt64
	misses     util.PaddedAtomicInt64
	nearExpiry util.PaddedAtomicInt64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Cache and, if DecayInterval > 0, starts its decay loop.
func New[K comparable, V any](opt Options[K, V]) *Cache[K, V] {
	opt.setDefaults()

	shardCount := opt.Shards
	if shardCount <= 0 {
		shardCount = util.ReasonableShardCount()
	}
	shardCount = int(util.NextPow2(uint64(shardCount)))
	perShardCap := (opt.MaxSize + shardCount - 1) / shardCount

	shards := make([]*tinyShard[K, V], shardCount)
	for i := range shards {
		shards[i] = &tinyShard[K, V]{m: make(map[K]*entry[K, V], perShardCap), cap: perShardCap}
	}

	c := &Cache[K, V]{
		shards: shards,
		sketch: newCountMinSketch(opt.SketchWidth, opt.SketchDepth),
		bloom:  newBloomFilter(opt.BloomSize, opt.BloomHashes),
		opt:    opt,
		stopCh: make(chan struct{}),
	}
	if opt.DecayInterval > 0 {
		c.wg.Add(1)
		go c.decayLoop(opt.DecayInterval)
	}
	return c
}

func (c *Cache[K, V]) decayLoop(interval time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.sketch.Decay()
		}
	}
}

func (c *Cache[K, V]) shardFor(k K) *tinyShard[K, V] {
	h := hashOf(k)
	idx := int(h) & (len(c.shards) - 1)
	return c.shards[idx]
}

func now() int64 { return time.Now().UnixNano() }

func deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now() + int64(ttl)
}

// Set implements the admission/eviction algorithm: frequency tracking,
// cold-key admission, and sampled-victim eviction.
func (c *Cache[K, V]) Set(_ context.Context, k K, v V, ttl time.Duration) {
	h := hashOf(k)
	c.sketch.Increment(h)

	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.m[k]; exists {
		s.m[k] = &entry[K, V]{key: k, val: v, expiresAt: deadline(ttl)}
		return
	}

	if c.opt.AdmissionEnabled && !c.bloom.Contains(h) {
		c.bloom.Add(h)
		fNew := c.sketch.Estimate(h)
		fVic := c.sampleVictimFrequencyLocked(s)
		if !admit(fNew, fVic) {
			c.rejections.Add(1)
			return
		}
	}

	if len(s.m) >= s.cap {
		victimKey, victimFreq, ok := c.sampleVictimLocked(s)
		if ok {
			fNew := c.sketch.Estimate(h)
			if fNew < victimFreq {
				c.rejections.Add(1)
				return
			}
			delete(s.m, victimKey)
			c.evictions.Add(1)
		}
	}

	s.m[k] = &entry[K, V]{key: k, val: v, expiresAt: deadline(ttl)}
	c.admissions.Add(1)
}

// admit decides admission with probability fNew/(fNew+fVic+1).
func admit(fNew, fVic uint8) bool {
	p := float64(fNew) / (float64(fNew) + float64(fVic) + 1)
	return rand.Float64() < p
}

const sampleSize = 5

// sampleVictimLocked picks up to sampleSize keys uniformly at random (Go's
// randomized map iteration start gives this for free) and returns the one
// with the lowest sketch estimate.
func (c *Cache[K, V]) sampleVictimLocked(s *tinyShard[K, V]) (victim K, freq uint8, ok bool) {
	seen := 0
	minFreq := uint8(maxCounterVal + 1)
	for k := range s.m {
		f := c.sketch.Estimate(hashOf(k))
		if !ok || f < minFreq {
			victim, minFreq, ok = k, f, true
		}
		seen++
		if seen >= sampleSize {
			break
		}
	}
	return victim, minFreq, ok
}

// sampleVictimFrequencyLocked is sampleVictimLocked's frequency-only form
// used by the admission gate (step 2b); an empty cache yields 0.
func (c *Cache[K, V]) sampleVictimFrequencyLocked(s *tinyShard[K, V]) uint8 {
	_, freq, ok := c.sampleVictimLocked(s)
	if !ok {
		return 0
	}
	return freq
}

// TryGet implements the read path: increments the frequency estimate,
// tracks near-expiry accesses, and returns the value if present and fresh.
func (c *Cache[K, V]) TryGet(_ context.Context, k K) (V, bool) {
	h := hashOf(k)
	c.sketch.Increment(h)

	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[k]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	n := now()
	if e.expired(n) {
		delete(s.m, k)
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	if c.opt.EarlyRefreshThreshold > 0 && e.expiresAt != 0 && e.expiresAt-n <= int64(c.opt.EarlyRefreshThreshold) {
		c.nearExpiry.Add(1)
	}
	c.hits.Add(1)
	return e.val, true
}

// PromoteFromLowerLayer bypasses admission (the value already demonstrated
// demand by being found in a slower layer) but still applies the
// capacity/sampled-eviction gate if the shard is full.
func (c *Cache[K, V]) PromoteFromLowerLayer(_ context.Context, k K, v V, remainingTTL time.Duration) {
	h := hashOf(k)
	c.sketch.Increment(h)

	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.m[k]; !exists && len(s.m) >= s.cap {
		if victimKey, _, ok := c.sampleVictimLocked(s); ok {
			delete(s.m, victimKey)
			c.evictions.Add(1)
		}
	}
	s.m[k] = &entry[K, V]{key: k, val: v, expiresAt: deadline(remainingTTL)}
	c.promotions.Add(1)
}

// Name identifies this tier for metrics and promotion bookkeeping.
func (c *Cache[K, V]) Name() string { return "tinylfu" }

// Len returns the number of resident entries across all shards.
func (c *Cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.m)
		s.mu.Unlock()
	}
	return total
}

// Stats is a point-in-time snapshot of the layer's own counters.
type Stats struct {
	Admissions, Rejections, Promotions, Evictions, Hits, Misses, NearExpiry int64
}

// Stats returns a snapshot of the layer's admission/eviction counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Admissions: c.admissions.Load(),
		Rejections: c.rejections.Load(),
		Promotions: c.promotions.Load(),
		Evictions:  c.evictions.Load(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		NearExpiry: c.nearExpiry.Load(),
	}
}

// Close stops the decay goroutine.
func (c *Cache[K, V]) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}
