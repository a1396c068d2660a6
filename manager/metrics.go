package manager

import (
	"sort"
	"time"
)

// KeyMetrics is a point-in-time view of one key's manager-level state.
type KeyMetrics[K comparable] struct {
	Key               K
	AccessCount       int64
	Hits              int64
	Misses            int64
	PromotionCount    int64
	EarlyRefreshCount int64
	LastLatencyMs     int64
	LastRefreshAt     time.Time
}

// Snapshot is an immutable aggregate + per-key metrics view, taken without
// holding any lock across the whole keyspace — each key's counters are
// read independently, so a snapshot reflects a slightly blurred instant
// rather than one consistent point in time.
type Snapshot[K comparable] struct {
	TotalKeys              int
	TotalAccessCount       int64
	TotalHits              int64
	TotalMisses            int64
	TotalPromotionCount    int64
	TotalEarlyRefreshCount int64
	InFlightKeys           []K
	TopKeys                []KeyMetrics[K]
}

// GetMetricsSnapshot builds a Snapshot with the topN keys by access count.
// topN <= 0 returns aggregates only, with TopKeys left empty.
func (m *Manager[K, V]) GetMetricsSnapshot(topN int) Snapshot[K] {
	var snap Snapshot[K]
	all := make([]KeyMetrics[K], 0, 64)

	m.keys.rangeAll(func(k K, ks *keyState) bool {
		snap.TotalKeys++
		km := KeyMetrics[K]{
			Key:               k,
			AccessCount:       ks.accessCount.Load(),
			Hits:              ks.hitCount.Load(),
			Misses:            ks.missCount.Load(),
			PromotionCount:    ks.promotionCount.Load(),
			EarlyRefreshCount: ks.earlyRefreshCount.Load(),
			LastLatencyMs:     ks.lastLatencyMs.Load(),
		}
		if last := ks.lastRefreshAt.Load(); last != 0 {
			km.LastRefreshAt = time.Unix(0, last)
		}
		snap.TotalAccessCount += km.AccessCount
		snap.TotalHits += km.Hits
		snap.TotalMisses += km.Misses
		snap.TotalPromotionCount += km.PromotionCount
		snap.TotalEarlyRefreshCount += km.EarlyRefreshCount
		all = append(all, km)
		return true
	})

	snap.InFlightKeys = m.sf.Keys()

	if topN <= 0 {
		return snap
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].AccessCount > all[j].AccessCount
	})
	if topN < len(all) {
		all = all[:topN]
	}
	snap.TopKeys = all
	return snap
}
