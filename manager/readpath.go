package manager

import (
	"context"
	"fmt"
	"time"
)

// GetOrAdd implements the read path: scan layers fastest
// first, promote on hit, single-flight + retrying loader on a total miss.
func (m *Manager[K, V]) GetOrAdd(ctx context.Context, k K) (V, error) {
	for i, l := range m.cfg.Layers {
		v, ok := l.TryGet(ctx, k)
		if !ok {
			continue
		}
		ks := m.keys.getOrCreate(k)
		ks.accessCount.Add(1)
		ks.hitCount.Add(1)
		m.cfg.OnCacheHit(k)

		m.promote(ctx, k, v, i, ks)
		m.triggerEarlyRefresh(ctx, k)
		return v, nil
	}

	ks := m.keys.getOrCreate(k)
	ks.accessCount.Add(1)
	ks.missCount.Add(1)
	m.cfg.OnCacheMiss(k)
	return m.loadMissing(ctx, k)
}

// promote writes v into the layers faster than the one it was found in,
// per cfg.PromotionPolicy. The promotion writes run synchronously on the
// caller's goroutine before GetOrAdd returns; Layer.Set returns no error,
// so promotion never fails the caller's read.
func (m *Manager[K, V]) promote(ctx context.Context, k K, v V, hitIndex int, ks *keyState) {
	if hitIndex == 0 {
		return
	}
	switch m.cfg.PromotionPolicy {
	case NonePromotion:
		return
	case FirstLayerOnly:
		m.setLayerWithJitter(ctx, 0, k, v)
		ks.promotionCount.Add(1)
	case AllHigherLayers:
		for j := 0; j < hitIndex; j++ {
			m.setLayerWithJitter(ctx, j, k, v)
		}
		ks.promotionCount.Add(1)
	}
}

func (m *Manager[K, V]) setLayerWithJitter(ctx context.Context, idx int, k K, v V) {
	base := m.cfg.DefaultTTL
	if idx < len(m.cfg.LayerTTLs) {
		base = m.cfg.LayerTTLs[idx]
	}
	ttl := jitter(base, m.cfg.TTLJitterFraction)
	m.cfg.Layers[idx].Set(ctx, k, v, ttl)
}

// loadMissing runs the single-flight-coalesced loader with retry and
// exponential backoff, writing the result through
// cfg.WritePolicy on success.
func (m *Manager[K, V]) loadMissing(ctx context.Context, k K) (V, error) {
	if m.cfg.Loader == nil {
		var zero V
		return zero, ErrNoLoader
	}

	return m.sf.Do(ctx, k, func() (V, error) {
		ks := m.keys.getOrCreate(k)
		ks.refreshLock.Lock()
		defer ks.refreshLock.Unlock()

		v, err := m.retryLoad(ctx, k)
		if err != nil {
			var zero V
			return zero, fmt.Errorf("manager: loader failed after retries: %w", err)
		}

		if m.cfg.WritePolicy != nil {
			jittered := jitterAll(m.cfg.LayerTTLs, m.cfg.TTLJitterFraction)
			if err := m.cfg.WritePolicy.Write(ctx, k, v, m.cfg.Layers, jittered, m.cfg.Persist); err != nil {
				var zero V
				return zero, err
			}
		}
		ks.lastRefreshAt.Store(time.Now().UnixNano())
		return v, nil
	})
}

// retryLoad calls cfg.Loader up to MaxRetries additional times with
// exponential backoff starting at RetryBaseDelay, honoring ctx
// cancellation in both the call and the backoff sleep.
func (m *Manager[K, V]) retryLoad(ctx context.Context, k K) (V, error) {
	delay := m.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			var zero V
			return zero, err
		}
		v, err := m.cfg.Loader(ctx, k)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == m.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
		delay *= 2
	}
	var zero V
	return zero, lastErr
}
