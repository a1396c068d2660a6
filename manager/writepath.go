package manager

import (
	"context"
	"time"
)

// Set implements the write path: delegate to the configured
// WritePolicy with jittered per-layer TTLs, then mark the key fresh.
func (m *Manager[K, V]) Set(ctx context.Context, k K, v V) error {
	jittered := jitterAll(m.cfg.LayerTTLs, m.cfg.TTLJitterFraction)

	var err error
	if m.cfg.WritePolicy != nil {
		err = m.cfg.WritePolicy.Write(ctx, k, v, m.cfg.Layers, jittered, m.cfg.Persist)
	} else {
		for i, l := range m.cfg.Layers {
			ttl := m.cfg.DefaultTTL
			if i < len(jittered) {
				ttl = jittered[i]
			}
			l.Set(ctx, k, v, ttl)
		}
	}

	ks := m.keys.getOrCreate(k)
	ks.lastRefreshAt.Store(time.Now().UnixNano())
	return err
}
