package manager

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/gocachekit/tiercache/writepolicy"
)

// triggerEarlyRefresh handles early refresh: a key read inside its soft
// TTL window is refreshed in the background, throttled per key and capped
// globally by the semaphore. It is best-effort: a full semaphore, a busy
// refreshLock, or a too-recent refresh all just skip silently.
func (m *Manager[K, V]) triggerEarlyRefresh(ctx context.Context, k K) {
	if m.cfg.Loader == nil {
		return
	}
	defaultTTL := m.cfg.DefaultTTL
	if m.cfg.WritePolicy != nil {
		defaultTTL = m.cfg.WritePolicy.DefaultTTL()
	}
	softWindow := defaultTTL - m.cfg.EarlyRefreshThreshold
	if softWindow <= 0 {
		return
	}

	ks := m.keys.getOrCreate(k)
	last := ks.lastRefreshAt.Load()
	if last == 0 {
		return
	}
	age := time.Since(time.Unix(0, last))
	if age < softWindow {
		return
	}
	if age < m.cfg.MinRefreshInterval {
		return
	}

	if !m.slots.TryAcquire(1) {
		return
	}

	// Tagging each background attempt with its own correlation id lets
	// telemetry distinguish overlapping early-refresh runs for different
	// keys (or, after a throttle window, the same key) in OnBackgroundError.
	corrID := uuid.NewString()

	m.wg.Add(1)
	go writepolicy.SafeRun(func(err error) {
		m.cfg.OnBackgroundError("early-refresh", fmt.Errorf("[%s] %w", corrID, err))
	}, func() {
		defer m.wg.Done()
		defer m.slots.Release(1)
		m.doEarlyRefresh(k, ks, corrID)
	})
}

func (m *Manager[K, V]) doEarlyRefresh(k K, ks *keyState, corrID string) {
	// Spread refresh start across up to 500ms so a burst of keys crossing
	// their soft window at the same moment doesn't hammer the loader at once.
	time.Sleep(time.Duration(rand.Int63n(int64(500 * time.Millisecond))))

	if !ks.refreshLock.TryLock() {
		return // a GetOrAdd miss or another refresh already owns this key
	}
	defer ks.refreshLock.Unlock()

	last := ks.lastRefreshAt.Load()
	if time.Since(time.Unix(0, last)) < m.cfg.MinRefreshInterval {
		return // someone else refreshed it while we were sleeping
	}

	bg := context.Background()
	v, err := m.cfg.Loader(bg, k)
	if err != nil {
		m.cfg.OnBackgroundError("early-refresh", fmt.Errorf("[%s] loader: %w", corrID, err))
		return
	}

	jittered := jitterAll(m.cfg.LayerTTLs, m.cfg.TTLJitterFraction)
	if m.cfg.WritePolicy != nil {
		if err := m.cfg.WritePolicy.Write(bg, k, v, m.cfg.Layers, jittered, m.cfg.Persist); err != nil {
			m.cfg.OnBackgroundError("early-refresh", fmt.Errorf("[%s] write: %w", corrID, err))
			return
		}
	}

	ks.lastRefreshAt.Store(time.Now().UnixNano())
	ks.earlyRefreshCount.Add(1)
	m.cfg.OnEarlyRefresh(k)
}
