package manager

import (
	"time"

	"github.com/gocachekit/tiercache/writepolicy"
)

// cleanupLoop periodically reclaims per-key manager state for keys that
// haven't been refreshed in StaleThreshold. It never touches
// the layers themselves — expiry and eviction there are each layer's own
// responsibility.
func (m *Manager[K, V]) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.StaleKeyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			writepolicy.SafeRun(func(err error) {
				m.cfg.OnBackgroundError("cleanup", err)
			}, m.sweepStaleKeys)
		}
	}
}

// sweepStaleKeys removes keyState entries untouched for longer than
// StaleThreshold. A key with no refresh yet (lastRefreshAt == 0) is left
// alone — it only just started being tracked and hasn't gone stale.
func (m *Manager[K, V]) sweepStaleKeys() {
	now := time.Now()
	var stale []K
	m.keys.rangeAll(func(k K, ks *keyState) bool {
		last := ks.lastRefreshAt.Load()
		if last == 0 {
			return true
		}
		if now.Sub(time.Unix(0, last)) > m.cfg.StaleThreshold {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		m.keys.delete(k)
	}
}
