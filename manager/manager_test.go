package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocachekit/tiercache/layer"
	"github.com/gocachekit/tiercache/writepolicy"
)

// fakeLayer is an in-memory test double implementing layer.Layer[string,int].
type fakeLayer[V any] struct {
	mu   sync.Mutex
	name string
	m    map[string]V
	sets int64
}

func newFakeLayer[V any](name string) *fakeLayer[V] {
	return &fakeLayer[V]{name: name, m: map[string]V{}}
}

func (f *fakeLayer[V]) Set(_ context.Context, k string, v V, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	atomic.AddInt64(&f.sets, 1)
	f.m[k] = v
}

func (f *fakeLayer[V]) TryGet(_ context.Context, k string) (V, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[k]
	return v, ok
}

func (f *fakeLayer[V]) Name() string { return f.name }

func (f *fakeLayer[V]) has(k string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.m[k]
	return ok
}

func newTestManager(t *testing.T, l1, l2 *fakeLayer[int], loader Loader[string, int]) *Manager[string, int] {
	t.Helper()
	m := New[string, int](Config[string, int]{
		Layers:      []layer.Layer[string, int]{l1, l2},
		Loader:      loader,
		WritePolicy: writepolicy.NewWriteThrough[string, int](time.Minute),
		DefaultTTL:  time.Minute,
	})
	t.Cleanup(func() { m.Close() })
	return m
}

// S1: a cold read populates every layer.
func TestGetOrAdd_ColdReadPopulatesAllLayers(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")
	loader := func(_ context.Context, k string) (int, error) { return 42, nil }

	m := newTestManager(t, l1, l2, loader)

	v, err := m.GetOrAdd(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
	if !l1.has("k") || !l2.has("k") {
		t.Fatal("cold read must populate every layer via the write policy")
	}
}

// S2: a hit in a slower layer promotes into faster layers.
func TestGetOrAdd_HitInSlowerLayerPromotes(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")
	l2.m["k"] = 7

	m := newTestManager(t, l1, l2, nil)

	v, err := m.GetOrAdd(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 {
		t.Fatalf("got %d, want 7", v)
	}
	if !l1.has("k") {
		t.Fatal("hit on layer 2 must promote into layer 1")
	}
}

// Invariant #2: concurrent GetOrAdd calls for the same missing key invoke
// the loader exactly once.
func TestGetOrAdd_SingleFlightExactness(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")

	var calls int64
	loader := func(_ context.Context, k string) (int, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return 1, nil
	}

	m := newTestManager(t, l1, l2, loader)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := m.GetOrAdd(context.Background(), "shared"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("loader called %d times, want exactly 1", got)
	}
}

func TestGetOrAdd_NoLoaderReturnsErr(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")
	m := newTestManager(t, l1, l2, nil)

	if _, err := m.GetOrAdd(context.Background(), "missing"); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("got %v, want ErrNoLoader", err)
	}
}

func TestGetOrAdd_RetriesTransientLoaderFailures(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")

	var attempts int64
	loader := func(_ context.Context, k string) (int, error) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			return 0, errors.New("transient")
		}
		return 9, nil
	}

	m := New[string, int](Config[string, int]{
		Layers:         []layer.Layer[string, int]{l1, l2},
		Loader:         loader,
		WritePolicy:    writepolicy.NewWriteThrough[string, int](time.Minute),
		DefaultTTL:     time.Minute,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})
	t.Cleanup(func() { m.Close() })

	v, err := m.GetOrAdd(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 9 {
		t.Fatalf("got %d, want 9", v)
	}
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Fatalf("loader attempted %d times, want 3", got)
	}
}

func TestGetOrAdd_ExhaustedRetriesPropagatesError(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")
	wantErr := errors.New("down")
	loader := func(_ context.Context, k string) (int, error) { return 0, wantErr }

	m := New[string, int](Config[string, int]{
		Layers:         []layer.Layer[string, int]{l1, l2},
		Loader:         loader,
		WritePolicy:    writepolicy.NewWriteThrough[string, int](time.Minute),
		DefaultTTL:     time.Minute,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	})
	t.Cleanup(func() { m.Close() })

	if _, err := m.GetOrAdd(context.Background(), "k"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

// Invariant #4: jittered TTLs stay within the configured bound.
func TestJitter_StaysWithinBound(t *testing.T) {
	t.Parallel()

	base := 10 * time.Second
	f := 0.1
	for i := 0; i < 1000; i++ {
		got := jitter(base, f)
		lo := time.Duration(float64(base) * (1 - f))
		hi := time.Duration(float64(base) * (1 + f))
		if got < lo || got > hi {
			t.Fatalf("jitter %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestJitter_ZeroFractionDisabled(t *testing.T) {
	t.Parallel()
	base := 5 * time.Second
	if got := jitter(base, 0); got != base {
		t.Fatalf("got %v, want unchanged %v", got, base)
	}
}

// Invariant #10: stale-key cleanup only removes manager bookkeeping, never
// layer contents.
func TestCleanup_RemovesOnlyStaleKeyState(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")
	m := New[string, int](Config[string, int]{
		Layers:                  []layer.Layer[string, int]{l1, l2},
		WritePolicy:             writepolicy.NewWriteThrough[string, int](time.Minute),
		DefaultTTL:              time.Minute,
		StaleThreshold:          time.Millisecond,
		StaleKeyCleanupInterval: time.Hour, // driven manually below
	})
	t.Cleanup(func() { m.Close() })

	if err := m.Set(context.Background(), "k", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	m.sweepStaleKeys()

	if _, ok := m.keys.get("k"); ok {
		t.Fatal("stale key state should have been reclaimed")
	}
	if !l1.has("k") {
		t.Fatal("cleanup must never remove values from the layers themselves")
	}
}

func TestSet_WritesThroughAllLayers(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")
	m := newTestManager(t, l1, l2, nil)

	if err := m.Set(context.Background(), "k", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l1.has("k") || !l2.has("k") {
		t.Fatal("Set must write through every layer")
	}
}

type countingSink struct {
	mu   sync.Mutex
	ops  map[string]int
	lats int
}

func newCountingSink() *countingSink { return &countingSink{ops: map[string]int{}} }

func (s *countingSink) IncOperations(op, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[fmt.Sprintf("%s:%s", op, outcome)]++
}

func (s *countingSink) ObserveLatency(string, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lats++
}

func TestInstrumented_RecordsLatencyAndOutcome(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")
	loader := func(_ context.Context, k string) (int, error) { return 1, nil }
	m := newTestManager(t, l1, l2, loader)

	sink := newCountingSink()
	inst := NewInstrumented[string, int](m, sink)

	if _, err := inst.GetOrAdd(context.Background(), "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink.mu.Lock()
	got := sink.ops["get_or_add:ok"]
	lats := sink.lats
	sink.mu.Unlock()

	if got != 1 {
		t.Fatalf("got %d get_or_add:ok, want 1", got)
	}
	if lats != 1 {
		t.Fatalf("got %d latency observations, want 1", lats)
	}
}

// S4: a read inside the soft-TTL window schedules a background refresh
// that eventually updates the cached value and bumps earlyRefreshCount.
func TestTriggerEarlyRefresh_RefreshesWithinSoftWindow(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")

	var gen int64
	loader := func(_ context.Context, k string) (int, error) {
		return int(atomic.AddInt64(&gen, 1)), nil
	}

	m := New[string, int](Config[string, int]{
		Layers:                      []layer.Layer[string, int]{l1, l2},
		Loader:                      loader,
		WritePolicy:                 writepolicy.NewWriteThrough[string, int](200 * time.Millisecond),
		DefaultTTL:                  200 * time.Millisecond,
		EarlyRefreshThreshold:       150 * time.Millisecond,
		MinRefreshInterval:          time.Nanosecond, // effectively unthrottled; 0 would select the 30s default
		MaxConcurrentEarlyRefreshes: 10,
	})
	t.Cleanup(func() { m.Close() })

	if err := m.Set(context.Background(), "k", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	v, err := m.GetOrAdd(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0 {
		t.Fatalf("got %d, want the still-cached 0 before refresh completes", v)
	}

	// Give the background refresh goroutine (sleep jitter up to 500ms +
	// loader + write) time to complete.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ks, ok := m.keys.get("k"); ok && ks.earlyRefreshCount.Load() >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ks, ok := m.keys.get("k")
	if !ok || ks.earlyRefreshCount.Load() < 1 {
		t.Fatal("expected earlyRefreshCount >= 1 after the soft-TTL window elapsed")
	}
}

// Invariant #5: two consecutive early refreshes of the same key are never
// closer together than MinRefreshInterval.
func TestTriggerEarlyRefresh_ThrottledByMinRefreshInterval(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")
	loader := func(_ context.Context, k string) (int, error) { return 1, nil }

	m := New[string, int](Config[string, int]{
		Layers:                      []layer.Layer[string, int]{l1, l2},
		Loader:                      loader,
		WritePolicy:                 writepolicy.NewWriteThrough[string, int](50 * time.Millisecond),
		DefaultTTL:                  50 * time.Millisecond,
		EarlyRefreshThreshold:       40 * time.Millisecond,
		MinRefreshInterval:          time.Hour, // never satisfied within this test
		MaxConcurrentEarlyRefreshes: 10,
	})
	t.Cleanup(func() { m.Close() })

	if err := m.Set(context.Background(), "k", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if _, err := m.GetOrAdd(context.Background(), "k"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)

	ks, ok := m.keys.get("k")
	if ok && ks.earlyRefreshCount.Load() != 0 {
		t.Fatalf("got earlyRefreshCount=%d, want 0 while MinRefreshInterval blocks every attempt", ks.earlyRefreshCount.Load())
	}
}

// Invariant #6: no more than MaxConcurrentEarlyRefreshes refresh tasks run
// at once; the semaphore rejects acquisition past the cap instead of
// blocking the caller.
func TestTriggerEarlyRefresh_GlobalConcurrencyCap(t *testing.T) {
	t.Parallel()

	l1 := newFakeLayer[int]("mem")
	l2 := newFakeLayer[int]("remote")

	release := make(chan struct{})
	var inFlight, maxSeen int64
	loader := func(_ context.Context, k string) (int, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&maxSeen)
			if cur <= old || atomic.CompareAndSwapInt64(&maxSeen, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt64(&inFlight, -1)
		return 1, nil
	}

	const maxConcurrent = 3
	m := New[string, int](Config[string, int]{
		Layers:                      []layer.Layer[string, int]{l1, l2},
		Loader:                      loader,
		WritePolicy:                 writepolicy.NewWriteThrough[string, int](30 * time.Millisecond),
		DefaultTTL:                  30 * time.Millisecond,
		EarlyRefreshThreshold:       25 * time.Millisecond,
		MinRefreshInterval:          time.Nanosecond, // effectively unthrottled; 0 would select the 30s default
		MaxConcurrentEarlyRefreshes: maxConcurrent,
	})
	t.Cleanup(func() { m.Close() })

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keys {
		if err := m.Set(context.Background(), k, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 20; i++ {
		for _, k := range keys {
			m.GetOrAdd(context.Background(), k)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	_ = m.Close() // waits for every in-flight refresh goroutine to finish

	if got := atomic.LoadInt64(&maxSeen); got > maxConcurrent {
		t.Fatalf("observed %d concurrent early-refresh loader calls, want <= %d", got, maxConcurrent)
	}
}
