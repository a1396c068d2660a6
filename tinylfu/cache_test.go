package tinylfu

import (
	"context"
	"testing"
	"time"
)

// Admission soundness (invariant #1): the resident key set never exceeds
// MaxSize regardless of how many distinct keys are offered.
func TestCache_AdmissionSoundness(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options[string, int]{MaxSize: 50, Shards: 1, DecayInterval: -1})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	for i := 0; i < 5000; i++ {
		k := "k" + string(rune('a'+i%26)) + string(rune('0'+i%10)) + string(rune('A'+(i/7)%26))
		c.Set(ctx, k, i, time.Hour)
		if c.Len() > 50 {
			t.Fatalf("resident set exceeded MaxSize: %d", c.Len())
		}
	}
}

// Expiry (invariant #9): TryGet on an item past its deadline reports a
// miss and removes the entry.
func TestCache_Expiry(t *testing.T) {
	t.Parallel()

	c := New[string, string](Options[string, string]{MaxSize: 16, DecayInterval: -1})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	c.Set(ctx, "x", "v", 10*time.Millisecond)
	if _, ok := c.TryGet(ctx, "x"); !ok {
		t.Fatal("expected fresh hit")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.TryGet(ctx, "x"); ok {
		t.Fatal("expected miss after expiry")
	}
}

// S5 — admission rejects a cold, low-frequency key with high probability
// once two other keys have been warmed heavily.
func TestCache_AdmissionRejectsColdKey(t *testing.T) {
	c := New[string, string](Options[string, string]{MaxSize: 2, Shards: 1, DecayInterval: -1})
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	rejected := 0
	const trials = 30
	for trial := 0; trial < trials; trial++ {
		cc := New[string, string](Options[string, string]{MaxSize: 2, Shards: 1, AdmissionEnabled: true, DecayInterval: -1})
		for i := 0; i < 100; i++ {
			cc.Set(ctx, "a", "va", time.Hour)
			cc.Set(ctx, "b", "vb", time.Hour)
		}
		cc.Set(ctx, "c", "vc", time.Hour)
		if _, ok := cc.TryGet(ctx, "c"); !ok {
			rejected++
		}
		_ = cc.Close()
	}
	if float64(rejected)/float64(trials) <= 0.5 {
		t.Fatalf("expected a high rejection rate for a cold low-frequency key, got %d/%d", rejected, trials)
	}
	_ = c
}

// Sketch one-sided error (invariant #7): Estimate is never negative (it's
// unsigned) and, absent decay, never exceeds the true increment count.
func TestSketch_OneSidedError(t *testing.T) {
	t.Parallel()

	s := newCountMinSketch(64, 4)
	h := hashOf("some-key")
	const n = 20
	for i := 0; i < n; i++ {
		s.Increment(h)
	}
	est := s.Estimate(h)
	if est > n {
		t.Fatalf("CMS estimate must not exceed the true count, got %d want <= %d", est, n)
	}
}

// Decay monotonicity (invariant #8): every cell is <= its pre-decay value.
func TestSketch_DecayMonotonic(t *testing.T) {
	t.Parallel()

	s := newCountMinSketch(64, 4)
	h := hashOf("k")
	for i := 0; i < 10; i++ {
		s.Increment(h)
	}
	before := s.Estimate(h)
	s.Decay()
	after := s.Estimate(h)
	if after > before {
		t.Fatalf("decay must not increase estimate: before=%d after=%d", before, after)
	}
}

func TestBloom_NoFalseNegatives(t *testing.T) {
	t.Parallel()

	b := newBloomFilter(256, 5)
	hashes := make([]uint64, 0, 100)
	for i := 0; i < 100; i++ {
		h := hashOf(i)
		hashes = append(hashes, h)
		b.Add(h)
	}
	for _, h := range hashes {
		if !b.Contains(h) {
			t.Fatal("bloom filter must never produce a false negative")
		}
	}
}

func TestCache_PromoteFromLowerLayer_BypassesAdmission(t *testing.T) {
	t.Parallel()

	c := New[string, string](Options[string, string]{MaxSize: 1, Shards: 1, AdmissionEnabled: true, DecayInterval: -1})
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	c.PromoteFromLowerLayer(ctx, "new-key", "v", time.Hour)
	if _, ok := c.TryGet(ctx, "new-key"); !ok {
		t.Fatal("promoted key must be present regardless of admission gate")
	}
	if c.Stats().Promotions != 1 {
		t.Fatalf("expected 1 promotion, got %d", c.Stats().Promotions)
	}
}
