// Package remotelayer adapts a network key/value store to the layer
// contract, wrapping every call in bounded retry with a fixed delay and a
// consecutive-failure circuit breaker so a struggling remote store never
// blocks the manager — it just looks like "layer unavailable".
package remotelayer

import (
	"context"
	"time"
)

// RemoteStore is the external collaborator this layer adapts. It is the
// only contract the core assumes about the concrete remote KV client
// (e.g. Redis) — construction, connection pooling, and auth are the
// caller's concern.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Codec converts between V and the bytes RemoteStore speaks. The remote
// layer treats V as opaque and never inspects it beyond this contract.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// KeyStringer renders K to the string form the remote store keys by.
// string keys stringify as themselves; fmt.Stringer keys use String().
type KeyStringer[K comparable] func(K) string

// Config configures a Layer.
type Config struct {
	// RetryCount is the number of retry attempts after the first try, on
	// errors IsTransient accepts. Default 3.
	RetryCount int
	// RetryDelay is the fixed delay between retries. Default 50ms.
	RetryDelay time.Duration
	// IsTransient classifies an error as retryable. Defaults to "always
	// transient" (every error is retried up to RetryCount times).
	IsTransient func(error) bool
	// BreakerFailureThreshold is consecutive failures before the breaker
	// opens. Default 5.
	BreakerFailureThreshold int
	// BreakerCooldown is how long the breaker stays open before admitting
	// a half-open probe. Default 30s.
	BreakerCooldown time.Duration
	// OnLayerError is called (never blocking, never panicking the caller)
	// whenever a Set or TryGet ultimately fails. Defaults to a no-op.
	OnLayerError func(op string, key string, err error)
}

func (c *Config) setDefaults() {
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 50 * time.Millisecond
	}
	if c.IsTransient == nil {
		c.IsTransient = func(error) bool { return true }
	}
	if c.BreakerFailureThreshold <= 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.OnLayerError == nil {
		c.OnLayerError = func(string, string, error) {}
	}
}

// Layer is the remote KV cache tier. It satisfies layer.Layer[K, V].
type Layer[K comparable, V any] struct {
	store   RemoteStore
	codec   Codec[V]
	keyStr  KeyStringer[K]
	cfg     Config
	breaker *breaker
}

// New builds a Layer over store, converting values with codec and keys
// with keyStr (pass nil to use fmt's default "%v" stringification).
func New[K comparable, V any](store RemoteStore, codec Codec[V], keyStr KeyStringer[K], cfg Config) *Layer[K, V] {
	cfg.setDefaults()
	if keyStr == nil {
		keyStr = defaultKeyStringer[K]
	}
	return &Layer[K, V]{
		store:   store,
		codec:   codec,
		keyStr:  keyStr,
		cfg:     cfg,
		breaker: newBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
	}
}

// Set encodes v and writes it through retry+breaker. A failure is
// swallowed and reported via OnLayerError, never returned: per the layer
// contract, Set never fails its caller.
func (l *Layer[K, V]) Set(ctx context.Context, k K, v V, ttl time.Duration) {
	key := l.keyStr(k)
	b, err := l.codec.Encode(v)
	if err != nil {
		l.cfg.OnLayerError("set", key, err)
		return
	}
	err = l.breaker.run(func() error {
		return retry(ctx, l.cfg.RetryCount, l.cfg.RetryDelay, l.cfg.IsTransient, func() error {
			return l.store.Set(ctx, key, b, ttl)
		})
	})
	if err != nil {
		l.cfg.OnLayerError("set", key, err)
	}
}

// TryGet reads and decodes v through retry+breaker. Any failure —
// breaker-open, exhausted retries, or a decode error — degrades to
// (zero, false), identical to a genuine miss.
func (l *Layer[K, V]) TryGet(ctx context.Context, k K) (V, bool) {
	var zero V
	key := l.keyStr(k)

	var raw []byte
	var found bool
	err := l.breaker.run(func() error {
		return retry(ctx, l.cfg.RetryCount, l.cfg.RetryDelay, l.cfg.IsTransient, func() error {
			b, ok, err := l.store.Get(ctx, key)
			raw, found = b, ok
			return err
		})
	})
	if err != nil {
		l.cfg.OnLayerError("get", key, err)
		return zero, false
	}
	if !found {
		return zero, false
	}
	v, err := l.codec.Decode(raw)
	if err != nil {
		l.cfg.OnLayerError("decode", key, err)
		return zero, false
	}
	return v, true
}

// Name identifies this tier for metrics and promotion bookkeeping.
func (l *Layer[K, V]) Name() string { return "remote" }

func defaultKeyStringer[K comparable](k K) string {
	if s, ok := any(k).(string); ok {
		return s
	}
	if s, ok := any(k).(interface{ String() string }); ok {
		return s.String()
	}
	return stringifyAny(k)
}
