package kv

import (
	"context"
	"sync"
	"time"

	"github.com/reliapi/reliapi/internal/metrics"
	"github.com/reliapi/reliapi/internal/observability"
)

// Resilient wraps a Store so connectivity loss never fails a request:
// reads degrade to misses, writes and counters to no-ops. Errors are logged
// at most once per logInterval to avoid flooding during an outage.
type Resilient struct {
	inner  Store
	logger *observability.Logger

	mu          sync.Mutex
	lastLogged  time.Time
	logInterval time.Duration
	degraded    bool
}

// NewResilient wraps inner with no-op degradation.
func NewResilient(inner Store, logger *observability.Logger) *Resilient {
	return &Resilient{
		inner:       inner,
		logger:      logger,
		logInterval: 30 * time.Second,
	}
}

func (r *Resilient) report(op string, err error) {
	r.mu.Lock()
	should := time.Since(r.lastLogged) >= r.logInterval
	if should {
		r.lastLogged = time.Now()
	}
	if !r.degraded {
		r.degraded = true
		metrics.KVDegraded.Set(1)
	}
	r.mu.Unlock()
	if should && r.logger != nil {
		r.logger.RedactedWarn("kv store degraded, continuing without it", "op", op, "error", err)
	}
}

// recovered clears the degraded mark after a successful operation.
func (r *Resilient) recovered() {
	r.mu.Lock()
	if r.degraded {
		r.degraded = false
		metrics.KVDegraded.Set(0)
		if r.logger != nil {
			r.logger.Info("kv store recovered")
		}
	}
	r.mu.Unlock()
}

// Get degrades errors to a miss.
func (r *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.inner.Get(ctx, key)
	if err != nil {
		r.report("get", err)
		return nil, nil
	}
	r.recovered()
	return val, nil
}

// Set degrades errors to a no-op.
func (r *Resilient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.report("set", err)
		return nil
	}
	r.recovered()
	return nil
}

// SetNX reports success on error so the caller proceeds as the single
// flight; with the store down there is nothing to coordinate against.
func (r *Resilient) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.inner.SetNX(ctx, key, value, ttl)
	if err != nil {
		r.report("setnx", err)
		return true, nil
	}
	r.recovered()
	return ok, nil
}

// Delete degrades errors to a no-op.
func (r *Resilient) Delete(ctx context.Context, key string) error {
	if err := r.inner.Delete(ctx, key); err != nil {
		r.report("delete", err)
	}
	return nil
}

// Incr degrades errors to a zero count.
func (r *Resilient) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := r.inner.Incr(ctx, key, delta)
	if err != nil {
		r.report("incr", err)
		return 0, nil
	}
	return val, nil
}

// Expire degrades errors to a no-op.
func (r *Resilient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.inner.Expire(ctx, key, ttl); err != nil {
		r.report("expire", err)
	}
	return nil
}

// Keys degrades errors to an empty result.
func (r *Resilient) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.inner.Keys(ctx, pattern)
	if err != nil {
		r.report("keys", err)
		return nil, nil
	}
	return keys, nil
}

// Ping reports the real connectivity state; readiness probes use it.
func (r *Resilient) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

// Close closes the wrapped store.
func (r *Resilient) Close() error {
	return r.inner.Close()
}
