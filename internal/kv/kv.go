// Package kv provides the narrow key-value store surface the gateway relies
// on for cache blobs, idempotency records, and counters. Implementations are
// expected to be shared by many goroutines.
package kv

import (
	"context"
	"time"
)

// Store is the distributed KV abstraction. Get returns nil, nil on a miss.
// SetNX is the only atomic primitive the gateway needs; every other
// operation is idempotent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stats holds store operation counters for monitoring.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Errors int64 `json:"errors"`
}
