package kv

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	ClusterAddrs []string `yaml:"cluster_addrs"`

	SentinelAddrs  []string `yaml:"sentinel_addrs"`
	SentinelMaster string   `yaml:"sentinel_master"`

	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Namespace:    "reliapi",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// Redis implements Store on a go-redis UniversalClient.
type Redis struct {
	client    goredis.UniversalClient
	namespace string

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	errs   atomic.Int64
}

// NewRedis creates a Redis store and verifies connectivity.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	var client goredis.UniversalClient

	switch {
	case len(cfg.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	case len(cfg.SentinelAddrs) > 0:
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
		})
	default:
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{client: client, namespace: cfg.Namespace}, nil
}

// NewRedisFromClient wraps an existing client; used by tests with miniredis.
func NewRedisFromClient(client goredis.UniversalClient, namespace string) *Redis {
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) prefix(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

// Get retrieves a value. A missing key returns nil, nil.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			r.misses.Add(1)
			return nil, nil
		}
		r.errs.Add(1)
		return nil, fmt.Errorf("redis get: %w", err)
	}
	r.hits.Add(1)
	return val, nil
}

// Set stores a value with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix(key), value, ttl).Err(); err != nil {
		r.errs.Add(1)
		return fmt.Errorf("redis set: %w", err)
	}
	r.sets.Add(1)
	return nil
}

// SetNX stores a value only when the key is absent.
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix(key), value, ttl).Result()
	if err != nil {
		r.errs.Add(1)
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		r.sets.Add(1)
	}
	return ok, nil
}

// Delete removes a key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix(key)).Err(); err != nil {
		r.errs.Add(1)
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Incr atomically adds delta to a counter.
func (r *Redis) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := r.client.IncrBy(ctx, r.prefix(key), delta).Result()
	if err != nil {
		r.errs.Add(1)
		return 0, fmt.Errorf("redis incrby: %w", err)
	}
	return val, nil
}

// Expire sets a TTL on an existing key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.prefix(key), ttl).Err(); err != nil {
		r.errs.Add(1)
		return fmt.Errorf("redis expire: %w", err)
	}
	return nil
}

// Keys returns keys matching pattern, with the namespace prefix stripped.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, r.prefix(pattern)).Result()
	if err != nil {
		r.errs.Add(1)
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	if r.namespace == "" {
		return keys, nil
	}
	stripped := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) > len(r.namespace)+1 {
			stripped = append(stripped, k[len(r.namespace)+1:])
		}
	}
	return stripped, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Stats returns operation counters.
func (r *Redis) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Sets:   r.sets.Load(),
		Errors: r.errs.Load(),
	}
}
