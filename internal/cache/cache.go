// Package cache implements the tenant-namespaced response cache on top of
// the key-value store. Entries are keyed by a canonical fingerprint of the
// request; store failures degrade to misses and never fail a request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/reliapi/reliapi/internal/kv"
	"github.com/reliapi/reliapi/internal/observability"
)

const keyPrefix = "cache:"

// significantHeaders are the only request headers included in the
// fingerprint. Authentication headers never reach the cache key.
var significantHeaders = []string{"Accept", "Accept-Language", "Content-Type"}

// Entry is a cached upstream response. CostUSD is set only on LLM entries.
type Entry struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	CostUSD    *float64          `json:"cost_usd,omitempty"`
	CachedAt   time.Time         `json:"cached_at"`
}

// Request carries the fields that identify a cacheable call.
type Request struct {
	Method  string
	URL     string
	Query   map[string]string
	Headers map[string]string
	Body    []byte
}

// Cache wraps the key-value store with fingerprinting and tenant
// namespacing.
type Cache struct {
	store  kv.Store
	logger *observability.Logger
}

// New creates a cache over the given store.
func New(store kv.Store, logger *observability.Logger) *Cache {
	return &Cache{store: store, logger: logger}
}

// fingerprint hashes the canonical form of a request. The canonical JSON
// has a fixed field order, sorted query pairs, and a body digest instead of
// the raw body.
type canonicalRequest struct {
	Method   string   `json:"method"`
	URL      string   `json:"url"`
	Query    []string `json:"query"`
	Headers  []string `json:"headers"`
	BodyHash string   `json:"body_hash"`
}

// Key returns the store key for a request under a tenant namespace.
func Key(tenant string, req Request) string {
	canon := canonicalRequest{
		Method: strings.ToUpper(req.Method),
		URL:    req.URL,
	}

	for k, v := range req.Query {
		canon.Query = append(canon.Query, k+"="+v)
	}
	sort.Strings(canon.Query)

	for _, name := range significantHeaders {
		if v, ok := lookupHeader(req.Headers, name); ok {
			canon.Headers = append(canon.Headers, name+":"+v)
		}
	}

	if len(req.Body) > 0 {
		bodySum := sha256.Sum256(req.Body)
		canon.BodyHash = hex.EncodeToString(bodySum[:])
	}

	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return keyPrefix + tenant + ":" + hex.EncodeToString(sum[:])
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == name {
			return v, true
		}
	}
	return "", false
}

// Cacheable reports whether a request method may hit the cache. POST is
// allowed only on the LLM path, which sets allowPost.
func Cacheable(method string, allowPost bool) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return true
	case http.MethodPost:
		return allowPost
	default:
		return false
	}
}

// Get returns the cached entry for a request, or nil on a miss. Corrupt
// entries are deleted and reported as misses.
func (c *Cache) Get(ctx context.Context, tenant string, req Request, allowPost bool) *Entry {
	if !Cacheable(req.Method, allowPost) {
		return nil
	}

	key := Key(tenant, req)
	raw, err := c.store.Get(ctx, key)
	if err != nil || raw == nil {
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("deleting corrupt cache entry", "key", key, "error", err)
		_ = c.store.Delete(ctx, key)
		return nil
	}
	return &entry
}

// Set stores an entry for a request. Store errors are swallowed; the
// response has already been served.
func (c *Cache) Set(ctx context.Context, tenant string, req Request, entry *Entry, ttl time.Duration, allowPost bool) {
	if !Cacheable(req.Method, allowPost) || ttl <= 0 {
		return
	}

	entry.CachedAt = time.Now()
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache entry marshal failed", "error", err)
		return
	}
	if err := c.store.Set(ctx, Key(tenant, req), raw, ttl); err != nil {
		c.logger.Warn("cache write failed", "error", err)
	}
}

// Invalidate deletes all entries matching a glob pattern within a tenant
// namespace and returns how many were removed.
func (c *Cache) Invalidate(ctx context.Context, tenant, pattern string) int {
	keys, err := c.store.Keys(ctx, keyPrefix+tenant+":"+pattern)
	if err != nil {
		c.logger.Warn("cache invalidation scan failed", "error", err)
		return 0
	}
	removed := 0
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err == nil {
			removed++
		}
	}
	return removed
}
