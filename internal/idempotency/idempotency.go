// Package idempotency enforces single-flight execution per idempotency
// key: one winner dispatches upstream, concurrent duplicates coalesce onto
// its result, and mismatched replays are rejected as conflicts.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/reliapi/reliapi/internal/kv"
	"github.com/reliapi/reliapi/internal/observability"
)

const (
	recordTTL     = time.Hour
	inProgressTTL = 5 * time.Minute

	pollStart = 50 * time.Millisecond
	pollCap   = 500 * time.Millisecond
	pollMax   = 30 * time.Second

	// markerGraceMisses consecutive polls without result or marker end the
	// wait early; the grace covers the winner's window between registering
	// the key and writing its in-progress marker.
	markerGraceMisses = 3
)

// Record is the registration stored under the idempotency key.
type Record struct {
	RequestID   string    `json:"request_id"`
	RequestHash string    `json:"request_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registration is the outcome of Register. When IsNew is false the caller
// must either coalesce onto the existing flight or surface a conflict when
// the hashes differ.
type Registration struct {
	IsNew             bool
	ExistingRequestID string
	ExistingHash      string
}

// Manager coordinates idempotency records, in-progress markers, and stored
// results through the key-value store.
type Manager struct {
	store  kv.Store
	logger *observability.Logger
}

// NewManager creates a manager over the given store.
func NewManager(store kv.Store, logger *observability.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

func recordKey(tenant, key string) string     { return "idempotency:" + tenant + ":" + key }
func inProgressKey(tenant, key string) string { return "idempotency_in_progress:" + tenant + ":" + key }
func resultKey(tenant, key string) string     { return "idempotency_result:" + tenant + ":" + key }

// RequestHash fingerprints a request for conflict detection: same key with
// a different hash means a different request reusing the key.
func RequestHash(method, url string, headers map[string]string, body []byte) string {
	pairs := make([]string, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, strings.ToLower(k)+":"+v)
	}
	sort.Strings(pairs)

	bodySum := sha256.Sum256(body)
	canon := struct {
		Method   string   `json:"method"`
		URL      string   `json:"url"`
		Headers  []string `json:"headers"`
		BodyHash string   `json:"body_hash"`
	}{strings.ToUpper(method), url, pairs, hex.EncodeToString(bodySum[:])}

	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Register claims an idempotency key. Reads the key first to catch hash
// conflicts, then races an atomic set-if-absent; the loser re-reads the
// winner's record. A read that misses after a lost race is treated as new.
func (m *Manager) Register(ctx context.Context, tenant, key, requestID, requestHash string) Registration {
	storeKey := recordKey(tenant, key)

	if existing := m.readRecord(ctx, storeKey); existing != nil {
		return Registration{
			ExistingRequestID: existing.RequestID,
			ExistingHash:      existing.RequestHash,
		}
	}

	record := Record{RequestID: requestID, RequestHash: requestHash, CreatedAt: time.Now()}
	raw, _ := json.Marshal(record)

	won, err := m.store.SetNX(ctx, storeKey, raw, recordTTL)
	if err != nil || won {
		return Registration{IsNew: true}
	}

	existing := m.readRecord(ctx, storeKey)
	if existing == nil {
		// Deleted between the failed SETNX and this read.
		return Registration{IsNew: true}
	}
	return Registration{
		ExistingRequestID: existing.RequestID,
		ExistingHash:      existing.RequestHash,
	}
}

func (m *Manager) readRecord(ctx context.Context, storeKey string) *Record {
	raw, err := m.store.Get(ctx, storeKey)
	if err != nil || raw == nil {
		return nil
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		m.logger.Warn("deleting corrupt idempotency record", "key", storeKey, "error", err)
		_ = m.store.Delete(ctx, storeKey)
		return nil
	}
	return &record
}

// MarkInProgress sets the short-lived marker just before upstream dispatch.
func (m *Manager) MarkInProgress(ctx context.Context, tenant, key string) {
	if err := m.store.Set(ctx, inProgressKey(tenant, key), []byte("1"), inProgressTTL); err != nil {
		m.logger.Warn("in-progress marker write failed", "error", err)
	}
}

// ClearInProgress removes the marker on completion, success or failure.
func (m *Manager) ClearInProgress(ctx context.Context, tenant, key string) {
	if err := m.store.Delete(ctx, inProgressKey(tenant, key)); err != nil {
		m.logger.Warn("in-progress marker delete failed", "error", err)
	}
}

// InProgress reports whether another flight currently holds the key.
func (m *Manager) InProgress(ctx context.Context, tenant, key string) bool {
	raw, err := m.store.Get(ctx, inProgressKey(tenant, key))
	return err == nil && raw != nil
}

// StoreResult writes the winner's final result with the target's cache TTL.
func (m *Manager) StoreResult(ctx context.Context, tenant, key string, result []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = recordTTL
	}
	if err := m.store.Set(ctx, resultKey(tenant, key), result, ttl); err != nil {
		m.logger.Warn("idempotency result write failed", "error", err)
	}
}

// Result returns the stored result, or nil when none exists.
func (m *Manager) Result(ctx context.Context, tenant, key string) []byte {
	raw, err := m.store.Get(ctx, resultKey(tenant, key))
	if err != nil {
		return nil
	}
	return raw
}

// WaitForResult polls both the result key and the in-progress marker with
// exponential backoff, 50 ms doubling to a 500 ms cap, for at most 30 s.
// The marker is the winner-still-alive signal: once it has been absent for
// markerGraceMisses consecutive polls with no result, the winner is
// presumed dead and the wait ends. It returns nil when the wait expires;
// the caller surfaces a retryable conflict and never issues the upstream
// request itself.
func (m *Manager) WaitForResult(ctx context.Context, tenant, key string) []byte {
	deadline := time.Now().Add(pollMax)
	delay := pollStart
	markerMisses := 0

	for {
		if result := m.Result(ctx, tenant, key); result != nil {
			return result
		}
		if m.InProgress(ctx, tenant, key) {
			markerMisses = 0
		} else {
			markerMisses++
			if markerMisses > markerGraceMisses {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > pollCap {
			delay = pollCap
		}
	}
}
