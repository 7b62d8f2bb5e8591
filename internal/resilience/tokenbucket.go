package resilience

import (
	"sync"
	"time"
)

// TokenBucket is the rate-limit primitive behind the scheduler. Tokens
// refill continuously at MaxQPS per second and are capped at MaxQPS;
// BurstSize is carried in configuration but reserved for future scheduling
// logic. Each bucket also carries a concurrency semaphore.
type TokenBucket struct {
	mu sync.Mutex

	maxQPS     float64
	burstSize  int
	tokens     float64
	lastRefill time.Time

	semaphore    *Semaphore
	lastAccessed time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(maxQPS float64, burstSize, maxConcurrent int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		maxQPS:       maxQPS,
		burstSize:    burstSize,
		tokens:       maxQPS,
		lastRefill:   now,
		semaphore:    NewSemaphore(maxConcurrent),
		lastAccessed: now,
	}
}

// Consume takes n tokens when available. On refusal it returns the
// estimated wait in seconds until n tokens will have accumulated.
func (b *TokenBucket) Consume(n float64) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	b.lastAccessed = time.Now()

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	if b.maxQPS <= 0 {
		return false, 1
	}
	return false, (n - b.tokens) / b.maxQPS
}

func (b *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.maxQPS
	if b.tokens > b.maxQPS {
		b.tokens = b.maxQPS
	}
}

// Tokens returns the current token count after refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Semaphore exposes the bucket's concurrency gate.
func (b *TokenBucket) Semaphore() *Semaphore { return b.semaphore }

// LastAccessed returns the last consume or touch time; the sweeper uses it.
func (b *TokenBucket) LastAccessed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccessed
}

// Touch marks the bucket as recently used.
func (b *TokenBucket) Touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccessed = time.Now()
}
