package resilience

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// MaxBuckets caps the total number of live token buckets.
	MaxBuckets = 1000

	bucketIdleTTL = time.Hour
	sweepInterval = 5 * time.Minute

	defaultKeyConcurrency    = 5
	defaultTenantConcurrency = 10
)

// Bucket key prefixes. The prefix decides the lazy-creation defaults and
// appears as the refusing-bucket label on admission failures.
const (
	bucketKindProviderKey = "provider_key"
	bucketKindTenant      = "tenant"
	bucketKindProfile     = "profile"
)

// ProviderKeyBucket names the bucket throttling one provider key.
func ProviderKeyBucket(keyID string) string { return bucketKindProviderKey + ":" + keyID }

// TenantBucket names the bucket throttling one tenant.
func TenantBucket(tenant string) string { return bucketKindTenant + ":" + tenant }

// ProfileBucket names the bucket throttling one client profile.
func ProfileBucket(profile string) string { return bucketKindProfile + ":" + profile }

// Limit describes one bucket a request must pass through. Zero values take
// kind-specific defaults at creation.
type Limit struct {
	Key           string
	MaxQPS        float64
	Burst         int
	MaxConcurrent int
}

// Admission is the outcome of a rate check. When refused, RetryAfterS
// estimates the wait and RefusedBy names the bucket kind that refused.
type Admission struct {
	Allowed     bool
	RetryAfterS float64
	RefusedBy   string
}

// Scheduler owns the named token buckets and their lifecycle: lazy creation,
// LRU eviction at the count cap, and timed expiry of idle buckets.
type Scheduler struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List // front = least recently used

	maxBuckets int

	evictions  int64
	expiries   int64
	onEvict    func(reason string)
	stopSweep  chan struct{}
	sweepDone  chan struct{}
	shutdownMu sync.Once
}

type bucketEntry struct {
	key    string
	bucket *TokenBucket
}

// NewScheduler creates a scheduler and starts its background sweeper.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		buckets:    make(map[string]*list.Element),
		order:      list.New(),
		maxBuckets: MaxBuckets,
		stopSweep:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// OnEvict registers a callback invoked with "lru" or "ttl" whenever a
// bucket is removed; metrics wiring uses it.
func (s *Scheduler) OnEvict(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// CheckRateLimit consumes one token from each bucket in order. The first
// bucket that refuses stops the scan; tokens already consumed from earlier
// buckets stay consumed, which slightly over-counts refused requests but
// keeps admission a single pass.
func (s *Scheduler) CheckRateLimit(limits []Limit) Admission {
	for _, limit := range limits {
		if limit.MaxQPS <= 0 {
			continue // unlimited
		}
		bucket := s.bucket(limit)
		ok, wait := bucket.Consume(1)
		if !ok {
			return Admission{RetryAfterS: wait, RefusedBy: kindOf(limit.Key)}
		}
	}
	return Admission{Allowed: true}
}

// AcquireSlots acquires the concurrency semaphore of every bucket in order.
// On failure partway through, permits already held are released. The
// returned function releases all permits and is safe to call once.
func (s *Scheduler) AcquireSlots(ctx context.Context, limits []Limit) (func(), error) {
	acquired := make([]*Semaphore, 0, len(limits))
	releaseAll := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Release()
		}
	}

	for _, limit := range limits {
		sem := s.bucket(limit).Semaphore()
		if err := sem.Acquire(ctx); err != nil {
			releaseAll()
			return nil, fmt.Errorf("acquire %s: %w", limit.Key, err)
		}
		acquired = append(acquired, sem)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// bucket returns the bucket for a limit, creating it lazily and refreshing
// its LRU position.
func (s *Scheduler) bucket(limit Limit) *TokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.buckets[limit.Key]; ok {
		s.order.MoveToBack(elem)
		entry := elem.Value.(*bucketEntry)
		entry.bucket.Touch()
		return entry.bucket
	}

	if len(s.buckets) >= s.maxBuckets {
		s.evictLRULocked()
	}

	burst := limit.Burst
	if burst <= 0 {
		burst = int(2 * limit.MaxQPS)
	}
	maxConcurrent := limit.MaxConcurrent
	if maxConcurrent <= 0 {
		if kindOf(limit.Key) == bucketKindProviderKey {
			maxConcurrent = defaultKeyConcurrency
		} else {
			maxConcurrent = defaultTenantConcurrency
		}
	}

	bucket := NewTokenBucket(limit.MaxQPS, burst, maxConcurrent)
	entry := &bucketEntry{key: limit.Key, bucket: bucket}
	s.buckets[limit.Key] = s.order.PushBack(entry)
	return bucket
}

func (s *Scheduler) evictLRULocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*bucketEntry)
	s.order.Remove(front)
	delete(s.buckets, entry.key)
	s.evictions++
	if s.onEvict != nil {
		s.onEvict("lru")
	}
}

// sweepLoop removes buckets idle longer than bucketIdleTTL.
func (s *Scheduler) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepIdle()
		}
	}
}

func (s *Scheduler) sweepIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-bucketIdleTTL)
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*bucketEntry)
		if entry.bucket.LastAccessed().Before(cutoff) {
			s.order.Remove(elem)
			delete(s.buckets, entry.key)
			s.expiries++
			if s.onEvict != nil {
				s.onEvict("ttl")
			}
		}
		elem = next
	}
}

// Shutdown stops the sweeper and waits for it to exit.
func (s *Scheduler) Shutdown() {
	s.shutdownMu.Do(func() {
		close(s.stopSweep)
	})
	<-s.sweepDone
}

// Len returns the live bucket count.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Counters returns lifetime LRU evictions and TTL expirations.
func (s *Scheduler) Counters() (evictions, expiries int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions, s.expiries
}

func kindOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
