package resilience

import (
	"context"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler()
	t.Cleanup(s.Shutdown)
	return s
}

func TestScheduler_AdmissionOrder(t *testing.T) {
	s := newTestScheduler(t)

	limits := []Limit{
		{Key: ProviderKeyBucket("k1"), MaxQPS: 100},
		{Key: TenantBucket("acme"), MaxQPS: 1}, // one token, refuses second
		{Key: ProfileBucket("default"), MaxQPS: 100},
	}

	if adm := s.CheckRateLimit(limits); !adm.Allowed {
		t.Fatalf("first request should pass, refused by %s", adm.RefusedBy)
	}

	adm := s.CheckRateLimit(limits)
	if adm.Allowed {
		t.Fatal("second request should be refused by the tenant bucket")
	}
	if adm.RefusedBy != "tenant" {
		t.Errorf("RefusedBy = %q, want tenant", adm.RefusedBy)
	}
	if adm.RetryAfterS <= 0 || adm.RetryAfterS > 1.0 {
		t.Errorf("RetryAfterS = %v, want within (0, 1.0]", adm.RetryAfterS)
	}
}

func TestScheduler_UnlimitedBucketsSkipped(t *testing.T) {
	s := newTestScheduler(t)

	limits := []Limit{{Key: TenantBucket("acme"), MaxQPS: 0}}
	for i := 0; i < 100; i++ {
		if adm := s.CheckRateLimit(limits); !adm.Allowed {
			t.Fatal("zero max_qps means no limit")
		}
	}
	if s.Len() != 0 {
		t.Errorf("unlimited checks must not create buckets, have %d", s.Len())
	}
}

func TestScheduler_BurstAdmission(t *testing.T) {
	s := newTestScheduler(t)

	limits := []Limit{{Key: TenantBucket("burst"), MaxQPS: 10}}
	admitted := 0
	for i := 0; i < 20; i++ {
		if adm := s.CheckRateLimit(limits); adm.Allowed {
			admitted++
		}
	}
	// The bucket starts with max_qps tokens; a 20-request burst admits ~10.
	if admitted < 9 || admitted > 12 {
		t.Errorf("admitted = %d of 20 at 10 qps, want ~10", admitted)
	}
}

func TestScheduler_LRUEviction(t *testing.T) {
	s := newTestScheduler(t)
	s.maxBuckets = 3

	for _, name := range []string{"a", "b", "c"} {
		s.CheckRateLimit([]Limit{{Key: TenantBucket(name), MaxQPS: 100}})
	}
	// Touch "a" so "b" becomes least recently used.
	s.CheckRateLimit([]Limit{{Key: TenantBucket("a"), MaxQPS: 100}})

	s.CheckRateLimit([]Limit{{Key: TenantBucket("d"), MaxQPS: 100}})

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 after eviction", s.Len())
	}
	evictions, _ := s.Counters()
	if evictions != 1 {
		t.Errorf("evictions = %d, want 1", evictions)
	}

	s.mu.Lock()
	_, hasB := s.buckets[TenantBucket("b")]
	_, hasA := s.buckets[TenantBucket("a")]
	s.mu.Unlock()
	if hasB {
		t.Error("least recently used bucket b should be evicted")
	}
	if !hasA {
		t.Error("recently touched bucket a should survive")
	}
}

func TestScheduler_SweepExpiresIdle(t *testing.T) {
	s := newTestScheduler(t)

	s.CheckRateLimit([]Limit{{Key: TenantBucket("idle"), MaxQPS: 100}})

	// Backdate the bucket's last access past the idle TTL.
	s.mu.Lock()
	entry := s.order.Front().Value.(*bucketEntry)
	entry.bucket.mu.Lock()
	entry.bucket.lastAccessed = time.Now().Add(-2 * bucketIdleTTL)
	entry.bucket.mu.Unlock()
	s.mu.Unlock()

	s.sweepIdle()

	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after sweep", s.Len())
	}
	_, expiries := s.Counters()
	if expiries != 1 {
		t.Errorf("expiries = %d, want 1", expiries)
	}
}

func TestScheduler_AcquireSlotsRollsBack(t *testing.T) {
	s := newTestScheduler(t)

	limits := []Limit{
		{Key: ProviderKeyBucket("k1"), MaxQPS: 100, MaxConcurrent: 5},
		{Key: TenantBucket("acme"), MaxQPS: 100, MaxConcurrent: 1},
	}

	release, err := s.AcquireSlots(context.Background(), limits)
	if err != nil {
		t.Fatal(err)
	}

	// The tenant semaphore is now full; a second acquire must fail fast and
	// roll back the provider-key permit it already took.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.AcquireSlots(ctx, limits)
	if err == nil {
		t.Fatal("second acquire should fail while the first holds the tenant slot")
	}

	keySem := s.bucket(limits[0]).Semaphore()
	if keySem.Current() != 1 {
		t.Errorf("provider-key permits = %d, want 1 (rollback released the partial acquire)", keySem.Current())
	}

	release()
	release() // idempotent

	if keySem.Current() != 0 {
		t.Errorf("provider-key permits = %d after release, want 0", keySem.Current())
	}
}

func TestScheduler_ConcurrencyDefaultsByKind(t *testing.T) {
	s := newTestScheduler(t)

	key := s.bucket(Limit{Key: ProviderKeyBucket("k"), MaxQPS: 1})
	tenant := s.bucket(Limit{Key: TenantBucket("t"), MaxQPS: 1})

	if got := key.Semaphore().Capacity(); got != 5 {
		t.Errorf("provider-key concurrency = %d, want 5", got)
	}
	if got := tenant.Semaphore().Capacity(); got != 10 {
		t.Errorf("tenant concurrency = %d, want 10", got)
	}
}
