package resilience

import (
	"net/http"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{429, ClassRateLimit},
		{500, ClassServer},
		{503, ClassServer},
		{400, ""},
		{404, ""},
		{200, ""},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestRetryEngine_ShouldRetry(t *testing.T) {
	e := NewRetryEngine(map[string]RetryPolicy{
		ClassRateLimit: {Attempts: 2, Backoff: BackoffExp, Base: time.Millisecond, Max: time.Second},
	})

	if !e.ShouldRetry(ClassRateLimit, 1, 1) {
		t.Error("first failure should retry")
	}
	if !e.ShouldRetry(ClassRateLimit, 2, 2) {
		t.Error("second failure should retry")
	}
	if e.ShouldRetry(ClassRateLimit, 3, 3) {
		t.Error("third failure exceeds attempts")
	}
	if e.ShouldRetry(ClassServer, 1, 1) {
		t.Error("class absent from the matrix must not retry")
	}
}

func TestRetryEngine_HardCeiling(t *testing.T) {
	e := NewRetryEngine(map[string]RetryPolicy{
		ClassServer: {Attempts: 100, Backoff: BackoffExp, Base: time.Millisecond, Max: time.Second},
	})

	if e.ShouldRetry(ClassServer, 5, maxTotalAttempts) {
		t.Error("cumulative attempts at the ceiling must stop retrying")
	}
	if !e.ShouldRetry(ClassServer, 5, maxTotalAttempts-1) {
		t.Error("below the ceiling the class policy decides")
	}
}

func TestRetryEngine_RetryAfterWins(t *testing.T) {
	e := NewRetryEngine(map[string]RetryPolicy{
		ClassRateLimit: {Attempts: 3, Backoff: BackoffExp, Base: time.Millisecond, Max: 5 * time.Second},
	})

	if got := e.Delay(ClassRateLimit, 1, "2"); got != 2*time.Second {
		t.Errorf("Delay with Retry-After: 2 = %v, want 2s", got)
	}
	// Capped at the policy max.
	if got := e.Delay(ClassRateLimit, 1, "60"); got != 5*time.Second {
		t.Errorf("Delay with Retry-After: 60 = %v, want capped 5s", got)
	}
	// Unparseable header falls through to backoff.
	if got := e.Delay(ClassRateLimit, 1, "soon"); got != time.Millisecond {
		t.Errorf("Delay with bad header = %v, want base backoff", got)
	}
}

func TestRetryEngine_BackoffShapes(t *testing.T) {
	e := NewRetryEngine(map[string]RetryPolicy{
		"linear": {Attempts: 5, Backoff: BackoffLinear, Base: 100 * time.Millisecond, Max: time.Minute},
		"exp":    {Attempts: 5, Backoff: BackoffExp, Base: 100 * time.Millisecond, Max: time.Minute},
		"jit":    {Attempts: 5, Backoff: BackoffExpJitter, Base: 100 * time.Millisecond, Max: time.Minute},
	})

	if got := e.Delay("linear", 3, ""); got != 300*time.Millisecond {
		t.Errorf("linear attempt 3 = %v, want 300ms", got)
	}
	if got := e.Delay("exp", 3, ""); got != 400*time.Millisecond {
		t.Errorf("exp attempt 3 = %v, want 400ms", got)
	}

	// exp-jitter stays within [exp, exp*1.3].
	for i := 0; i < 20; i++ {
		got := e.Delay("jit", 3, "")
		if got < 400*time.Millisecond || got > 520*time.Millisecond {
			t.Fatalf("exp-jitter attempt 3 = %v, want within [400ms, 520ms]", got)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d, ok := ParseRetryAfter("7"); !ok || d != 7*time.Second {
		t.Errorf("ParseRetryAfter(7) = %v %v", d, ok)
	}

	date := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d, ok := ParseRetryAfter(date)
	if !ok || d < 8*time.Second || d > 11*time.Second {
		t.Errorf("ParseRetryAfter(http-date) = %v %v, want ~10s", d, ok)
	}

	if _, ok := ParseRetryAfter("not-a-time"); ok {
		t.Error("garbage should not parse")
	}
}
