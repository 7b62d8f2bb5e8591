package resilience

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error classes recognised by the retry matrix.
const (
	ClassRateLimit = "429"
	ClassServer    = "5xx"
	ClassNetwork   = "net"
	ClassTimeout   = "timeout"
)

// Backoff shapes.
const (
	BackoffExpJitter = "exp-jitter"
	BackoffExp       = "exp"
	BackoffLinear    = "linear"
)

// maxTotalAttempts is a hard ceiling across all classes; it guards against
// a misconfigured matrix, not normal operation.
const maxTotalAttempts = 10

// RetryPolicy configures retries for one error class.
type RetryPolicy struct {
	Attempts int
	Backoff  string
	Base     time.Duration
	Max      time.Duration
}

// RetryEngine decides whether and when to retry a failed upstream call.
type RetryEngine struct {
	matrix map[string]RetryPolicy
	rand   func() float64
}

// DefaultRetryMatrix mirrors the per-class defaults applied when a target
// configures no matrix of its own.
func DefaultRetryMatrix() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		ClassRateLimit: {Attempts: 2, Backoff: BackoffExpJitter, Base: 500 * time.Millisecond, Max: 10 * time.Second},
		ClassServer:    {Attempts: 2, Backoff: BackoffExpJitter, Base: 500 * time.Millisecond, Max: 10 * time.Second},
		ClassNetwork:   {Attempts: 2, Backoff: BackoffExp, Base: 250 * time.Millisecond, Max: 5 * time.Second},
		ClassTimeout:   {Attempts: 1, Backoff: BackoffLinear, Base: time.Second, Max: 5 * time.Second},
	}
}

// NewRetryEngine creates an engine from a class matrix. A nil matrix uses
// the defaults.
func NewRetryEngine(matrix map[string]RetryPolicy) *RetryEngine {
	if matrix == nil {
		matrix = DefaultRetryMatrix()
	}
	return &RetryEngine{matrix: matrix, rand: rand.Float64}
}

// ClassifyStatus maps an upstream status (0 for no response) to a retry
// class; empty means the failure is not retryable.
func ClassifyStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 500:
		return ClassServer
	default:
		return ""
	}
}

// ShouldRetry reports whether attempt (1-based count of failures so far)
// within class gets another try. totalAttempts counts tries across all
// classes for the request.
func (e *RetryEngine) ShouldRetry(class string, attempt, totalAttempts int) bool {
	if totalAttempts >= maxTotalAttempts {
		return false
	}
	policy, ok := e.matrix[class]
	if !ok {
		return false
	}
	return attempt <= policy.Attempts
}

// Delay computes how long to wait before retry number attempt (1-based).
// A Retry-After header value, when present and parseable, wins over the
// configured backoff, capped at the policy max.
func (e *RetryEngine) Delay(class string, attempt int, retryAfterHeader string) time.Duration {
	policy, ok := e.matrix[class]
	if !ok {
		return 0
	}

	if retryAfterHeader != "" {
		if d, ok := ParseRetryAfter(retryAfterHeader); ok {
			if policy.Max > 0 && d > policy.Max {
				return policy.Max
			}
			if d < 0 {
				return 0
			}
			return d
		}
	}

	base := policy.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffLinear:
		delay = time.Duration(attempt) * base
	case BackoffExp:
		delay = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	default: // exp-jitter
		exp := float64(base) * math.Pow(2, float64(attempt-1))
		delay = time.Duration(exp + e.rand()*0.3*exp)
	}

	if policy.Max > 0 && delay > policy.Max {
		delay = policy.Max
	}
	return delay
}

// ParseRetryAfter accepts both the integer-seconds and HTTP-date forms of
// the Retry-After header.
func ParseRetryAfter(value string) (time.Duration, bool) {
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		return time.Until(when), true
	}
	return 0, false
}
