package main

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// Health probes are unauthenticated, so each source IP gets a small
// token-bucket allowance to keep scrapers from hammering the endpoints.
const (
	healthProbesPerMinute = 20
	healthBurst           = 5
	healthMaxSources      = 10000
)

type healthLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHealthLimiter() *healthLimiter {
	return &healthLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (h *healthLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	limiter, ok := h.limiters[host]
	if !ok {
		if len(h.limiters) >= healthMaxSources {
			h.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Limit(float64(healthProbesPerMinute)/60.0), healthBurst)
		h.limiters[host] = limiter
	}
	return limiter.Allow()
}
