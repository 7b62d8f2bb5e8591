package keypool

import (
	"sync"
	"time"
)

const (
	decayInterval = time.Minute
	decayFactor   = 0.9

	// MaxKeySwitches bounds how many times a single request may retry with
	// a different key from the same pool.
	MaxKeySwitches = 3
)

// Manager owns one pool per provider plus the background score-decay loop.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool

	stopDecay chan struct{}
	decayDone chan struct{}
	stopOnce  sync.Once
}

// NewManager creates a manager over the given pools, keyed by provider, and
// starts the decay loop.
func NewManager(pools map[string]*Pool) *Manager {
	m := &Manager{
		pools:     make(map[string]*Pool, len(pools)),
		stopDecay: make(chan struct{}),
		decayDone: make(chan struct{}),
	}
	for provider, p := range pools {
		m.pools[provider] = p
	}
	go m.decayLoop()
	return m
}

// Pool returns the pool for a provider, or nil when none is configured.
func (m *Manager) Pool(provider string) *Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[provider]
}

func (m *Manager) decayLoop() {
	defer close(m.decayDone)
	ticker := time.NewTicker(decayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopDecay:
			return
		case <-ticker.C:
			m.mu.RLock()
			for _, p := range m.pools {
				p.Decay(decayFactor)
			}
			m.mu.RUnlock()
		}
	}
}

// Shutdown stops the decay loop and waits for it to exit.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopDecay)
	})
	<-m.decayDone
}

// Switcher tracks key switches for one request: how many were performed
// and which key IDs were already tried.
type Switcher struct {
	switches int
	tried    map[string]bool
}

// NewSwitcher creates a tracker with an empty exclusion set.
func NewSwitcher() *Switcher {
	return &Switcher{tried: make(map[string]bool)}
}

// MarkTried records a key as used by this request.
func (s *Switcher) MarkTried(keyID string) {
	s.tried[keyID] = true
}

// CanSwitch reports whether the per-request switch budget remains.
func (s *Switcher) CanSwitch() bool {
	return s.switches < MaxKeySwitches
}

// RecordSwitch consumes one unit of the switch budget.
func (s *Switcher) RecordSwitch() {
	s.switches++
}

// Switches returns how many switches this request performed.
func (s *Switcher) Switches() int { return s.switches }

// Tried returns the exclusion set for the next selection.
func (s *Switcher) Tried() map[string]bool { return s.tried }
