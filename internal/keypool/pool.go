// Package keypool manages pools of provider API keys with load-aware
// selection and health scoring. Each upstream provider owns one pool; the
// proxy asks it for the least-loaded healthy key and reports call outcomes
// back so unhealthy keys drain out of rotation.
package keypool

import (
	"sync"
	"time"
)

// Key lifecycle states.
const (
	StatusActive    = "active"
	StatusDegraded  = "degraded"
	StatusExhausted = "exhausted"
	StatusBanned    = "banned"
)

const (
	// qpsWindow is the sliding window over which current QPS is measured.
	qpsWindow = 10 * time.Second

	// Error-score increments by failure kind, capped at maxErrorScore.
	scoreRateLimit = 0.10
	scoreServer    = 0.05
	scoreOther     = 0.02
	maxErrorScore  = 1.0

	// Consecutive-error thresholds for status demotion.
	degradedThreshold  = 5
	exhaustedThreshold = 10

	// recoveryScore is the error-score level below which a degraded key
	// returns to active on a successful call.
	recoveryScore = 0.3

	successDecay = 0.95
)

// KeyConfig seeds one key into a pool.
type KeyConfig struct {
	ID       string
	APIKey   string
	QPSLimit float64
	Banned   bool
}

// Selection is the outcome of a pool pick: the credential to use and the
// identifiers the caller needs for bucketing and switch tracking.
type Selection struct {
	ID       string
	APIKey   string
	QPSLimit float64
}

// KeyHealth is a read-only snapshot of one key's state.
type KeyHealth struct {
	ID                string
	Status            string
	ConsecutiveErrors int
	ErrorScore        float64
	HealthScore       float64
	CurrentQPS        float64
}

type poolKey struct {
	id       string
	apiKey   string
	qpsLimit float64

	status            string
	consecutiveErrors int
	errorScore        float64

	// window holds dispatch timestamps inside the last qpsWindow.
	window []time.Time
}

// Pool holds the keys of one provider. All state is guarded by a single
// mutex; selection and health updates are short critical sections.
type Pool struct {
	mu       sync.Mutex
	provider string
	keys     []*poolKey
	byID     map[string]*poolKey
}

// NewPool creates a pool for one provider. Keys marked banned never enter
// rotation but remain visible in health snapshots.
func NewPool(provider string, configs []KeyConfig) *Pool {
	p := &Pool{
		provider: provider,
		byID:     make(map[string]*poolKey, len(configs)),
	}
	for _, kc := range configs {
		status := StatusActive
		if kc.Banned {
			status = StatusBanned
		}
		k := &poolKey{
			id:       kc.ID,
			apiKey:   kc.APIKey,
			qpsLimit: kc.QPSLimit,
			status:   status,
		}
		p.keys = append(p.keys, k)
		p.byID[k.id] = k
	}
	return p
}

// Provider returns the provider this pool serves.
func (p *Pool) Provider() string { return p.provider }

// Select picks the key with the lowest load score among active keys not in
// the exclusion set, falling back to degraded keys when no active key
// remains. It returns nil when the pool is exhausted. The selected key's
// QPS window records the dispatch.
func (p *Pool) Select(exclude map[string]bool) *Selection {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	best := p.pickLocked(StatusActive, exclude, now)
	if best == nil {
		best = p.pickLocked(StatusDegraded, exclude, now)
	}
	if best == nil {
		return nil
	}

	best.window = append(best.window, now)
	return &Selection{ID: best.id, APIKey: best.apiKey, QPSLimit: best.qpsLimit}
}

// pickLocked returns the lowest-score key in the given status. Ties keep
// the earliest key in configuration order.
func (p *Pool) pickLocked(status string, exclude map[string]bool, now time.Time) *poolKey {
	var best *poolKey
	bestScore := 0.0
	for _, k := range p.keys {
		if k.status != status || exclude[k.id] {
			continue
		}
		score := k.loadScore(now)
		if best == nil || score < bestScore {
			best = k
			bestScore = score
		}
	}
	return best
}

// loadScore combines QPS pressure and recent errors. Keys without a QPS
// limit contribute only their error score.
func (k *poolKey) loadScore(now time.Time) float64 {
	score := k.errorScore
	if k.qpsLimit > 0 {
		score += k.currentQPS(now) / k.qpsLimit
	}
	return score
}

func (k *poolKey) currentQPS(now time.Time) float64 {
	cutoff := now.Add(-qpsWindow)
	i := 0
	for i < len(k.window) && k.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		k.window = k.window[i:]
	}
	return float64(len(k.window)) / qpsWindow.Seconds()
}

// RecordSuccess resets the consecutive-error count, decays the error score,
// and recovers a degraded key to active once the score drops far enough.
func (p *Pool) RecordSuccess(keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.byID[keyID]
	if !ok {
		return
	}
	k.consecutiveErrors = 0
	k.errorScore *= successDecay
	if k.status == StatusDegraded && k.errorScore < recoveryScore {
		k.status = StatusActive
	}
}

// RecordError bumps the error score by failure kind and demotes the key
// when consecutive errors cross the degraded or exhausted thresholds.
// Status 0 means a transport-level failure.
func (p *Pool) RecordError(keyID string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.byID[keyID]
	if !ok || k.status == StatusBanned {
		return
	}

	k.consecutiveErrors++
	switch {
	case status == 429:
		k.errorScore += scoreRateLimit
	case status >= 500:
		k.errorScore += scoreServer
	default:
		k.errorScore += scoreOther
	}
	if k.errorScore > maxErrorScore {
		k.errorScore = maxErrorScore
	}

	switch {
	case k.consecutiveErrors >= exhaustedThreshold:
		k.status = StatusExhausted
	case k.consecutiveErrors >= degradedThreshold:
		if k.status == StatusActive {
			k.status = StatusDegraded
		}
	}
}

// Decay multiplies every key's error score by the given factor. The
// manager's background loop calls this once a minute.
func (p *Pool) Decay(factor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		k.errorScore *= factor
	}
}

// Health returns a snapshot of every key, banned included.
func (p *Pool) Health() []KeyHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]KeyHealth, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, KeyHealth{
			ID:                k.id,
			Status:            k.status,
			ConsecutiveErrors: k.consecutiveErrors,
			ErrorScore:        k.errorScore,
			HealthScore:       1 - k.errorScore,
			CurrentQPS:        k.currentQPS(now),
		})
	}
	return out
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
