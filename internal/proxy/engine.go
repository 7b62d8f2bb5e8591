// Package proxy is the request engine: it threads each call through
// authentication, caching, idempotent coalescing, budget gating, rate
// admission, key selection, upstream dispatch with retries and key
// switches, and fallback recursion.
package proxy

import (
	"context"
	"time"

	"github.com/reliapi/reliapi/internal/adapter"
	"github.com/reliapi/reliapi/internal/cache"
	"github.com/reliapi/reliapi/internal/config"
	"github.com/reliapi/reliapi/internal/idempotency"
	"github.com/reliapi/reliapi/internal/keypool"
	"github.com/reliapi/reliapi/internal/kv"
	"github.com/reliapi/reliapi/internal/metrics"
	"github.com/reliapi/reliapi/internal/observability"
	"github.com/reliapi/reliapi/internal/pricing"
	"github.com/reliapi/reliapi/internal/resilience"
	"github.com/reliapi/reliapi/internal/upstream"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

// Engine owns all per-process state. Handlers receive it explicitly; there
// are no package-level singletons.
type Engine struct {
	cfg    *config.Config
	logger *observability.Logger

	cache   *cache.Cache
	idem    *idempotency.Manager
	sched   *resilience.Scheduler
	pools   *keypool.Manager
	prices  *pricing.Table
	clients map[string]*upstream.Client
}

// New wires the engine from configuration. Background loops (scheduler
// sweeper, key-score decay) start here and stop in Shutdown.
func New(cfg *config.Config, store kv.Store, logger *observability.Logger) *Engine {
	sched := resilience.NewScheduler()
	sched.OnEvict(func(reason string) {
		metrics.BucketEvictions.WithLabelValues(reason).Inc()
	})

	pools := make(map[string]*keypool.Pool, len(cfg.ProviderKeyPools))
	for provider, pc := range cfg.ProviderKeyPools {
		keys := make([]keypool.KeyConfig, 0, len(pc.Keys))
		for _, k := range pc.Keys {
			keys = append(keys, keypool.KeyConfig{
				ID:       k.ID,
				APIKey:   k.APIKey,
				QPSLimit: k.QPSLimit,
				Banned:   k.Banned,
			})
		}
		pools[provider] = keypool.NewPool(provider, keys)
	}

	clients := make(map[string]*upstream.Client, len(cfg.Targets))
	for name, t := range cfg.Targets {
		breaker := resilience.NewCircuitBreaker(name, t.CircuitBreaker.FailureThreshold, t.CircuitBreaker.OpenTTL)
		clients[name] = upstream.NewClient(name, t, breaker, logger)
	}

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		cache:   cache.New(store, logger),
		idem:    idempotency.NewManager(store, logger),
		sched:   sched,
		pools:   keypool.NewManager(pools),
		prices:  pricing.NewTable(),
		clients: clients,
	}
}

// Shutdown stops background loops and releases pooled connections.
func (e *Engine) Shutdown() {
	e.sched.Shutdown()
	e.pools.Shutdown()
	for _, c := range e.clients {
		c.CloseIdleConnections()
	}
}

// Config exposes the loaded configuration to handlers.
func (e *Engine) Config() *config.Config { return e.cfg }

// ResolveCaller authenticates the API key and resolves the client profile.
func (e *Engine) ResolveCaller(apiKey, headerProfile string) (*Caller, *reliapierr.Error) {
	tenantName, tenant := e.cfg.TenantByAPIKey(apiKey)
	if tenant == nil {
		return nil, reliapierr.NewUnauthorized("invalid or missing API key")
	}
	profileName, profile := e.cfg.ResolveProfile(headerProfile, tenant)
	return &Caller{
		TenantName:  tenantName,
		Tenant:      tenant,
		ProfileName: profileName,
		Profile:     profile,
	}, nil
}

// target resolves a named target or fails with NOT_FOUND.
func (e *Engine) target(name string) (*config.Target, *upstream.Client, *reliapierr.Error) {
	t, ok := e.cfg.Targets[name]
	if !ok {
		return nil, nil, reliapierr.NewNotFound("unknown target: " + name)
	}
	return t, e.clients[name], nil
}

// providerFor determines the provider family for a target.
func providerFor(t *config.Target) string {
	if t.LLM != nil && t.LLM.Provider != "" {
		return t.LLM.Provider
	}
	return adapter.DetectProvider(t.BaseURL)
}

// limitsFor assembles the admission chain: provider-key bucket first, then
// tenant, then profile. Zero-rate limits are skipped by the scheduler.
func (e *Engine) limitsFor(caller *Caller, keySel *keypool.Selection) []resilience.Limit {
	var limits []resilience.Limit

	if keySel != nil {
		qps := keySel.QPSLimit
		if qps <= 0 {
			qps = caller.Profile.ProviderKeyQPS
		}
		limits = append(limits, resilience.Limit{
			Key:    resilience.ProviderKeyBucket(keySel.ID),
			MaxQPS: qps,
		})
	}

	tenantQPS := caller.Profile.TenantQPS
	if caller.Tenant.RequestsPerMinute > 0 {
		tenantQPS = caller.Tenant.RequestsPerMinute / 60
	}
	limits = append(limits, resilience.Limit{
		Key:    resilience.TenantBucket(caller.TenantName),
		MaxQPS: tenantQPS,
		Burst:  caller.Profile.BurstSize,
	})

	// The profile bucket is shared across tenants, so its rate is the
	// profile's own QPS; unset leaves it a pure concurrency gate.
	limits = append(limits, resilience.Limit{
		Key:           resilience.ProfileBucket(caller.ProfileName),
		MaxQPS:        caller.Profile.ProfileQPS,
		Burst:         caller.Profile.BurstSize,
		MaxConcurrent: caller.Profile.MaxParallelRequests,
	})

	return limits
}

// admit runs rate admission and acquires the concurrency slots. The
// returned release function must run on every exit path.
func (e *Engine) admit(ctx context.Context, caller *Caller, keySel *keypool.Selection) (func(), *reliapierr.Error) {
	limits := e.limitsFor(caller, keySel)

	adm := e.sched.CheckRateLimit(limits)
	if !adm.Allowed {
		metrics.RateLimitRefusals.WithLabelValues(adm.RefusedBy).Inc()
		return nil, reliapierr.NewRateLimited("rate limit exceeded ("+adm.RefusedBy+")", adm.RetryAfterS)
	}

	release, err := e.sched.AcquireSlots(ctx, limits)
	if err != nil {
		return nil, reliapierr.NewRateLimited("concurrency limit reached", 1)
	}
	return release, nil
}

// selectKey picks a provider key for a target with a pool. A nil selection
// with a nil error means the target has no pool and static auth applies.
func (e *Engine) selectKey(provider string, exclude map[string]bool) (*keypool.Selection, *reliapierr.Error) {
	if provider == "" {
		return nil, nil
	}
	pool := e.pools.Pool(provider)
	if pool == nil {
		return nil, nil
	}
	sel := pool.Select(exclude)
	if sel == nil {
		metrics.PoolExhausted.WithLabelValues(provider).Inc()
		err := reliapierr.New(reliapierr.CodeProviderError, "provider key pool exhausted for "+provider)
		err.Retryable = true
		err.StatusCode = 503
		return nil, err
	}
	return sel, nil
}

// authFor builds the auth override for a pool key, using the provider's
// adapter header convention.
func (e *Engine) authFor(provider string, sel *keypool.Selection) map[string]string {
	if sel == nil {
		return nil
	}
	a, err := adapter.ForProvider(provider, e.prices)
	if err != nil {
		// Pool configured for an unknown family; inject as bearer.
		return map[string]string{"Authorization": "Bearer " + sel.APIKey}
	}
	return a.AuthHeaders(sel.APIKey)
}

// cacheTTLFor applies the per-request override, then tenant override, then
// the target default.
func (e *Engine) cacheTTLFor(targetName string, caller *Caller, requestTTL *int) time.Duration {
	if requestTTL != nil {
		return time.Duration(*requestTTL) * time.Second
	}
	return e.cfg.CacheTTLFor(targetName, caller.TenantName)
}

// recordOutcome updates the request metrics for a finished call.
func recordOutcome(targetName, tenantName string, status int, start time.Time, path string) {
	metrics.RequestsTotal.WithLabelValues(targetName, tenantName, reliapierr.NormalizeStatusLabel(status)).Inc()
	metrics.RequestDuration.WithLabelValues(targetName, path).Observe(time.Since(start).Seconds())
}
