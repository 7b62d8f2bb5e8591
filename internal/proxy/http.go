package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/reliapi/reliapi/internal/cache"
	"github.com/reliapi/reliapi/internal/idempotency"
	"github.com/reliapi/reliapi/internal/keypool"
	"github.com/reliapi/reliapi/internal/metrics"
	"github.com/reliapi/reliapi/internal/observability"
	"github.com/reliapi/reliapi/internal/resilience"
	"github.com/reliapi/reliapi/internal/upstream"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

// ProxyHTTP runs the generic HTTP pipeline: cache, idempotent coalescing,
// key selection, rate admission, dispatch with key switches, writeback.
func (e *Engine) ProxyHTTP(ctx context.Context, caller *Caller, req HTTPRequest) *Envelope {
	start := time.Now()
	meta := Meta{
		RequestID: observability.RequestIDFromContext(ctx),
		Target:    req.Target,
	}
	finish := func(env *Envelope) *Envelope {
		env.Meta.DurationMS = float64(time.Since(start).Microseconds()) / 1000
		return env
	}

	target, client, terr := e.target(req.Target)
	if terr != nil {
		return finish(errEnvelope(terr, meta))
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	body := []byte(req.Body)
	cacheReq := cache.Request{
		Method:  method,
		URL:     strings.TrimRight(target.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/"),
		Query:   req.Query,
		Headers: req.Headers,
		Body:    body,
	}
	ttl := e.cacheTTLFor(req.Target, caller, req.CacheTTL)

	if ttl > 0 && cache.Cacheable(method, false) {
		if entry := e.cache.Get(ctx, caller.TenantName, cacheReq, false); entry != nil {
			metrics.CacheHits.WithLabelValues(req.Target).Inc()
			meta.CacheHit = true
			recordOutcome(req.Target, caller.TenantName, entry.StatusCode, start, "/proxy/http")
			return finish(&Envelope{
				Success: true,
				Data: &HTTPData{
					StatusCode: entry.StatusCode,
					Headers:    entry.Headers,
					Body:       string(entry.Body),
				},
				Meta: meta,
			})
		}
		metrics.CacheMisses.WithLabelValues(req.Target).Inc()
	}

	idemActive := req.IdempotencyKey != "" && isMutating(method)
	if idemActive {
		hash := idempotency.RequestHash(method, cacheReq.URL, req.Headers, body)
		outcome := e.registerIdempotent(ctx, caller, req.IdempotencyKey, hash, meta.RequestID)
		if !outcome.proceed {
			if outcome.err != nil {
				return finish(errEnvelope(outcome.err, meta))
			}
			metrics.IdempotentHits.WithLabelValues(req.Target).Inc()
			meta.IdempotentHit = true
			var data HTTPData
			if err := json.Unmarshal(outcome.result, &data); err != nil {
				return finish(&Envelope{Success: true, Data: json.RawMessage(outcome.result), Meta: meta})
			}
			return finish(&Envelope{Success: true, Data: &data, Meta: meta})
		}
		defer e.idem.ClearInProgress(ctx, caller.TenantName, req.IdempotencyKey)
	}

	provider := providerFor(target)
	switcher := keypool.NewSwitcher()
	keySel, kerr := e.selectKey(provider, nil)
	if kerr != nil {
		return finish(errEnvelope(kerr, meta))
	}

	release, aerr := e.admit(ctx, caller, keySel)
	if aerr != nil {
		return finish(errEnvelope(aerr, meta))
	}
	defer release()

	result, derr := e.dispatchWithKeySwitch(ctx, client, provider, keySel, switcher, upstream.Request{
		Method:  method,
		Path:    req.Path,
		Query:   req.Query,
		Headers: req.Headers,
		Body:    body,
	})
	meta.KeySwitches = switcher.Switches()

	if derr != nil {
		metrics.RequestFailures.WithLabelValues(req.Target, string(derr.Code)).Inc()
		recordOutcome(req.Target, caller.TenantName, 0, start, "/proxy/http")
		return finish(errEnvelope(derr, meta))
	}

	resp := result.Response
	meta.Retries = result.Retries
	recordOutcome(req.Target, caller.TenantName, resp.StatusCode, start, "/proxy/http")

	if resp.StatusCode >= 400 {
		upErr := reliapierr.FromUpstreamStatus(resp.StatusCode, "upstream returned "+http.StatusText(resp.StatusCode))
		upErr.Details = map[string]any{"body": truncateBody(resp.Body)}
		if ra := resp.Headers.Get("Retry-After"); ra != "" {
			if d, ok := resilience.ParseRetryAfter(ra); ok {
				upErr.RetryAfterS = d.Seconds()
			}
		}
		metrics.RequestFailures.WithLabelValues(req.Target, string(upErr.Code)).Inc()
		return finish(errEnvelope(upErr, meta))
	}

	data := &HTTPData{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Headers),
		Body:       string(resp.Body),
	}

	if ttl > 0 && cache.Cacheable(method, false) {
		e.cache.Set(ctx, caller.TenantName, cacheReq, &cache.Entry{
			StatusCode: resp.StatusCode,
			Headers:    data.Headers,
			Body:       resp.Body,
		}, ttl, false)
	}

	if idemActive {
		if raw, err := json.Marshal(data); err == nil {
			e.idem.StoreResult(ctx, caller.TenantName, req.IdempotencyKey, raw, ttl)
		}
	}

	return finish(&Envelope{Success: true, Data: data, Meta: meta})
}

// idemOutcome is the result of claiming an idempotency key. When proceed
// is false, exactly one of result (replay bytes) or err is set.
type idemOutcome struct {
	proceed bool
	result  []byte
	err     *reliapierr.Error
}

// registerIdempotent claims a key: conflict on hash mismatch, replay from
// the stored result, coalesce onto an in-flight winner, or proceed as the
// winner with the in-progress marker set.
func (e *Engine) registerIdempotent(ctx context.Context, caller *Caller, key, hash, requestID string) idemOutcome {
	reg := e.idem.Register(ctx, caller.TenantName, key, requestID, hash)

	if reg.IsNew {
		e.idem.MarkInProgress(ctx, caller.TenantName, key)
		return idemOutcome{proceed: true}
	}

	if reg.ExistingHash != hash {
		metrics.IdempotencyConflicts.Inc()
		return idemOutcome{err: reliapierr.NewIdempotencyConflict(
			"idempotency key reused with a different request")}
	}

	// A matching hash with no stored result always enters the poll loop:
	// the winner may not have written its in-progress marker yet.
	result := e.idem.Result(ctx, caller.TenantName, key)
	if result == nil {
		result = e.idem.WaitForResult(ctx, caller.TenantName, key)
	}
	if result != nil {
		return idemOutcome{result: result}
	}

	waitErr := reliapierr.NewIdempotencyConflict("request with this key is still in progress")
	waitErr.Retryable = true
	return idemOutcome{err: waitErr}
}

// dispatchWithKeySwitch calls upstream, rotating to another pool key on
// retryable failures until the per-request switch budget runs out.
func (e *Engine) dispatchWithKeySwitch(ctx context.Context, client *upstream.Client, provider string, keySel *keypool.Selection, switcher *keypool.Switcher, req upstream.Request) (*upstream.Result, *reliapierr.Error) {
	pool := e.pools.Pool(provider)
	totalRetries := 0

	for {
		if keySel != nil {
			switcher.MarkTried(keySel.ID)
			req.AuthOverride = e.authFor(provider, keySel)
		}

		result, err := client.Do(ctx, req)
		if result != nil {
			// Retries accumulate across key switches; a switched dispatch
			// counts as one retry.
			totalRetries += result.Retries
			result.Retries = totalRetries
		}

		status, reason := outcomeOf(result, err)
		if pool != nil && keySel != nil {
			if reason == "" {
				pool.RecordSuccess(keySel.ID)
			} else {
				pool.RecordError(keySel.ID, status)
			}
		}

		if reason == "" || pool == nil || keySel == nil {
			return result, reliapierr.AsError(err)
		}

		if !switcher.CanSwitch() {
			metrics.KeySwitchBudgetExhausted.WithLabelValues(provider).Inc()
			return result, reliapierr.AsError(err)
		}

		next := pool.Select(switcher.Tried())
		if next == nil {
			metrics.PoolExhausted.WithLabelValues(provider).Inc()
			return result, reliapierr.AsError(err)
		}

		switcher.RecordSwitch()
		totalRetries++
		metrics.KeySwitches.WithLabelValues(provider, reason).Inc()
		e.logger.Info("switching provider key",
			"provider", provider, "from", keySel.ID, "to", next.ID, "reason", reason)
		keySel = next
	}
}

// outcomeOf classifies a dispatch result for key-switch purposes. An empty
// reason means success or a non-retryable outcome.
func outcomeOf(result *upstream.Result, err error) (status int, reason string) {
	if err != nil {
		return 0, "net"
	}
	switch {
	case result.Response.StatusCode == http.StatusTooManyRequests:
		return result.Response.StatusCode, "429"
	case result.Response.StatusCode >= 500:
		return result.Response.StatusCode, "5xx"
	default:
		return result.Response.StatusCode, ""
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max])
}
