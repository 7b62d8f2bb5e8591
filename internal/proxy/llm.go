package proxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/reliapi/reliapi/internal/adapter"
	"github.com/reliapi/reliapi/internal/cache"
	"github.com/reliapi/reliapi/internal/config"
	"github.com/reliapi/reliapi/internal/idempotency"
	"github.com/reliapi/reliapi/internal/keypool"
	"github.com/reliapi/reliapi/internal/metrics"
	"github.com/reliapi/reliapi/internal/observability"
	"github.com/reliapi/reliapi/internal/pricing"
	"github.com/reliapi/reliapi/internal/upstream"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

// softCapScale is the safety factor applied when the soft cap shrinks
// max_tokens, so the re-estimate lands below the cap.
const softCapScale = 0.9

// maxFallbackDepth bounds fallback recursion across misconfigured chains.
const maxFallbackDepth = 3

// llmCall is the resolved, budget-checked plan for one LLM dispatch.
type llmCall struct {
	target   *config.Target
	client   *upstream.Client
	provider string
	adapter  adapter.Adapter
	model    string
	chatReq  adapter.Request
	payload  []byte
	estimate *pricing.Estimate
}

// ProxyLLM runs the non-streaming LLM pipeline.
func (e *Engine) ProxyLLM(ctx context.Context, caller *Caller, req LLMRequest, ov Overrides) *Envelope {
	return e.proxyLLM(ctx, caller, req, ov, true, 0)
}

func (e *Engine) proxyLLM(ctx context.Context, caller *Caller, req LLMRequest, ov Overrides, allowIdem bool, depth int) *Envelope {
	start := time.Now()
	meta := Meta{
		RequestID: observability.RequestIDFromContext(ctx),
		Target:    req.Target,
	}
	finish := func(env *Envelope) *Envelope {
		env.Meta.DurationMS = float64(time.Since(start).Microseconds()) / 1000
		return env
	}

	call, perr := e.planLLMCall(caller, req, ov, &meta, false)
	if perr != nil {
		return finish(errEnvelope(perr, meta))
	}

	cacheReq := cache.Request{
		Method: http.MethodPost,
		URL:    call.target.BaseURL + call.adapter.Path(call.model, false),
		Body:   call.payload,
	}
	ttl := e.cacheTTLFor(req.Target, caller, req.CacheTTL)

	if ttl > 0 {
		if entry := e.cache.Get(ctx, caller.TenantName, cacheReq, true); entry != nil {
			metrics.CacheHits.WithLabelValues(req.Target).Inc()
			meta.CacheHit = true
			var data LLMData
			if err := json.Unmarshal(entry.Body, &data); err == nil {
				recordOutcome(req.Target, caller.TenantName, 200, start, "/proxy/llm")
				return finish(&Envelope{Success: true, Data: &data, Meta: meta})
			}
		}
		metrics.CacheMisses.WithLabelValues(req.Target).Inc()
	}

	idemActive := allowIdem && req.IdempotencyKey != ""
	if idemActive {
		hash := idempotency.RequestHash(http.MethodPost, cacheReq.URL, nil, call.payload)
		outcome := e.registerIdempotent(ctx, caller, req.IdempotencyKey, hash, meta.RequestID)
		if !outcome.proceed {
			if outcome.err != nil {
				return finish(errEnvelope(outcome.err, meta))
			}
			metrics.IdempotentHits.WithLabelValues(req.Target).Inc()
			meta.IdempotentHit = true
			var data LLMData
			if err := json.Unmarshal(outcome.result, &data); err != nil {
				return finish(&Envelope{Success: true, Data: json.RawMessage(outcome.result), Meta: meta})
			}
			return finish(&Envelope{Success: true, Data: &data, Meta: meta})
		}
		defer e.idem.ClearInProgress(ctx, caller.TenantName, req.IdempotencyKey)
	}

	switcher := keypool.NewSwitcher()
	keySel, kerr := e.selectKey(call.provider, nil)
	if kerr != nil {
		return finish(errEnvelope(kerr, meta))
	}

	release, aerr := e.admit(ctx, caller, keySel)
	if aerr != nil {
		return finish(errEnvelope(aerr, meta))
	}
	defer release()

	result, derr := e.dispatchWithKeySwitch(ctx, call.client, call.provider, keySel, switcher, upstream.Request{
		Method:  http.MethodPost,
		Path:    call.adapter.Path(call.model, false),
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    call.payload,
	})
	meta.KeySwitches = switcher.Switches()

	var upErr *reliapierr.Error
	if derr != nil {
		upErr = derr
	} else if result.Response.StatusCode >= 400 {
		meta.Retries = result.Retries
		upErr = reliapierr.FromUpstreamStatus(result.Response.StatusCode,
			"upstream returned "+strconv.Itoa(result.Response.StatusCode))
		upErr.Details = map[string]any{"body": truncateBody(result.Response.Body)}
	}

	if upErr != nil {
		if upErr.Retryable && depth < maxFallbackDepth {
			if env := e.tryFallback(ctx, caller, req, ov, depth); env != nil {
				return finish(env)
			}
		}
		metrics.RequestFailures.WithLabelValues(req.Target, string(upErr.Code)).Inc()
		recordOutcome(req.Target, caller.TenantName, upErr.StatusCode, start, "/proxy/llm")
		return finish(errEnvelope(upErr, meta))
	}

	meta.Retries = result.Retries
	parsed, perr2 := call.adapter.ParseResponse(result.Response.Body)
	if perr2 != nil {
		badResp := reliapierr.New(reliapierr.CodeProviderError, "unparseable provider response: "+perr2.Error())
		badResp.StatusCode = http.StatusBadGateway
		metrics.RequestFailures.WithLabelValues(req.Target, string(badResp.Code)).Inc()
		return finish(errEnvelope(badResp, meta))
	}

	data := e.settleLLMResult(caller, req.Target, call, parsed)
	recordOutcome(req.Target, caller.TenantName, 200, start, "/proxy/llm")

	if ttl > 0 {
		if raw, err := json.Marshal(data); err == nil {
			e.cache.Set(ctx, caller.TenantName, cacheReq, &cache.Entry{
				StatusCode: 200,
				Body:       raw,
				CostUSD:    data.CostUSD,
			}, ttl, true)
		}
	}
	if idemActive {
		if raw, err := json.Marshal(data); err == nil {
			e.idem.StoreResult(ctx, caller.TenantName, req.IdempotencyKey, raw, ttl)
		}
	}

	return finish(&Envelope{Success: true, Data: data, Meta: meta})
}

// planLLMCall resolves target, provider, adapter, and model, applies the
// configuration ceilings, and runs the budget gate. Streaming callers set
// stream so the payload is built with the stream flag.
func (e *Engine) planLLMCall(caller *Caller, req LLMRequest, ov Overrides, meta *Meta, stream bool) (*llmCall, *reliapierr.Error) {
	target, client, terr := e.target(req.Target)
	if terr != nil {
		return nil, terr
	}
	if target.LLM == nil {
		return nil, reliapierr.New(reliapierr.CodeInvalidTarget, "target "+req.Target+" has no llm configuration")
	}
	if len(req.Messages) == 0 {
		return nil, reliapierr.NewBadRequest("messages must not be empty")
	}

	provider := ov.Provider
	if provider == "" {
		provider = providerFor(target)
	}
	if provider == "" {
		return nil, reliapierr.NewUnknownProvider(target.BaseURL)
	}

	adp, aerr := adapter.ForProvider(provider, e.prices)
	if aerr != nil {
		nf := reliapierr.New(reliapierr.CodeAdapterNotFound, "no adapter for provider "+provider)
		nf.StatusCode = http.StatusBadRequest
		return nil, nf
	}

	model := ov.Model
	if model == "" {
		model = req.Model
	}
	if model == "" {
		model = target.LLM.DefaultModel
	}
	if model == "" {
		return nil, reliapierr.NewBadRequest("no model requested and target has no default_model")
	}

	maxTokens := req.MaxTokens
	if target.LLM.MaxTokens > 0 && (maxTokens == 0 || maxTokens > target.LLM.MaxTokens) {
		maxTokens = target.LLM.MaxTokens
	}
	temperature := req.Temperature
	if temperature != nil && target.LLM.MaxTemperature != nil && *temperature > *target.LLM.MaxTemperature {
		temperature = target.LLM.MaxTemperature
	}

	chatReq := adapter.Request{
		Messages:    req.Messages,
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}

	estimate, berr := e.budgetGate(caller, req.Target, provider, target.LLM, &chatReq, meta)
	if berr != nil {
		return nil, berr
	}

	payload, err := adp.PrepareRequest(chatReq)
	if err != nil {
		return nil, reliapierr.NewInternal("build provider payload: " + err.Error())
	}

	return &llmCall{
		target:   target,
		client:   client,
		provider: provider,
		adapter:  adp,
		model:    model,
		chatReq:  chatReq,
		payload:  payload,
		estimate: estimate,
	}, nil
}

// budgetGate estimates the call cost and applies the caps: the hard cap
// rejects, the soft cap shrinks max_tokens and re-estimates. The tenant's
// per-target cap overrides the target's hard cap.
func (e *Engine) budgetGate(caller *Caller, targetName, provider string, llm *config.LLMConfig, chatReq *adapter.Request, meta *Meta) (*pricing.Estimate, *reliapierr.Error) {
	estimate := e.prices.EstimateUSD(provider, chatReq.Model, chatReq.PromptChars(), chatReq.MaxTokens)
	if estimate == nil {
		return nil, nil // unpriced model, no gate
	}
	meta.CostEstimateUSD = &estimate.USD

	hardCap := llm.HardCostCapUSD
	if tenantCap, ok := caller.Tenant.CostCaps[targetName]; ok {
		hardCap = tenantCap
	}

	if hardCap > 0 && estimate.USD > hardCap {
		metrics.BudgetEvents.WithLabelValues(targetName, "hard_cap").Inc()
		meta.CostPolicyApplied = "hard_cap_rejected"
		return estimate, reliapierr.NewBudgetExceeded(
			"estimated cost $" + strconv.FormatFloat(estimate.USD, 'f', 4, 64) +
				" exceeds hard cap $" + strconv.FormatFloat(hardCap, 'f', 4, 64))
	}

	if llm.SoftCostCapUSD > 0 && estimate.USD > llm.SoftCostCapUSD {
		metrics.BudgetEvents.WithLabelValues(targetName, "soft_cap").Inc()
		meta.CostPolicyApplied = "soft_cap_throttled"
		meta.OriginalMaxTokens = chatReq.MaxTokens

		scale := llm.SoftCostCapUSD / estimate.USD * softCapScale
		scaled := int(float64(estimate.CompletionTokens) * scale)
		if scaled < 1 {
			scaled = 1
		}
		chatReq.MaxTokens = scaled

		estimate = e.prices.EstimateUSD(provider, chatReq.Model, chatReq.PromptChars(), chatReq.MaxTokens)
		if estimate != nil {
			meta.CostEstimateUSD = &estimate.USD
		}
	}

	return estimate, nil
}

// settleLLMResult prices the realised usage and updates spend accounting.
func (e *Engine) settleLLMResult(caller *Caller, targetName string, call *llmCall, parsed *adapter.Response) *LLMData {
	cost := call.adapter.CostUSD(call.model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
	if cost != nil {
		metrics.SpendUSD.WithLabelValues(targetName, caller.TenantName, call.model).Add(*cost)
	}
	metrics.TokensTotal.WithLabelValues(targetName, call.model, "prompt").Add(float64(parsed.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues(targetName, call.model, "completion").Add(float64(parsed.Usage.CompletionTokens))

	return &LLMData{
		Content:      parsed.Content,
		Role:         parsed.Role,
		FinishReason: parsed.FinishReason,
		Model:        call.model,
		Provider:     call.provider,
		Usage:        parsed.Usage,
		CostUSD:      cost,
	}
}

// tryFallback recurses into the first configured fallback target. It
// returns nil when no fallback applies; the caller then surfaces the
// original error. Free-tier tenants never chain fallbacks, and the
// fallback call runs with idempotency disabled.
func (e *Engine) tryFallback(ctx context.Context, caller *Caller, req LLMRequest, ov Overrides, depth int) *Envelope {
	if caller.FreeTier() {
		return nil
	}

	chain := e.cfg.Targets[req.Target].FallbackTargets
	if override, ok := caller.Tenant.Fallbacks[req.Target]; ok {
		chain = override
	}
	if len(chain) == 0 {
		return nil
	}

	fallbackTarget := chain[0]
	e.logger.Info("falling back", "from", req.Target, "to", fallbackTarget)

	fbReq := req
	fbReq.Target = fallbackTarget
	fbReq.IdempotencyKey = ""

	env := e.proxyLLM(ctx, caller, fbReq, ov, false, depth+1)
	if !env.Success {
		return nil
	}
	env.Meta.FallbackUsed = true
	env.Meta.FallbackTarget = fallbackTarget
	return env
}
