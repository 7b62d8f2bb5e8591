package proxy

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/reliapi/reliapi/internal/adapter"
	"github.com/reliapi/reliapi/internal/cache"
	"github.com/reliapi/reliapi/internal/idempotency"
	"github.com/reliapi/reliapi/internal/keypool"
	"github.com/reliapi/reliapi/internal/metrics"
	"github.com/reliapi/reliapi/internal/observability"
	"github.com/reliapi/reliapi/internal/pricing"
	"github.com/reliapi/reliapi/internal/upstream"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

// streamReadTimeout bounds the silence between upstream chunks. When it
// fires the upstream body is closed and the stream ends with an
// interruption event.
const streamReadTimeout = 60 * time.Second

// streamMeta is the first SSE event on every stream.
type streamMeta struct {
	RequestID         string   `json:"request_id"`
	Target            string   `json:"target"`
	Provider          string   `json:"provider"`
	Model             string   `json:"model"`
	CostEstimateUSD   *float64 `json:"cost_estimate_usd,omitempty"`
	CostPolicyApplied string   `json:"cost_policy_applied,omitempty"`
	MaxTokensReduced  bool     `json:"max_tokens_reduced,omitempty"`
	OriginalMaxTokens int      `json:"original_max_tokens,omitempty"`
}

type streamChunk struct {
	Delta        string  `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type streamDone struct {
	FinishReason string         `json:"finish_reason"`
	Usage        *adapter.Usage `json:"usage"`
	CostUSD      *float64       `json:"cost_usd,omitempty"`
}

type streamError struct {
	Code           reliapierr.Code `json:"code"`
	Message        string          `json:"message"`
	UpstreamStatus int             `json:"upstream_status,omitempty"`
	RetryAfterS    float64         `json:"retry_after_s,omitempty"`
}

// ProxyLLMStream runs the streaming LLM pipeline, writing SSE events to w.
// Failures before the upstream stream opens surface as a plain error
// envelope via the returned error; once events flow, failures surface as
// an SSE error event and the return is nil.
func (e *Engine) ProxyLLMStream(ctx context.Context, caller *Caller, req LLMRequest, ov Overrides, w http.ResponseWriter) *reliapierr.Error {
	return e.proxyLLMStream(ctx, caller, req, ov, true, 0, w)
}

func (e *Engine) proxyLLMStream(ctx context.Context, caller *Caller, req LLMRequest, ov Overrides, allowIdem bool, depth int, w http.ResponseWriter) *reliapierr.Error {
	meta := Meta{
		RequestID: observability.RequestIDFromContext(ctx),
		Target:    req.Target,
	}

	call, perr := e.planLLMCall(caller, req, ov, &meta, true)
	if perr != nil {
		return perr
	}
	if !call.adapter.SupportsStreaming() {
		return reliapierr.New(reliapierr.CodeStreamingUnsupported,
			"provider "+call.provider+" does not support streaming")
	}

	idemActive := allowIdem && req.IdempotencyKey != ""
	if idemActive {
		if serr := e.claimStream(ctx, caller, req.IdempotencyKey, call, meta.RequestID); serr != nil {
			return serr
		}
		defer e.idem.ClearInProgress(ctx, caller.TenantName, req.IdempotencyKey)
	}

	switcher := keypool.NewSwitcher()
	keySel, kerr := e.selectKey(call.provider, nil)
	if kerr != nil {
		return kerr
	}

	release, aerr := e.admit(ctx, caller, keySel)
	if aerr != nil {
		return aerr
	}
	defer release()

	resp, serr := e.openStream(ctx, call, keySel, switcher)
	if serr != nil {
		if serr.Retryable && depth < maxFallbackDepth && !caller.FreeTier() {
			if fb := e.streamFallbackTarget(caller, req.Target); fb != "" {
				e.logger.Info("falling back", "from", req.Target, "to", fb, "stream", true)
				fbReq := req
				fbReq.Target = fb
				fbReq.IdempotencyKey = ""
				return e.proxyLLMStream(ctx, caller, fbReq, ov, false, depth+1, w)
			}
		}
		metrics.RequestFailures.WithLabelValues(req.Target, string(serr.Code)).Inc()
		return serr
	}
	defer resp.Body.Close()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	e.relayStream(ctx, caller, req, call, resp, meta, idemActive, w)
	return nil
}

// claimStream applies the streaming idempotency rules: a completed key
// refuses with STREAM_ALREADY_COMPLETED, an in-flight key with
// STREAM_ALREADY_IN_PROGRESS. SSE cannot replay a finished stream.
func (e *Engine) claimStream(ctx context.Context, caller *Caller, key string, call *llmCall, requestID string) *reliapierr.Error {
	hash := e.streamRequestHash(call)
	reg := e.idem.Register(ctx, caller.TenantName, key, requestID, hash)
	if reg.IsNew {
		e.idem.MarkInProgress(ctx, caller.TenantName, key)
		return nil
	}
	if reg.ExistingHash != hash {
		metrics.IdempotencyConflicts.Inc()
		return reliapierr.NewIdempotencyConflict("idempotency key reused with a different request")
	}
	if e.idem.Result(ctx, caller.TenantName, key) != nil {
		return reliapierr.New(reliapierr.CodeStreamAlreadyCompleted,
			"a stream with this idempotency key already completed")
	}
	return reliapierr.New(reliapierr.CodeStreamAlreadyInProgress,
		"a stream with this idempotency key is in progress")
}

func (e *Engine) streamRequestHash(call *llmCall) string {
	return idempotency.RequestHash(http.MethodPost, call.target.BaseURL+call.adapter.Path(call.model, true), nil, call.payload)
}

// openStream opens the upstream SSE connection, rotating pool keys on
// retryable open failures. Key switches only happen before the first byte.
func (e *Engine) openStream(ctx context.Context, call *llmCall, keySel *keypool.Selection, switcher *keypool.Switcher) (*http.Response, *reliapierr.Error) {
	pool := e.pools.Pool(call.provider)

	for {
		req := upstream.Request{
			Method:  http.MethodPost,
			Path:    call.adapter.Path(call.model, true),
			Headers: map[string]string{"Content-Type": "application/json", "Accept": "text/event-stream"},
			Body:    call.payload,
		}
		if keySel != nil {
			switcher.MarkTried(keySel.ID)
			req.AuthOverride = e.authFor(call.provider, keySel)
		}

		resp, err := call.client.Stream(ctx, req)
		rerr := reliapierr.AsError(err)

		if pool != nil && keySel != nil {
			if rerr == nil {
				pool.RecordSuccess(keySel.ID)
			} else {
				pool.RecordError(keySel.ID, rerr.StatusCode)
			}
		}

		if rerr == nil {
			return resp, nil
		}
		if !rerr.Retryable || pool == nil || keySel == nil {
			return nil, rerr
		}
		if !switcher.CanSwitch() {
			metrics.KeySwitchBudgetExhausted.WithLabelValues(call.provider).Inc()
			return nil, rerr
		}
		next := pool.Select(switcher.Tried())
		if next == nil {
			metrics.PoolExhausted.WithLabelValues(call.provider).Inc()
			return nil, rerr
		}
		switcher.RecordSwitch()
		metrics.KeySwitches.WithLabelValues(call.provider, switchReason(rerr)).Inc()
		keySel = next
	}
}

func switchReason(err *reliapierr.Error) string {
	switch {
	case err.StatusCode == http.StatusTooManyRequests:
		return "429"
	case err.StatusCode >= 500:
		return "5xx"
	default:
		return "net"
	}
}

// relayStream reads the upstream SSE body, normalises chunks, and writes
// the gateway's event framing. Aggregated content and usage feed the
// idempotency result and spend accounting.
func (e *Engine) relayStream(ctx context.Context, caller *Caller, req LLMRequest, call *llmCall, resp *http.Response, meta Meta, idemActive bool, w http.ResponseWriter) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-ID", meta.RequestID)
	w.WriteHeader(http.StatusOK)

	sm := streamMeta{
		RequestID:         meta.RequestID,
		Target:            req.Target,
		Provider:          call.provider,
		Model:             call.model,
		CostEstimateUSD:   meta.CostEstimateUSD,
		CostPolicyApplied: meta.CostPolicyApplied,
		MaxTokensReduced:  meta.OriginalMaxTokens > 0,
		OriginalMaxTokens: meta.OriginalMaxTokens,
	}
	writeEvent(w, flusher, "meta", sm)

	// Watchdog closes the body on silence so the scanner unblocks.
	activity := make(chan struct{}, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		timer := time.NewTimer(streamReadTimeout)
		defer timer.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-activity:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(streamReadTimeout)
			case <-timer.C:
				resp.Body.Close()
				return
			}
		}
	}()

	var (
		content      string
		finishReason string
		usage        *adapter.Usage
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case activity <- struct{}{}:
		default:
		}

		chunk, err := call.adapter.ParseStreamChunk(scanner.Bytes())
		if err != nil || chunk == nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.UsageOnly {
			continue
		}
		if chunk.Delta != "" {
			content += chunk.Delta
			writeEvent(w, flusher, "chunk", streamChunk{Delta: chunk.Delta})
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		metrics.RequestFailures.WithLabelValues(req.Target, string(reliapierr.CodeUpstreamStreamInterrupted)).Inc()
		writeEvent(w, flusher, "error", streamError{
			Code:    reliapierr.CodeUpstreamStreamInterrupted,
			Message: "upstream stream interrupted: " + err.Error(),
		})
		recordOutcome(req.Target, caller.TenantName, 0, time.Now(), "/proxy/llm")
		return
	}

	if usage == nil {
		// Upstream never reported usage; the done event still carries
		// token accounting, estimated from the prompt and the deltas.
		promptTokens := pricing.EstimatePromptTokens(call.chatReq.PromptChars())
		if call.estimate != nil {
			promptTokens = call.estimate.PromptTokens
		}
		est := adapter.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: pricing.EstimatePromptTokens(len(content)),
		}
		est.TotalTokens = est.PromptTokens + est.CompletionTokens
		usage = &est
	}

	cost := e.settleStream(caller, req.Target, call, usage)
	writeEvent(w, flusher, "done", streamDone{
		FinishReason: finishReason,
		Usage:        usage,
		CostUSD:      cost,
	})
	recordOutcome(req.Target, caller.TenantName, 200, time.Now(), "/proxy/llm")

	data := LLMData{
		Content:      content,
		Role:         "assistant",
		FinishReason: finishReason,
		Model:        call.model,
		Provider:     call.provider,
		Usage:        *usage,
		CostUSD:      cost,
	}
	raw, err := json.Marshal(&data)
	if err != nil {
		return
	}

	// The aggregated completion is cached under the non-streaming payload
	// key, so an identical non-streaming request replays this content.
	ttl := e.cacheTTLFor(req.Target, caller, req.CacheTTL)
	if ttl > 0 {
		plain := call.chatReq
		plain.Stream = false
		if payload, perr := call.adapter.PrepareRequest(plain); perr == nil {
			e.cache.Set(ctx, caller.TenantName, cache.Request{
				Method: http.MethodPost,
				URL:    call.target.BaseURL + call.adapter.Path(call.model, false),
				Body:   payload,
			}, &cache.Entry{StatusCode: 200, Body: raw, CostUSD: cost}, ttl, true)
		}
	}

	if idemActive {
		e.idem.StoreResult(ctx, caller.TenantName, req.IdempotencyKey, raw, ttl)
	}
}

// settleStream prices the stream from its usage, reported or estimated,
// and updates spend accounting. Zero-chunk streams still charge the prompt.
func (e *Engine) settleStream(caller *Caller, targetName string, call *llmCall, usage *adapter.Usage) *float64 {
	cost := call.adapter.CostUSD(call.model, usage.PromptTokens, usage.CompletionTokens)
	metrics.TokensTotal.WithLabelValues(targetName, call.model, "prompt").Add(float64(usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues(targetName, call.model, "completion").Add(float64(usage.CompletionTokens))
	if cost != nil {
		metrics.SpendUSD.WithLabelValues(targetName, caller.TenantName, call.model).Add(*cost)
	}
	return cost
}

func (e *Engine) streamFallbackTarget(caller *Caller, targetName string) string {
	chain := e.cfg.Targets[targetName].FallbackTargets
	if override, ok := caller.Tenant.Fallbacks[targetName]; ok {
		chain = override
	}
	if len(chain) == 0 {
		return ""
	}
	return chain[0]
}

func writeEvent(w io.Writer, flusher http.Flusher, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	io.WriteString(w, "event: "+event+"\n")
	io.WriteString(w, "data: ")
	w.Write(raw)
	io.WriteString(w, "\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
