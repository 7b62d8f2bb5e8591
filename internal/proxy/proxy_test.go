package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliapi/reliapi/internal/adapter"
	"github.com/reliapi/reliapi/internal/config"
	"github.com/reliapi/reliapi/internal/idempotency"
	"github.com/reliapi/reliapi/internal/kv"
	"github.com/reliapi/reliapi/internal/observability"
	"github.com/reliapi/reliapi/internal/resilience"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	return newTestEngineWithStore(t, cfg, kv.NewMemory())
}

func newTestEngineWithStore(t *testing.T, cfg *config.Config, store kv.Store) *Engine {
	t.Helper()
	if cfg.ClientProfiles == nil {
		cfg.ClientProfiles = map[string]*config.ClientProfile{}
	}
	if _, ok := cfg.ClientProfiles[config.DefaultProfileName]; !ok {
		cfg.ClientProfiles[config.DefaultProfileName] = &config.ClientProfile{
			MaxParallelRequests: 10,
			BurstSize:           20,
		}
	}
	eng := New(cfg, store, observability.NewNopLogger())
	t.Cleanup(eng.Shutdown)
	return eng
}

func testCaller(t *testing.T, eng *Engine, apiKey string) *Caller {
	t.Helper()
	caller, err := eng.ResolveCaller(apiKey, "")
	require.Nil(t, err)
	return caller
}

func noRetry() map[string]config.RetryPolicy {
	return map[string]config.RetryPolicy{
		"429":     {Attempts: 0},
		"5xx":     {Attempts: 0},
		"net":     {Attempts: 0},
		"timeout": {Attempts: 0},
	}
}

func TestResolveCaller_InvalidKey(t *testing.T) {
	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"api": {BaseURL: "http://example.invalid"}},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	_, err := eng.ResolveCaller("nope", "")
	require.NotNil(t, err)
	assert.Equal(t, reliapierr.CodeUnauthorized, err.Code)
}

func TestLimitsFor_ProfileBucketRate(t *testing.T) {
	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"api": {BaseURL: "http://example.invalid"}},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
		ClientProfiles: map[string]*config.ClientProfile{
			config.DefaultProfileName: {
				MaxParallelRequests: 10,
				TenantQPS:           5,
				ProfileQPS:          40,
				BurstSize:           20,
			},
		},
	})
	caller := testCaller(t, eng, "ak-acme")

	limits := eng.limitsFor(caller, nil)
	require.Len(t, limits, 2)

	assert.Equal(t, resilience.TenantBucket("acme"), limits[0].Key)
	assert.Equal(t, 5.0, limits[0].MaxQPS)

	profile := limits[1]
	assert.Equal(t, resilience.ProfileBucket(config.DefaultProfileName), profile.Key)
	assert.Equal(t, 40.0, profile.MaxQPS, "the shared profile bucket carries its own rate, not the tenant's")
	assert.Equal(t, 10, profile.MaxConcurrent)
}

func TestLimitsFor_ProfileWithoutQPSIsConcurrencyOnly(t *testing.T) {
	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"api": {BaseURL: "http://example.invalid"}},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
		ClientProfiles: map[string]*config.ClientProfile{
			config.DefaultProfileName: {
				MaxParallelRequests: 10,
				TenantQPS:           5,
				BurstSize:           20,
			},
		},
	})
	caller := testCaller(t, eng, "ak-acme")

	limits := eng.limitsFor(caller, nil)
	require.Len(t, limits, 2)
	assert.Equal(t, 0.0, limits[1].MaxQPS, "no profile_qps means the bucket only gates concurrency")
	assert.Equal(t, 10, limits[1].MaxConcurrent)
}

func TestProxyHTTP_CacheHit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"users":[]}`))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{
			"api": {BaseURL: server.URL, CacheTTL: time.Minute, Retry: noRetry()},
		},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})
	caller := testCaller(t, eng, "ak-acme")

	req := HTTPRequest{Target: "api", Method: "GET", Path: "/users"}

	env := eng.ProxyHTTP(context.Background(), caller, req)
	require.True(t, env.Success)
	assert.False(t, env.Meta.CacheHit)

	env = eng.ProxyHTTP(context.Background(), caller, req)
	require.True(t, env.Success)
	assert.True(t, env.Meta.CacheHit)
	assert.Equal(t, int32(1), calls.Load(), "second call must be served from cache")

	data, ok := env.Data.(*HTTPData)
	require.True(t, ok)
	assert.Equal(t, `{"users":[]}`, data.Body)
}

func TestProxyHTTP_CacheIsTenantScoped(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{
			"api": {BaseURL: server.URL, CacheTTL: time.Minute, Retry: noRetry()},
		},
		Tenants: map[string]*config.Tenant{
			"acme": {APIKey: "ak-acme"},
			"beta": {APIKey: "ak-beta"},
		},
	})

	req := HTTPRequest{Target: "api", Method: "GET", Path: "/shared"}
	env := eng.ProxyHTTP(context.Background(), testCaller(t, eng, "ak-acme"), req)
	require.True(t, env.Success)

	env = eng.ProxyHTTP(context.Background(), testCaller(t, eng, "ak-beta"), req)
	require.True(t, env.Success)
	assert.False(t, env.Meta.CacheHit, "tenants must not share cache entries")
	assert.Equal(t, int32(2), calls.Load())
}

func TestProxyHTTP_IdempotentReplay(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"ord_1"}`))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{
			"api": {BaseURL: server.URL, Retry: noRetry()},
		},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})
	caller := testCaller(t, eng, "ak-acme")

	req := HTTPRequest{
		Target:         "api",
		Method:         "POST",
		Path:           "/orders",
		Body:           `{"sku":"a"}`,
		IdempotencyKey: "order-42",
	}

	env := eng.ProxyHTTP(context.Background(), caller, req)
	require.True(t, env.Success)
	assert.False(t, env.Meta.IdempotentHit)

	env = eng.ProxyHTTP(context.Background(), caller, req)
	require.True(t, env.Success)
	assert.True(t, env.Meta.IdempotentHit)
	assert.Equal(t, int32(1), calls.Load(), "replay must not hit upstream")

	data, ok := env.Data.(*HTTPData)
	require.True(t, ok)
	assert.Equal(t, 201, data.StatusCode)
	assert.Equal(t, `{"id":"ord_1"}`, data.Body)
}

func TestProxyHTTP_IdempotencyConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{
			"api": {BaseURL: server.URL, Retry: noRetry()},
		},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})
	caller := testCaller(t, eng, "ak-acme")

	env := eng.ProxyHTTP(context.Background(), caller, HTTPRequest{
		Target: "api", Method: "POST", Path: "/orders", Body: `{"sku":"a"}`, IdempotencyKey: "k",
	})
	require.True(t, env.Success)

	env = eng.ProxyHTTP(context.Background(), caller, HTTPRequest{
		Target: "api", Method: "POST", Path: "/orders", Body: `{"sku":"b"}`, IdempotencyKey: "k",
	})
	require.False(t, env.Success)
	assert.Equal(t, reliapierr.CodeIdempotencyConflict, env.Error.Code)
	assert.Equal(t, http.StatusConflict, env.HTTPStatus())
}

func TestProxyHTTP_CoalescesOntoLateResult(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{
			"api": {BaseURL: server.URL, Retry: noRetry()},
		},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})
	caller := testCaller(t, eng, "ak-acme")

	// The winner has registered the key but not yet written its
	// in-progress marker; the duplicate must wait, not conflict.
	body := `{"sku":"a"}`
	hash := idempotency.RequestHash("POST", server.URL+"/orders", nil, []byte(body))
	eng.idem.Register(context.Background(), "acme", "k", "winner-rid", hash)

	stored, err := json.Marshal(&HTTPData{StatusCode: 201, Body: `{"id":"ord_1"}`})
	require.NoError(t, err)
	go func() {
		time.Sleep(150 * time.Millisecond)
		eng.idem.StoreResult(context.Background(), "acme", "k", stored, time.Minute)
	}()

	env := eng.ProxyHTTP(context.Background(), caller, HTTPRequest{
		Target: "api", Method: "POST", Path: "/orders", Body: body, IdempotencyKey: "k",
	})
	require.True(t, env.Success, "error: %v", env.Error)
	assert.True(t, env.Meta.IdempotentHit)
	assert.Equal(t, int32(0), calls.Load(), "the duplicate must coalesce, not dispatch")
	data := env.Data.(*HTTPData)
	assert.Equal(t, `{"id":"ord_1"}`, data.Body)
}

func TestProxyHTTP_UpstreamClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such thing"))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{
			"api": {BaseURL: server.URL, Retry: noRetry()},
		},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	env := eng.ProxyHTTP(context.Background(), testCaller(t, eng, "ak-acme"), HTTPRequest{
		Target: "api", Method: "GET", Path: "/missing",
	})
	require.False(t, env.Success)
	assert.Equal(t, reliapierr.CodeClientError, env.Error.Code)
	assert.Equal(t, 404, env.HTTPStatus())
	assert.Equal(t, reliapierr.SourceUpstream, env.Error.Source)
}

func TestProxyHTTP_KeySwitchOn429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer key-one" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{
			"api": {
				BaseURL: server.URL,
				LLM:     &config.LLMConfig{Provider: adapter.ProviderOpenAI},
				Retry:   noRetry(),
			},
		},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
		ProviderKeyPools: map[string]*config.KeyPoolConfig{
			adapter.ProviderOpenAI: {Keys: []config.ProviderKeyConfig{
				{ID: "k1", APIKey: "key-one"},
				{ID: "k2", APIKey: "key-two"},
			}},
		},
	})

	env := eng.ProxyHTTP(context.Background(), testCaller(t, eng, "ak-acme"), HTTPRequest{
		Target: "api", Method: "GET", Path: "/v1/models",
	})
	require.True(t, env.Success)
	assert.Equal(t, 1, env.Meta.KeySwitches)
	assert.Equal(t, 1, env.Meta.Retries, "the switched dispatch counts as a retry")
	assert.Equal(t, int32(2), calls.Load())
}

func TestProxyHTTP_UnknownTarget(t *testing.T) {
	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"api": {BaseURL: "http://example.invalid"}},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	env := eng.ProxyHTTP(context.Background(), testCaller(t, eng, "ak-acme"), HTTPRequest{
		Target: "nope", Method: "GET", Path: "/",
	})
	require.False(t, env.Success)
	assert.Equal(t, reliapierr.CodeNotFound, env.Error.Code)
}

func openAICompletion(content string, promptTokens, completionTokens int) []byte {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	})
	return raw
}

func llmTarget(baseURL string) *config.Target {
	return &config.Target{
		BaseURL: baseURL,
		LLM: &config.LLMConfig{
			Provider:     adapter.ProviderOpenAI,
			DefaultModel: "gpt-4o",
		},
		Retry: noRetry(),
	}
}

func TestProxyLLM_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Write(openAICompletion("Hello!", 12, 4))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": llmTarget(server.URL)},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	env := eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:   "chat",
		Messages: []adapter.Message{{Role: "user", Content: "hi"}},
	}, Overrides{})
	require.True(t, env.Success, "error: %v", env.Error)

	data, ok := env.Data.(*LLMData)
	require.True(t, ok)
	assert.Equal(t, "Hello!", data.Content)
	assert.Equal(t, "stop", data.FinishReason)
	assert.Equal(t, "gpt-4o", data.Model)
	assert.Equal(t, adapter.ProviderOpenAI, data.Provider)
	assert.Equal(t, 12, data.Usage.PromptTokens)
	require.NotNil(t, data.CostUSD, "gpt-4o is priced")
	assert.Greater(t, *data.CostUSD, 0.0)
}

func TestProxyLLM_ModelOverrideAndCeilings(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write(openAICompletion("ok", 1, 1))
	}))
	defer server.Close()

	maxTemp := 1.0
	target := llmTarget(server.URL)
	target.LLM.MaxTokens = 256
	target.LLM.MaxTemperature = &maxTemp

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": target},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	temp := 1.7
	env := eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:      "chat",
		Messages:    []adapter.Message{{Role: "user", Content: "hi"}},
		MaxTokens:   4096,
		Temperature: &temp,
	}, Overrides{Model: "gpt-4o-mini"})
	require.True(t, env.Success, "error: %v", env.Error)

	assert.Equal(t, "gpt-4o-mini", gotPayload["model"])
	assert.Equal(t, float64(256), gotPayload["max_tokens"], "config ceiling caps max_tokens")
	assert.Equal(t, 1.0, gotPayload["temperature"], "config ceiling caps temperature")
}

func TestProxyLLM_HardCapRejects(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(openAICompletion("ok", 1, 1))
	}))
	defer server.Close()

	target := llmTarget(server.URL)
	target.LLM.HardCostCapUSD = 0.0001

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": target},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	env := eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:    "chat",
		Messages:  []adapter.Message{{Role: "user", Content: strings.Repeat("x", 4000)}},
		MaxTokens: 4096,
	}, Overrides{})
	require.False(t, env.Success)
	assert.Equal(t, reliapierr.CodeBudgetExceeded, env.Error.Code)
	assert.Equal(t, "hard_cap_rejected", env.Meta.CostPolicyApplied)
	assert.Equal(t, int32(0), calls.Load(), "hard cap must reject before upstream")
}

func TestProxyLLM_TenantCapOverridesTargetCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(openAICompletion("ok", 1, 1))
	}))
	defer server.Close()

	// Target cap is generous; the tenant cap is the one that rejects.
	target := llmTarget(server.URL)
	target.LLM.HardCostCapUSD = 100

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": target},
		Tenants: map[string]*config.Tenant{
			"acme": {APIKey: "ak-acme", CostCaps: map[string]float64{"chat": 0.0001}},
		},
	})

	env := eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:    "chat",
		Messages:  []adapter.Message{{Role: "user", Content: strings.Repeat("x", 4000)}},
		MaxTokens: 4096,
	}, Overrides{})
	require.False(t, env.Success)
	assert.Equal(t, reliapierr.CodeBudgetExceeded, env.Error.Code)
}

func TestProxyLLM_SoftCapShrinksMaxTokens(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write(openAICompletion("ok", 3, 2))
	}))
	defer server.Close()

	target := llmTarget(server.URL)
	target.LLM.SoftCostCapUSD = 0.003

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": target},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	env := eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:    "chat",
		Messages:  []adapter.Message{{Role: "user", Content: "hello world"}},
		MaxTokens: 1000,
	}, Overrides{})
	require.True(t, env.Success, "error: %v", env.Error)

	assert.Equal(t, "soft_cap_throttled", env.Meta.CostPolicyApplied)
	assert.Equal(t, 1000, env.Meta.OriginalMaxTokens)

	sent := gotPayload["max_tokens"].(float64)
	assert.Greater(t, sent, 0.0)
	assert.Less(t, sent, 1000.0, "soft cap must shrink max_tokens")
}

func TestProxyLLM_FallbackOnUpstreamFailure(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(openAICompletion("from backup", 2, 2))
	}))
	defer backup.Close()

	primaryTarget := llmTarget(primary.URL)
	primaryTarget.FallbackTargets = []string{"backup"}

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{
			"chat":   primaryTarget,
			"backup": llmTarget(backup.URL),
		},
		Tenants: map[string]*config.Tenant{
			"acme": {APIKey: "ak-acme"},
			"free": {APIKey: "ak-free", Tier: config.TierFree},
		},
	})

	req := LLMRequest{
		Target:   "chat",
		Messages: []adapter.Message{{Role: "user", Content: "hi"}},
	}

	env := eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-acme"), req, Overrides{})
	require.True(t, env.Success, "error: %v", env.Error)
	assert.True(t, env.Meta.FallbackUsed)
	assert.Equal(t, "backup", env.Meta.FallbackTarget)
	data := env.Data.(*LLMData)
	assert.Equal(t, "from backup", data.Content)
	assert.Equal(t, int32(1), primaryCalls.Load())

	env = eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-free"), req, Overrides{})
	require.False(t, env.Success, "free tier must not chain fallbacks")
	assert.Equal(t, reliapierr.CodeServerError, env.Error.Code)
}

func TestProxyLLM_TargetWithoutLLMConfig(t *testing.T) {
	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"api": {BaseURL: "http://example.invalid"}},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	env := eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:   "api",
		Messages: []adapter.Message{{Role: "user", Content: "hi"}},
	}, Overrides{})
	require.False(t, env.Success)
	assert.Equal(t, reliapierr.CodeInvalidTarget, env.Error.Code)
}

func TestProxyLLM_EmptyMessages(t *testing.T) {
	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": llmTarget("http://example.invalid")},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	env := eng.ProxyLLM(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{Target: "chat"}, Overrides{})
	require.False(t, env.Success)
	assert.Equal(t, reliapierr.CodeBadRequest, env.Error.Code)
}

func TestProxyLLM_IdempotentReplay(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(openAICompletion("once", 2, 1))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": llmTarget(server.URL)},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})
	caller := testCaller(t, eng, "ak-acme")

	req := LLMRequest{
		Target:         "chat",
		Messages:       []adapter.Message{{Role: "user", Content: "hi"}},
		IdempotencyKey: "gen-7",
	}

	env := eng.ProxyLLM(context.Background(), caller, req, Overrides{})
	require.True(t, env.Success, "error: %v", env.Error)

	env = eng.ProxyLLM(context.Background(), caller, req, Overrides{})
	require.True(t, env.Success)
	assert.True(t, env.Meta.IdempotentHit)
	assert.Equal(t, int32(1), calls.Load())
	data := env.Data.(*LLMData)
	assert.Equal(t, "once", data.Content)
}

func TestProxyLLMStream_RelaysChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": llmTarget(server.URL)},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	rec := httptest.NewRecorder()
	err := eng.ProxyLLMStream(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:   "chat",
		Messages: []adapter.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, Overrides{}, rec)
	require.Nil(t, err)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: meta")
	assert.Contains(t, body, `"provider":"openai"`)
	assert.Contains(t, body, `"delta":"Hel"`)
	assert.Contains(t, body, `"delta":"lo"`)
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.Contains(t, body, `"completion_tokens":2`)
	assert.NotContains(t, body, "event: error")
}

func TestProxyLLMStream_CachesAggregatedContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		if !payload.Stream {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"},"finish_reason":null}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	target := llmTarget(server.URL)
	target.CacheTTL = time.Minute

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": target},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})
	caller := testCaller(t, eng, "ak-acme")

	messages := []adapter.Message{{Role: "user", Content: "hi"}}
	serr := eng.ProxyLLMStream(context.Background(), caller, LLMRequest{
		Target:   "chat",
		Messages: messages,
		Stream:   true,
	}, Overrides{}, httptest.NewRecorder())
	require.Nil(t, serr)

	// The identical non-streaming request replays the aggregated content
	// from cache; the upstream 500s on non-streaming calls to prove it.
	env := eng.ProxyLLM(context.Background(), caller, LLMRequest{
		Target:   "chat",
		Messages: messages,
	}, Overrides{})
	require.True(t, env.Success, "error: %v", env.Error)
	assert.True(t, env.Meta.CacheHit)
	data := env.Data.(*LLMData)
	assert.Equal(t, "Hello", data.Content)
	assert.Equal(t, 5, data.Usage.TotalTokens)
}

func TestProxyLLMStream_HardCapRejectsBeforeOpen(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	target := llmTarget(server.URL)
	target.LLM.HardCostCapUSD = 0.0001

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": target},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	rec := httptest.NewRecorder()
	err := eng.ProxyLLMStream(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:    "chat",
		Messages:  []adapter.Message{{Role: "user", Content: strings.Repeat("x", 4000)}},
		MaxTokens: 4096,
		Stream:    true,
	}, Overrides{}, rec)
	require.NotNil(t, err)
	assert.Equal(t, reliapierr.CodeBudgetExceeded, err.Code)
	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, rec.Body.String(), "nothing may be written before the gate")
}

func TestProxyLLMStream_SecondStreamSameKeyRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"x"},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": llmTarget(server.URL)},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})
	caller := testCaller(t, eng, "ak-acme")

	req := LLMRequest{
		Target:         "chat",
		Messages:       []adapter.Message{{Role: "user", Content: "hi"}},
		Stream:         true,
		IdempotencyKey: "stream-1",
	}

	err := eng.ProxyLLMStream(context.Background(), caller, req, Overrides{}, httptest.NewRecorder())
	require.Nil(t, err)

	err = eng.ProxyLLMStream(context.Background(), caller, req, Overrides{}, httptest.NewRecorder())
	require.NotNil(t, err)
	assert.Equal(t, reliapierr.CodeStreamAlreadyCompleted, err.Code)
}

func TestProxyLLMStream_ZeroChunkDoneCarriesUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	eng := newTestEngine(t, &config.Config{
		Targets: map[string]*config.Target{"chat": llmTarget(server.URL)},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	})

	rec := httptest.NewRecorder()
	err := eng.ProxyLLMStream(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:   "chat",
		Messages: []adapter.Message{{Role: "user", Content: strings.Repeat("x", 40)}},
		Stream:   true,
	}, Overrides{}, rec)
	require.Nil(t, err)

	body := rec.Body.String()
	require.Contains(t, body, "event: done")
	assert.Contains(t, body, `"usage"`, "done must carry usage even without upstream accounting")
	assert.Contains(t, body, `"prompt_tokens":10`, "40 prompt chars estimate to 10 tokens")
	assert.Contains(t, body, `"completion_tokens":0`)
	assert.Contains(t, body, `"total_tokens":10`)
	assert.Contains(t, body, `"cost_usd"`, "the prompt side is still charged")
	assert.NotContains(t, body, "event: error")
}

// ttlSpyStore records the TTL of every write so tests can check expiry
// policy without advancing clocks.
type ttlSpyStore struct {
	kv.Store
	mu   sync.Mutex
	ttls map[string]time.Duration
}

func newTTLSpyStore() *ttlSpyStore {
	return &ttlSpyStore{Store: kv.NewMemory(), ttls: map[string]time.Duration{}}
}

func (s *ttlSpyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.ttls[key] = ttl
	s.mu.Unlock()
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *ttlSpyStore) ttlForPrefix(prefix string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ttl := range s.ttls {
		if strings.Contains(key, prefix) {
			return ttl, true
		}
	}
	return 0, false
}

func TestProxyLLMStream_ResultTTLFollowsCacheTTL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"x"},"finish_reason":"stop"}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	target := llmTarget(server.URL)
	target.CacheTTL = 2 * time.Minute

	store := newTTLSpyStore()
	eng := newTestEngineWithStore(t, &config.Config{
		Targets: map[string]*config.Target{"chat": target},
		Tenants: map[string]*config.Tenant{"acme": {APIKey: "ak-acme"}},
	}, store)

	err := eng.ProxyLLMStream(context.Background(), testCaller(t, eng, "ak-acme"), LLMRequest{
		Target:         "chat",
		Messages:       []adapter.Message{{Role: "user", Content: "hi"}},
		Stream:         true,
		IdempotencyKey: "stream-ttl",
	}, Overrides{}, httptest.NewRecorder())
	require.Nil(t, err)

	ttl, ok := store.ttlForPrefix("idempotency_result:")
	require.True(t, ok, "the stream must store its idempotency result")
	assert.Equal(t, 2*time.Minute, ttl, "the result expires with the target's cache TTL")
}
