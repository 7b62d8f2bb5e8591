package proxy

import (
	"github.com/reliapi/reliapi/internal/adapter"
	"github.com/reliapi/reliapi/internal/config"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

// HTTPRequest is the body of POST /proxy/http.
type HTTPRequest struct {
	Target         string            `json:"target"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers,omitempty"`
	Query          map[string]string `json:"query,omitempty"`
	Body           string            `json:"body,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CacheTTL       *int              `json:"cache,omitempty"` // seconds, overrides target config
}

// LLMRequest is the body of POST /proxy/llm.
type LLMRequest struct {
	Target         string            `json:"target"`
	Messages       []adapter.Message `json:"messages"`
	Model          string            `json:"model,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	Stop           []string          `json:"stop,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CacheTTL       *int              `json:"cache,omitempty"`
}

// Overrides carries the optional routing override headers. Values replace
// the target's provider/model for this request and are echoed back.
type Overrides struct {
	Provider   string
	Model      string
	DecisionID string
	Route      string
	Reason     string
}

// HTTPData is the relayed upstream response on the HTTP path.
type HTTPData struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// LLMData is the normalised completion on the LLM path.
type LLMData struct {
	Content      string        `json:"content"`
	Role         string        `json:"role"`
	FinishReason string        `json:"finish_reason"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	Usage        adapter.Usage `json:"usage"`
	CostUSD      *float64      `json:"cost_usd,omitempty"`
}

// Meta is attached to every response envelope.
type Meta struct {
	RequestID         string   `json:"request_id"`
	DurationMS        float64  `json:"duration_ms"`
	Target            string   `json:"target,omitempty"`
	CacheHit          bool     `json:"cache_hit"`
	IdempotentHit     bool     `json:"idempotent_hit,omitempty"`
	Retries           int      `json:"retries"`
	KeySwitches       int      `json:"key_switches,omitempty"`
	FallbackUsed      bool     `json:"fallback_used,omitempty"`
	FallbackTarget    string   `json:"fallback_target,omitempty"`
	CostEstimateUSD   *float64 `json:"cost_estimate_usd,omitempty"`
	CostPolicyApplied string   `json:"cost_policy_applied,omitempty"`
	OriginalMaxTokens int      `json:"original_max_tokens,omitempty"`
}

// Envelope is the caller-visible response shape on both proxy paths.
type Envelope struct {
	Success bool              `json:"success"`
	Data    any               `json:"data,omitempty"`
	Error   *reliapierr.Error `json:"error,omitempty"`
	Meta    Meta              `json:"meta"`
}

// HTTPStatus picks the response status for an envelope.
func (e *Envelope) HTTPStatus() int {
	if e.Success {
		return 200
	}
	if e.Error != nil {
		return e.Error.HTTPStatusCode()
	}
	return 500
}

func errEnvelope(err *reliapierr.Error, meta Meta) *Envelope {
	return &Envelope{Error: err, Meta: meta}
}

// Caller is the authenticated principal plus its resolved profile.
type Caller struct {
	TenantName  string
	Tenant      *config.Tenant
	ProfileName string
	Profile     *config.ClientProfile
}

// FreeTier reports whether fallback chaining is forbidden for this caller.
func (c *Caller) FreeTier() bool {
	return c.Tenant != nil && c.Tenant.Tier == config.TierFree
}
