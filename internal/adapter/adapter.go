// Package adapter normalises request and response shapes across LLM
// provider families. Each adapter turns the gateway's canonical chat
// request into a provider payload, parses the provider's response and SSE
// chunks back into one shape, and prices the call.
package adapter

import (
	"strings"

	"github.com/reliapi/reliapi/internal/pricing"
	"github.com/reliapi/reliapi/pkg/reliapierr"
)

// Provider family names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the canonical chat request shape accepted by the gateway.
type Request struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Stream      bool
}

// PromptChars counts the characters across all messages; the cost
// estimator divides this by the chars-per-token heuristic.
func (r Request) PromptChars() int {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	return total
}

// Usage is the normalised token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalised non-streaming completion.
type Response struct {
	Content      string `json:"content"`
	Role         string `json:"role"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Chunk is one normalised streaming event. Exactly one of three shapes:
// a content delta, a finish marker, or a usage-only sentinel.
type Chunk struct {
	Delta        string
	FinishReason string
	UsageOnly    bool
	Usage        *Usage
}

// Adapter is the per-provider translation layer.
type Adapter interface {
	// Provider returns the family name.
	Provider() string

	// Path returns the request path for a chat call.
	Path(model string, stream bool) string

	// AuthHeaders returns the headers carrying the credential.
	AuthHeaders(apiKey string) map[string]string

	// PrepareRequest builds the provider payload.
	PrepareRequest(req Request) ([]byte, error)

	// ParseResponse normalises a non-streaming provider response.
	ParseResponse(body []byte) (*Response, error)

	// CostUSD prices realised usage, or nil for unpriced models.
	CostUSD(model string, promptTokens, completionTokens int) *float64

	// SupportsStreaming reports whether stream_chat is available.
	SupportsStreaming() bool

	// ParseStreamChunk normalises one SSE line. A nil chunk with nil error
	// means the line carries nothing (comments, keep-alives, terminators).
	ParseStreamChunk(line []byte) (*Chunk, error)
}

// ForProvider returns the adapter for a provider family.
func ForProvider(provider string, prices *pricing.Table) (Adapter, error) {
	switch provider {
	case ProviderOpenAI:
		return &OpenAIAdapter{prices: prices}, nil
	case ProviderAnthropic:
		return NewAnthropicAdapter(prices), nil
	case ProviderGemini:
		return &GeminiAdapter{prices: prices}, nil
	default:
		return nil, reliapierr.NewUnknownProvider(provider)
	}
}

// DetectProvider guesses the provider family from an upstream base URL.
// It returns "" when the host matches no known family.
func DetectProvider(baseURL string) string {
	host := strings.ToLower(baseURL)
	switch {
	case strings.Contains(host, "openai.com") || strings.Contains(host, "openai.azure.com"):
		return ProviderOpenAI
	case strings.Contains(host, "anthropic.com"):
		return ProviderAnthropic
	case strings.Contains(host, "googleapis.com") || strings.Contains(host, "generativelanguage"):
		return ProviderGemini
	default:
		return ""
	}
}

func costFromTable(prices *pricing.Table, provider, model string, promptTokens, completionTokens int) *float64 {
	usd, ok := prices.CostUSD(provider, model, promptTokens, completionTokens)
	if !ok {
		return nil
	}
	return &usd
}
