package adapter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/reliapi/reliapi/internal/pricing"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

// AnthropicAdapter speaks the messages wire format. SSE framing uses named
// events ("event: <type>" lines before each data line); the parser keeps
// per-stream state because usage is split across message_start and
// message_delta events.
type AnthropicAdapter struct {
	prices *pricing.Table

	promptTokens int
}

// NewAnthropicAdapter creates a fresh adapter. Streaming parses are
// stateful, so each stream needs its own instance.
func NewAnthropicAdapter(prices *pricing.Table) *AnthropicAdapter {
	return &AnthropicAdapter{prices: prices}
}

type anthropicPayload struct {
	Model         string    `json:"model"`
	System        string    `json:"system,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) Provider() string { return ProviderAnthropic }

func (a *AnthropicAdapter) Path(model string, stream bool) string {
	return "/v1/messages"
}

func (a *AnthropicAdapter) AuthHeaders(apiKey string) map[string]string {
	return map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// PrepareRequest hoists system messages into the top-level system field;
// the messages array carries only user and assistant turns.
func (a *AnthropicAdapter) PrepareRequest(req Request) ([]byte, error) {
	var system []string
	turns := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	return json.Marshal(anthropicPayload{
		Model:         req.Model,
		System:        strings.Join(system, "\n"),
		Messages:      turns,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	})
}

func (a *AnthropicAdapter) ParseResponse(body []byte) (*Response, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	role := resp.Role
	if role == "" {
		role = "assistant"
	}

	return &Response{
		Content:      content.String(),
		Role:         role,
		FinishReason: mapAnthropicStopReason(resp.StopReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicAdapter) CostUSD(model string, promptTokens, completionTokens int) *float64 {
	return costFromTable(a.prices, ProviderAnthropic, model, promptTokens, completionTokens)
}

func (a *AnthropicAdapter) SupportsStreaming() bool { return true }

func (a *AnthropicAdapter) ParseStreamChunk(line []byte) (*Chunk, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte(":")) {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte(sseDataPrefix))

	var event struct {
		Type    string `json:"type"`
		Message *struct {
			Usage struct {
				InputTokens int `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
		Delta *struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage *struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(trimmed, &event); err != nil {
		// Keep-alives and unknown events are skipped, not fatal.
		return nil, nil
	}

	switch event.Type {
	case "message_start":
		if event.Message == nil {
			return nil, nil
		}
		a.promptTokens = event.Message.Usage.InputTokens
		return nil, nil

	case "content_block_delta":
		if event.Delta == nil || event.Delta.Type != "text_delta" {
			return nil, nil
		}
		return &Chunk{Delta: event.Delta.Text}, nil

	case "message_delta":
		if event.Delta == nil || event.Delta.StopReason == "" {
			return nil, nil
		}
		chunk := &Chunk{FinishReason: mapAnthropicStopReason(event.Delta.StopReason)}
		if event.Usage != nil {
			chunk.Usage = &Usage{
				PromptTokens:     a.promptTokens,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      a.promptTokens + event.Usage.OutputTokens,
			}
		}
		return chunk, nil

	default:
		return nil, nil
	}
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
