package adapter

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/reliapi/reliapi/internal/pricing"
)

const (
	sseDataPrefix = "data: "
	sseDone       = "[DONE]"
)

// OpenAIAdapter speaks the chat-completions wire format. SSE framing is
// "data:" lines terminated by a [DONE] marker.
type OpenAIAdapter struct {
	prices *pricing.Table
}

type openAIPayload struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (a *OpenAIAdapter) Provider() string { return ProviderOpenAI }

func (a *OpenAIAdapter) Path(model string, stream bool) string {
	return "/v1/chat/completions"
}

func (a *OpenAIAdapter) AuthHeaders(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func (a *OpenAIAdapter) PrepareRequest(req Request) ([]byte, error) {
	payload := openAIPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
	if req.Stream {
		// Without this the API never emits the final usage chunk.
		payload.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	return json.Marshal(payload)
}

func (a *OpenAIAdapter) ParseResponse(body []byte) (*Response, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		Role:         choice.Message.Role,
		FinishReason: choice.FinishReason,
	}
	if resp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (a *OpenAIAdapter) CostUSD(model string, promptTokens, completionTokens int) *float64 {
	return costFromTable(a.prices, ProviderOpenAI, model, promptTokens, completionTokens)
}

func (a *OpenAIAdapter) SupportsStreaming() bool { return true }

func (a *OpenAIAdapter) ParseStreamChunk(line []byte) (*Chunk, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte(":")) {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte(sseDataPrefix))
	if bytes.Equal(trimmed, []byte(sseDone)) {
		return nil, nil
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("parse openai chunk: %w", err)
	}

	// Usage arrives on a final chunk with an empty choices array.
	if len(chunk.Choices) == 0 {
		if chunk.Usage == nil {
			return nil, nil
		}
		return &Chunk{
			UsageOnly: true,
			Usage: &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			},
		}, nil
	}

	choice := chunk.Choices[0]
	out := &Chunk{Delta: choice.Delta.Content}
	if choice.FinishReason != nil {
		out.FinishReason = *choice.FinishReason
	}
	if chunk.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out, nil
}
