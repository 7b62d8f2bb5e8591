package adapter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/reliapi/reliapi/internal/pricing"
)

// GeminiAdapter speaks the generateContent wire format. Streaming uses the
// SSE variant (alt=sse), which frames chunks as "data:" lines like the
// chat-completions format but without a [DONE] terminator.
type GeminiAdapter struct {
	prices *pricing.Table
}

type geminiPayload struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenCfg struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Role  string       `json:"role"`
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *GeminiAdapter) Provider() string { return ProviderGemini }

func (a *GeminiAdapter) Path(model string, stream bool) string {
	if stream {
		return "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/v1beta/models/" + model + ":generateContent"
}

func (a *GeminiAdapter) AuthHeaders(apiKey string) map[string]string {
	return map[string]string{"x-goog-api-key": apiKey}
}

// PrepareRequest maps roles: assistant becomes "model", system messages
// move to systemInstruction.
func (a *GeminiAdapter) PrepareRequest(req Request) ([]byte, error) {
	payload := geminiPayload{}

	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		payload.Contents = append(payload.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if len(system) > 0 {
		payload.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n")}},
		}
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.Stop) > 0 {
		payload.GenerationConfig = &geminiGenCfg{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}

	return json.Marshal(payload)
}

func (a *GeminiAdapter) ParseResponse(body []byte) (*Response, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini response has no candidates")
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}

	out := &Response{
		Content:      content.String(),
		Role:         "assistant",
		FinishReason: mapGeminiFinishReason(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func (a *GeminiAdapter) CostUSD(model string, promptTokens, completionTokens int) *float64 {
	return costFromTable(a.prices, ProviderGemini, model, promptTokens, completionTokens)
}

func (a *GeminiAdapter) SupportsStreaming() bool { return true }

func (a *GeminiAdapter) ParseStreamChunk(line []byte) (*Chunk, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || bytes.HasPrefix(trimmed, []byte(":")) {
		return nil, nil
	}
	trimmed = bytes.TrimPrefix(trimmed, []byte(sseDataPrefix))
	if bytes.Equal(trimmed, []byte(sseDone)) {
		return nil, nil
	}

	var resp geminiResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("parse gemini chunk: %w", err)
	}

	if len(resp.Candidates) == 0 {
		if resp.UsageMetadata == nil {
			return nil, nil
		}
		return &Chunk{
			UsageOnly: true,
			Usage: &Usage{
				PromptTokens:     resp.UsageMetadata.PromptTokenCount,
				CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			},
		}, nil
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}

	out := &Chunk{
		Delta:        content.String(),
		FinishReason: mapGeminiFinishReason(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}
