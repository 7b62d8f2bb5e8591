// Package pricing maintains the per-provider model price table and the
// pre-call cost estimator behind the budget gate.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

//go:embed data/prices.json
var defaultPrices []byte

// charsPerToken is the heuristic used to estimate prompt tokens from raw
// message text before the provider reports real usage.
const charsPerToken = 4

// ModelPrice holds USD prices per 1K tokens.
type ModelPrice struct {
	PromptPer1K     float64 `json:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k"`
}

// Table maps provider → model → price. Lookup falls back to the longest
// configured prefix so dated snapshots like "gpt-4o-2024-08-06" resolve to
// their base model entry.
type Table struct {
	mu     sync.RWMutex
	prices map[string]map[string]ModelPrice
}

// NewTable creates a table preloaded with the embedded defaults.
func NewTable() *Table {
	t := &Table{prices: make(map[string]map[string]ModelPrice)}
	if err := t.loadBytes(defaultPrices); err != nil {
		panic(fmt.Sprintf("pricing: embedded defaults are invalid: %v", err))
	}
	return t
}

// Load merges prices from a JSON file over the defaults.
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return t.loadBytes(data)
}

func (t *Table) loadBytes(data []byte) error {
	var prices map[string]map[string]ModelPrice
	if err := json.Unmarshal(data, &prices); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for provider, models := range prices {
		if t.prices[provider] == nil {
			t.prices[provider] = make(map[string]ModelPrice, len(models))
		}
		for model, price := range models {
			t.prices[provider][model] = price
		}
	}
	return nil
}

// Lookup returns the price for a model, trying an exact match first and
// then the longest entry that prefixes the model name.
func (t *Table) Lookup(provider, model string) (ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models, ok := t.prices[provider]
	if !ok {
		return ModelPrice{}, false
	}
	if p, ok := models[model]; ok {
		return p, true
	}

	var best string
	for name := range models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return models[best], true
}

// Estimate is a pre-call cost projection.
type Estimate struct {
	PromptTokens     int
	CompletionTokens int
	USD              float64
}

// EstimatePromptTokens converts message text length into a token estimate.
func EstimatePromptTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return chars / charsPerToken
}

// EstimateUSD projects the cost of a call before dispatch. Completion
// tokens use maxTokens when set, otherwise half the prompt estimate. It
// returns nil when the model has no price entry.
func (t *Table) EstimateUSD(provider, model string, promptChars, maxTokens int) *Estimate {
	price, ok := t.Lookup(provider, model)
	if !ok {
		return nil
	}

	promptTokens := EstimatePromptTokens(promptChars)
	completionTokens := maxTokens
	if completionTokens <= 0 {
		completionTokens = promptTokens / 2
	}

	return &Estimate{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		USD:              tokensUSD(price, promptTokens, completionTokens),
	}
}

// CostUSD computes the realised cost from provider-reported usage. The
// second return is false when the model has no price entry.
func (t *Table) CostUSD(provider, model string, promptTokens, completionTokens int) (float64, bool) {
	price, ok := t.Lookup(provider, model)
	if !ok {
		return 0, false
	}
	return tokensUSD(price, promptTokens, completionTokens), true
}

func tokensUSD(price ModelPrice, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*price.PromptPer1K +
		float64(completionTokens)/1000*price.CompletionPer1K
}
