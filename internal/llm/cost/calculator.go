// Package cost estimates the upstream spend of agent invocations from reported token usage.
package cost

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aixgo-dev/conductor/internal/llm"
)

// ErrNoPricing is returned for models with no known price.
var ErrNoPricing = errors.New("no pricing for model")

// ModelPricing is the price of one model in USD per million tokens.
type ModelPricing struct {
	Model       string
	InputPer1M  float64
	OutputPer1M float64
}

// Cost is the spend of one invocation in USD.
type Cost struct {
	Input  float64
	Output float64
	Total  float64
}

// Calculator maps models to prices. Dated snapshots such as "gpt-4o-2024-08-06" resolve
// to the longest known prefix.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCalculator returns a calculator loaded with list prices of the platform's models.
func NewCalculator() *Calculator {
	c := &Calculator{pricing: make(map[string]ModelPricing)}
	for _, p := range []ModelPricing{
		{Model: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10.0},
		{Model: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.60},
		{Model: "gpt-4.1", InputPer1M: 2.0, OutputPer1M: 8.0},
		{Model: "gpt-4.1-mini", InputPer1M: 0.4, OutputPer1M: 1.6},
		{Model: "gpt-4.1-nano", InputPer1M: 0.1, OutputPer1M: 0.4},
		{Model: "gpt-4-turbo", InputPer1M: 10.0, OutputPer1M: 30.0},
		{Model: "gpt-4", InputPer1M: 30.0, OutputPer1M: 60.0},
		{Model: "gpt-3.5-turbo", InputPer1M: 0.5, OutputPer1M: 1.5},
		{Model: "o1", InputPer1M: 15.0, OutputPer1M: 60.0},
		{Model: "o1-mini", InputPer1M: 3.0, OutputPer1M: 12.0},
		{Model: "o3-mini", InputPer1M: 1.1, OutputPer1M: 4.4},
	} {
		c.pricing[p.Model] = p
	}
	return c
}

// AddPricing adds or replaces the price of a model, e.g. for a deployment-specific name.
func (c *Calculator) AddPricing(p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[p.Model] = p
}

// Pricing returns the price of model.
func (c *Calculator) Pricing(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}

	keys := make([]string, 0, len(c.pricing))
	for k := range c.pricing {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.HasPrefix(model, k) {
			return c.pricing[k], true
		}
	}
	return ModelPricing{}, false
}

// Calculate prices the usage of one invocation of model.
func (c *Calculator) Calculate(model string, u llm.Usage) (Cost, error) {
	p, ok := c.Pricing(model)
	if !ok {
		return Cost{}, fmt.Errorf("%w: %s", ErrNoPricing, model)
	}
	cost := Cost{
		Input:  float64(u.PromptTokens) / 1_000_000 * p.InputPer1M,
		Output: float64(u.CompletionTokens) / 1_000_000 * p.OutputPer1M,
	}
	cost.Total = cost.Input + cost.Output
	return cost, nil
}

// DefaultCalculator is used by the orchestrator.
var DefaultCalculator = NewCalculator()
