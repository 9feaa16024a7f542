package stats

import "github.com/bkyoung/llmflow/internal/domain"

// Pricing calculates API costs based on token usage.
type Pricing interface {
	// Cost calculates the cost in USD for a given model and token usage.
	Cost(model string, inputTokens, cachedTokens, outputTokens int) float64
}

// TablePricing prices requests from the injected models table. Unknown models
// price at zero.
type TablePricing struct {
	models domain.ModelTable
}

// NewTablePricing creates a pricing calculator over the models table.
func NewTablePricing(models domain.ModelTable) *TablePricing {
	return &TablePricing{models: models}
}

// Cost calculates the cost for a given request. Cached input tokens are
// billed at the cache rate; only the uncached remainder pays the input rate.
func (p *TablePricing) Cost(model string, inputTokens, cachedTokens, outputTokens int) float64 {
	cfg, ok := p.models[model]
	if !ok {
		return 0.0
	}

	billableInput := inputTokens - cachedTokens
	if billableInput < 0 {
		billableInput = 0
	}

	inputCost := float64(billableInput) / 1000.0 * cfg.Input
	cacheCost := float64(cachedTokens) / 1000.0 * cfg.Cache
	outputCost := float64(outputTokens) / 1000.0 * cfg.Output

	return inputCost + cacheCost + outputCost
}
