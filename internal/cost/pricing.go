package cost

import (
	"math"
	"sync"
)

// Estimator predicts the dollar cost of a translation call before it is
// dispatched. Implementations are supplied by callers; pricing is
// configuration, not code the orchestrator hardcodes per provider.
type Estimator interface {
	// EstimateUSD returns the projected cost of spending the given number
	// of tokens on the given model.
	EstimateUSD(model string, tokens int) float64
}

// defaultRatePer1K is charged for models without a configured rate.
const defaultRatePer1K = 0.02

// PricingTable is a thread-safe Estimator backed by a per-model
// USD-per-1K-token rate map.
type PricingTable struct {
	mu    sync.RWMutex
	rates map[string]float64
}

// NewPricingTable creates a table seeded with rates for common models.
func NewPricingTable() *PricingTable {
	return &PricingTable{
		rates: map[string]float64{
			"gpt-5":             0.045,
			"gpt-5-mini":        0.018,
			"gpt-5-nano":        0.004,
			"claude-opus-4.1":   0.048,
			"claude-sonnet-4.5": 0.032,
			"claude-sonnet-4":   0.024,
			"ollama::llama3":    0.0,
			"ollama::codellama": 0.0,
		},
	}
}

// SetRate adds or overrides the USD-per-1K-token rate for a model.
func (t *PricingTable) SetRate(model string, usdPer1K float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[model] = usdPer1K
}

// Rate returns the configured rate for a model and whether one exists.
func (t *PricingTable) Rate(model string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rate, ok := t.rates[model]
	return rate, ok
}

// EstimateUSD implements Estimator. Unknown models fall back to a
// conservative default rate rather than estimating zero.
func (t *PricingTable) EstimateUSD(model string, tokens int) float64 {
	rate, ok := t.Rate(model)
	if !ok {
		rate = defaultRatePer1K
	}
	usd := rate * float64(tokens) / 1000.0
	return math.Round(usd*10000) / 10000
}
