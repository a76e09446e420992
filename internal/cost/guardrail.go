// Package cost tracks per-session token and dollar spend against a budget
// and decides when the active model can no longer be afforded. Spend is
// committed exactly once per translation attempt, success or failure, and
// never rolls back: budget exhaustion is detected prospectively.
package cost

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExhausted signals that the budget cannot cover another unit of
// work on the active model and no cheaper fallback remains.
var ErrBudgetExhausted = errors.New("cost budget exhausted")

// Budget is the immutable spending policy chosen at session start.
type Budget struct {
	Enabled      bool
	MaxUSD       float64
	WarnFraction float64
	AutoSwitch   bool
}

// State is a point-in-time copy of the ledger, safe to hand to readers.
type State struct {
	TokensUsed      int     `json:"tokensUsed"`
	CostUSD         float64 `json:"costUsd"`
	PercentConsumed float64 `json:"percentConsumed"`
	Warned          bool    `json:"warned"`
}

// Guardrail is the per-session spend ledger. It is safe for concurrent use.
type Guardrail struct {
	mu        sync.Mutex
	estimator Estimator
	budget    Budget

	tokensUsed int
	costUSD    float64
	warned     bool
}

// NewGuardrail creates a guardrail enforcing the given budget. The
// estimator prices prospective calls; it must not be nil.
func NewGuardrail(estimator Estimator, budget Budget) *Guardrail {
	if budget.WarnFraction <= 0 || budget.WarnFraction > 1 {
		budget.WarnFraction = 0.8
	}
	if budget.MaxUSD < 0 {
		budget.MaxUSD = 0
	}
	return &Guardrail{estimator: estimator, budget: budget}
}

// Budget returns the spending policy.
func (g *Guardrail) Budget() Budget {
	return g.budget
}

// Seed restores committed spend from a checkpoint. Restored values are
// clamped non-negative; seeding never lowers an existing ledger.
func (g *Guardrail) Seed(tokens int, costUSD float64, warned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tokens > g.tokensUsed {
		g.tokensUsed = tokens
	}
	if costUSD > g.costUSD {
		g.costUSD = costUSD
	}
	g.warned = g.warned || warned
}

// CanAfford reports whether one more call on the model, at the estimated
// token count, fits in the remaining budget. Disabled or zero budgets
// always afford.
func (g *Guardrail) CanAfford(model string, tokens int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.budget.Enabled || g.budget.MaxUSD <= 0 {
		return true
	}
	return g.costUSD+g.estimator.EstimateUSD(model, tokens) <= g.budget.MaxUSD
}

// Estimate prices a prospective call without committing anything.
func (g *Guardrail) Estimate(model string, tokens int) float64 {
	return g.estimator.EstimateUSD(model, tokens)
}

// Commit records actual usage for one translation attempt. Negative inputs
// are clamped to zero so the ledger is monotonically non-decreasing.
func (g *Guardrail) Commit(tokens int, costUSD float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tokens > 0 {
		g.tokensUsed += tokens
	}
	if costUSD > 0 {
		g.costUSD += costUSD
	}
}

// WarnNote returns a one-shot human-readable warning when spend crosses the
// configured warn fraction of the budget. Subsequent calls return false.
func (g *Guardrail) WarnNote() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.warned || !g.budget.Enabled || g.budget.MaxUSD <= 0 {
		return "", false
	}
	consumed := g.costUSD / g.budget.MaxUSD
	if consumed < g.budget.WarnFraction {
		return "", false
	}
	g.warned = true
	return fmt.Sprintf("cost budget at %.0f%% ($%.2f / $%.2f)",
		consumed*100, g.costUSD, g.budget.MaxUSD), true
}

// Snapshot returns a copy of the ledger for status reads and checkpoints.
func (g *Guardrail) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := State{
		TokensUsed: g.tokensUsed,
		CostUSD:    g.costUSD,
		Warned:     g.warned,
	}
	if g.budget.Enabled && g.budget.MaxUSD > 0 {
		s.PercentConsumed = g.costUSD / g.budget.MaxUSD
	}
	return s
}
