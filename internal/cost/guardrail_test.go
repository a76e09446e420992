package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateUSD(t *testing.T) {
	table := NewPricingTable()

	assert.InDelta(t, 0.045, table.EstimateUSD("gpt-5", 1000), 1e-9)
	assert.InDelta(t, 0.0, table.EstimateUSD("ollama::llama3", 50000), 1e-9)
	// Unknown models use the conservative default rate.
	assert.InDelta(t, 0.02, table.EstimateUSD("mystery-model", 1000), 1e-9)
}

func TestCanAffordProspectively(t *testing.T) {
	table := NewPricingTable()
	table.SetRate("m", 0.60) // $0.60 per 1K tokens

	g := NewGuardrail(table, Budget{Enabled: true, MaxUSD: 1.00, WarnFraction: 0.8})

	// First $0.60 chunk fits.
	assert.True(t, g.CanAfford("m", 1000))
	g.Commit(1000, 0.60)

	// Second identical chunk would land at $1.20, over budget.
	assert.False(t, g.CanAfford("m", 1000))

	// A cheaper model still fits.
	table.SetRate("cheap", 0.10)
	assert.True(t, g.CanAfford("cheap", 1000))
}

func TestCommitIsMonotonic(t *testing.T) {
	g := NewGuardrail(NewPricingTable(), Budget{Enabled: true, MaxUSD: 10})

	g.Commit(100, 0.5)
	g.Commit(-50, -1.0) // clamped, must not decrease the ledger
	g.Commit(200, 0.25)

	s := g.Snapshot()
	assert.Equal(t, 300, s.TokensUsed)
	assert.InDelta(t, 0.75, s.CostUSD, 1e-9)
}

func TestFailedAttemptsStillConsumeBudget(t *testing.T) {
	table := NewPricingTable()
	table.SetRate("m", 0.50)
	g := NewGuardrail(table, Budget{Enabled: true, MaxUSD: 1.00})

	// Two failed attempts, each committed at the estimate.
	g.Commit(1000, g.Estimate("m", 1000))
	g.Commit(1000, g.Estimate("m", 1000))

	assert.False(t, g.CanAfford("m", 1000))
	assert.InDelta(t, 1.0, g.Snapshot().CostUSD, 1e-9)
}

func TestWarnNoteFiresOnce(t *testing.T) {
	g := NewGuardrail(NewPricingTable(), Budget{Enabled: true, MaxUSD: 1.00, WarnFraction: 0.5})

	_, ok := g.WarnNote()
	assert.False(t, ok)

	g.Commit(0, 0.60)
	note, ok := g.WarnNote()
	assert.True(t, ok)
	assert.Contains(t, note, "$0.60")

	_, ok = g.WarnNote()
	assert.False(t, ok, "warning must fire only once")
}

func TestDisabledBudgetAlwaysAffords(t *testing.T) {
	g := NewGuardrail(NewPricingTable(), Budget{Enabled: false, MaxUSD: 0.01})
	g.Commit(1_000_000, 50.0)
	assert.True(t, g.CanAfford("gpt-5", 1_000_000))
}

func TestSeedRestoresWithoutLowering(t *testing.T) {
	g := NewGuardrail(NewPricingTable(), Budget{Enabled: true, MaxUSD: 10})
	g.Commit(500, 1.5)

	g.Seed(200, 0.5, false) // stale checkpoint must not rewind spend
	s := g.Snapshot()
	assert.Equal(t, 500, s.TokensUsed)
	assert.InDelta(t, 1.5, s.CostUSD, 1e-9)

	g.Seed(900, 2.0, true)
	s = g.Snapshot()
	assert.Equal(t, 900, s.TokensUsed)
	assert.InDelta(t, 2.0, s.CostUSD, 1e-9)
	assert.True(t, s.Warned)
}
