package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	s := Default()
	s.Cost.ActiveModel = "gpt-5"
	assert.NoError(t, s.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"missing active model", func(s *Settings) { s.Cost.ActiveModel = "" }},
		{"negative budget", func(s *Settings) { s.Cost.MaxBudgetUSD = -1 }},
		{"warn fraction above one", func(s *Settings) { s.Cost.WarnFraction = 1.5 }},
		{"zero retries", func(s *Settings) { s.AI.Retries = 0 }},
		{"zero parallel conversions", func(s *Settings) { s.Performance.ParallelConversions = 0 }},
		{"zero learning trigger", func(s *Settings) { s.Conversion.LearningTriggerCount = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			s.Cost.ActiveModel = "gpt-5"
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
cost:
  enabled: true
  active_model: gpt-5
  max_budget_usd: 2.5
  fallback_chain: [gpt-5-mini, gpt-5-nano]
performance:
  parallel_conversions: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-5", s.Cost.ActiveModel)
	assert.Equal(t, 2.5, s.Cost.MaxBudgetUSD)
	assert.Equal(t, []string{"gpt-5-mini", "gpt-5-nano"}, s.Cost.FallbackChain)
	assert.Equal(t, 3, s.Performance.ParallelConversions)

	// Unset fields fall back to defaults.
	assert.Equal(t, 3, s.AI.Retries)
	assert.Equal(t, 30, s.Performance.APIRateLimit)
	assert.Equal(t, 0.8, s.Cost.WarnFraction)
	assert.NoError(t, s.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDirectionValid(t *testing.T) {
	assert.True(t, DirectionAToB.Valid())
	assert.True(t, DirectionBToA.Valid())
	assert.False(t, Direction("sideways").Valid())
}
