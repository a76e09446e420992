// Package settings defines the immutable configuration snapshot a
// conversion session is started with. Settings are validated once at
// session creation and never mutated mid-run; resuming a session reuses the
// original snapshot unless the caller explicitly overrides it.
package settings

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Direction selects which way a conversion runs.
type Direction string

const (
	DirectionAToB Direction = "A_TO_B"
	DirectionBToA Direction = "B_TO_A"
)

// Valid reports whether the direction is one of the two known values.
func (d Direction) Valid() bool {
	return d == DirectionAToB || d == DirectionBToA
}

// Settings is the full per-session configuration snapshot.
type Settings struct {
	Conversion  ConversionSettings  `yaml:"conversion" json:"conversion"`
	Performance PerformanceSettings `yaml:"performance" json:"performance"`
	AI          AISettings          `yaml:"ai" json:"ai"`
	Cost        CostSettings        `yaml:"cost" json:"cost"`
	Backup      BackupSettings      `yaml:"backup" json:"backup"`
}

// ConversionSettings control translation behavior and pattern learning.
type ConversionSettings struct {
	CodeStyle            string   `yaml:"code_style" json:"codeStyle"`
	Comments             string   `yaml:"comments" json:"comments"`
	Naming               string   `yaml:"naming" json:"naming"`
	Exclusions           []string `yaml:"exclusions" json:"exclusions,omitempty"`
	EnableLearning       bool     `yaml:"enable_learning" json:"enableLearning"`
	LearningTriggerCount int      `yaml:"learning_trigger_count" json:"learningTriggerCount"`
}

// PerformanceSettings bound concurrency, rate, and timeouts.
type PerformanceSettings struct {
	ParallelConversions int `yaml:"parallel_conversions" json:"parallelConversions"`
	APIRateLimit        int `yaml:"api_rate_limit" json:"apiRateLimit"` // requests per minute
	ChunkTimeoutSeconds int `yaml:"chunk_timeout_seconds" json:"chunkTimeoutSeconds"`
	BuildTimeoutSeconds int `yaml:"build_timeout_seconds" json:"buildTimeoutSeconds"`
}

// AISettings shape translator invocation and retry policy.
type AISettings struct {
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	Strategy       string  `yaml:"strategy" json:"strategy"`
	Retries        int     `yaml:"retries" json:"retries"`
	RetryBackoffMS int     `yaml:"retry_backoff_ms" json:"retryBackoffMs"`
	OfflineOnly    bool    `yaml:"offline_only" json:"offlineOnly"`
}

// CostSettings configure the budget guardrail and model routing.
type CostSettings struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	MaxBudgetUSD    float64  `yaml:"max_budget_usd" json:"maxBudgetUsd"`
	WarnFraction    float64  `yaml:"warn_fraction" json:"warnFraction"`
	AutoSwitchModel bool     `yaml:"auto_switch_model" json:"autoSwitchModel"`
	ActiveModel     string   `yaml:"active_model" json:"activeModel"`
	FallbackChain   []string `yaml:"fallback_chain" json:"fallbackChain,omitempty"`
}

// BackupSettings configure the post-completion archive.
type BackupSettings struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Dir            string `yaml:"dir" json:"dir,omitempty"`
	RetentionCount int    `yaml:"retention_count" json:"retentionCount"`
}

// Default returns settings with documented defaults applied.
func Default() Settings {
	return Settings{
		Conversion: ConversionSettings{
			CodeStyle:            "native",
			Comments:             "keep",
			Naming:               "preserve",
			EnableLearning:       true,
			LearningTriggerCount: 3,
		},
		Performance: PerformanceSettings{
			ParallelConversions: 1,
			APIRateLimit:        30,
			ChunkTimeoutSeconds: 120,
			BuildTimeoutSeconds: 600,
		},
		AI: AISettings{
			Temperature:    0.2,
			Strategy:       "balanced",
			Retries:        3,
			RetryBackoffMS: 500,
		},
		Cost: CostSettings{
			Enabled:         true,
			MaxBudgetUSD:    50.0,
			WarnFraction:    0.8,
			AutoSwitchModel: true,
		},
		Backup: BackupSettings{
			RetentionCount: 10,
		},
	}
}

// Load reads settings from a YAML file, applying defaults for anything the
// file leaves unset.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse settings file: %w", err)
	}
	cfg.applyFloors()
	return cfg, nil
}

// applyFloors backfills zero values that yaml unmarshalling may have
// clobbered with usable defaults.
func (s *Settings) applyFloors() {
	def := Default()
	if s.Conversion.LearningTriggerCount <= 0 {
		s.Conversion.LearningTriggerCount = def.Conversion.LearningTriggerCount
	}
	if s.Performance.ParallelConversions <= 0 {
		s.Performance.ParallelConversions = def.Performance.ParallelConversions
	}
	if s.Performance.APIRateLimit <= 0 {
		s.Performance.APIRateLimit = def.Performance.APIRateLimit
	}
	if s.Performance.ChunkTimeoutSeconds <= 0 {
		s.Performance.ChunkTimeoutSeconds = def.Performance.ChunkTimeoutSeconds
	}
	if s.Performance.BuildTimeoutSeconds <= 0 {
		s.Performance.BuildTimeoutSeconds = def.Performance.BuildTimeoutSeconds
	}
	if s.AI.Retries <= 0 {
		s.AI.Retries = def.AI.Retries
	}
	if s.AI.RetryBackoffMS <= 0 {
		s.AI.RetryBackoffMS = def.AI.RetryBackoffMS
	}
	if s.Cost.WarnFraction <= 0 {
		s.Cost.WarnFraction = def.Cost.WarnFraction
	}
	if s.Backup.RetentionCount <= 0 {
		s.Backup.RetentionCount = def.Backup.RetentionCount
	}
}

// Validate checks the snapshot once, at session-creation time.
func (s Settings) Validate() error {
	if s.Cost.Enabled {
		if s.Cost.ActiveModel == "" {
			return fmt.Errorf("cost.active_model is required when cost tracking is enabled")
		}
		if s.Cost.MaxBudgetUSD < 0 {
			return fmt.Errorf("cost.max_budget_usd must not be negative")
		}
		if s.Cost.WarnFraction <= 0 || s.Cost.WarnFraction > 1 {
			return fmt.Errorf("cost.warn_fraction must be in (0, 1], got %v", s.Cost.WarnFraction)
		}
	}
	if s.AI.Retries < 1 {
		return fmt.Errorf("ai.retries must be at least 1, got %d", s.AI.Retries)
	}
	if s.Performance.ParallelConversions < 1 {
		return fmt.Errorf("performance.parallel_conversions must be at least 1, got %d",
			s.Performance.ParallelConversions)
	}
	if s.Conversion.EnableLearning && s.Conversion.LearningTriggerCount < 1 {
		return fmt.Errorf("conversion.learning_trigger_count must be at least 1, got %d",
			s.Conversion.LearningTriggerCount)
	}
	return nil
}
