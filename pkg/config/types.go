// Package config loads, merges, and validates the paperflow configuration
// directory. Configuration is read once at startup and immutable afterwards.
package config

import "time"

// ProviderType selects the adapter implementation for a provider.
type ProviderType string

// Supported provider types.
const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGoogle    ProviderType = "googleai"
	ProviderOllama    ProviderType = "ollama"
)

// IsValid reports whether t is a known provider type.
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		return true
	}
	return false
}

// ProviderConfig defines one LLM provider endpoint.
type ProviderConfig struct {
	// Whether to register the adapter at startup.
	Enabled bool `yaml:"enabled"`

	// Adapter implementation (required when enabled).
	Type ProviderType `yaml:"type" validate:"required"`

	// Model name (required when enabled).
	Model string `yaml:"model" validate:"required"`

	// Environment variable name holding the API key. Optional for the
	// local provider.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Optional custom endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Per-call timeout in milliseconds.
	TimeoutMs int `yaml:"timeout_ms,omitempty" validate:"omitempty,min=1000"`
}

// Timeout returns the per-call timeout, falling back to the default.
func (p *ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// RateLimitConfig parameterizes one provider's token bucket.
type RateLimitConfig struct {
	Capacity     int     `yaml:"capacity" validate:"min=1"`
	RefillPerSec float64 `yaml:"refill_per_sec" validate:"gt=0"`

	// Waiter queue high-water mark; acquires beyond it fail fast.
	MaxWaiters int `yaml:"max_waiters,omitempty" validate:"omitempty,min=1"`
}

// BreakerConfig parameterizes one provider's circuit breaker.
type BreakerConfig struct {
	WindowSize       int     `yaml:"window_size" validate:"min=1"`
	FailureThreshold float64 `yaml:"failure_threshold" validate:"gt=0,lte=1"`
	CoolDownMs       int     `yaml:"cool_down_ms" validate:"min=100"`
	CoolDownCeilMs   int     `yaml:"cool_down_ceil_ms,omitempty" validate:"omitempty,min=100"`
	HalfOpenProbes   int     `yaml:"half_open_probes" validate:"min=1"`
}

// RetryConfig parameterizes the retry policy shared by all agents.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" validate:"min=1"`
	BaseDelayMs    int     `yaml:"base_delay_ms" validate:"min=1"`
	Multiplier     float64 `yaml:"multiplier" validate:"gte=1"`
	JitterFraction float64 `yaml:"jitter_fraction" validate:"gte=0,lt=1"`
}

// FallbackConfig controls the local-provider fallback registry.
type FallbackConfig struct {
	Enabled bool `yaml:"enabled"`

	// Character cap applied to fallback inputs (local models have tighter
	// context windows).
	LocalContentCap int `yaml:"local_content_cap,omitempty" validate:"omitempty,min=100"`
}

// PipelineConfig carries orchestrator-level budgets.
type PipelineConfig struct {
	DefaultDeadlineMs    int     `yaml:"default_deadline_ms" validate:"min=1000"`
	DefaultStageBudgetMs int     `yaml:"default_stage_budget_ms" validate:"min=1000"`
	QualityFloor         float64 `yaml:"quality_floor,omitempty" validate:"gte=0,lte=1"`

	// Memory retention sweep interval and entry age cap.
	MemoryRetentionMs int `yaml:"memory_retention_ms,omitempty" validate:"omitempty,min=1000"`

	// Upper bound on pipelines executing concurrently in this process.
	MaxConcurrent int `yaml:"max_concurrent,omitempty" validate:"omitempty,min=1"`
}

// DefaultDeadline returns the request deadline as a duration.
func (p *PipelineConfig) DefaultDeadline() time.Duration {
	return time.Duration(p.DefaultDeadlineMs) * time.Millisecond
}

// StageBudget returns the per-stage budget as a duration.
func (p *PipelineConfig) StageBudget() time.Duration {
	return time.Duration(p.DefaultStageBudgetMs) * time.Millisecond
}

// MemoryRetention returns the memo entry age cap as a duration.
func (p *PipelineConfig) MemoryRetention() time.Duration {
	return time.Duration(p.MemoryRetentionMs) * time.Millisecond
}
