package config

// Builtin returns the built-in configuration defaults. User configuration
// is merged on top; anything the user omits falls back to these values.
func Builtin() *FileConfig {
	return &FileConfig{
		RateLimits: map[string]*RateLimitConfig{
			"anthropic": {Capacity: 10, RefillPerSec: 2, MaxWaiters: 1000},
			"openai":    {Capacity: 10, RefillPerSec: 2, MaxWaiters: 1000},
			"google":    {Capacity: 10, RefillPerSec: 2, MaxWaiters: 1000},
			"local":     {Capacity: 2, RefillPerSec: 0.5, MaxWaiters: 1000},
		},
		Breakers: map[string]*BreakerConfig{
			"anthropic": defaultBreaker(),
			"openai":    defaultBreaker(),
			"google":    defaultBreaker(),
			"local":     defaultBreaker(),
		},
		Retry: &RetryConfig{
			MaxAttempts:    3,
			BaseDelayMs:    1000,
			Multiplier:     2,
			JitterFraction: 0.2,
		},
		Fallback: &FallbackConfig{
			Enabled:         false,
			LocalContentCap: 8000,
		},
		Pipeline: &PipelineConfig{
			DefaultDeadlineMs:    15 * 60 * 1000,
			DefaultStageBudgetMs: 5 * 60 * 1000,
			QualityFloor:         0.5,
			MemoryRetentionMs:    7 * 24 * 60 * 60 * 1000,
			MaxConcurrent:        8,
		},
		StageProviders: map[string]string{
			"text_extractor":     "openai",
			"metadata_enhancer":  "google",
			"summarizer":         "anthropic",
			"concept_explainer":  "anthropic",
			"quality_checker":    "openai",
			"citation_formatter": "google",
			"discoverer":         "openai",
		},
	}
}

func defaultBreaker() *BreakerConfig {
	return &BreakerConfig{
		WindowSize:       20,
		FailureThreshold: 0.5,
		CoolDownMs:       30_000,
		CoolDownCeilMs:   5 * 60 * 1000,
		HalfOpenProbes:   3,
	}
}
