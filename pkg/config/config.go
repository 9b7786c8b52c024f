package config

// Config is the umbrella configuration object returned by Initialize and
// threaded through the application. It is immutable after Initialize.
type Config struct {
	configDir string

	Providers  *ProviderRegistry
	RateLimits map[string]*RateLimitConfig
	Breakers   map[string]*BreakerConfig
	Retry      *RetryConfig
	Fallback   *FallbackConfig
	Pipeline   *PipelineConfig

	// StageProviders maps a stage kind to the provider name its agent uses.
	StageProviders map[string]string
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetProvider retrieves a provider configuration by name.
func (c *Config) GetProvider(name string) (*ProviderConfig, error) {
	return c.Providers.Get(name)
}

// RateLimit returns the bucket parameters for a provider, falling back to
// conservative defaults for providers without an explicit entry.
func (c *Config) RateLimit(provider string) *RateLimitConfig {
	if rl, ok := c.RateLimits[provider]; ok {
		return rl
	}
	return &RateLimitConfig{Capacity: 5, RefillPerSec: 1, MaxWaiters: 1000}
}

// Breaker returns the breaker parameters for a provider, falling back to
// the built-in defaults for providers without an explicit entry.
func (c *Config) Breaker(provider string) *BreakerConfig {
	if b, ok := c.Breakers[provider]; ok {
		return b
	}
	return defaultBreaker()
}

// Stats contains statistics about loaded configuration, for startup logs.
type Stats struct {
	Providers        int
	EnabledProviders int
	FallbackEnabled  bool
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	return Stats{
		Providers:        c.Providers.Len(),
		EnabledProviders: len(c.Providers.Enabled()),
		FallbackEnabled:  c.Fallback.Enabled,
	}
}
