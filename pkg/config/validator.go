package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// validate performs comprehensive validation, failing fast at the first
// problem. Providers are checked before the sections that reference them.
func validate(cfg *Config) error {
	v := validator.New()

	if err := validateProviders(v, cfg); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}
	if err := validateStageProviders(cfg); err != nil {
		return fmt.Errorf("stage provider validation failed: %w", err)
	}
	if err := validateResilience(v, cfg); err != nil {
		return fmt.Errorf("resilience validation failed: %w", err)
	}
	if err := validateFallback(cfg); err != nil {
		return fmt.Errorf("fallback validation failed: %w", err)
	}
	if err := v.Struct(cfg.Pipeline); err != nil {
		return NewValidationError("pipeline", "", "budgets", err)
	}
	return nil
}

func validateProviders(v *validator.Validate, cfg *Config) error {
	enabled := 0
	for name, p := range cfg.Providers.GetAll() {
		if !p.Enabled {
			continue
		}
		enabled++

		if err := v.Struct(p); err != nil {
			return NewValidationError("provider", name, "config", err)
		}
		if !p.Type.IsValid() {
			return NewValidationError("provider", name, "type",
				fmt.Errorf("unknown provider type %q", p.Type))
		}

		// Cloud providers need a credential; the local provider does not.
		if p.Type != ProviderOllama {
			if p.APIKeyEnv == "" {
				return NewValidationError("provider", name, "api_key_env",
					fmt.Errorf("required for provider type %q", p.Type))
			}
			if os.Getenv(p.APIKeyEnv) == "" {
				return NewValidationError("provider", name, "api_key_env",
					fmt.Errorf("environment variable %s is not set", p.APIKeyEnv))
			}
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}
	return nil
}

func validateStageProviders(cfg *Config) error {
	for stage, provider := range cfg.StageProviders {
		p, err := cfg.Providers.Get(provider)
		if err != nil {
			return NewValidationError("stage_providers", stage, "provider", err)
		}
		if !p.Enabled {
			return NewValidationError("stage_providers", stage, "provider",
				fmt.Errorf("provider %q is disabled", provider))
		}
	}
	return nil
}

func validateResilience(v *validator.Validate, cfg *Config) error {
	for name, rl := range cfg.RateLimits {
		if err := v.Struct(rl); err != nil {
			return NewValidationError("rate_limits", name, "bucket", err)
		}
	}
	for name, b := range cfg.Breakers {
		if err := v.Struct(b); err != nil {
			return NewValidationError("breakers", name, "breaker", err)
		}
		if b.CoolDownCeilMs > 0 && b.CoolDownCeilMs < b.CoolDownMs {
			return NewValidationError("breakers", name, "cool_down_ceil_ms",
				fmt.Errorf("ceiling %dms below cool_down_ms %dms", b.CoolDownCeilMs, b.CoolDownMs))
		}
	}
	if err := v.Struct(cfg.Retry); err != nil {
		return NewValidationError("retry", "", "policy", err)
	}
	return nil
}

// validateFallback checks that the fallback registry can actually be
// populated: enabling it requires an enabled provider of type ollama.
func validateFallback(cfg *Config) error {
	if !cfg.Fallback.Enabled {
		return nil
	}
	if cfg.Fallback.LocalContentCap <= 0 {
		return NewValidationError("fallback", "", "local_content_cap",
			fmt.Errorf("must be positive when fallback is enabled"))
	}
	for _, p := range cfg.Providers.GetAll() {
		if p.Enabled && p.Type == ProviderOllama {
			return nil
		}
	}
	return ErrNoLocalProvider
}
