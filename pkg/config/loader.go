package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the paperflow.yaml file structure.
type FileConfig struct {
	RateLimits     map[string]*RateLimitConfig `yaml:"rate_limits"`
	Breakers       map[string]*BreakerConfig   `yaml:"breakers"`
	Retry          *RetryConfig                `yaml:"retry"`
	Fallback       *FallbackConfig             `yaml:"fallback"`
	Pipeline       *PipelineConfig             `yaml:"pipeline"`
	StageProviders map[string]string           `yaml:"stage_providers"`
}

// ProvidersFileConfig mirrors the llm-providers.yaml file structure.
type ProvidersFileConfig struct {
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// Initialize loads, merges, and validates the configuration directory.
// This is the primary entry point for configuration loading.
//
// Steps:
//  1. Read paperflow.yaml and llm-providers.yaml
//  2. Expand environment variables
//  3. Merge user configuration over built-in defaults
//  4. Build the provider registry
//  5. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"providers", stats.Providers,
		"enabled_providers", stats.EnabledProviders,
		"fallback_enabled", stats.FallbackEnabled)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	fileCfg, err := loadFileConfig(filepath.Join(configDir, "paperflow.yaml"))
	if err != nil {
		return nil, NewLoadError("paperflow.yaml", err)
	}

	providers, err := loadProvidersConfig(filepath.Join(configDir, "llm-providers.yaml"))
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// Merge user config over built-in defaults (user wins).
	merged := Builtin()
	if err := mergo.Merge(merged, fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	return &Config{
		configDir:      configDir,
		Providers:      NewProviderRegistry(providers.Providers),
		RateLimits:     merged.RateLimits,
		Breakers:       merged.Breakers,
		Retry:          merged.Retry,
		Fallback:       merged.Fallback,
		Pipeline:       merged.Pipeline,
		StageProviders: merged.StageProviders,
	}, nil
}

// loadFileConfig reads paperflow.yaml. A missing file is not an error: the
// built-in defaults cover everything it would contain.
func loadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, err
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &cfg, nil
}

// loadProvidersConfig reads llm-providers.yaml. The file is required: a
// pipeline with zero providers cannot process anything.
func loadProvidersConfig(path string) (*ProvidersFileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ProvidersFileConfig
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers defined")
	}
	return &cfg, nil
}
