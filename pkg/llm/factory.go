package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/scholarlab/paperflow/pkg/config"
)

// BuildProviders constructs one instrumented adapter per enabled provider
// in the registry. Disabled providers are skipped.
func BuildProviders(ctx context.Context, registry *config.ProviderRegistry) (map[string]Provider, error) {
	providers := make(map[string]Provider)

	for name, cfg := range registry.GetAll() {
		if !cfg.Enabled {
			continue
		}

		apiKey := ""
		if cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
		}

		var (
			p   Provider
			err error
		)
		switch cfg.Type {
		case config.ProviderAnthropic:
			p = NewAnthropicProvider(name, cfg, apiKey)
		case config.ProviderOpenAI:
			p, err = NewOpenAIProvider(name, cfg, apiKey)
		case config.ProviderGoogle:
			p, err = NewGoogleProvider(ctx, name, cfg, apiKey)
		case config.ProviderOllama:
			p, err = NewLocalProvider(name, cfg)
		default:
			err = fmt.Errorf("unknown provider type %q", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
		}

		providers[name] = Instrument(p)
		slog.Info("Provider registered", "name", name, "type", cfg.Type, "model", cfg.Model)
	}

	return providers, nil
}
