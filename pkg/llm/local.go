package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LocalProvider wraps a locally hosted Ollama model. It backs the fallback
// registry: when cloud providers are exhausted, degraded processing runs
// here.
type LocalProvider struct {
	name    string
	model   llms.Model
	modelID string
	timeout time.Duration
}

// NewLocalProvider creates an adapter from provider configuration.
func NewLocalProvider(name string, cfg *config.ProviderConfig) (*LocalProvider, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}

	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &LocalProvider{
		name:    name,
		model:   model,
		modelID: cfg.Model,
		timeout: cfg.Timeout(),
	}, nil
}

// Name implements Provider.
func (p *LocalProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *LocalProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	return completeWithModel(ctx, p.model, p.name, p.modelID, p.timeout, req)
}
