package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// GoogleProvider wraps the Google Generative AI API via langchaingo.
type GoogleProvider struct {
	name    string
	model   llms.Model
	modelID string
	timeout time.Duration
}

// NewGoogleProvider creates an adapter from provider configuration.
func NewGoogleProvider(ctx context.Context, name string, cfg *config.ProviderConfig, apiKey string) (*GoogleProvider, error) {
	model, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create googleai client: %w", err)
	}
	return &GoogleProvider{
		name:    name,
		model:   model,
		modelID: cfg.Model,
		timeout: cfg.Timeout(),
	}, nil
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *GoogleProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	return completeWithModel(ctx, p.model, p.name, p.modelID, p.timeout, req)
}
