package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// OpenAIProvider wraps the OpenAI chat completions API via langchaingo.
type OpenAIProvider struct {
	name    string
	model   llms.Model
	modelID string
	timeout time.Duration
}

// NewOpenAIProvider creates an adapter from provider configuration.
func NewOpenAIProvider(name string, cfg *config.ProviderConfig, apiKey string) (*OpenAIProvider, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &OpenAIProvider{
		name:    name,
		model:   model,
		modelID: cfg.Model,
		timeout: cfg.Timeout(),
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	return completeWithModel(ctx, p.model, p.name, p.modelID, p.timeout, req)
}

// completeWithModel is the shared langchaingo call path used by the
// OpenAI, Google, and local adapters.
func completeWithModel(ctx context.Context, model llms.Model, name, modelID string, timeout time.Duration, req Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt))

	opts := []llms.CallOption{}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}

	resp, err := model.GenerateContent(callCtx, messages, opts...)
	if err != nil {
		return nil, NewError(classifyGeneric(err), err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, NewError(models.ErrKindInvalidResponse,
			fmt.Errorf("empty completion from %s", name))
	}

	choice := resp.Choices[0]
	return &Response{
		Text:         choice.Content,
		Model:        modelID,
		InputTokens:  generationTokens(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: generationTokens(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

// generationTokens extracts a token count from langchaingo generation
// info, which is a loosely typed map that varies by backend.
func generationTokens(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
