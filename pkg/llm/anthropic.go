package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/scholarlab/paperflow/pkg/models"
)

// AnthropicProvider wraps the Anthropic Messages API.
type AnthropicProvider struct {
	name    string
	client  anthropic.Client
	model   string
	timeout time.Duration
}

// NewAnthropicProvider creates an adapter from provider configuration.
func NewAnthropicProvider(name string, cfg *config.ProviderConfig, apiKey string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		name:    name,
		client:  anthropic.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout(),
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := p.client.Messages.New(callCtx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	var text string
	for _, block := range msg.Content {
		text += block.Text
	}
	if text == "" {
		return nil, NewError(models.ErrKindInvalidResponse,
			fmt.Errorf("empty completion from %s", p.name))
	}

	return &Response{
		Text:         text,
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// classify maps SDK errors onto the adapter taxonomy. The SDK surfaces
// HTTP failures as *anthropic.Error with the response status attached.
func (p *AnthropicProvider) classify(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		kind := classifyStatus(apierr.StatusCode)
		perr := &Error{Kind: kind, Err: err}
		if kind == models.ErrKindProviderRateLimited && apierr.Response != nil {
			if retry := apierr.Response.Header.Get("retry-after"); retry != "" {
				if secs, convErr := strconv.Atoi(retry); convErr == nil {
					perr.RetryAfter = time.Duration(secs) * time.Second
				}
			}
		}
		return perr
	}
	return NewError(classifyGeneric(err), err)
}
