package model

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/patternscan/internal/detection"
)

// AnthropicConfig configures an AnthropicInferer.
type AnthropicConfig struct {
	APIKey        string // if empty, reads ANTHROPIC_API_KEY
	Model         string // if empty, PATTERNSCAN_MODEL or DefaultModel
	MaxTokens     int    // default: 2048
	MaxConcurrent int    // concurrent calls (default: 2, 0 = default)
}

// AnthropicInferer runs inference through the Anthropic Messages API.
type AnthropicInferer struct {
	client    anthropic.Client
	model     string
	maxTokens int
	sem       *semaphore.Weighted
}

// NewAnthropic creates an inferer. It fails when no API key is available.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicInferer, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY not set", detection.ErrInvalidConfiguration)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	return &AnthropicInferer{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     ModelFromEnv(cfg.Model),
		maxTokens: cfg.MaxTokens,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}, nil
}

// Model returns the model name in use.
func (a *AnthropicInferer) Model() string {
	return a.model
}

// Infer implements Inferer.
func (a *AnthropicInferer) Infer(ctx context.Context, req Request) (*Response, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, detection.Wrap(detection.ErrModelInference, "acquire model slot", err)
	}
	defer a.sem.Release(1)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, detection.Wrap(detection.ErrModelInference, "anthropic messages", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Response{
		Text:         text,
		Model:        string(resp.Model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
