package llm

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicProvider implements Provider on top of the Anthropic Claude
// Messages API, grounded on the goa-ai adapter's params-building style
// but narrowed to single-turn prompt completion (no tool calls, no
// streaming — the gateway's structured-output extraction happens after
// the fact, on plain text).
type anthropicProvider struct {
	client    sdk.Client
	model     string
	maxTokens int64
	temp      float64
}

func newAnthropicProvider(cfg Config, apiKey, model string) *anthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicProvider{
		client:    sdk.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		temp:      cfg.Temperature,
	}
}

func (p *anthropicProvider) ModelName() string { return p.model }

func (p *anthropicProvider) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", Usage{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	usage := Usage{
		Model:            p.model,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return text, usage, nil
}
