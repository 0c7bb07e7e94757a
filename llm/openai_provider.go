package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openaiProvider implements Provider as the lighter fallback model
// (spec §4.5 "model fallback"), grounded on the pack's own
// openai-go chat-completions adapter.
type openaiProvider struct {
	client    openai.Client
	model     string
	maxTokens int64
	temp      float64
}

func newOpenAIProvider(cfg Config, apiKey, model string) *openaiProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &openaiProvider{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		temp:      cfg.Temperature,
	}
}

func (p *openaiProvider) ModelName() string { return p.model }

func (p *openaiProvider) Complete(ctx context.Context, prompt string) (string, Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model:               p.model,
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		MaxCompletionTokens: openai.Int(p.maxTokens),
	}
	if p.temp > 0 {
		params.Temperature = openai.Float(p.temp)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", Usage{}, fmt.Errorf("openai chat.completions.new: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("openai: no choices in response")
	}

	usage := Usage{
		Model:            p.model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}
