package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	client  *anthropic.Client
	baseURL string
}

// NewAnthropicProvider creates a provider with the given key and optional
// base URL override.
func NewAnthropicProvider(apiKey, apiBase string) *AnthropicProvider {
	baseURL := normalizeBaseURL(apiBase, anthropicDefaultBaseURL)
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &AnthropicProvider{client: &client, baseURL: baseURL}
}

func (p *AnthropicProvider) Chat(
	ctx context.Context,
	messages []ChatMessage,
	model string,
	opts Options,
) (string, error) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "user":
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := int64(4096)
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  turns,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API call: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return sb.String(), nil
}

func (p *AnthropicProvider) DefaultModel() string {
	return "claude-sonnet-4.6"
}

func (p *AnthropicProvider) BaseURL() string {
	return p.baseURL
}

func normalizeBaseURL(apiBase, fallback string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return fallback
	}

	base = strings.TrimRight(base, "/")
	if b, ok := strings.CutSuffix(base, "/v1"); ok {
		base = b
	}
	if base == "" {
		return fallback
	}

	return base
}
