package providers

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to the OpenAI Chat Completions API, including any
// compatible endpoint via the base URL override.
type OpenAIProvider struct {
	client  *openai.Client
	baseURL string
}

// NewOpenAIProvider creates a provider with the given key and optional
// base URL override.
func NewOpenAIProvider(apiKey, apiBase string) *OpenAIProvider {
	baseURL := apiBase
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &OpenAIProvider{client: &client, baseURL: baseURL}
}

func (p *OpenAIProvider) Chat(
	ctx context.Context,
	messages []ChatMessage,
	model string,
	opts Options,
) (string, error) {
	turns := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			turns = append(turns, openai.SystemMessage(msg.Content))
		case "user":
			turns = append(turns, openai.UserMessage(msg.Content))
		case "assistant":
			turns = append(turns, openai.AssistantMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: turns,
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai API returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) DefaultModel() string {
	return "gpt-4o-mini"
}

func (p *OpenAIProvider) BaseURL() string {
	return p.baseURL
}
