// Package providers abstracts the language-model backends used by agent
// workers behind a protocol-neutral chat interface.
package providers

import (
	"context"
	"errors"

	"github.com/tinyland-inc/clawmesh/pkg/config"
)

// ErrNoProvider is returned when no provider has credentials configured.
var ErrNoProvider = errors.New("no chat provider configured")

// ChatMessage is one turn of a conversation sent to a provider. Role is
// "system", "user" or "assistant".
type ChatMessage struct {
	Role    string
	Content string
}

// Options tunes a single chat call. Zero values use provider defaults.
type Options struct {
	MaxTokens   int
	Temperature *float64
}

// ChatProvider produces one completion for a conversation.
type ChatProvider interface {
	Chat(ctx context.Context, messages []ChatMessage, model string, opts Options) (string, error)
	DefaultModel() string
}

// CreateProvider selects a backend from config: Anthropic when its key is
// set, otherwise OpenAI. Returns the provider and the effective model id.
func CreateProvider(cfg *config.Config) (ChatProvider, string, error) {
	if cfg.Providers.Anthropic.APIKey != "" {
		p := NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase)
		return p, modelOrDefault(cfg.Providers.Anthropic.Model, p), nil
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		p := NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase)
		return p, modelOrDefault(cfg.Providers.OpenAI.Model, p), nil
	}
	return nil, "", ErrNoProvider
}

func modelOrDefault(model string, p ChatProvider) string {
	if model != "" {
		return model
	}
	return p.DefaultModel()
}
