package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinyland-inc/clawmesh/pkg/config"
)

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		in, fallback, want string
	}{
		{"", "https://api.anthropic.com", "https://api.anthropic.com"},
		{"  ", "https://api.anthropic.com", "https://api.anthropic.com"},
		{"https://proxy.example.com", "https://api.anthropic.com", "https://proxy.example.com"},
		{"https://proxy.example.com/", "https://api.anthropic.com", "https://proxy.example.com"},
		{"https://proxy.example.com/v1", "https://api.anthropic.com", "https://proxy.example.com"},
		{"https://proxy.example.com/v1/", "https://api.anthropic.com", "https://proxy.example.com"},
	}
	for _, tc := range cases {
		if got := normalizeBaseURL(tc.in, tc.fallback); got != tc.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCreateProvider_PrefersAnthropic(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.Anthropic.APIKey = "sk-ant"
	cfg.Providers.OpenAI.APIKey = "sk-oai"

	p, model, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if _, ok := p.(*AnthropicProvider); !ok {
		t.Fatalf("provider is %T, want *AnthropicProvider", p)
	}
	if model != p.DefaultModel() {
		t.Errorf("model = %q, want provider default %q", model, p.DefaultModel())
	}
}

func TestCreateProvider_OpenAIFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk-oai"
	cfg.Providers.OpenAI.Model = "gpt-4o"

	p, model, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if _, ok := p.(*OpenAIProvider); !ok {
		t.Fatalf("provider is %T, want *OpenAIProvider", p)
	}
	if model != "gpt-4o" {
		t.Errorf("model = %q, configured model should win", model)
	}
}

func TestCreateProvider_NoCredentials(t *testing.T) {
	_, _, err := CreateProvider(config.DefaultConfig())
	if err != ErrNoProvider {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestAnthropic_ChatRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		var reqBody map[string]any
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody["model"] != "claude-sonnet-4.6" {
			t.Errorf("model = %v", reqBody["model"])
		}
		if system, ok := reqBody["system"].([]any); !ok || len(system) != 1 {
			t.Errorf("system blocks = %v", reqBody["system"])
		}

		resp := map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       reqBody["model"],
			"stop_reason": "end_turn",
			"content": []map[string]any{
				{"type": "text", "text": "Hello! How can I help you?"},
			},
			"usage": map[string]any{
				"input_tokens":  15,
				"output_tokens": 8,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewAnthropicProvider("test-key", server.URL)
	got, err := provider.Chat(context.Background(), []ChatMessage{
		{Role: "system", Content: "Be helpful"},
		{Role: "user", Content: "Hello"},
	}, "claude-sonnet-4.6", Options{MaxTokens: 1024})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if got != "Hello! How can I help you?" {
		t.Errorf("Chat() = %q", got)
	}
}

func TestAnthropic_BaseURLNormalizesV1Suffix(t *testing.T) {
	p := NewAnthropicProvider("key", "https://proxy.example.com/v1")
	if p.BaseURL() != "https://proxy.example.com" {
		t.Errorf("BaseURL() = %q", p.BaseURL())
	}
}

func TestOpenAI_ChatRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl_test",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": "Sure thing.",
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider("test-key", server.URL)
	got, err := provider.Chat(context.Background(), []ChatMessage{
		{Role: "user", Content: "Hello"},
	}, "gpt-4o-mini", Options{})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if got != "Sure thing." {
		t.Errorf("Chat() = %q", got)
	}
}
