package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyland-inc/clawmesh/pkg/broker"
	"github.com/tinyland-inc/clawmesh/pkg/config"
	"github.com/tinyland-inc/clawmesh/pkg/message"
	"github.com/tinyland-inc/clawmesh/pkg/providers"
	"github.com/tinyland-inc/clawmesh/pkg/session"
)

// echoProvider answers deterministically and records the conversations it
// was given. failures>0 makes that many leading calls fail.
type echoProvider struct {
	mu       sync.Mutex
	chats    [][]providers.ChatMessage
	models   []string
	failures int
}

func (p *echoProvider) Chat(_ context.Context, messages []providers.ChatMessage, model string, _ providers.Options) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return "", errors.New("provider unavailable")
	}
	p.chats = append(p.chats, messages)
	p.models = append(p.models, model)
	last := messages[len(messages)-1]
	return "echo: " + last.Content, nil
}

func (p *echoProvider) DefaultModel() string { return "echo-1" }

func (p *echoProvider) lastChat() []providers.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chats) == 0 {
		return nil
	}
	return p.chats[len(p.chats)-1]
}

func (p *echoProvider) lastModel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.models) == 0 {
		return ""
	}
	return p.models[len(p.models)-1]
}

type fixture struct {
	broker    *broker.Broker
	sessions  *session.Store
	provider  *echoProvider
	responses chan message.Message
}

func newFixture(t *testing.T, agents []config.AgentConfig) *fixture {
	t.Helper()
	b := broker.New(broker.DefaultTopology(), 10)
	t.Cleanup(b.Close)
	s, err := session.NewStore(session.Options{})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	p := &echoProvider{}

	w := New(b, s, p, "echo-1", agents)
	if err := w.Start(); err != nil {
		t.Fatalf("worker start: %v", err)
	}

	responses := make(chan message.Message, 4)
	b.Consume(broker.QueueAgentResponses, func(_ context.Context, msg message.Message) broker.Result {
		responses <- msg
		return broker.Ack()
	})
	return &fixture{broker: b, sessions: s, provider: p, responses: responses}
}

func awaitResponse(t *testing.T, ch chan message.Message) message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no agent response produced")
		return message.Message{}
	}
}

func TestPromptProducesResponse(t *testing.T) {
	fix := newFixture(t, []config.AgentConfig{{ID: "a1", Personality: "Be terse."}})

	prompt := message.NewUserPrompt("u1", "a1", "s1", "what's up", nil)
	if err := fix.broker.Publish(context.Background(), prompt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	resp := awaitResponse(t, fix.responses)
	if resp.Type != message.TypeAgentResponse {
		t.Errorf("wrong type %q", resp.Type)
	}
	if resp.Content != "echo: what's up" {
		t.Errorf("wrong content %q", resp.Content)
	}
	if resp.UserID != "u1" || resp.AgentID != "a1" || resp.SessionID != "s1" {
		t.Errorf("addressing lost: %+v", resp)
	}
	if resp.Metadata["in_reply_to"] != prompt.ID {
		t.Errorf("in_reply_to = %q, want %q", resp.Metadata["in_reply_to"], prompt.ID)
	}
}

func TestChat_PersonalityAndHistory(t *testing.T) {
	fix := newFixture(t, []config.AgentConfig{{ID: "a1", Personality: "Be terse."}})
	fix.sessions.Create("u1", "s1", "a1", nil)
	fix.sessions.AddMessage("s1", session.Entry{ID: "m1", Type: "user_prompt", Content: "earlier question", SenderID: "u1"})
	fix.sessions.AddMessage("s1", session.Entry{ID: "m2", Type: "agent_response", Content: "earlier answer", SenderID: "a1"})

	prompt := message.NewUserPrompt("u1", "a1", "s1", "follow up", nil)
	fix.broker.Publish(context.Background(), prompt)
	awaitResponse(t, fix.responses)

	chat := fix.provider.lastChat()
	want := []providers.ChatMessage{
		{Role: "system", Content: "Be terse."},
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
		{Role: "user", Content: "follow up"},
	}
	if len(chat) != len(want) {
		t.Fatalf("chat length = %d, want %d: %+v", len(chat), len(want), chat)
	}
	for i := range want {
		if chat[i] != want[i] {
			t.Errorf("chat[%d] = %+v, want %+v", i, chat[i], want[i])
		}
	}
}

func TestChat_PromptNotDuplicatedWhenHistoryEndsWithIt(t *testing.T) {
	fix := newFixture(t, []config.AgentConfig{{ID: "a1"}})
	fix.sessions.Create("u1", "s1", "a1", nil)
	// The gateway appends the prompt before publish, so history already
	// ends with it.
	fix.sessions.AddMessage("s1", session.Entry{ID: "m1", Type: "user_prompt", Content: "hello", SenderID: "u1"})

	fix.broker.Publish(context.Background(), message.NewUserPrompt("u1", "a1", "s1", "hello", nil))
	awaitResponse(t, fix.responses)

	chat := fix.provider.lastChat()
	if len(chat) != 2 {
		t.Fatalf("chat length = %d, want 2 (system + prompt): %+v", len(chat), chat)
	}
}

func TestUnknownAgent_FallsBackToDefault(t *testing.T) {
	fix := newFixture(t, []config.AgentConfig{
		{ID: "scout", Model: "scout-model"},
		{ID: "sage", Personality: "Speak in riddles.", Default: true},
	})

	fix.broker.Publish(context.Background(), message.NewUserPrompt("u1", "mystery", "s1", "hi", nil))
	awaitResponse(t, fix.responses)

	chat := fix.provider.lastChat()
	if chat[0].Content != "Speak in riddles." {
		t.Errorf("fallback personality not applied: %+v", chat[0])
	}
}

func TestAgentModelOverride(t *testing.T) {
	fix := newFixture(t, []config.AgentConfig{{ID: "scout", Model: "scout-model"}})

	fix.broker.Publish(context.Background(), message.NewUserPrompt("u1", "scout", "s1", "hi", nil))
	awaitResponse(t, fix.responses)

	if got := fix.provider.lastModel(); got != "scout-model" {
		t.Errorf("model = %q, want scout-model", got)
	}
}

func TestProviderFailure_PromptRetried(t *testing.T) {
	fix := newFixture(t, []config.AgentConfig{{ID: "a1"}})
	fix.provider.mu.Lock()
	fix.provider.failures = 2
	fix.provider.mu.Unlock()

	fix.broker.Publish(context.Background(), message.NewUserPrompt("u1", "a1", "s1", "persist", nil))

	resp := awaitResponse(t, fix.responses)
	if resp.Content != "echo: persist" {
		t.Errorf("prompt not retried to success: %q", resp.Content)
	}
	if stats := fix.broker.Stats(); stats.Redelivered < 2 {
		t.Errorf("expected at least 2 redeliveries, got %d", stats.Redelivered)
	}
}

func TestNoAgentsConfigured_GenericPreamble(t *testing.T) {
	fix := newFixture(t, nil)

	fix.broker.Publish(context.Background(), message.NewUserPrompt("u1", "a1", "s1", "hi", nil))
	awaitResponse(t, fix.responses)

	chat := fix.provider.lastChat()
	if chat[0].Role != "system" || chat[0].Content != "You are a helpful assistant." {
		t.Errorf("bad preamble with empty agent set: %+v", chat[0])
	}
}

func TestDefaultPreamble_WhenNoPersonality(t *testing.T) {
	fix := newFixture(t, []config.AgentConfig{{ID: "a1", Name: "Atlas"}})

	fix.broker.Publish(context.Background(), message.NewUserPrompt("u1", "a1", "s1", "hi", nil))
	awaitResponse(t, fix.responses)

	chat := fix.provider.lastChat()
	if chat[0].Role != "system" || chat[0].Content != "You are Atlas, a helpful assistant." {
		t.Errorf("bad default preamble: %+v", chat[0])
	}
}
