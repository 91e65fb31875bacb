// Package worker implements the agent-processing service: it dequeues
// user prompts, applies the target agent's personality, calls the chat
// provider, and publishes the response back through the broker. The
// routing core is agnostic to this package; it only requires responses to
// carry user_id, agent_id, session_id and content.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/tinyland-inc/clawmesh/pkg/broker"
	"github.com/tinyland-inc/clawmesh/pkg/config"
	"github.com/tinyland-inc/clawmesh/pkg/logger"
	"github.com/tinyland-inc/clawmesh/pkg/message"
	"github.com/tinyland-inc/clawmesh/pkg/providers"
	"github.com/tinyland-inc/clawmesh/pkg/session"
)

// chatTimeout bounds one provider call; a timeout nacks the prompt for
// redelivery.
const chatTimeout = 120 * time.Second

// historyTurns is how many trailing session entries feed the prompt.
const historyTurns = 20

// Worker consumes the user_prompts queue and produces agent_responses.
type Worker struct {
	broker   *broker.Broker
	sessions *session.Store
	provider providers.ChatProvider
	model    string
	agents   map[string]config.AgentConfig
	fallback config.AgentConfig
}

// New creates a worker over the broker and session store. The agent set
// comes from config; an unknown agent_id falls back to the default agent.
func New(
	b *broker.Broker,
	s *session.Store,
	provider providers.ChatProvider,
	model string,
	agents []config.AgentConfig,
) *Worker {
	byID := make(map[string]config.AgentConfig, len(agents))
	var fallback config.AgentConfig
	for _, a := range agents {
		byID[a.ID] = a
		if a.Default || fallback.ID == "" {
			fallback = a
		}
	}
	return &Worker{
		broker:   b,
		sessions: s,
		provider: provider,
		model:    model,
		agents:   byID,
		fallback: fallback,
	}
}

// Start binds the worker as the user_prompts consumer.
func (w *Worker) Start() error {
	if err := w.broker.Consume(broker.QueueUserPrompts, w.handlePrompt); err != nil {
		return fmt.Errorf("binding user_prompts consumer: %w", err)
	}
	logger.InfoCF("worker", "agent worker started", map[string]any{
		"agents": len(w.agents), "model": w.model,
	})
	return nil
}

// handlePrompt processes one prompt. Provider or publish failure nacks
// with requeue so the prompt is retried; the consumer loop itself never
// dies on a bad message.
func (w *Worker) handlePrompt(ctx context.Context, msg message.Message) broker.Result {
	agent := w.agentFor(msg.AgentID)

	callCtx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	content, err := w.provider.Chat(callCtx, w.buildChat(agent, msg), w.modelFor(agent), providers.Options{})
	if err != nil {
		logger.ErrorCF("worker", "provider call failed", map[string]any{
			"id": msg.ID, "agent_id": msg.AgentID, "error": err.Error(),
		})
		return broker.Nack(true)
	}

	resp := message.NewAgentResponse(msg.UserID, msg.AgentID, msg.SessionID, content, map[string]string{
		"in_reply_to": msg.ID,
	})
	if err := w.broker.Publish(ctx, resp); err != nil {
		logger.ErrorCF("worker", "publish response failed", map[string]any{
			"id": resp.ID, "error": err.Error(),
		})
		return broker.Nack(true)
	}
	return broker.Ack()
}

// buildChat assembles the provider conversation: personality preamble,
// then the session's trailing history, then the prompt itself when the
// history does not already end with it.
func (w *Worker) buildChat(agent config.AgentConfig, msg message.Message) []providers.ChatMessage {
	chat := []providers.ChatMessage{{Role: "system", Content: w.preamble(agent)}}

	if sess, ok := w.sessions.Get(msg.SessionID); ok {
		history := sess.MessageHistory
		if len(history) > historyTurns {
			history = history[len(history)-historyTurns:]
		}
		for _, entry := range history {
			role := "user"
			if entry.Type == string(message.TypeAgentResponse) {
				role = "assistant"
			}
			chat = append(chat, providers.ChatMessage{Role: role, Content: entry.Content})
		}
	}

	last := chat[len(chat)-1]
	if last.Role != "user" || last.Content != msg.Content {
		chat = append(chat, providers.ChatMessage{Role: "user", Content: msg.Content})
	}
	return chat
}

func (w *Worker) preamble(agent config.AgentConfig) string {
	if agent.Personality != "" {
		return agent.Personality
	}
	name := agent.Name
	if name == "" {
		name = agent.ID
	}
	if name == "" {
		return "You are a helpful assistant."
	}
	return fmt.Sprintf("You are %s, a helpful assistant.", name)
}

func (w *Worker) agentFor(agentID string) config.AgentConfig {
	if a, ok := w.agents[agentID]; ok {
		return a
	}
	return w.fallback
}

func (w *Worker) modelFor(agent config.AgentConfig) string {
	if agent.Model != "" {
		return agent.Model
	}
	return w.model
}
