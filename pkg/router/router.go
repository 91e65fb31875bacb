// Package router wires the live-connection layer to the broker and the
// session store: inbound frames become broker publishes and session
// updates, broker deliveries become pushes to the right live connections.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tinyland-inc/clawmesh/pkg/broker"
	"github.com/tinyland-inc/clawmesh/pkg/logger"
	"github.com/tinyland-inc/clawmesh/pkg/message"
	"github.com/tinyland-inc/clawmesh/pkg/registry"
	"github.com/tinyland-inc/clawmesh/pkg/session"
)

// Router composes the broker, session store and connection registry. It
// holds no state of its own; construct one per process and hand it the
// collaborators by reference.
type Router struct {
	broker   *broker.Broker
	sessions *session.Store
	registry *registry.Registry
}

// New creates a Router over the given collaborators.
func New(b *broker.Broker, s *session.Store, r *registry.Registry) *Router {
	return &Router{broker: b, sessions: s, registry: r}
}

// Start binds the router's broker consumers: agent responses are pushed
// back to the user's live connections, notifications broadcast to every
// connection, system events are logged.
func (rt *Router) Start() error {
	if err := rt.broker.Consume(broker.QueueAgentResponses, rt.consumeAgentResponse); err != nil {
		return fmt.Errorf("binding agent_responses consumer: %w", err)
	}
	if err := rt.broker.Consume(broker.QueueNotifications, rt.consumeNotification); err != nil {
		return fmt.Errorf("binding notifications consumer: %w", err)
	}
	if err := rt.broker.Consume(broker.QueueSystemEvents, rt.consumeSystemEvent); err != nil {
		return fmt.Errorf("binding system_events consumer: %w", err)
	}
	return nil
}

// HandleFrame processes one inbound frame from an authenticated
// connection. Failures local to the frame are answered with an error
// frame on the same connection; the connection stays open.
func (rt *Router) HandleFrame(ctx context.Context, connectionID string, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		rt.sendError(connectionID, "Invalid JSON message")
		return
	}
	if frame.Type == "" {
		rt.sendError(connectionID, "Missing message type")
		return
	}

	switch frame.Type {
	case FrameUserPrompt:
		rt.handleUserPrompt(ctx, connectionID, frame)
	case FrameAgentResponse:
		rt.handleAgentResponse(connectionID, frame)
	case FramePing:
		rt.registry.SendToConnection(connectionID, Pong{Type: "pong", Timestamp: time.Now().UTC()})
	case FrameSubscribe:
		rt.handleSubscribe(connectionID, frame)
	case FrameUnsubscribe:
		rt.handleUnsubscribe(connectionID, frame)
	default:
		rt.sendError(connectionID, fmt.Sprintf("Unknown message type: %s", frame.Type))
	}
}

func (rt *Router) handleUserPrompt(ctx context.Context, connectionID string, frame Frame) {
	if field, ok := missingField(frame); !ok {
		rt.sendError(connectionID, "Missing field: "+field)
		return
	}

	msg := message.NewUserPrompt(frame.UserID, frame.AgentID, frame.SessionID, frame.Content, frame.Metadata)

	// Sessions are created on the first interaction for a (user, agent)
	// pair; later prompts on the same session just append.
	if err := rt.appendOrCreate(msg, session.Entry{
		ID:       msg.ID,
		Type:     string(message.TypeUserPrompt),
		Content:  msg.Content,
		SenderID: msg.UserID,
	}); err != nil {
		rt.sendError(connectionID, "Failed to process prompt: "+err.Error())
		return
	}

	if err := rt.broker.Publish(ctx, msg); err != nil {
		logger.ErrorCF("router", "publish user prompt failed", map[string]any{
			"id": msg.ID, "error": err.Error(),
		})
		rt.sendError(connectionID, "Failed to process prompt: "+err.Error())
		return
	}

	rt.registry.SendToConnection(connectionID, MessageReceived{
		Type:      "message_received",
		MessageID: msg.ID,
		Timestamp: time.Now().UTC(),
	})
}

// handleAgentResponse accepts a response delivered by direct call from an
// agent-owned connection. Responses arriving through the agent_responses
// queue take the consumeAgentResponse path instead; both end in exactly
// one session append and one push to the user.
func (rt *Router) handleAgentResponse(connectionID string, frame Frame) {
	if field, ok := missingField(frame); !ok {
		rt.sendError(connectionID, "Missing field: "+field)
		return
	}
	msg := message.NewAgentResponse(frame.UserID, frame.AgentID, frame.SessionID, frame.Content, frame.Metadata)
	rt.deliverAgentResponse(msg)
}

func (rt *Router) handleSubscribe(connectionID string, frame Frame) {
	if frame.AgentID == "" {
		rt.sendError(connectionID, "Missing agent_id for subscription")
		return
	}
	rt.registry.Subscribe(connectionID, frame.AgentID)
	rt.registry.SendToConnection(connectionID, Subscribed{
		Type: "subscribed", AgentID: frame.AgentID, Timestamp: time.Now().UTC(),
	})
}

func (rt *Router) handleUnsubscribe(connectionID string, frame Frame) {
	if frame.AgentID == "" {
		rt.sendError(connectionID, "Missing agent_id for unsubscription")
		return
	}
	rt.registry.Unsubscribe(connectionID, frame.AgentID)
	rt.registry.SendToConnection(connectionID, Unsubscribed{
		Type: "unsubscribed", AgentID: frame.AgentID, Timestamp: time.Now().UTC(),
	})
}

// consumeAgentResponse is the broker-side response path: append to the
// session and push to every live connection of the target user.
func (rt *Router) consumeAgentResponse(_ context.Context, msg message.Message) broker.Result {
	rt.deliverAgentResponse(msg)
	return broker.Ack()
}

func (rt *Router) deliverAgentResponse(msg message.Message) {
	if err := rt.appendOrCreate(msg, session.Entry{
		ID:       msg.ID,
		Type:     string(message.TypeAgentResponse),
		Content:  msg.Content,
		SenderID: msg.AgentID,
	}); err != nil {
		// The session may have expired between prompt and response; the
		// push still happens so the reply is never silently lost.
		logger.WarnCF("router", "session append failed for agent response", map[string]any{
			"id": msg.ID, "session_id": msg.SessionID, "error": err.Error(),
		})
	}

	frame := AgentResponse{
		Type:      "agent_response",
		MessageID: msg.ID,
		AgentID:   msg.AgentID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		SessionID: msg.SessionID,
	}
	rt.registry.SendToOwner(msg.UserID, frame)
	rt.registry.SendToTopicExcept(msg.AgentID, msg.UserID, frame)
}

func (rt *Router) consumeNotification(_ context.Context, msg message.Message) broker.Result {
	rt.registry.Broadcast(Notification{
		Type:      "notification",
		MessageID: msg.ID,
		AgentID:   msg.AgentID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Metadata:  msg.Metadata,
	})
	return broker.Ack()
}

func (rt *Router) consumeSystemEvent(_ context.Context, msg message.Message) broker.Result {
	logger.InfoCF("router", "system event", map[string]any{
		"id": msg.ID, "subtype": msg.Metadata["subtype"], "content": msg.Content,
	})
	return broker.Ack()
}

// appendOrCreate appends a history entry, creating the session on the
// first interaction for the (user, agent) pair.
func (rt *Router) appendOrCreate(msg message.Message, entry session.Entry) error {
	err := rt.sessions.AddMessage(msg.SessionID, entry)
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	if _, err := rt.sessions.Create(msg.UserID, msg.SessionID, msg.AgentID, nil); err != nil {
		return err
	}
	return rt.sessions.AddMessage(msg.SessionID, entry)
}

func (rt *Router) sendError(connectionID, msg string) {
	rt.registry.SendToConnection(connectionID, errorFrame(msg))
}

func missingField(frame Frame) (string, bool) {
	switch {
	case frame.UserID == "":
		return "user_id", false
	case frame.AgentID == "":
		return "agent_id", false
	case frame.Content == "":
		return "content", false
	case frame.SessionID == "":
		return "session_id", false
	}
	return "", true
}
