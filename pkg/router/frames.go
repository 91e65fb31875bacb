package router

import "time"

// Frame is the decoded form of an inbound client frame. Fields beyond
// Type are populated per frame kind.
type Frame struct {
	Type      string            `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Content   string            `json:"content,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Inbound frame types.
const (
	FrameUserPrompt    = "user_prompt"
	FrameAgentResponse = "agent_response"
	FramePing          = "ping"
	FrameSubscribe     = "subscribe"
	FrameUnsubscribe   = "unsubscribe"
)

// MessageReceived acknowledges an accepted prompt on the originating
// connection only.
type MessageReceived struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentResponse pushes an agent's reply to the user's live connections.
type AgentResponse struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
}

// Pong answers a ping on the same connection.
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscribed and Unsubscribed confirm topic interest changes.
type Subscribed struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Unsubscribed struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorFrame reports a recoverable per-frame failure; the connection
// stays open.
type ErrorFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is a fanout broadcast frame.
type Notification struct {
	Type      string            `json:"type"`
	MessageID string            `json:"message_id"`
	AgentID   string            `json:"agent_id,omitempty"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func errorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: "error", Message: msg, Timestamp: time.Now().UTC()}
}
