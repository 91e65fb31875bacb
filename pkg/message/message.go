// Package message defines the canonical envelope exchanged between the
// gateway, broker, session store and agent workers.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type classifies a message for broker routing.
type Type string

const (
	TypeUserPrompt    Type = "user_prompt"
	TypeAgentResponse Type = "agent_response"
	TypeNotification  Type = "notification"
	TypeSystemEvent   Type = "system_event"
)

// Valid reports whether t is one of the four known message types.
func (t Type) Valid() bool {
	switch t {
	case TypeUserPrompt, TypeAgentResponse, TypeNotification, TypeSystemEvent:
		return true
	}
	return false
}

// Message is the immutable envelope for one user- or agent-originated
// payload. The ID is assigned once at construction and never reused;
// after publish a message is only ever acknowledged or redelivered,
// never mutated.
type Message struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	AgentID   string            `json:"agent_id"`
	Content   string            `json:"content"`
	Type      Type              `json:"message_type"`
	Timestamp time.Time         `json:"timestamp"`
	SessionID string            `json:"session_id"`
	Metadata  map[string]string `json:"metadata"`
}

// New creates a message of the given type with a fresh unique ID and the
// current UTC timestamp.
func New(msgType Type, userID, agentID, sessionID, content string, metadata map[string]string) Message {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return Message{
		ID:        uuid.New().String(),
		UserID:    userID,
		AgentID:   agentID,
		Content:   content,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Metadata:  metadata,
	}
}

// NewUserPrompt creates a user_prompt message.
func NewUserPrompt(userID, agentID, sessionID, content string, metadata map[string]string) Message {
	return New(TypeUserPrompt, userID, agentID, sessionID, content, metadata)
}

// NewAgentResponse creates an agent_response message.
func NewAgentResponse(userID, agentID, sessionID, content string, metadata map[string]string) Message {
	return New(TypeAgentResponse, userID, agentID, sessionID, content, metadata)
}

// NewNotification creates a notification message for fanout delivery.
func NewNotification(userID, agentID, content string, metadata map[string]string) Message {
	return New(TypeNotification, userID, agentID, "", content, metadata)
}

// NewSystemEvent creates a system_event message. The subtype becomes the
// second segment of the topic routing key ("system.<subtype>"). The
// caller's metadata map is copied, never written to.
func NewSystemEvent(subtype, content string, metadata map[string]string) Message {
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["subtype"] = subtype
	return New(TypeSystemEvent, "", "", "", content, md)
}

// Decode parses a wire-format JSON envelope and validates its type.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if !msg.Type.Valid() {
		return Message{}, fmt.Errorf("unknown message_type %q", msg.Type)
	}
	return msg, nil
}

// Encode renders the wire-format JSON envelope.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
