package broker

import "strings"

// ExchangeKind selects the routing behavior of an exchange.
type ExchangeKind string

const (
	// Direct delivers to queues whose binding key matches exactly.
	Direct ExchangeKind = "direct"
	// Fanout delivers to every bound queue, ignoring the routing key.
	Fanout ExchangeKind = "fanout"
	// Topic delivers to queues whose binding pattern matches the routing
	// key segment-wise ("*" one segment, "#" zero or more).
	Topic ExchangeKind = "topic"
)

// Well-known queue names. The topology is process-wide configuration,
// established once at startup and never mutated afterwards.
const (
	QueueUserPrompts    = "user_prompts"
	QueueAgentResponses = "agent_responses"
	QueueNotifications  = "notifications"
	QueueSystemEvents   = "system_events"
)

// Well-known exchange names.
const (
	ExchangeDirect = "agent_direct"
	ExchangeFanout = "agent_fanout"
	ExchangeTopic  = "agent_topic"
)

// Routing keys used on the direct exchange.
const (
	KeyUserPrompt    = "user.prompt"
	KeyAgentResponse = "agent.response"
)

// Binding attaches a queue to an exchange under a routing key or pattern.
// The key is ignored for fanout exchanges.
type Binding struct {
	Exchange string
	Queue    string
	Key      string
}

// Topology declares the exchanges, queues and bindings of a broker.
type Topology struct {
	Exchanges map[string]ExchangeKind
	Queues    []string
	Bindings  []Binding
}

// DefaultTopology returns the fixed four-queue, three-exchange layout:
// user prompts and agent responses point-to-point over the direct
// exchange, notifications broadcast over fanout, system events pattern
// matched over topic.
func DefaultTopology() Topology {
	return Topology{
		Exchanges: map[string]ExchangeKind{
			ExchangeDirect: Direct,
			ExchangeFanout: Fanout,
			ExchangeTopic:  Topic,
		},
		Queues: []string{
			QueueUserPrompts,
			QueueAgentResponses,
			QueueNotifications,
			QueueSystemEvents,
		},
		Bindings: []Binding{
			{Exchange: ExchangeDirect, Queue: QueueUserPrompts, Key: KeyUserPrompt},
			{Exchange: ExchangeDirect, Queue: QueueAgentResponses, Key: KeyAgentResponse},
			{Exchange: ExchangeFanout, Queue: QueueNotifications},
			{Exchange: ExchangeTopic, Queue: QueueSystemEvents, Key: "system.*"},
		},
	}
}

// topicMatch reports whether a dot-separated routing key matches a topic
// binding pattern. "*" matches exactly one segment, "#" matches zero or
// more trailing segments.
func topicMatch(pattern, key string) bool {
	return segmentsMatch(strings.Split(pattern, "."), strings.Split(key, "."))
}

func segmentsMatch(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if segmentsMatch(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
