// Package registry tracks live duplex connections and delivers outbound
// pushes to the right subset of them.
//
// One owner (a user or an agent) may hold several simultaneous
// connections; each connection may additionally subscribe to agent topics
// for push-style updates independent of its owner identity. The primary
// connection map and both secondary indices (owner, topic) are mutated
// inside one critical section per call so observers never see a partial
// state.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/clawmesh/pkg/logger"
)

// ConnectionType distinguishes user- from agent-owned connections.
type ConnectionType string

const (
	TypeUser  ConnectionType = "user"
	TypeAgent ConnectionType = "agent"
)

// Transport is one live duplex channel to a client. WriteFrame must be
// safe for concurrent use; a failed write means the transport is gone.
type Transport interface {
	WriteFrame(v any) error
	Close() error
}

type connection struct {
	id        string
	ownerID   string
	connType  ConnectionType
	transport Transport
	topics    map[string]struct{}
}

// Registry multiplexes live connections per owner and per topic.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*connection
	byOwner map[string]map[string]struct{}
	byTopic map[string]map[string]struct{}
}

// NewRegistry creates an empty registry. Construct one per process at
// startup and pass it by reference; tests construct isolated instances.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]*connection),
		byOwner: make(map[string]map[string]struct{}),
		byTopic: make(map[string]map[string]struct{}),
	}
}

type establishedFrame struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Register stores a new connection under a fresh id, acknowledges it on
// the transport with a connection_established frame, and returns the id.
func (r *Registry) Register(transport Transport, ownerID string, connType ConnectionType) string {
	id := uuid.New().String()
	conn := &connection{
		id:        id,
		ownerID:   ownerID,
		connType:  connType,
		transport: transport,
		topics:    make(map[string]struct{}),
	}

	r.mu.Lock()
	r.conns[id] = conn
	set, ok := r.byOwner[ownerID]
	if !ok {
		set = make(map[string]struct{})
		r.byOwner[ownerID] = set
	}
	set[id] = struct{}{}
	r.mu.Unlock()

	logger.InfoCF("registry", "connection registered", map[string]any{
		"connection_id": id, "owner_id": ownerID, "type": string(connType),
	})

	r.SendToConnection(id, establishedFrame{
		Type:         "connection_established",
		ConnectionID: id,
		Timestamp:    time.Now().UTC(),
	})
	return id
}

// Unregister removes a connection from every index. Idempotent: an
// already-absent id is a no-op, since connections close concurrently from
// several triggers (client disconnect, write error, shutdown).
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	if set, ok := r.byOwner[conn.ownerID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byOwner, conn.ownerID)
		}
	}
	for topic := range conn.topics {
		if set, ok := r.byTopic[topic]; ok {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.byTopic, topic)
			}
		}
	}
	r.mu.Unlock()

	logger.InfoCF("registry", "connection unregistered", map[string]any{
		"connection_id": connectionID, "owner_id": conn.ownerID,
	})
}

// SendToConnection writes a frame to one connection, best effort. A write
// failure means the transport is stale: the connection is unregistered
// and the failure never propagates to the caller.
func (r *Registry) SendToConnection(connectionID string, payload any) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.transport.WriteFrame(payload); err != nil {
		logger.WarnCF("registry", "write to stale connection", map[string]any{
			"connection_id": connectionID, "error": err.Error(),
		})
		r.Unregister(connectionID)
	}
}

// SendToOwner fans a frame out to every connection the owner currently
// holds. An unknown owner delivers to zero connections; each send is
// isolated from the others.
func (r *Registry) SendToOwner(ownerID string, payload any) {
	for _, id := range r.snapshotOwner(ownerID) {
		r.SendToConnection(id, payload)
	}
}

// Subscribe adds the connection to a topic's interest set.
func (r *Registry) Subscribe(connectionID, topicID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	conn.topics[topicID] = struct{}{}
	set, ok := r.byTopic[topicID]
	if !ok {
		set = make(map[string]struct{})
		r.byTopic[topicID] = set
	}
	set[connectionID] = struct{}{}
	return true
}

// Unsubscribe removes the connection from a topic's interest set.
func (r *Registry) Unsubscribe(connectionID, topicID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	delete(conn.topics, topicID)
	if set, ok := r.byTopic[topicID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byTopic, topicID)
		}
	}
	return true
}

// SendToTopic fans a frame out to every connection subscribed to the
// topic.
func (r *Registry) SendToTopic(topicID string, payload any) {
	r.mu.Lock()
	ids := indexSnapshot(r.byTopic[topicID])
	r.mu.Unlock()
	for _, id := range ids {
		r.SendToConnection(id, payload)
	}
}

// SendToTopicExcept fans a frame out to the topic's subscribers, skipping
// connections owned by exceptOwner. Used when the owner already received
// the frame through SendToOwner, so a connection that is both owner and
// subscriber is not delivered twice.
func (r *Registry) SendToTopicExcept(topicID, exceptOwner string, payload any) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byTopic[topicID]))
	for id := range r.byTopic[topicID] {
		if conn, ok := r.conns[id]; ok && conn.ownerID == exceptOwner {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.SendToConnection(id, payload)
	}
}

// Broadcast delivers a frame to every connection registered at call time.
// A connection that disconnects mid-broadcast only misses its own send;
// the rest still receive theirs.
func (r *Registry) Broadcast(payload any) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.SendToConnection(id, payload)
	}
}

// CloseAll closes and unregisters every connection, for process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()
	for _, conn := range conns {
		conn.transport.Close()
		r.Unregister(conn.id)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ConnectionsForOwner returns the ids of the owner's live connections.
func (r *Registry) ConnectionsForOwner(ownerID string) []string {
	return r.snapshotOwner(ownerID)
}

func (r *Registry) snapshotOwner(ownerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return indexSnapshot(r.byOwner[ownerID])
}

func indexSnapshot(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
