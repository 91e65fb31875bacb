package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla websocket connection to the registry's
// Transport. Gorilla connections allow one concurrent writer; the mutex
// serializes frame writes from the router, the registry and broadcasts.
// The read side belongs exclusively to the connection's read loop.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) WriteFrame(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
