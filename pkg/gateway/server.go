// Package gateway serves the live-connection websocket protocol: clients
// authenticate with their first frame, then exchange JSON frames that the
// router turns into broker publishes and session updates.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/clawmesh/pkg/logger"
	"github.com/tinyland-inc/clawmesh/pkg/registry"
	"github.com/tinyland-inc/clawmesh/pkg/router"
)

// authTimeout bounds how long a fresh connection may stall before its
// first (authentication) frame.
const authTimeout = 30 * time.Second

// authFrame is the required first frame from a client.
type authFrame struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
}

// Server upgrades HTTP connections to websockets and runs one read loop
// per connection. It also exposes /health and /ready beside /ws.
type Server struct {
	host     string
	port     int
	router   *router.Router
	registry *registry.Registry

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ready    atomic.Bool
}

// NewServer creates a gateway server over the router and registry.
func NewServer(host string, port int, rt *router.Router, reg *registry.Registry) *Server {
	s := &Server{
		host:     host,
		port:     port,
		router:   rt,
		registry: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Admission policy (origins, rate limits) sits in front of the
			// gateway; the upgrader itself accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

// Start listens and serves until Stop. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.ready.Store(true)
	logger.InfoCF("gateway", "gateway listening", map[string]any{"addr": s.httpSrv.Addr})
	return s.httpSrv.ListenAndServe()
}

// Stop closes every live connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.ready.Store(false)
	s.registry.CloseAll()
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux, mainly so tests can mount the gateway on an
// httptest server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	go s.serveConn(r.Context(), conn)
}

// serveConn runs the per-connection state machine: authenticate on the
// first frame, register, then process frames strictly in arrival order
// until the connection closes.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	transport := newWSTransport(conn)

	owner, connType, ok := s.authenticate(conn, transport)
	if !ok {
		conn.Close()
		return
	}

	connectionID := s.registry.Register(transport, owner, connType)
	defer s.registry.Unregister(connectionID)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugCF("gateway", "connection read error", map[string]any{
					"connection_id": connectionID, "error": err.Error(),
				})
			}
			return
		}
		s.router.HandleFrame(connCtx, connectionID, data)
	}
}

// authenticate enforces the auth-first-frame protocol. Any failure sends
// a typed error frame and rejects the connection.
func (s *Server) authenticate(conn *websocket.Conn, transport *wsTransport) (string, registry.ConnectionType, bool) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", "", false
	}

	var auth authFrame
	if err := json.Unmarshal(data, &auth); err != nil || auth.UserID == "" {
		transport.WriteFrame(map[string]any{
			"type":    "error",
			"message": "Missing user_id in authentication",
		})
		return "", "", false
	}

	connType := registry.TypeUser
	if auth.Type == string(registry.TypeAgent) {
		connType = registry.TypeAgent
	}
	return auth.UserID, connType, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
