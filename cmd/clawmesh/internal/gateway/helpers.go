package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/tinyland-inc/clawmesh/cmd/clawmesh/internal"
	"github.com/tinyland-inc/clawmesh/pkg/broker"
	"github.com/tinyland-inc/clawmesh/pkg/gateway"
	"github.com/tinyland-inc/clawmesh/pkg/logger"
	"github.com/tinyland-inc/clawmesh/pkg/providers"
	"github.com/tinyland-inc/clawmesh/pkg/registry"
	"github.com/tinyland-inc/clawmesh/pkg/router"
	"github.com/tinyland-inc/clawmesh/pkg/session"
	"github.com/tinyland-inc/clawmesh/pkg/worker"
)

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	msgBroker := broker.New(broker.DefaultTopology(), cfg.Broker.QueueDepth)

	sessions, err := session.NewStore(session.Options{
		TTL:             time.Duration(cfg.Session.TTLSeconds) * time.Second,
		MaxHistory:      cfg.Session.MaxMessageHistory,
		CleanupSchedule: cfg.Session.CleanupSchedule,
	})
	if err != nil {
		return fmt.Errorf("error creating session store: %w", err)
	}
	sessions.Start()

	connections := registry.NewRegistry()
	rt := router.New(msgBroker, sessions, connections)
	if err := rt.Start(); err != nil {
		return fmt.Errorf("error starting router: %w", err)
	}

	// The agent worker needs a chat provider; without credentials the
	// gateway still routes, but user prompts stay queued until an external
	// consumer picks them up.
	provider, modelID, err := providers.CreateProvider(cfg)
	switch {
	case err == nil:
		agentWorker := worker.New(msgBroker, sessions, provider, modelID, cfg.Agents)
		if err := agentWorker.Start(); err != nil {
			return fmt.Errorf("error starting agent worker: %w", err)
		}
		fmt.Printf("Agent worker started (model %s, %d agents)\n", modelID, len(cfg.Agents))
	case errors.Is(err, providers.ErrNoProvider):
		logger.WarnC("gateway", "no chat provider configured, agent worker disabled")
		fmt.Println("Warning: no provider API key configured; agent worker disabled")
	default:
		return fmt.Errorf("error creating provider: %w", err)
	}

	server := gateway.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, rt, connections)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "server error", map[string]any{"error": err.Error()})
		}
	}()

	fmt.Printf("Gateway started on %s (websocket at /ws, health at /health)\n", server.Addr())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Stop(shutdownCtx)
	msgBroker.Close()
	sessions.Stop()
	fmt.Println("Gateway stopped")

	return nil
}
