// Package config loads clawmesh configuration from a JSON file with
// CLAWMESH_* environment variable overrides layered on top.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Session   SessionConfig   `json:"session"`
	Broker    BrokerConfig    `json:"broker"`
	Providers ProvidersConfig `json:"providers"`
	Agents    []AgentConfig   `json:"agents,omitempty"`
}

type GatewayConfig struct {
	Host string `env:"CLAWMESH_GATEWAY_HOST" json:"host"`
	Port int    `env:"CLAWMESH_GATEWAY_PORT" json:"port"`
}

type SessionConfig struct {
	TTLSeconds        int    `env:"CLAWMESH_SESSION_TTL_SECONDS"         json:"ttl_seconds"`
	MaxMessageHistory int    `env:"CLAWMESH_SESSION_MAX_MESSAGE_HISTORY" json:"max_message_history"`
	CleanupSchedule   string `env:"CLAWMESH_SESSION_CLEANUP_SCHEDULE"    json:"cleanup_schedule"`
}

type BrokerConfig struct {
	// QueueDepth bounds each queue's in-flight buffer. The queue and
	// exchange layout itself is fixed process-wide topology, not config.
	QueueDepth int `env:"CLAWMESH_BROKER_QUEUE_DEPTH" json:"queue_depth"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// AgentConfig declares one agent personality served by the worker.
type AgentConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Personality string `json:"personality,omitempty"`
	Model       string `json:"model,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

func (a *AgentConfig) Validate() error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	return nil
}

// Env var names for provider keys are declared here rather than as struct
// tags so the same ProviderConfig type serves both providers.
const (
	envAnthropicKey = "CLAWMESH_PROVIDERS_ANTHROPIC_API_KEY"
	envOpenAIKey    = "CLAWMESH_PROVIDERS_OPENAI_API_KEY"
)

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Session: SessionConfig{
			TTLSeconds:        3600,
			MaxMessageHistory: 100,
			CleanupSchedule:   "* * * * *",
		},
		Broker: BrokerConfig{
			QueueDepth: 100,
		},
		Agents: []AgentConfig{
			{
				ID:          "assistant",
				Name:        "Assistant",
				Personality: "You are a concise, helpful assistant.",
				Default:     true,
			},
		},
	}
}

// LoadConfig reads path (missing file means pure defaults), overlays
// environment variables, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		// Same slice caveat as with any decode-over-template: a user-provided
		// agents list must fully replace the default one, not merge into it.
		var tmp Config
		if err := json.Unmarshal(data, &tmp); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if len(tmp.Agents) > 0 {
			cfg.Agents = nil
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv(envAnthropicKey); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv(envOpenAIKey); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the config with restrictive permissions, since it can
// carry provider API keys.
func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session ttl_seconds must be positive, got %d", c.Session.TTLSeconds)
	}
	if c.Session.MaxMessageHistory <= 0 {
		return fmt.Errorf("session max_message_history must be positive, got %d", c.Session.MaxMessageHistory)
	}
	if c.Broker.QueueDepth <= 0 {
		return fmt.Errorf("broker queue_depth must be positive, got %d", c.Broker.QueueDepth)
	}
	for i := range c.Agents {
		if err := c.Agents[i].Validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
	}
	return nil
}

// DefaultAgent returns the agent flagged default, or the first one.
func (c *Config) DefaultAgent() (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Default {
			return a, true
		}
	}
	if len(c.Agents) > 0 {
		return c.Agents[0], true
	}
	return AgentConfig{}, false
}
