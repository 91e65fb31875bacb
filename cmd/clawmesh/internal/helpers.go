// Package internal carries helpers shared by the clawmesh subcommands.
package internal

import (
	"os"
	"path/filepath"

	"github.com/tinyland-inc/clawmesh/pkg/config"
)

const version = "0.1.0"

// GetVersion returns the release version string.
func GetVersion() string {
	return version
}

// ConfigPath resolves the config file location: CLAWMESH_CONFIG if set,
// otherwise ~/.clawmesh/config.json.
func ConfigPath() string {
	if p := os.Getenv("CLAWMESH_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".clawmesh", "config.json")
}

// LoadConfig loads the resolved config file with env overrides.
func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(ConfigPath())
}
