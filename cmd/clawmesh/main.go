package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/clawmesh/cmd/clawmesh/internal/client"
	"github.com/tinyland-inc/clawmesh/cmd/clawmesh/internal/gateway"
	"github.com/tinyland-inc/clawmesh/cmd/clawmesh/internal/version"
)

func NewClawmeshCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "clawmesh",
		Short:   "clawmesh - real-time multi-agent message gateway",
		Example: "clawmesh gateway",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		client.NewClientCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewClawmeshCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
