package gateway

import (
	"github.com/spf13/cobra"
)

func NewGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the clawmesh gateway (broker, sessions, websocket server, agent worker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	return cmd
}
