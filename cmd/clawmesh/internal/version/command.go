package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/clawmesh/cmd/clawmesh/internal"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the clawmesh version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawmesh v%s\n", internal.GetVersion())
		},
	}
}
