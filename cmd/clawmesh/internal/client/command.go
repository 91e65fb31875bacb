package client

import (
	"github.com/spf13/cobra"
)

func NewClientCommand() *cobra.Command {
	var (
		url       string
		userID    string
		agentID   string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interactive websocket client for a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientCmd(url, userID, agentID, sessionID)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:8765/ws", "gateway websocket URL")
	cmd.Flags().StringVar(&userID, "user", "local", "user id to authenticate as")
	cmd.Flags().StringVar(&agentID, "agent", "assistant", "agent id to talk to")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to a fresh one)")

	return cmd
}
