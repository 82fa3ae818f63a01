package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opd-ai/buddynet"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		Long: `Start the node: transport, DHT presence, buddy registry, persistent
message delivery, chats (when chat.redis_url is set) and the admin API.
The node runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := unlockKeyring(opts.cfg, false)
			if err != nil {
				return err
			}
			node, err := buddynet.New(buddynet.Options{Config: opts.cfg, Keyring: ring})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return node.Run(ctx)
		},
	}
}
