package main

import (
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"
)

func newKeygenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create or unlock the node identity and print its public key",
		Long: `Create the node identity on first use, or unlock the existing one, and
print its base58 public key. The keyring password is read from
BUDDYNET_PASSWORD or the OS secret store; when neither has one a random
password is generated and saved to the secret store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := unlockKeyring(opts.cfg, true)
			if err != nil {
				return err
			}
			defer ring.Lock()
			fmt.Fprintln(cmd.OutOrStdout(), base58.Encode(ring.PublicKey()))
			return nil
		},
	}
}
