package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/config"
	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/store"
)

func newBuddyCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buddy",
		Short: "Manage the stored buddy list",
		Long: `Manage the buddy list in the local store. Changes apply to a stopped
node; a running node rewrites the list on its next save.`,
	}

	var subsystem int
	add := &cobra.Command{
		Use:   "add <public-key>",
		Short: "Add an authorized buddy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return withStore(opts.cfg, func(s *store.Store) error {
				records, err := s.LoadBuddies()
				if err != nil {
					return err
				}
				for _, rec := range records {
					if string(rec.PublicKey) == string(pk) {
						fmt.Fprintln(cmd.OutOrStdout(), "already a buddy")
						return nil
					}
				}
				records = append(records, buddy.Record{
					PublicKey: pk,
					Subsystem: messaging.Subsystem(subsystem),
				})
				return s.SaveBuddies(records)
			})
		},
	}
	add.Flags().IntVar(&subsystem, "subsystem", int(messaging.SubsystemAZ2), "buddy subsystem")

	remove := &cobra.Command{
		Use:   "remove <public-key>",
		Short: "Remove a buddy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := parseKey(args[0])
			if err != nil {
				return err
			}
			return withStore(opts.cfg, func(s *store.Store) error {
				records, err := s.LoadBuddies()
				if err != nil {
					return err
				}
				kept := records[:0]
				for _, rec := range records {
					if string(rec.PublicKey) != string(pk) {
						kept = append(kept, rec)
					}
				}
				if len(kept) == len(records) {
					return fmt.Errorf("%s is not a buddy", args[0])
				}
				return s.SaveBuddies(kept)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored buddies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts.cfg, func(s *store.Store) error {
				records, err := s.LoadBuddies()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tSUBSYSTEM\tNICKNAME\tADDRESS\tLAST ONLINE")
				for _, rec := range records {
					lastOnline := "-"
					if !rec.LastTimeOnline.IsZero() {
						lastOnline = rec.LastTimeOnline.Format("2006-01-02 15:04")
					}
					address := "-"
					if rec.Address != "" {
						address = fmt.Sprintf("%s:%d", rec.Address, rec.TCPPort)
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
						base58.Encode(rec.PublicKey), int(rec.Subsystem), rec.Nickname, address, lastOnline)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func parseKey(s string) ([]byte, error) {
	pk, err := base58.Decode(s)
	if err != nil || len(pk) != crypto.PublicKeySize {
		return nil, fmt.Errorf("%q is not a base58 public key", s)
	}
	return pk, nil
}

func withStore(cfg config.Config, fn func(s *store.Store) error) error {
	if cfg.Store.Driver == store.DriverSQLite {
		if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
			return err
		}
	}
	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}
