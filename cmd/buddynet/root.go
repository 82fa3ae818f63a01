package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	oskeyring "github.com/zalando/go-keyring"

	"github.com/opd-ai/buddynet/config"
	"github.com/opd-ai/buddynet/crypto"
)

const (
	keyringService = "buddynet"
	passwordEnv    = "BUDDYNET_PASSWORD"
	passwordBytes  = 32
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	envFile    string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "buddynet",
		Short: "Buddy messaging node",
		Long: `A peer-to-peer buddy messaging node.

Buddies are found through signed presence records in a DHT and reached over
authenticated QUIC or TCP links. Messages to offline buddies are stored and
delivered when they come back online.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, opts.envFile)
			if err != nil {
				return err
			}
			if err := cfg.Logging.Apply(); err != nil {
				return fmt.Errorf("logging: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "environment file loaded before BUDDYNET_* variables")

	root.AddCommand(newRunCmd(opts), newKeygenCmd(opts), newBuddyCmd(opts))
	return root
}

func keyDir(cfg config.Config) string {
	return filepath.Join(cfg.Node.DataDir, "keys")
}

// keyringPassword returns the keyring password from the environment or
// the OS secret store. When create is set a missing password is
// generated and saved to the secret store.
func keyringPassword(cfg config.Config, create bool) ([]byte, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return []byte(pw), nil
	}

	user := keyDir(cfg)
	pw, err := oskeyring.Get(keyringService, user)
	if err == nil {
		return []byte(pw), nil
	}
	if !errors.Is(err, oskeyring.ErrNotFound) || !create {
		return nil, fmt.Errorf("keyring password unavailable (set %s or run keygen): %w", passwordEnv, err)
	}

	raw := make([]byte, passwordBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	generated := base58.Encode(raw)
	if err := oskeyring.Set(keyringService, user, generated); err != nil {
		return nil, fmt.Errorf("store keyring password: %w", err)
	}
	logrus.WithField("service", keyringService).Info("Generated keyring password and saved it to the OS secret store")
	return []byte(generated), nil
}

// unlockKeyring opens and unlocks the node's keyring, creating the
// identity when create is set and none exists.
func unlockKeyring(cfg config.Config, create bool) (*crypto.Keyring, error) {
	dir := keyDir(cfg)
	if create {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
	}
	ring, err := crypto.OpenKeyring(dir)
	if err != nil {
		return nil, err
	}
	if !create && len(ring.PublicKey()) == 0 {
		return nil, errors.New("no identity found, run keygen first")
	}
	pw, err := keyringPassword(cfg, create)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(pw)
	if err := ring.Unlock(pw); err != nil {
		return nil, fmt.Errorf("unlock keyring: %w", err)
	}
	return ring, nil
}
