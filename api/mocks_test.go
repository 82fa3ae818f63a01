package api

import (
	"context"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/persistent"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

type staticPersister struct {
	records []buddy.Record
}

func (p *staticPersister) SaveBuddies(records []buddy.Record) error { return nil }

func (p *staticPersister) LoadBuddies() ([]buddy.Record, error) {
	return p.records, nil
}

type fixture struct {
	server  *Server
	alice   *crypto.Identity
	bob     *crypto.Identity
	handler *persistent.Handler
	chats   *chat.Manager
}

func (f *fixture) bobKey() string {
	return base58.Encode(f.bob.PublicKey())
}

func newRegistry(t *testing.T, network *transport.MemoryNetwork, addr string, id *crypto.Identity, persister buddy.Persister) *buddy.Registry {
	t.Helper()

	tr, err := network.NewTransport(addr, id.PublicKey())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	cfg := buddy.DefaultRegistryConfig()
	cfg.LocalKey = id.PublicKey()
	cfg.Transport = tr
	cfg.Persister = persister
	r, err := buddy.NewRegistry(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Load())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Close(ctx)
	})
	return r
}

// newFixture starts alice's API with bob reachable at 10.0.0.2:6881.
// Bob echoes the "v" field of AZ2 requests.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	network := transport.NewMemoryNetwork()

	bob, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	bobRegistry := newRegistry(t, network, "10.0.0.2:6881", bob, nil)
	bobRegistry.RegisterHandler(buddy.RequestHandlerFunc(
		func(from *buddy.Buddy, ss messaging.Subsystem, req wire.Map) (wire.Map, error) {
			return wire.Map{"echo": req["v"]}, nil
		}))

	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	registry := newRegistry(t, network, "10.0.0.1:6881", alice, &staticPersister{
		records: []buddy.Record{{
			PublicKey: bob.PublicKey(),
			Subsystem: messaging.SubsystemAZ2,
			Address:   "10.0.0.2",
			TCPPort:   6881,
		}},
	})

	handler, err := persistent.NewHandler(persistent.Config{
		Store:    persistent.NewMemoryStore(),
		Registry: registry,
		Sealer:   crypto.NewUnlockedKeyring(alice),
	})
	require.NoError(t, err)
	t.Cleanup(handler.Stop)

	hub := chat.NewMemoryHub()
	chats, err := chat.NewManager(chat.ManagerConfig{
		Sync:      hub.Member(alice.PublicKey(), "10.0.0.1:6881"),
		Nickname:  "alice",
		FriendKey: alice.PublicKey(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { chats.Close() })

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	server, err := NewServer(Config{
		Registry: registry,
		Handler:  handler,
		Chats:    chats,
		Logger:   log,
	})
	require.NoError(t, err)
	t.Cleanup(server.Close)

	return &fixture{server: server, alice: alice, bob: bob, handler: handler, chats: chats}
}
