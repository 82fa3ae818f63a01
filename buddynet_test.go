package buddynet

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/config"
	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/dht"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

type testNetwork struct {
	network *transport.MemoryNetwork
	dht     *dht.MemoryStore
	chats   *chat.MemoryHub
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		network: transport.NewMemoryNetwork(),
		dht:     dht.NewMemoryStore(dht.MemoryConfig{}),
		chats:   chat.NewMemoryHub(),
	}
}

func testConfig(t *testing.T, listen, nickname string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.Nickname = nickname
	cfg.Node.AllowPrivateAddresses = true
	cfg.Transport.Kind = config.TransportMemory
	cfg.Transport.Listen = listen
	cfg.DHT.Kind = config.DHTMemory
	cfg.Store.DSN = filepath.Join(cfg.Node.DataDir, "buddynet.db")
	cfg.API.Listen = ""
	return cfg
}

func (tn *testNetwork) newNode(t *testing.T, cfg config.Config) *Node {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	n, err := New(Options{
		Config:        cfg,
		Keyring:       crypto.NewUnlockedKeyring(id),
		MemoryNetwork: tn.network,
		MemoryDHT:     tn.dht,
		ChatSync:      tn.chats.Member(id.PublicKey(), cfg.Transport.Listen),
	})
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return n
}

func TestNewRequiresUnlockedKeyring(t *testing.T) {
	_, err := New(Options{Config: config.Default()})
	assert.ErrorIs(t, err, crypto.ErrPasswordRequired)

	ring, err := crypto.OpenKeyring(t.TempDir())
	require.NoError(t, err)
	_, err = New(Options{Config: config.Default(), Keyring: ring})
	assert.ErrorIs(t, err, crypto.ErrPasswordRequired)
}

func TestNewValidatesConfig(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	cfg := testConfig(t, "10.0.0.1:27001", "alice")
	cfg.Transport.Kind = "carrier-pigeon"
	_, err = New(Options{Config: cfg, Keyring: crypto.NewUnlockedKeyring(id)})
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = testConfig(t, "10.0.0.1:27001", "alice")
	_, err = New(Options{Config: cfg, Keyring: crypto.NewUnlockedKeyring(id)})
	assert.Error(t, err, "memory transport without a network")
}

func TestEndpoint(t *testing.T) {
	tn := newTestNetwork()

	n := tn.newNode(t, testConfig(t, "10.0.0.1:27001", "alice"))
	addrs, port := n.endpoint()
	assert.Equal(t, []string{"10.0.0.1"}, addrs)
	assert.Equal(t, 27001, port)

	cfg := testConfig(t, "0.0.0.0:27002", "bob")
	n = tn.newNode(t, cfg)
	addrs, _ = n.endpoint()
	assert.Empty(t, addrs, "wildcard listen addresses are not advertised")

	cfg = testConfig(t, "0.0.0.0:27003", "carol")
	cfg.Node.Addresses = []string{"203.0.113.9"}
	n = tn.newNode(t, cfg)
	addrs, port = n.endpoint()
	assert.Equal(t, []string{"203.0.113.9"}, addrs)
	assert.Equal(t, 27003, port)
}

func TestNodesExchangeMessages(t *testing.T) {
	tn := newTestNetwork()
	alice := tn.newNode(t, testConfig(t, "10.0.0.1:27001", "alice"))
	bob := tn.newNode(t, testConfig(t, "10.0.0.2:27001", "bob"))

	bob.Registry().RegisterHandler(buddy.RequestHandlerFunc(
		func(from *buddy.Buddy, ss messaging.Subsystem, req wire.Map) (wire.Map, error) {
			return wire.Map{"echo": req["v"]}, nil
		}))

	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		res, err := alice.Directories()[0].Lookup(ctx, bob.PublicKey())
		return err == nil && res.Nickname == "bob"
	}, 5*time.Second, 20*time.Millisecond, "bob's presence record was not published")

	b, err := alice.Registry().AddBuddy(bob.PublicKey(), messaging.SubsystemAZ2, true)
	require.NoError(t, err)

	reply, err := b.Request(ctx, messaging.SubsystemAZ2, wire.Map{"v": "ping"}, 5*time.Second)
	require.NoError(t, err)
	v, _ := wire.String(reply, "echo")
	assert.Equal(t, "ping", v)

	msg, err := alice.Messages().Queue(ctx, bob.PublicKey(), messaging.SubsystemAZ2, wire.Map{"v": "durable"}, 5*time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := alice.Messages().MessageCount(ctx, bob.PublicKey())
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond, "message %d was not delivered", msg.ID)
}

func TestBuddiesSurviveRestart(t *testing.T) {
	tn := newTestNetwork()
	cfg := testConfig(t, "10.0.0.1:27001", "alice")

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	ring := crypto.NewUnlockedKeyring(id)
	peer, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	n, err := New(Options{Config: cfg, Keyring: ring, MemoryNetwork: tn.network, MemoryDHT: tn.dht})
	require.NoError(t, err)
	require.NoError(t, n.Start())
	_, err = n.Registry().AddBuddy(peer.PublicKey(), messaging.SubsystemAZ3, true)
	require.NoError(t, err)
	require.NoError(t, n.Registry().Save())
	n.Close()

	n, err = New(Options{Config: cfg, Keyring: ring, MemoryNetwork: tn.network, MemoryDHT: tn.dht})
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.Start())

	b := n.Registry().Buddy(peer.PublicKey())
	require.NotNil(t, b)
	assert.Equal(t, messaging.SubsystemAZ3, b.Subsystem())
	assert.Nil(t, n.Chats(), "chat is off without redis or a sync")
}

func TestChatsUseBanList(t *testing.T) {
	tn := newTestNetwork()
	alice := tn.newNode(t, testConfig(t, "10.0.0.1:27001", "alice"))
	require.NotNil(t, alice.Chats())

	carolID, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	carol, err := chat.NewManager(chat.ManagerConfig{
		Sync:     tn.chats.Member(carolID.PublicKey(), "10.0.0.66:27001"),
		Nickname: "carol",
	})
	require.NoError(t, err)
	defer carol.Close()

	alice.Bans().Ban("10.0.0.66", "spammer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := alice.Chats().GetChat(ctx, chat.NetworkPublic, "General")
	require.NoError(t, err)
	defer c.Destroy()
	cc, err := carol.GetChat(ctx, chat.NetworkPublic, "General")
	require.NoError(t, err)
	defer cc.Destroy()

	require.NoError(t, c.SendMessage("hello", nil))
	require.NoError(t, cc.SendMessage("buy now", nil))
	require.Eventually(t, func() bool { return len(c.Messages()) == 2 }, 5*time.Second, 10*time.Millisecond)

	for _, m := range c.Messages() {
		switch m.Text() {
		case "hello":
			assert.Equal(t, "alice", m.Nickname())
			assert.False(t, m.Ignored())
		case "buy now":
			assert.True(t, m.Ignored(), "messages from banned hosts are ignored")
		default:
			t.Errorf("unexpected message %q", m.Text())
		}
	}
}

func TestRunServesAPIUntilCancelled(t *testing.T) {
	logrus.SetLevel(logrus.WarnLevel)
	tn := newTestNetwork()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listen := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(t, "10.0.0.1:27001", "alice")
	cfg.API.Listen = listen
	n := tn.newNode(t, cfg)
	require.NotNil(t, n.API())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", listen)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}
