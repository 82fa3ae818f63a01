package buddynet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/buddynet/api"
	"github.com/opd-ai/buddynet/buddy"
	"github.com/opd-ai/buddynet/chat"
	"github.com/opd-ai/buddynet/chat/redissync"
	"github.com/opd-ai/buddynet/config"
	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/dht"
	"github.com/opd-ai/buddynet/persistent"
	"github.com/opd-ai/buddynet/presence"
	"github.com/opd-ai/buddynet/store"
	"github.com/opd-ai/buddynet/transport"
)

const closeTimeout = 5 * time.Second

// Options configure New. Config and an unlocked Keyring are required.
type Options struct {
	Config  config.Config
	Keyring *crypto.Keyring

	// MemoryNetwork backs the "memory" transport kind.
	MemoryNetwork *transport.MemoryNetwork
	// MemoryDHT backs the "memory" dht kind. A private store is created
	// when nil.
	MemoryDHT *dht.MemoryStore
	// ChatSync replaces the Redis chat sync.
	ChatSync     chat.MessageSync
	TimeProvider crypto.TimeProvider
}

// Node is a running buddy messaging node.
type Node struct {
	config  config.Config
	keyring *crypto.Keyring

	transport   transport.Transport
	dhtStore    dht.Store
	directories []*presence.Directory
	store       *store.Store
	bans        *store.BanList
	registry    *buddy.Registry
	handler     *persistent.Handler
	chatSync    chat.MessageSync
	redis       *redis.Client
	chats       *chat.Manager
	api         *api.Server

	closers []func()
}

// New builds a node from its configuration. Nothing is started until Run.
func New(opts Options) (_ *Node, err error) {
	if opts.Keyring == nil || opts.Keyring.Locked() {
		return nil, crypto.ErrPasswordRequired
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{config: cfg, keyring: opts.Keyring}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if n.transport, err = newTransport(cfg.Transport, opts); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	n.closers = append(n.closers, func() { n.transport.Close() })

	if err = n.openDHT(cfg.DHT, opts); err != nil {
		return nil, fmt.Errorf("dht: %w", err)
	}

	for _, network := range cfg.Node.Networks {
		d, err := presence.NewDirectory(presence.Config{
			Network:               network,
			Store:                 n.dhtStore,
			Signer:                n.keyring,
			TimeProvider:          opts.TimeProvider,
			AllowPrivateAddresses: cfg.Node.AllowPrivateAddresses,
		})
		if err != nil {
			return nil, fmt.Errorf("presence %s: %w", network, err)
		}
		n.directories = append(n.directories, d)
		n.closers = append(n.closers, d.Close)
	}

	if err = n.openStore(cfg); err != nil {
		return nil, err
	}

	n.registry, err = buddy.NewRegistry(buddy.RegistryConfig{
		LocalKey:       n.keyring.PublicKey(),
		Transport:      n.transport,
		Directories:    n.directories,
		Persister:      n.store,
		TimeProvider:   opts.TimeProvider,
		BytesPerSecond: cfg.Transport.BytesPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	n.closers = append(n.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := n.registry.Close(ctx); err != nil {
			logrus.WithError(err).Warn("Buddy registry did not close cleanly")
		}
	})

	n.handler, err = persistent.NewHandler(persistent.Config{
		Store:        n.store,
		Registry:     n.registry,
		Sealer:       n.keyring,
		Directories:  n.directories,
		TimeProvider: opts.TimeProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("persistent messages: %w", err)
	}
	n.closers = append(n.closers, n.handler.Stop)

	if err = n.openChats(cfg, opts); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	if cfg.API.Listen != "" {
		n.api, err = api.NewServer(api.Config{
			Listen:   cfg.API.Listen,
			Registry: n.registry,
			Handler:  n.handler,
			Chats:    n.chats,
			Logger:   logrus.StandardLogger(),
		})
		if err != nil {
			return nil, fmt.Errorf("api: %w", err)
		}
		n.closers = append(n.closers, n.api.Close)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"public_key": base58.Encode(n.keyring.PublicKey()),
		"transport":  cfg.Transport.Kind,
		"dht":        cfg.DHT.Kind,
		"networks":   cfg.Node.Networks,
	}).Info("Node created")
	return n, nil
}

func newTransport(cfg config.TransportConfig, opts Options) (transport.Transport, error) {
	if cfg.Kind == config.TransportMemory {
		if opts.MemoryNetwork == nil {
			return nil, errors.New("memory transport requires a memory network")
		}
		return opts.MemoryNetwork.NewTransport(cfg.Listen, opts.Keyring.PublicKey())
	}

	id, err := opts.Keyring.Identity()
	if err != nil {
		return nil, err
	}
	if cfg.Kind == config.TransportTCP {
		return transport.NewTCPTransport(cfg.Listen, id)
	}
	return transport.NewQUICTransport(cfg.Listen, id)
}

func (n *Node) openDHT(cfg config.DHTConfig, opts Options) error {
	if cfg.Kind == config.DHTMemory {
		mem := opts.MemoryDHT
		if mem == nil {
			mem = dht.NewMemoryStore(dht.MemoryConfig{TimeProvider: opts.TimeProvider})
		}
		n.dhtStore = mem.View(dht.Contact{Address: n.transport.LocalAddr().String()})
		return nil
	}

	bc := dht.DefaultBEP44Config()
	bc.ListenAddr = cfg.Listen
	bc.RoutingAddr = cfg.Routing
	bc.Bootstrap = cfg.Bootstrap
	if cfg.Replicas > 0 {
		bc.Replicas = cfg.Replicas
	}
	bc.TimeProvider = opts.TimeProvider
	s, err := dht.NewBEP44Store(bc)
	if err != nil {
		return err
	}
	n.dhtStore = s
	n.closers = append(n.closers, func() { s.Close() })
	return nil
}

func (n *Node) openStore(cfg config.Config) error {
	if cfg.Store.Driver == store.DriverSQLite {
		if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	n.store = s
	n.closers = append(n.closers, func() { s.Close() })

	n.bans, err = store.NewBanList(context.Background(), s)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (n *Node) openChats(cfg config.Config, opts Options) error {
	ms := opts.ChatSync
	if ms == nil {
		if cfg.Chat.RedisURL == "" {
			return nil
		}
		ropts, err := redis.ParseURL(cfg.Chat.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		n.redis = redis.NewClient(ropts)
		n.closers = append(n.closers, func() { n.redis.Close() })

		rs, err := redissync.New(redissync.Config{
			Client:       n.redis,
			PublicKey:    n.keyring.PublicKey(),
			Address:      n.transport.LocalAddr().String(),
			History:      int64(cfg.Chat.MaxHistory),
			TimeProvider: opts.TimeProvider,
		})
		if err != nil {
			return err
		}
		n.closers = append(n.closers, func() { rs.Close() })
		ms = rs
	}
	n.chatSync = ms

	chats, err := chat.NewManager(chat.ManagerConfig{
		Sync:             ms,
		Nickname:         cfg.Node.Nickname,
		FriendKey:        n.keyring.PublicKey(),
		IPFilter:         n.bans,
		PrivateChatState: privateChatState(cfg.Chat.PrivateChats),
		TimeProvider:     opts.TimeProvider,
		MaxHistory:       cfg.Chat.MaxHistory,
	})
	if err != nil {
		return err
	}
	n.chats = chats
	n.closers = append(n.closers, func() { chats.Close() })
	return nil
}

func privateChatState(s string) chat.PrivateChatState {
	switch s {
	case config.PrivateChatsDisabled:
		return chat.PrivateChatDisabled
	case config.PrivateChatsPinnedOnly:
		return chat.PrivateChatPinnedOnly
	}
	return chat.PrivateChatEnabled
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() []byte {
	return n.keyring.PublicKey()
}

// Registry returns the buddy registry.
func (n *Node) Registry() *buddy.Registry {
	return n.registry
}

// Messages returns the persistent message handler.
func (n *Node) Messages() *persistent.Handler {
	return n.handler
}

// Chats returns the chat manager, or nil when chat is not configured.
func (n *Node) Chats() *chat.Manager {
	return n.chats
}

// Directories returns the presence directories, one per network.
func (n *Node) Directories() []*presence.Directory {
	return n.directories
}

// Bans returns the banned host list used by chats.
func (n *Node) Bans() *store.BanList {
	return n.bans
}

// API returns the HTTP server, or nil when it is disabled.
func (n *Node) API() *api.Server {
	return n.api
}

// Start loads buddies, starts delivery and begins publishing presence.
func (n *Node) Start() error {
	if err := n.registry.Load(); err != nil {
		return fmt.Errorf("load buddies: %w", err)
	}
	if err := n.registry.Start(); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	if err := n.handler.Start(); err != nil {
		return fmt.Errorf("start persistent messages: %w", err)
	}

	addrs, port := n.endpoint()
	udpPort := 0
	if n.config.Transport.Kind == config.TransportQUIC {
		udpPort = port
	}
	for _, d := range n.directories {
		d.SetEndpoint(addrs, port, udpPort)
		if n.config.Node.Nickname != "" {
			d.SetNickname(n.config.Node.Nickname)
		}
		d.SetEnabled(true)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"addresses": addrs,
		"port":      port,
	}).Info("Node started")
	return nil
}

// endpoint returns the advertised addresses and the listening port.
func (n *Node) endpoint() ([]string, int) {
	host, portStr, err := net.SplitHostPort(n.transport.LocalAddr().String())
	if err != nil {
		return n.config.Node.Addresses, 0
	}
	port, _ := strconv.Atoi(portStr)

	addrs := n.config.Node.Addresses
	if len(addrs) == 0 {
		if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
			addrs = []string{host}
		}
	}
	return addrs, port
}

// Run starts the node and serves the API until ctx is done, then closes
// the node.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		n.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if n.api != nil {
		g.Go(func() error { return n.api.Serve(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	err := g.Wait()
	n.Close()
	return err
}

// Close stops every component in reverse order of creation.
func (n *Node) Close() {
	closers := n.closers
	n.closers = nil
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
