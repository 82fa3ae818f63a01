package dht

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/torrent/bencode"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/wire"
)

// MaxBEP44ValueSize is the largest value a BEP 44 item can carry.
const MaxBEP44ValueSize = 1000

// itemKeyContext prefixes store keys when deriving the item signing key.
const itemKeyContext = "buddynet-bep44-item:"

var (
	// ErrNoNodes is returned when no DHT node is known to write to
	ErrNoNodes = errors.New("no DHT nodes known")

	errQueryTimeout = errors.New("krpc query timed out")
)

// BEP44Config configures a BEP44Store.
type BEP44Config struct {
	// ListenAddr is the UDP address the store sends get/put queries from.
	ListenAddr string
	// RoutingAddr is the UDP address of the routing-table server. Empty
	// disables the routing table; only Bootstrap nodes are queried then.
	RoutingAddr string
	// Bootstrap lists host:port addresses of DHT nodes.
	Bootstrap []string
	// Replicas is the number of nodes a value is written to.
	Replicas int
	// QueryTimeout bounds a single KRPC query.
	QueryTimeout time.Duration
	TimeProvider crypto.TimeProvider
}

// DefaultBEP44Config returns the configuration used by the node.
func DefaultBEP44Config() BEP44Config {
	return BEP44Config{
		ListenAddr:  ":0",
		RoutingAddr: ":6881",
		Bootstrap: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"dht.libtorrent.org:25401",
		},
		Replicas:     8,
		QueryTimeout: 5 * time.Second,
	}
}

// BEP44Store keeps values as BEP 44 mutable items. Each store key maps
// to its own item keypair derived from the key, so every node can locate
// and verify the item for a key it knows. Values are expected to carry
// their own signatures. Deletion writes an empty tombstone value.
type BEP44Store struct {
	config BEP44Config
	tp     crypto.TimeProvider
	nodeID krpc.ID
	conn   *net.UDPConn
	server *dht.Server

	mu      sync.Mutex
	pending map[string]chan wire.Map
	txSeq   uint16

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBEP44Store opens the query socket and, when configured, starts a
// mainline DHT server to maintain a routing table.
func NewBEP44Store(config BEP44Config) (*BEP44Store, error) {
	if config.Replicas <= 0 {
		config.Replicas = 8
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 5 * time.Second
	}

	laddr, err := net.ResolveUDPAddr("udp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &BEP44Store{
		config:  config,
		tp:      crypto.OrDefault(config.TimeProvider),
		nodeID:  krpc.RandomNodeID(),
		conn:    conn,
		pending: make(map[string]chan wire.Map),
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.RoutingAddr != "" {
		if err := s.startRouting(); err != nil {
			cancel()
			conn.Close()
			return nil, err
		}
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

func (s *BEP44Store) startRouting() error {
	rconn, err := net.ListenPacket("udp", s.config.RoutingAddr)
	if err != nil {
		return fmt.Errorf("failed to create routing connection: %w", err)
	}

	server, err := dht.NewServer(&dht.ServerConfig{
		NodeId: s.nodeID,
		Conn:   rconn,
		StartingNodes: func() ([]dht.Addr, error) {
			var addrs []dht.Addr
			for _, udpAddr := range s.bootstrapAddrs() {
				addrs = append(addrs, dht.NewAddr(udpAddr))
			}
			return addrs, nil
		},
	})
	if err != nil {
		rconn.Close()
		return fmt.Errorf("failed to create DHT server: %w", err)
	}
	s.server = server

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
		defer cancel()
		if _, err := server.BootstrapContext(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "BEP44Store.startRouting",
				"error":    err.Error(),
			}).Warn("DHT bootstrap failed")
		}
	}()
	return nil
}

// LocalAddr returns the address queries are sent from.
func (s *BEP44Store) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close stops the store.
func (s *BEP44Store) Close() error {
	s.cancel()
	err := s.conn.Close()
	if s.server != nil {
		s.server.Close()
	}
	s.wg.Wait()
	return err
}

// itemKey derives the BEP 44 keypair for a store key.
func itemKey(key []byte) ed25519.PrivateKey {
	seed := sha256.Sum256(append([]byte(itemKeyContext), key...))
	return ed25519.NewKeyFromSeed(seed[:])
}

// itemTarget is the DHT target of a mutable item without salt.
func itemTarget(pub ed25519.PublicKey) [20]byte {
	return sha1.Sum(pub)
}

// signingBuffer builds the BEP 44 signature input for seq and value.
func signingBuffer(seq int64, value []byte) ([]byte, error) {
	v, err := bencode.Marshal(value)
	if err != nil {
		return nil, err
	}
	buf := []byte(fmt.Sprintf("3:seqi%de1:v", seq))
	return append(buf, v...), nil
}

func (s *BEP44Store) bootstrapAddrs() []*net.UDPAddr {
	var addrs []*net.UDPAddr
	for _, hostPort := range s.config.Bootstrap {
		udpAddr, err := net.ResolveUDPAddr("udp", hostPort)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "bootstrapAddrs",
				"bootstrap": hostPort,
				"error":     err.Error(),
			}).Debug("Failed to resolve bootstrap node")
			continue
		}
		addrs = append(addrs, udpAddr)
	}
	return addrs
}

// candidates returns the nodes closest to target from the routing table,
// followed by the bootstrap nodes.
func (s *BEP44Store) candidates(target [20]byte) []*net.UDPAddr {
	type scored struct {
		addr *net.UDPAddr
		dist [20]byte
	}
	var nodes []scored
	if s.server != nil {
		for _, ni := range s.server.Nodes() {
			udpAddr, err := net.ResolveUDPAddr("udp", ni.Addr.String())
			if err != nil {
				continue
			}
			var dist [20]byte
			for i := range dist {
				dist[i] = ni.ID[i] ^ target[i]
			}
			nodes = append(nodes, scored{addr: udpAddr, dist: dist})
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return bytes.Compare(nodes[i].dist[:], nodes[j].dist[:]) < 0
	})

	limit := 2 * s.config.Replicas
	seen := make(map[string]bool)
	var out []*net.UDPAddr
	add := func(a *net.UDPAddr) {
		if len(out) >= limit || seen[a.String()] {
			return
		}
		seen[a.String()] = true
		out = append(out, a)
	}
	for _, n := range nodes {
		add(n.addr)
	}
	for _, a := range s.bootstrapAddrs() {
		add(a)
	}
	return out
}

func (s *BEP44Store) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 65536)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		tid, _ := wire.String(msg, "t")
		y, _ := wire.String(msg, "y")
		if y != "r" && y != "e" {
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[tid]
		delete(s.pending, tid)
		s.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (s *BEP44Store) nextTransaction() (string, chan wire.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txSeq++
	var tid [2]byte
	binary.BigEndian.PutUint16(tid[:], s.txSeq)
	ch := make(chan wire.Map, 1)
	s.pending[string(tid[:])] = ch
	return string(tid[:]), ch
}

// query sends a KRPC query and waits for its response dictionary.
func (s *BEP44Store) query(ctx context.Context, addr *net.UDPAddr, method string, args wire.Map) (wire.Map, error) {
	args["id"] = s.nodeID[:]
	tid, ch := s.nextTransaction()
	defer func() {
		s.mu.Lock()
		delete(s.pending, tid)
		s.mu.Unlock()
	}()

	packet, err := wire.Encode(wire.Map{"t": tid, "y": "q", "q": method, "a": args})
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
		return nil, fmt.Errorf("failed to send %s query: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	defer cancel()

	select {
	case msg := <-ch:
		if y, _ := wire.String(msg, "y"); y == "e" {
			return nil, fmt.Errorf("%s query rejected by %s: %v", method, addr, msg["e"])
		}
		r, ok := wire.Sub(msg, "r")
		if !ok {
			return nil, fmt.Errorf("%s response from %s without body", method, addr)
		}
		return r, nil
	case <-ctx.Done():
		return nil, errQueryTimeout
	}
}

// item is a mutable item as returned by a get query.
type item struct {
	value []byte
	seq   int64
	token string
}

func (s *BEP44Store) getItem(ctx context.Context, addr *net.UDPAddr, pub ed25519.PublicKey) (item, error) {
	target := itemTarget(pub)
	r, err := s.query(ctx, addr, "get", wire.Map{"target": target[:]})
	if err != nil {
		return item{}, err
	}

	it := item{seq: -1}
	it.token, _ = wire.String(r, "token")

	v, hasValue := wire.Bytes(r, "v")
	if !hasValue {
		return it, nil
	}
	k, _ := wire.Bytes(r, "k")
	sig, _ := wire.Bytes(r, "sig")
	seq, _ := wire.Int(r, "seq")
	if !bytes.Equal(k, pub) || len(sig) != ed25519.SignatureSize {
		return it, fmt.Errorf("item from %s has wrong key", addr)
	}

	// v arrives decoded; the signature covers its bencoding
	buf, err := signingBuffer(seq, v)
	if err != nil {
		return it, err
	}
	if !ed25519.Verify(pub, buf, sig) {
		return it, fmt.Errorf("item from %s has invalid signature", addr)
	}

	it.value = v
	it.seq = seq
	return it, nil
}

func (s *BEP44Store) putItem(ctx context.Context, addr *net.UDPAddr, priv ed25519.PrivateKey, value []byte) error {
	pub := priv.Public().(ed25519.PublicKey)

	current, err := s.getItem(ctx, addr, pub)
	if err != nil {
		return err
	}
	if current.token == "" {
		return fmt.Errorf("no token received from %s", addr)
	}

	seq := s.tp.Now().UnixMilli()
	if seq <= current.seq {
		seq = current.seq + 1
	}

	buf, err := signingBuffer(seq, value)
	if err != nil {
		return err
	}

	_, err = s.query(ctx, addr, "put", wire.Map{
		"token": current.token,
		"v":     value,
		"k":     []byte(pub),
		"sig":   ed25519.Sign(priv, buf),
		"seq":   seq,
	})
	return err
}

// Write implements Store.
func (s *BEP44Store) Write(ctx context.Context, key, value []byte) (<-chan WriteEvent, error) {
	if len(value) > MaxBEP44ValueSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrValueTooLarge, len(value), MaxBEP44ValueSize)
	}
	return s.writeTo(ctx, key, value, nil)
}

func (s *BEP44Store) writeTo(ctx context.Context, key, value []byte, addrs []*net.UDPAddr) (<-chan WriteEvent, error) {
	priv := itemKey(key)
	if addrs == nil {
		addrs = s.candidates(itemTarget(priv.Public().(ed25519.PublicKey)))
	}
	if len(addrs) == 0 {
		return nil, ErrNoNodes
	}

	events := make(chan WriteEvent, len(addrs)+1)
	go func() {
		defer close(events)

		var (
			mu      sync.Mutex
			written int
			wg      sync.WaitGroup
		)
		for _, addr := range addrs {
			wg.Add(1)
			go func(addr *net.UDPAddr) {
				defer wg.Done()
				if err := s.putItem(ctx, addr, priv, value); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "BEP44Store.Write",
						"node":     addr.String(),
						"error":    err.Error(),
					}).Debug("Failed to put item")
					return
				}
				mu.Lock()
				written++
				mu.Unlock()
				events <- WriteEvent{Kind: ValueWritten, Contact: Contact{Address: addr.String()}}
			}(addr)
		}
		wg.Wait()

		if written == 0 {
			events <- WriteEvent{Kind: Timeout}
			return
		}
		events <- WriteEvent{Kind: Complete}
	}()
	return events, nil
}

// Read implements Store.
func (s *BEP44Store) Read(ctx context.Context, key []byte, timeout time.Duration) (<-chan Value, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	pub := itemKey(key).Public().(ed25519.PublicKey)
	addrs := s.candidates(itemTarget(pub))
	if len(addrs) == 0 {
		return nil, ErrNoNodes
	}

	out := make(chan Value, len(addrs))
	go func() {
		defer close(out)

		readCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var wg sync.WaitGroup
		for _, addr := range addrs {
			wg.Add(1)
			go func(addr *net.UDPAddr) {
				defer wg.Done()
				it, err := s.getItem(readCtx, addr, pub)
				if err != nil || len(it.value) == 0 {
					return
				}
				out <- Value{
					Data:    it.value,
					Created: time.UnixMilli(it.seq),
					Source:  Contact{Address: addr.String()},
				}
			}(addr)
		}
		wg.Wait()
	}()
	return out, nil
}

// Delete implements Store by writing an empty tombstone.
func (s *BEP44Store) Delete(ctx context.Context, key []byte, contacts []Contact) error {
	var addrs []*net.UDPAddr
	for _, c := range contacts {
		udpAddr, err := net.ResolveUDPAddr("udp", c.Address)
		if err != nil {
			continue
		}
		addrs = append(addrs, udpAddr)
	}

	events, err := s.writeTo(ctx, key, []byte{}, addrs)
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Kind == Timeout {
			return fmt.Errorf("delete: %w", errQueryTimeout)
		}
	}
	return nil
}
