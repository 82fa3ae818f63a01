package buddy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/fragment"
	"github.com/opd-ai/buddynet/messaging"
	"github.com/opd-ai/buddynet/presence"
	"github.com/opd-ai/buddynet/transport"
	"github.com/opd-ai/buddynet/wire"
)

type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{now: time.Unix(1700000000, 0)}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

type memPersister struct {
	mu      sync.Mutex
	records []Record
	saves   int
}

func (p *memPersister) SaveBuddies(records []Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append([]Record(nil), records...)
	p.saves++
	return nil
}

func (p *memPersister) LoadBuddies() ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Record(nil), p.records...), nil
}

type testNode struct {
	registry  *Registry
	id        *crypto.Identity
	transport *transport.MemoryTransport
	host      string
	port      int
}

func (n *testNode) publicKey() []byte {
	return n.id.PublicKey()
}

func newTestNode(t *testing.T, network *transport.MemoryNetwork, host string) *testNode {
	t.Helper()
	return newTestNodeWith(t, network, host, RegistryConfig{})
}

func newTestNodeWith(t *testing.T, network *transport.MemoryNetwork, host string, cfg RegistryConfig) *testNode {
	t.Helper()

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	const port = 6881
	tr, err := network.NewTransport(net.JoinHostPort(host, fmt.Sprint(port)), id.PublicKey())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	cfg.LocalKey = id.PublicKey()
	cfg.Transport = tr
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.cancel()
		for _, b := range r.Buddies() {
			b.destroy()
		}
	})

	return &testNode{registry: r, id: id, transport: tr, host: host, port: port}
}

// befriend adds other as an authorized buddy of n with a known endpoint.
func (n *testNode) befriend(t *testing.T, other *testNode) *Buddy {
	t.Helper()
	b, err := n.registry.AddBuddy(other.publicKey(), 1, true)
	require.NoError(t, err)
	setEndpoint(b, other.host, other.port)
	return b
}

func setEndpoint(b *Buddy, host string, port int) {
	b.status = presence.NewStatus(host, port, 0, "", 0)
}

func echoHandler() RequestHandler {
	return RequestHandlerFunc(func(from *Buddy, ss messaging.Subsystem, req wire.Map) (wire.Map, error) {
		return wire.Map{"echo": req["v"]}, nil
	})
}

// fakeLink is a Link driven directly by a test.
type fakeLink struct {
	key  []byte
	addr transport.MemoryAddr

	in       chan []byte
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	sent     [][]byte
	maxFrame int
}

func newFakeLink(key []byte, addr string) *fakeLink {
	return &fakeLink{
		key:      key,
		addr:     transport.MemoryAddr(addr),
		in:       make(chan []byte, 16),
		done:     make(chan struct{}),
		maxFrame: transport.DefaultMaxFrameSize,
	}
}

func (l *fakeLink) Send(frame []byte) error {
	select {
	case <-l.done:
		return transport.ErrClosed
	default:
	}
	l.mu.Lock()
	l.sent = append(l.sent, append([]byte(nil), frame...))
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Receive() ([]byte, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-l.done:
		return nil, transport.ErrClosed
	}
}

func (l *fakeLink) RemoteKey() []byte    { return l.key }
func (l *fakeLink) RemoteAddr() net.Addr { return l.addr }
func (l *fakeLink) Outgoing() bool       { return false }
func (l *fakeLink) MaxFrameSize() int    { return l.maxFrame }

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// deliver encodes a request frame and queues it for the reader.
func (l *fakeLink) deliver(t *testing.T, id int64, ss messaging.Subsystem, req wire.Map) {
	t.Helper()
	frames, err := fragment.NewCodec(l.maxFrame).Encode(wire.Map{
		"type": int64(FrameRequest),
		"id":   id,
		"ss":   int64(ss),
		"req":  req,
		"oz":   int64(0),
		"v":    int64(presence.VersionCurrent),
	}, true)
	require.NoError(t, err)
	for _, f := range frames {
		l.in <- f
	}
}

func mustIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return id
}

// gatedTransport holds every dial until the test hands it a result.
type gatedTransport struct {
	addr    transport.MemoryAddr
	dials   chan string
	results chan error

	mu    sync.Mutex
	links []*fakeLink
}

func newGatedTransport(addr string) *gatedTransport {
	return &gatedTransport{
		addr:    transport.MemoryAddr(addr),
		dials:   make(chan string, 16),
		results: make(chan error, 16),
	}
}

func (g *gatedTransport) Dial(ctx context.Context, addr string, remoteKey []byte) (transport.Link, error) {
	select {
	case g.dials <- addr:
	default:
	}
	select {
	case err := <-g.results:
		if err != nil {
			return nil, err
		}
		l := newFakeLink(remoteKey, addr)
		g.mu.Lock()
		g.links = append(g.links, l)
		g.mu.Unlock()
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedTransport) SetAcceptHandler(transport.AcceptHandler) {}
func (g *gatedTransport) LocalAddr() net.Addr                      { return g.addr }
func (g *gatedTransport) Close() error                             { return nil }

func (g *gatedTransport) dialed() []*fakeLink {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*fakeLink(nil), g.links...)
}

// waitDial blocks until a dial has started.
func (g *gatedTransport) waitDial(t *testing.T) {
	t.Helper()
	select {
	case <-g.dials:
	case <-time.After(2 * time.Second):
		t.Fatal("no dial started")
	}
}

// newGatedRegistry builds a registry whose dials wait on the returned transport.
func newGatedRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *gatedTransport) {
	t.Helper()
	tr := newGatedTransport("10.0.0.1:6881")
	cfg.LocalKey = mustIdentity(t).PublicKey()
	cfg.Transport = tr
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.cancel()
		for _, b := range r.Buddies() {
			b.destroy()
		}
	})
	return r, tr
}

// addPeer adds an authorized buddy with a known endpoint.
func addPeer(t *testing.T, r *Registry, host string) *Buddy {
	t.Helper()
	b, err := r.AddBuddy(mustIdentity(t).PublicKey(), messaging.SubsystemAZ2, true)
	require.NoError(t, err)
	setEndpoint(b, host, 6881)
	return b
}
