package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// memoryLinkBuffer is the number of frames buffered per direction.
const memoryLinkBuffer = 64

// MemoryAddr is the address of a MemoryTransport.
type MemoryAddr string

func (a MemoryAddr) Network() string { return "memory" }
func (a MemoryAddr) String() string  { return string(a) }

// MemoryNetwork connects MemoryTransports registered on it.
type MemoryNetwork struct {
	mu         sync.RWMutex
	transports map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{transports: make(map[string]*MemoryTransport)}
}

// NewTransport registers a transport listening at addr for the peer
// identified by publicKey.
func (n *MemoryNetwork) NewTransport(addr string, publicKey []byte) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.transports[addr]; exists {
		return nil, fmt.Errorf("memory address %s already in use", addr)
	}

	t := &MemoryTransport{
		network:   n,
		addr:      MemoryAddr(addr),
		publicKey: append([]byte(nil), publicKey...),
		maxFrame:  DefaultMaxFrameSize,
	}
	n.transports[addr] = t
	return t, nil
}

func (n *MemoryNetwork) lookup(addr string) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.transports[addr]
}

func (n *MemoryNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.transports, addr)
}

// MemoryTransport is a Transport whose links are Go channels.
type MemoryTransport struct {
	network   *MemoryNetwork
	addr      MemoryAddr
	publicKey []byte
	maxFrame  int

	mu      sync.RWMutex
	handler AcceptHandler
	links   []*memoryLink
	closed  bool
}

// SetMaxFrameSize changes the max frame size of links created after the call.
func (t *MemoryTransport) SetMaxFrameSize(size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxFrame = size
}

// SetAcceptHandler implements Transport.
func (t *MemoryTransport) SetAcceptHandler(handler AcceptHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// LocalAddr implements Transport.
func (t *MemoryTransport) LocalAddr() net.Addr {
	return t.addr
}

// Dial implements Transport. The remote accept handler runs before Dial
// returns; a rejected link is returned already closed.
func (t *MemoryTransport) Dial(ctx context.Context, addr string, remoteKey []byte) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	closed := t.closed
	maxFrame := t.maxFrame
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	remote := t.network.lookup(addr)
	if remote == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	if remoteKey != nil && !bytes.Equal(remoteKey, remote.publicKey) {
		return nil, ErrKeyMismatch
	}

	remote.mu.RLock()
	handler := remote.handler
	remoteClosed := remote.closed
	if remote.maxFrame < maxFrame {
		maxFrame = remote.maxFrame
	}
	remote.mu.RUnlock()
	if remoteClosed || handler == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	local, peer := newMemoryLinkPair(t, remote, maxFrame)
	t.track(local)
	remote.track(peer)

	logrus.WithFields(logrus.Fields{
		"function": "MemoryTransport.Dial",
		"local":    t.addr.String(),
		"remote":   addr,
	}).Debug("Memory link established")

	if !handler(peer) {
		_ = peer.Close()
	}
	return local, nil
}

func (t *MemoryTransport) track(link *memoryLink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links = append(t.links, link)
}

// Close implements Transport. All links created through the transport
// are closed.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := t.links
	t.links = nil
	t.mu.Unlock()

	t.network.remove(t.addr.String())
	for _, link := range links {
		_ = link.Close()
	}
	return nil
}

// memoryPair is the state shared by both ends of a memory link.
type memoryPair struct {
	done      chan struct{}
	closeOnce sync.Once
}

type memoryLink struct {
	pair       *memoryPair
	in         chan []byte
	out        chan []byte
	remoteKey  []byte
	localAddr  MemoryAddr
	remoteAddr MemoryAddr
	outgoing   bool
	maxFrame   int
}

func newMemoryLinkPair(dialer, listener *MemoryTransport, maxFrame int) (*memoryLink, *memoryLink) {
	pair := &memoryPair{done: make(chan struct{})}
	forward := make(chan []byte, memoryLinkBuffer)
	backward := make(chan []byte, memoryLinkBuffer)

	local := &memoryLink{
		pair:       pair,
		in:         backward,
		out:        forward,
		remoteKey:  listener.publicKey,
		localAddr:  dialer.addr,
		remoteAddr: listener.addr,
		outgoing:   true,
		maxFrame:   maxFrame,
	}
	remote := &memoryLink{
		pair:       pair,
		in:         forward,
		out:        backward,
		remoteKey:  dialer.publicKey,
		localAddr:  listener.addr,
		remoteAddr: dialer.addr,
		maxFrame:   maxFrame,
	}
	return local, remote
}

func (l *memoryLink) Send(frame []byte) error {
	if len(frame) > l.maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), l.maxFrame)
	}

	// Check closure first so a closed link never accepts a frame into a
	// buffer with free space.
	select {
	case <-l.pair.done:
		return ErrClosed
	default:
	}

	data := append([]byte(nil), frame...)
	select {
	case l.out <- data:
		return nil
	case <-l.pair.done:
		return ErrClosed
	}
}

func (l *memoryLink) Receive() ([]byte, error) {
	select {
	case frame := <-l.in:
		return frame, nil
	case <-l.pair.done:
		// deliver frames written before the close
		select {
		case frame := <-l.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (l *memoryLink) RemoteKey() []byte    { return l.remoteKey }
func (l *memoryLink) RemoteAddr() net.Addr { return l.remoteAddr }
func (l *memoryLink) Outgoing() bool       { return l.outgoing }
func (l *memoryLink) MaxFrameSize() int    { return l.maxFrame }

func (l *memoryLink) Close() error {
	l.pair.closeOnce.Do(func() {
		close(l.pair.done)
	})
	return nil
}
