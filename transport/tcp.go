package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/crypto"
)

// HandshakeTimeout bounds the Noise handshake of a new TCP link.
const HandshakeTimeout = 10 * time.Second

// TCPTransport carries links over TCP secured with Noise XX.
type TCPTransport struct {
	identity *crypto.Identity
	listener net.Listener

	mu      sync.RWMutex
	handler AcceptHandler
	links   map[*noiseLink]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPTransport listens on listenAddr and authenticates links with id.
func NewTCPTransport(listenAddr string, id *crypto.Identity) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		identity: id,
		listener: listener,
		links:    make(map[*noiseLink]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewTCPTransport",
		"local_addr": listener.Addr().String(),
		"public_key": crypto.KeyPreview(id.PublicKey()),
	}).Info("TCP transport listening")

	t.wg.Add(1)
	go t.acceptConnections()

	return t, nil
}

// SetAcceptHandler implements Transport.
func (t *TCPTransport) SetAcceptHandler(handler AcceptHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// LocalAddr implements Transport.
func (t *TCPTransport) LocalAddr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPTransport) acceptConnections() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		t.wg.Add(1)
		go t.handleIncoming(conn)
	}
}

func (t *TCPTransport) handleIncoming(conn net.Conn) {
	defer t.wg.Done()

	_ = conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	link, err := noiseHandshake(conn, t.identity, false)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleIncoming",
			"remote_addr": conn.RemoteAddr().String(),
			"error":       err.Error(),
		}).Debug("Incoming handshake failed")
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		_ = link.Close()
		return
	}

	tracked := t.track(link)
	if !handler(tracked) {
		_ = tracked.Close()
	}
}

// Dial implements Transport.
func (t *TCPTransport) Dial(ctx context.Context, addr string, remoteKey []byte) (Link, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	deadline := time.Now().Add(HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	link, err := noiseHandshake(conn, t.identity, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	if remoteKey != nil && !bytes.Equal(remoteKey, link.remoteKey) {
		_ = link.Close()
		return nil, ErrKeyMismatch
	}

	logrus.WithFields(logrus.Fields{
		"function":    "TCPTransport.Dial",
		"remote_addr": addr,
		"remote_key":  crypto.KeyPreview(link.remoteKey),
	}).Debug("TCP link established")

	return t.track(link), nil
}

// track registers link so Close can shut it down and returns a Link that
// deregisters on close.
func (t *TCPTransport) track(link *noiseLink) Link {
	t.mu.Lock()
	t.links[link] = struct{}{}
	t.mu.Unlock()
	return &trackedLink{noiseLink: link, owner: t}
}

func (t *TCPTransport) untrack(link *noiseLink) {
	t.mu.Lock()
	delete(t.links, link)
	t.mu.Unlock()
}

// Close stops accepting and closes every open link.
func (t *TCPTransport) Close() error {
	t.cancel()
	err := t.listener.Close()

	t.mu.Lock()
	links := make([]*noiseLink, 0, len(t.links))
	for link := range t.links {
		links = append(links, link)
	}
	t.links = make(map[*noiseLink]struct{})
	t.mu.Unlock()

	for _, link := range links {
		_ = link.Close()
	}

	t.wg.Wait()
	return err
}

type trackedLink struct {
	*noiseLink
	owner *TCPTransport
}

func (l *trackedLink) Close() error {
	l.owner.untrack(l.noiseLink)
	return l.noiseLink.Close()
}
