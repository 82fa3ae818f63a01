package transport

import (
	"context"
	"errors"
	"net"
)

// DefaultMaxFrameSize is the largest frame a link accepts. It fits in a
// single Noise transport message including the authentication tag.
const DefaultMaxFrameSize = 60 * 1024

var (
	// ErrClosed is returned by operations on a closed link or transport
	ErrClosed = errors.New("transport closed")

	// ErrFrameTooLarge is returned when a frame exceeds the link's max frame size
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrKeyMismatch is returned when the remote peer authenticated with an unexpected key
	ErrKeyMismatch = errors.New("remote key mismatch")

	// ErrHandshakeFailed is returned when the link could not be authenticated
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrUnreachable is returned when no listener answers at the dialed address
	ErrUnreachable = errors.New("address unreachable")
)

// Link is an authenticated, ordered, message-preserving channel to a
// single remote peer.
type Link interface {
	// Send writes one frame. It is safe for concurrent use.
	Send(frame []byte) error
	// Receive blocks until the next frame arrives or the link fails.
	Receive() ([]byte, error)
	// RemoteKey returns the remote peer's authenticated Ed25519 public key.
	RemoteKey() []byte
	RemoteAddr() net.Addr
	// Outgoing reports whether the local side dialed the link.
	Outgoing() bool
	MaxFrameSize() int
	Close() error
}

// AcceptHandler decides whether an incoming link is kept. Returning
// false closes the link.
type AcceptHandler func(Link) bool

// Transport creates outgoing links and hands incoming ones to the
// accept handler.
type Transport interface {
	// Dial connects to addr and verifies that the remote peer holds
	// remoteKey. A nil remoteKey accepts any authenticated peer.
	Dial(ctx context.Context, addr string, remoteKey []byte) (Link, error)
	SetAcceptHandler(handler AcceptHandler)
	LocalAddr() net.Addr
	Close() error
}
