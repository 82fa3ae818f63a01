package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/opd-ai/buddynet/crypto"
	"github.com/opd-ai/buddynet/wire"
)

// noiseMaxMessage is the largest Noise transport message.
const noiseMaxMessage = 65535

// staticKeyContext prefixes the Noise static key before it is signed
// with the Ed25519 identity key.
const staticKeyContext = "buddynet-noise-static-key:"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// noiseLink is a Link over a stream secured by a completed Noise XX
// handshake.
type noiseLink struct {
	conn      net.Conn
	send      *noise.CipherState
	recv      *noise.CipherState
	remoteKey []byte
	outgoing  bool

	sendMu    sync.Mutex
	recvMu    sync.Mutex
	closeOnce sync.Once
}

func (l *noiseLink) Send(frame []byte) error {
	if len(frame) > DefaultMaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), DefaultMaxFrameSize)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	ciphertext, err := l.send.Encrypt(nil, nil, frame)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	return writeFrame(l.conn, ciphertext)
}

func (l *noiseLink) Receive() ([]byte, error) {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()

	ciphertext, err := readFrame(l.conn, noiseMaxMessage)
	if err != nil {
		return nil, err
	}
	plaintext, err := l.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt frame: %w", err)
	}
	return plaintext, nil
}

func (l *noiseLink) RemoteKey() []byte    { return l.remoteKey }
func (l *noiseLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }
func (l *noiseLink) Outgoing() bool       { return l.outgoing }
func (l *noiseLink) MaxFrameSize() int    { return DefaultMaxFrameSize }

func (l *noiseLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}

// identityPayload signs the local Noise static key with the Ed25519
// identity key.
func identityPayload(id *crypto.Identity) ([]byte, error) {
	box := id.BoxPublicKey()
	msg := append([]byte(staticKeyContext), box[:]...)
	return wire.Encode(wire.Map{
		"k": id.PublicKey(),
		"s": id.Sign(msg),
	})
}

// verifyIdentityPayload checks the peer's identity payload against the
// Noise static key it used in the handshake and returns its Ed25519 key.
func verifyIdentityPayload(payload, peerStatic []byte) ([]byte, error) {
	m, err := wire.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	key, _ := wire.Bytes(m, "k")
	sig, _ := wire.Bytes(m, "s")
	if len(key) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: malformed identity payload", ErrHandshakeFailed)
	}

	msg := append([]byte(staticKeyContext), peerStatic...)
	if !ed25519.Verify(ed25519.PublicKey(key), msg, sig) {
		return nil, fmt.Errorf("%w: identity signature invalid", ErrHandshakeFailed)
	}
	return key, nil
}

// noiseHandshake runs the XX pattern over conn and returns the secured
// link. The caller sets deadlines on conn.
func noiseHandshake(conn net.Conn, id *crypto.Identity, initiator bool) (*noiseLink, error) {
	priv := id.BoxPrivateKey()
	pub := id.BoxPublicKey()
	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, priv[:])
	copy(staticKey.Public, pub[:])
	crypto.ZeroBytes(priv[:])

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	payload, err := identityPayload(id)
	if err != nil {
		return nil, err
	}

	if initiator {
		return initiatorHandshake(conn, state, payload)
	}
	return responderHandshake(conn, state, payload)
}

// initiatorHandshake: -> e, <- e ee s es, -> s se
func initiatorHandshake(conn net.Conn, state *noise.HandshakeState, payload []byte) (*noiseLink, error) {
	msg, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: write e: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, err
	}

	msg, err = readFrame(conn, noiseMaxMessage)
	if err != nil {
		return nil, err
	}
	remotePayload, _, _, err := state.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: read responder: %v", ErrHandshakeFailed, err)
	}
	remoteKey, err := verifyIdentityPayload(remotePayload, state.PeerStatic())
	if err != nil {
		return nil, err
	}

	msg, send, recv, err := state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: write s: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, err
	}

	return &noiseLink{conn: conn, send: send, recv: recv, remoteKey: remoteKey, outgoing: true}, nil
}

func responderHandshake(conn net.Conn, state *noise.HandshakeState, payload []byte) (*noiseLink, error) {
	msg, err := readFrame(conn, noiseMaxMessage)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := state.ReadMessage(nil, msg); err != nil {
		return nil, fmt.Errorf("%w: read e: %v", ErrHandshakeFailed, err)
	}

	msg, _, _, err = state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: write responder: %v", ErrHandshakeFailed, err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, err
	}

	msg, err = readFrame(conn, noiseMaxMessage)
	if err != nil {
		return nil, err
	}
	remotePayload, recv, send, err := state.ReadMessage(nil, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: read s: %v", ErrHandshakeFailed, err)
	}
	remoteKey, err := verifyIdentityPayload(remotePayload, state.PeerStatic())
	if err != nil {
		return nil, err
	}

	return &noiseLink{conn: conn, send: send, recv: recv, remoteKey: remoteKey}, nil
}

var _ Link = (*noiseLink)(nil)
