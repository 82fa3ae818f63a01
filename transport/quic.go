package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/buddynet/crypto"
)

// quicALPN is the application protocol negotiated on QUIC links.
const quicALPN = "buddynet/1"

const (
	quicIdleTimeout     = 10 * time.Minute
	quicKeepAlivePeriod = 30 * time.Second
)

// QUICTransport carries links over QUIC. Each link is a single
// bidirectional stream; the TLS certificate key identifies the peer.
type QUICTransport struct {
	identity *crypto.Identity
	tlsConf  *tls.Config
	listener *quic.Listener

	mu      sync.RWMutex
	handler AcceptHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQUICTransport listens for QUIC connections on the UDP address listenAddr.
func NewQUICTransport(listenAddr string, id *crypto.Identity) (*QUICTransport, error) {
	tlsConf, err := identityTLSConfig(id)
	if err != nil {
		return nil, err
	}

	listener, err := quic.ListenAddr(listenAddr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &QUICTransport{
		identity: id,
		tlsConf:  tlsConf,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewQUICTransport",
		"local_addr": listener.Addr().String(),
		"public_key": crypto.KeyPreview(id.PublicKey()),
	}).Info("QUIC transport listening")

	t.wg.Add(1)
	go t.acceptConnections()

	return t, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicKeepAlivePeriod,
	}
}

// identityCertificate creates a self-signed certificate for the Ed25519
// identity key.
func identityCertificate(id *crypto.Identity) (tls.Certificate, error) {
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"buddynet"},
			CommonName:   fmt.Sprintf("%x", id.PublicKey()),
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	key := id.SigningKey()
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}

func identityTLSConfig(id *crypto.Identity) (*tls.Config, error) {
	cert, err := identityCertificate(id)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
		// Peers present self-signed certificates; verifyPeerCertificate
		// checks the key and self-signature instead of a CA chain.
		InsecureSkipVerify:    true,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeerCertificate,
	}, nil
}

func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	_, err := peerKeyFromRaw(rawCerts)
	return err
}

func peerKeyFromRaw(rawCerts [][]byte) ([]byte, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("%w: no certificate presented by peer", ErrHandshakeFailed)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse peer certificate: %v", ErrHandshakeFailed, err)
	}
	return peerKeyFromCert(cert)
}

func peerKeyFromCert(cert *x509.Certificate) ([]byte, error) {
	pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || len(pubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: certificate does not contain an Ed25519 key", ErrHandshakeFailed)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return nil, fmt.Errorf("%w: certificate not self-signed: %v", ErrHandshakeFailed, err)
	}
	return []byte(pubKey), nil
}

func connPeerKey(conn *quic.Conn) ([]byte, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no peer certificate", ErrHandshakeFailed)
	}
	return peerKeyFromCert(certs[0])
}

// SetAcceptHandler implements Transport.
func (t *QUICTransport) SetAcceptHandler(handler AcceptHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// LocalAddr implements Transport.
func (t *QUICTransport) LocalAddr() net.Addr {
	return t.listener.Addr()
}

func (t *QUICTransport) acceptConnections() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "QUICTransport.acceptConnections",
				"error":    err.Error(),
			}).Warn("Failed to accept QUIC connection")
			continue
		}

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *QUICTransport) handleConnection(conn *quic.Conn) {
	defer t.wg.Done()

	remoteKey, err := connPeerKey(conn)
	if err != nil {
		_ = conn.CloseWithError(1, "identity rejected")
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, HandshakeTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		return
	}

	link := &quicLink{conn: conn, stream: stream, remoteKey: remoteKey}
	// the dialer opens the stream with an empty frame
	if _, err := link.Receive(); err != nil {
		_ = link.Close()
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil || !handler(link) {
		_ = link.Close()
	}
}

// Dial implements Transport.
func (t *QUICTransport) Dial(ctx context.Context, addr string, remoteKey []byte) (Link, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}

	dialCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, t.tlsConf.Clone(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	key, err := connPeerKey(conn)
	if err != nil {
		_ = conn.CloseWithError(1, "identity rejected")
		return nil, err
	}
	if remoteKey != nil && !bytes.Equal(remoteKey, key) {
		_ = conn.CloseWithError(1, "unexpected identity")
		return nil, ErrKeyMismatch
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(1, "open stream")
		return nil, fmt.Errorf("%w: open stream: %v", ErrHandshakeFailed, err)
	}

	link := &quicLink{conn: conn, stream: stream, remoteKey: key, outgoing: true}
	if err := link.Send(nil); err != nil {
		_ = link.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "QUICTransport.Dial",
		"remote_addr": addr,
		"remote_key":  crypto.KeyPreview(key),
	}).Debug("QUIC link established")

	return link, nil
}

// Close stops the listener; established connections are closed by it.
func (t *QUICTransport) Close() error {
	t.cancel()
	err := t.listener.Close()
	t.wg.Wait()
	return err
}

type quicLink struct {
	conn      *quic.Conn
	stream    *quic.Stream
	remoteKey []byte
	outgoing  bool

	sendMu    sync.Mutex
	recvMu    sync.Mutex
	closeOnce sync.Once
}

func (l *quicLink) Send(frame []byte) error {
	if len(frame) > DefaultMaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), DefaultMaxFrameSize)
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return writeFrame(l.stream, frame)
}

func (l *quicLink) Receive() ([]byte, error) {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()
	return readFrame(l.stream, DefaultMaxFrameSize)
}

func (l *quicLink) RemoteKey() []byte    { return l.remoteKey }
func (l *quicLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }
func (l *quicLink) Outgoing() bool       { return l.outgoing }
func (l *quicLink) MaxFrameSize() int    { return DefaultMaxFrameSize }

func (l *quicLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		_ = l.stream.Close()
		err = l.conn.CloseWithError(0, "closed")
	})
	return err
}
