// Package transport provides the authenticated, frame-oriented links the
// buddy engine exchanges request and reply maps over.
//
// Every transport hands out Link values that are bound to the remote
// peer's Ed25519 public key. Three implementations are available:
//
//   - TCPTransport: TCP streams secured with a Noise XX handshake. The
//     handshake payload carries the Ed25519 key and a signature over the
//     Noise static key, so the link is bound to the buddy identity.
//   - QUICTransport: QUIC connections with self-signed Ed25519 TLS
//     certificates; the certificate key is the buddy identity.
//   - MemoryTransport: an in-process network used by tests and by
//     single-process deployments.
//
// Links may be wrapped with WithRateLimit to cap the outbound byte rate.
package transport
