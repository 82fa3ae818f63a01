// Package crypto implements the identity and cryptographic primitives of a buddy node.
//
// A node is identified by an Ed25519 public key. The same 32 byte seed also
// yields an X25519 key pair used to seal data at rest and as the static key of
// Noise handshakes.
//
// # Keyring
//
// The Keyring keeps the identity encrypted on disk (AES-GCM, PBKDF2 derived
// key). While locked, public operations such as PublicKey and Seal keep
// working; Sign and Open fail with ErrPasswordRequired so callers can surface a
// password prompt instead of retrying.
//
// Example:
//
//	ring, err := crypto.OpenKeyring(dataDir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := ring.Unlock([]byte(password)); err != nil {
//	    log.Fatal(err)
//	}
//	sig, _ := ring.Sign(payload)
//	ok := ring.Verify(ring.PublicKey(), payload, sig)
//
// # Time
//
// TimeProvider abstracts the clock for every timing-sensitive component so
// tests can advance time deterministically.
package crypto
