package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

var (
	// ErrEmptyMessage is returned when signing or verifying nothing
	ErrEmptyMessage = errors.New("empty message")
	// ErrInvalidPublicKey is returned for keys that are not 32 bytes
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// Sign creates an Ed25519 signature for a message using the 32 byte seed.
func Sign(message []byte, seed [SeedSize]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}

	// Ed25519 private keys are 64 bytes (seed + public key)
	privateKey := ed25519.NewKeyFromSeed(seed[:])
	defer ZeroBytes(privateKey)

	return ed25519.Sign(privateKey, message), nil
}

// Verify checks that signature is a valid signature of message by publicKey.
func Verify(publicKey, message, signature []byte) (bool, error) {
	if len(message) == 0 {
		return false, ErrEmptyMessage
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrInvalidPublicKey
	}
	if len(signature) != SignatureSize {
		return false, nil
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}

// ValidPublicKey reports whether key has the shape of a buddy public key.
func ValidPublicKey(key []byte) bool {
	return len(key) == PublicKeySize
}
