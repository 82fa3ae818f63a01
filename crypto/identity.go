package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// PublicKeySize is the size of a buddy identity public key in bytes.
const PublicKeySize = ed25519.PublicKeySize

// SeedSize is the size of the secret seed an identity is derived from.
const SeedSize = ed25519.SeedSize

// ErrInvalidSeed indicates an all-zero or malformed identity seed.
var ErrInvalidSeed = errors.New("invalid identity seed")

// Identity is a node's long-term key material: an Ed25519 signing key and the
// X25519 box key derived from the same seed.
type Identity struct {
	signPublic  ed25519.PublicKey
	signPrivate ed25519.PrivateKey
	boxPublic   [32]byte
	boxPrivate  [32]byte
}

// GenerateIdentity creates a new random identity.
func GenerateIdentity() (*Identity, error) {
	var seed [SeedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	defer ZeroBytes(seed[:])
	return IdentityFromSeed(seed)
}

// IdentityFromSeed derives the signing and box key pairs from a 32 byte seed.
func IdentityFromSeed(seed [SeedSize]byte) (*Identity, error) {
	if isZeroKey(seed) {
		return nil, ErrInvalidSeed
	}

	signPrivate := ed25519.NewKeyFromSeed(seed[:])

	// Same clamping as the Ed25519 scalar so the box key is bound to the seed.
	digest := sha512.Sum512(seed[:])
	defer ZeroBytes(digest[:])
	digest[0] &= 248
	digest[31] &= 127
	digest[31] |= 64

	id := &Identity{
		signPublic:  signPrivate.Public().(ed25519.PublicKey),
		signPrivate: signPrivate,
	}
	copy(id.boxPrivate[:], digest[:32])

	boxPublic, err := curve25519.X25519(id.boxPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive box key: %w", err)
	}
	copy(id.boxPublic[:], boxPublic)

	return id, nil
}

// PublicKey returns a copy of the Ed25519 public key identifying this node.
func (id *Identity) PublicKey() []byte {
	out := make([]byte, len(id.signPublic))
	copy(out, id.signPublic)
	return out
}

// BoxPublicKey returns the X25519 public key used for sealing data to this identity.
func (id *Identity) BoxPublicKey() [32]byte {
	return id.boxPublic
}

// BoxPrivateKey returns the X25519 private key, e.g. as a Noise static key.
func (id *Identity) BoxPrivateKey() [32]byte {
	return id.boxPrivate
}

// SigningKey returns the Ed25519 private key, e.g. for self-signed TLS certificates.
func (id *Identity) SigningKey() ed25519.PrivateKey {
	return id.signPrivate
}

// Seed returns the secret seed. Callers must wipe the result.
func (id *Identity) Seed() [SeedSize]byte {
	var seed [SeedSize]byte
	copy(seed[:], id.signPrivate.Seed())
	return seed
}

// Sign signs data with the identity's Ed25519 key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.signPrivate, data)
}

// Wipe clears the private key material held by the identity.
func (id *Identity) Wipe() {
	ZeroBytes(id.signPrivate)
	ZeroBytes(id.boxPrivate[:])
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
