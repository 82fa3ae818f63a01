package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	publicKeyFile  = "identity.pub"
	privateKeyFile = "identity.key"
)

// ErrPasswordRequired is returned by private-key operations while the keyring is locked.
var ErrPasswordRequired = errors.New("password required")

// Keyring holds the node identity and gates private-key operations behind a password.
// The public half stays available while the keyring is locked.
type Keyring struct {
	mu        sync.RWMutex
	dir       string
	publicKey []byte
	boxPublic [32]byte
	identity  *Identity
}

// OpenKeyring opens the keyring stored in dir. The keyring starts locked; if no
// identity exists yet, the first Unlock creates one.
func OpenKeyring(dir string) (*Keyring, error) {
	k := &Keyring{dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return k, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read public key: %w", err)
	case len(data) != PublicKeySize+32:
		return nil, fmt.Errorf("invalid public key file size: %d", len(data))
	}

	k.publicKey = append([]byte(nil), data[:PublicKeySize]...)
	copy(k.boxPublic[:], data[PublicKeySize:])
	return k, nil
}

// NewUnlockedKeyring wraps an in-memory identity. Lock on such a keyring is permanent.
func NewUnlockedKeyring(id *Identity) *Keyring {
	return &Keyring{
		publicKey: id.PublicKey(),
		boxPublic: id.BoxPublicKey(),
		identity:  id,
	}
}

// Unlock decrypts (or on first use creates) the identity with password.
func (k *Keyring) Unlock(password []byte) error {
	log := NewLogger("Keyring.Unlock").WithField("dir", k.dir)

	if k.dir == "" {
		return errors.New("keyring has no backing directory")
	}

	ks, err := NewEncryptedKeyStore(k.dir, password)
	if err != nil {
		return err
	}
	defer ks.Close()

	var id *Identity
	seed, err := ks.ReadEncrypted(privateKeyFile)
	switch {
	case err == nil:
		var s [SeedSize]byte
		copy(s[:], seed)
		ZeroBytes(seed)
		id, err = IdentityFromSeed(s)
		ZeroBytes(s[:])
		if err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		if id, err = k.create(ks); err != nil {
			return err
		}
		log.WithKey(id.PublicKey()).Info("Created new identity")
	default:
		log.WithError(err, "keystore", "read").Warn("Failed to unlock identity")
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.publicKey != nil && !bytes.Equal(k.publicKey, id.PublicKey()) {
		id.Wipe()
		return fmt.Errorf("%w: identity does not match stored public key", ErrWrongPassword)
	}
	k.publicKey = id.PublicKey()
	k.boxPublic = id.BoxPublicKey()
	k.identity = id
	log.Debug("Keyring unlocked")
	return nil
}

func (k *Keyring) create(ks *EncryptedKeyStore) (*Identity, error) {
	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}

	seed := id.Seed()
	defer ZeroBytes(seed[:])
	if err := ks.WriteEncrypted(privateKeyFile, seed[:]); err != nil {
		return nil, err
	}

	box := id.BoxPublicKey()
	pub := append(id.PublicKey(), box[:]...)
	if err := os.WriteFile(filepath.Join(k.dir, publicKeyFile), pub, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	return id, nil
}

// Lock wipes the private identity from memory.
func (k *Keyring) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.identity != nil {
		k.identity.Wipe()
		k.identity = nil
	}
}

// Locked reports whether private-key operations are unavailable.
func (k *Keyring) Locked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.identity == nil
}

// PublicKey returns the node's public key, or nil if no identity exists yet.
func (k *Keyring) PublicKey() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.publicKey == nil {
		return nil
	}
	return append([]byte(nil), k.publicKey...)
}

// Identity returns the unlocked identity.
func (k *Keyring) Identity() (*Identity, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.identity == nil {
		return nil, ErrPasswordRequired
	}
	return k.identity, nil
}

// Sign signs data with the node identity.
func (k *Keyring) Sign(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	id, err := k.Identity()
	if err != nil {
		return nil, err
	}
	return id.Sign(data), nil
}

// Verify checks a signature made by publicKey.
func (k *Keyring) Verify(publicKey, data, signature []byte) bool {
	ok, err := Verify(publicKey, data, signature)
	return err == nil && ok
}

// Seal encrypts data to the node's own box key. It works while locked.
func (k *Keyring) Seal(data []byte) ([]byte, error) {
	k.mu.RLock()
	box := k.boxPublic
	hasKey := k.publicKey != nil
	k.mu.RUnlock()
	if !hasKey {
		return nil, ErrPasswordRequired
	}
	return Seal(box, data)
}

// Open decrypts data sealed to the node's box key.
func (k *Keyring) Open(sealed []byte) ([]byte, error) {
	id, err := k.Identity()
	if err != nil {
		return nil, err
	}
	return id.Open(sealed)
}
