package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// ErrDecryptionFailed is returned when sealed data cannot be opened.
var ErrDecryptionFailed = errors.New("decryption failed")

// Seal encrypts data so that only the holder of recipient's box private key can read it.
func Seal(recipient [32]byte, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	sealed, err := box.SealAnonymous(nil, data, &recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal failed: %w", err)
	}
	return sealed, nil
}

// Open decrypts data sealed to this identity.
func (id *Identity) Open(sealed []byte) ([]byte, error) {
	plain, ok := box.OpenAnonymous(nil, sealed, &id.boxPublic, &id.boxPrivate)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
