// Package crypto provides the AEAD, key-derivation, and asymmetric
// primitives the keyring and event-log packages compose into the
// encryption envelope described by the wire format: a 12-byte IV, the
// ciphertext, and a 16-byte GCM tag, with additional authenticated data
// binding the ciphertext to the identity tuple it was sealed for.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/chronologion/mo-local/internal/moerrors"
)

// KeySize is the length in bytes of an AES-256-GCM data-encryption key.
const KeySize = 32

// NonceSize is the length in bytes of the GCM nonce (IV) prefixed to
// every ciphertext blob.
const NonceSize = 12

// Seal encrypts plaintext under key, authenticating aad, and returns
// nonce||ciphertext||tag.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, sealed...), nil
}

// Open decrypts a nonce||ciphertext||tag blob produced by Seal, verifying
// it against aad. It returns moerrors.ErrDecryption on authentication
// failure, on a key of the wrong length, and on a blob too short to
// contain a nonce and tag.
func Open(key, blob, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", moerrors.ErrDecryption, KeySize, len(key))
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce+tag", moerrors.ErrDecryption)
	}

	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", moerrors.ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}
	return aead, nil
}
