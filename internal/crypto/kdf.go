package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// hkdfSalt is fixed per the wire format so that derive_key is a pure
// function of (master, info) across devices and process restarts.
var hkdfSalt = []byte("mo-local-v1")

// pbkdf2Iterations matches the cost chosen for deriving a master key from
// a user passphrase; 600,000 rounds of HMAC-SHA256 per OWASP's current
// guidance for this construction.
const pbkdf2Iterations = 600_000

// DeriveKey derives a KeySize-byte subkey from master using HKDF-SHA256
// with the fixed application salt and info as context, e.g.
// "keyring:"+aggregateID for an aggregate's owner key.
func DeriveKey(master []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, hkdfSalt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf derive %q: %w", info, err)
	}
	return key, nil
}

// minSaltSize and maxSaltSize bound the per-identity salt accepted by
// DeriveMasterKeyFromPassphrase.
const (
	minSaltSize = 16
	maxSaltSize = 64
)

// DeriveMasterKeyFromPassphrase derives a KeySize-byte master key from a
// user passphrase and a per-identity salt using PBKDF2-HMAC-SHA256. salt
// must be between 16 and 64 bytes.
func DeriveMasterKeyFromPassphrase(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) < minSaltSize || len(salt) > maxSaltSize {
		return nil, fmt.Errorf("crypto: salt must be %d-%d bytes, got %d", minSaltSize, maxSaltSize, len(salt))
	}
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeySize, sha256.New), nil
}
