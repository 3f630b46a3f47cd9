package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// KeyPair is a P-256 ECDH key pair used to wrap and unwrap data-encryption
// keys for distribution to other devices belonging to the same owner.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair creates a new P-256 ECDH key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDH key pair: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// WrappedKey is the ECIES-style envelope produced by WrapKey: an ephemeral
// public key plus the DEK sealed under a key derived from the ECDH shared
// secret, so only the holder of recipientPriv can recover it.
type WrappedKey struct {
	EphemeralPublicKey []byte
	Ciphertext         []byte
}

// WrapKey seals dek for recipientPub using an ephemeral ECDH exchange:
// generate an ephemeral key pair, compute the shared secret with
// recipientPub, derive a wrapping key via HKDF, and seal dek under it.
// aad binds the wrapped key to the epoch/recipient it was issued for.
func WrapKey(recipientPub *ecdh.PublicKey, dek, aad []byte) (*WrappedKey, error) {
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh exchange: %w", err)
	}

	wrapKey, err := DeriveKey(shared, "keyring-wrap")
	if err != nil {
		return nil, err
	}

	ciphertext, err := Seal(wrapKey, dek, aad)
	if err != nil {
		return nil, fmt.Errorf("seal wrapped key: %w", err)
	}

	return &WrappedKey{
		EphemeralPublicKey: ephemeral.PublicKey().Bytes(),
		Ciphertext:         ciphertext,
	}, nil
}

// UnwrapKey recovers the DEK sealed in w using recipientPriv, the private
// half of the key WrapKey sealed against.
func UnwrapKey(recipientPriv *ecdh.PrivateKey, w *WrappedKey, aad []byte) ([]byte, error) {
	ephemeralPub, err := ecdh.P256().NewPublicKey(w.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral public key: %w", err)
	}

	shared, err := recipientPriv.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh exchange: %w", err)
	}

	wrapKey, err := DeriveKey(shared, "keyring-wrap")
	if err != nil {
		return nil, err
	}

	return Open(wrapKey, w.Ciphertext, aad)
}
