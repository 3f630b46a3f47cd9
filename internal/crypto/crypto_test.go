package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/internal/moerrors"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	aad := []byte("event:task:agg-1:3")

	blob, err := Seal(key, []byte("hello world"), aad)
	require.NoError(t, err)

	plaintext, err := Open(key, blob, aad)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(plaintext))
}

func TestOpen_WrongAAD(t *testing.T) {
	key := make([]byte, KeySize)
	blob, err := Seal(key, []byte("payload"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = Open(key, blob, []byte("aad-b"))
	assert.ErrorIs(t, err, moerrors.ErrDecryption)
}

func TestOpen_Truncated(t *testing.T) {
	key := make([]byte, KeySize)
	_, err := Open(key, []byte{1, 2, 3}, nil)
	assert.ErrorIs(t, err, moerrors.ErrDecryption)
}

func TestOpen_WrongKeyLength(t *testing.T) {
	_, err := Open([]byte("too-short"), make([]byte, NonceSize+16), nil)
	assert.ErrorIs(t, err, moerrors.ErrDecryption)
}

func TestDeriveMasterKeyFromPassphrase_SaltBounds(t *testing.T) {
	_, err := DeriveMasterKeyFromPassphrase("hunter2", make([]byte, 15))
	require.Error(t, err)

	_, err = DeriveMasterKeyFromPassphrase("hunter2", make([]byte, 65))
	require.Error(t, err)

	key, err := DeriveMasterKeyFromPassphrase("hunter2", make([]byte, 16))
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	key2, err := DeriveMasterKeyFromPassphrase("hunter2", make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, key, key2)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	master := []byte("01234567890123456789012345678901")

	k1, err := DeriveKey(master, "keyring:agg-1")
	require.NoError(t, err)
	k2, err := DeriveKey(master, "keyring:agg-1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveKey(master, "keyring:agg-2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestWrapUnwrapKey_RoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	dek := make([]byte, KeySize)
	for i := range dek {
		dek[i] = byte(i * 3)
	}
	aad := []byte("agg-1:epoch:2")

	wrapped, err := WrapKey(recipient.Public, dek, aad)
	require.NoError(t, err)

	recovered, err := UnwrapKey(recipient.Private, wrapped, aad)
	require.NoError(t, err)
	assert.Equal(t, dek, recovered)
}

func TestSignVerify(t *testing.T) {
	pair, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	sig, err := Sign(pair.Private, []byte("keyring update payload"))
	require.NoError(t, err)
	assert.True(t, Verify(pair.Public, []byte("keyring update payload"), sig))
	assert.False(t, Verify(pair.Public, []byte("tampered"), sig))
}
