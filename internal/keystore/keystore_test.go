package keystore

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/moerrors"
)

func TestMasterKeyHolder_NotSet(t *testing.T) {
	h := NewMasterKeyHolder()
	_, err := h.Get()
	assert.ErrorIs(t, err, moerrors.ErrMasterKeyNotSet)
	assert.False(t, h.IsSet())
}

func TestMasterKeyHolder_SetAndGet(t *testing.T) {
	h := NewMasterKeyHolder()
	key := make([]byte, crypto.KeySize)
	require.NoError(t, h.Set(key))
	assert.True(t, h.IsSet())

	got, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestMasterKeyHolder_LoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.key")
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	require.NoError(t, os.WriteFile(path, []byte(encoded+"\n"), 0o600))

	h := NewMasterKeyHolder()
	require.NoError(t, h.LoadFromFile(path))

	got, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestAggregateKeyStore_OwnerKeyDeterministic(t *testing.T) {
	h := NewMasterKeyHolder()
	require.NoError(t, h.Set(make([]byte, crypto.KeySize)))
	store := NewAggregateKeyStore(h)

	k1, err := store.OwnerKey("agg-1")
	require.NoError(t, err)
	k2, err := store.OwnerKey("agg-1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := store.OwnerKey("agg-2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestAggregateKeyStore_MasterKeyNotSet(t *testing.T) {
	h := NewMasterKeyHolder()
	store := NewAggregateKeyStore(h)
	_, err := store.OwnerKey("agg-1")
	assert.ErrorIs(t, err, moerrors.ErrMasterKeyNotSet)
}

func TestAggregateKeyStore_PutGetRoundTrip(t *testing.T) {
	h := NewMasterKeyHolder()
	require.NoError(t, h.Set(make([]byte, crypto.KeySize)))
	store := NewAggregateKeyStore(h)

	dek := make([]byte, crypto.KeySize)
	for i := range dek {
		dek[i] = byte(i * 7)
	}
	require.NoError(t, store.Put("agg-1", dek))

	got, err := store.Get("agg-1")
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestAggregateKeyStore_GetMissing(t *testing.T) {
	h := NewMasterKeyHolder()
	require.NoError(t, h.Set(make([]byte, crypto.KeySize)))
	store := NewAggregateKeyStore(h)

	_, err := store.Get("agg-unknown")
	assert.ErrorIs(t, err, moerrors.ErrMissingKey)
}
