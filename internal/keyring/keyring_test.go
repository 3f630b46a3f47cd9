package keyring

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/keystore"
	"github.com/chronologion/mo-local/internal/moerrors"
)

type fakeStateStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{data: make(map[string][]byte)}
}

func (f *fakeStateStore) SaveKeyring(aggregateID string, keyringJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[aggregateID] = append([]byte(nil), keyringJSON...)
	return nil
}

func (f *fakeStateStore) LoadKeyring(aggregateID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[aggregateID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStateStore) {
	t.Helper()
	holder := keystore.NewMasterKeyHolder()
	require.NoError(t, holder.Set(make([]byte, crypto.KeySize)))
	store := newFakeStateStore()
	return NewManager(keystore.NewAggregateKeyStore(holder), store), store
}

func newDEK(fill byte) []byte {
	dek := make([]byte, crypto.KeySize)
	for i := range dek {
		dek[i] = fill
	}
	return dek
}

func TestCreateInitialUpdate_FirstCallReturnsEpochZero(t *testing.T) {
	m, _ := newTestManager(t)
	update, err := m.CreateInitialUpdate("agg-1", newDEK(1), time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, 0, update.Epoch)
	assert.NotEmpty(t, update.KeyringUpdateBytes)
}

func TestCreateInitialUpdate_IdempotentSecondCallReturnsNil(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateInitialUpdate("agg-1", newDEK(1), time.Unix(1700000000, 0))
	require.NoError(t, err)

	update, err := m.CreateInitialUpdate("agg-1", newDEK(2), time.Unix(1700000001, 0))
	require.NoError(t, err)
	assert.Nil(t, update)
}

func TestCreateInitialUpdate_IdempotentAfterRestart(t *testing.T) {
	holder := keystore.NewMasterKeyHolder()
	require.NoError(t, holder.Set(make([]byte, crypto.KeySize)))
	aks := keystore.NewAggregateKeyStore(holder)
	store := newFakeStateStore()

	m1 := NewManager(aks, store)
	_, err := m1.CreateInitialUpdate("agg-1", newDEK(1), time.Unix(1700000000, 0))
	require.NoError(t, err)

	m2 := NewManager(aks, store)
	update, err := m2.CreateInitialUpdate("agg-1", newDEK(2), time.Unix(1700000001, 0))
	require.NoError(t, err)
	assert.Nil(t, update)
}

func TestResolveKeyForEvent_IngestsInBandUpdateAcrossDevices(t *testing.T) {
	holder := keystore.NewMasterKeyHolder()
	require.NoError(t, holder.Set(make([]byte, crypto.KeySize)))

	deviceX := NewManager(keystore.NewAggregateKeyStore(holder), newFakeStateStore())
	dek := newDEK(7)
	update, err := deviceX.CreateInitialUpdate("goal-abc", dek, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NotNil(t, update)

	deviceYKeys := keystore.NewAggregateKeyStore(holder)
	deviceY := NewManager(deviceYKeys, newFakeStateStore())
	got, err := deviceY.ResolveKeyForEvent(EventRef{
		AggregateID:   "goal-abc",
		Epoch:         0,
		KeyringUpdate: update.KeyringUpdateBytes,
	})
	require.NoError(t, err)
	assert.Equal(t, dek, got)

	// Device Y's legacy fallback store should also now hold the DEK,
	// per spec: ingesting a keyring whose current epoch is new also
	// seeds the aggregate key store.
	fromLegacyStore, err := deviceYKeys.Get("goal-abc")
	require.NoError(t, err)
	assert.Equal(t, dek, fromLegacyStore)
}

func TestIngestKeyringUpdate_AggregateMismatchRejected(t *testing.T) {
	holder := keystore.NewMasterKeyHolder()
	require.NoError(t, holder.Set(make([]byte, crypto.KeySize)))
	aks := keystore.NewAggregateKeyStore(holder)

	m := NewManager(aks, newFakeStateStore())
	update, err := m.CreateInitialUpdate("goal-abc", newDEK(3), time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NotNil(t, update)

	ownerKey, err := aks.OwnerKey("goal-abc")
	require.NoError(t, err)
	tampered, err := crypto.Open(ownerKey, update.KeyringUpdateBytes, keyringUpdateAAD("goal-abc"))
	require.NoError(t, err)

	var ks keyringState
	require.NoError(t, json.Unmarshal(tampered, &ks))
	ks.AggregateID = "goal-other"
	retampered, err := json.Marshal(&ks)
	require.NoError(t, err)

	resealed, err := crypto.Seal(ownerKey, retampered, keyringUpdateAAD("goal-abc"))
	require.NoError(t, err)

	other := NewManager(keystore.NewAggregateKeyStore(holder), newFakeStateStore())
	err = other.IngestKeyringUpdate("goal-abc", resealed)
	assert.ErrorIs(t, err, moerrors.ErrAggregateMismatch)
}

func TestResolveKeyForEpoch_NoKeyringFallsBackToLegacyStore(t *testing.T) {
	holder := keystore.NewMasterKeyHolder()
	require.NoError(t, holder.Set(make([]byte, crypto.KeySize)))
	aks := keystore.NewAggregateKeyStore(holder)
	dek := newDEK(9)
	require.NoError(t, aks.Put("legacy-agg", dek))

	m := NewManager(aks, newFakeStateStore())
	got, err := m.ResolveKeyForEpoch("legacy-agg", 0)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestResolveKeyForEpoch_MissingEpochReturnsMissingKey(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateInitialUpdate("agg-1", newDEK(1), time.Unix(1700000000, 0))
	require.NoError(t, err)

	_, err = m.ResolveKeyForEpoch("agg-1", 5)
	assert.ErrorIs(t, err, moerrors.ErrMissingKey)
}

func TestGetCurrentEpoch_NoneYet(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.GetCurrentEpoch("agg-new")
	assert.ErrorIs(t, err, moerrors.ErrMissingKey)
}

func TestGetCurrentEpoch_AfterCreate(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateInitialUpdate("agg-1", newDEK(1), time.Unix(1700000000, 0))
	require.NoError(t, err)

	epoch, err := m.GetCurrentEpoch("agg-1")
	require.NoError(t, err)
	assert.Equal(t, 0, epoch)
}
