package keystore

import (
	"fmt"
	"sync"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/moerrors"
)

// AggregateKeyStore derives each aggregate's owner key from the process
// master key, and holds the literal aggregate-key-store of spec §4.2: a
// flat aggregate_id -> DEK mapping the keyring manager falls back to for
// epoch 0 before any keyring has been established for an aggregate. DEKs
// are kept sealed at rest under a key derived from the master key, never
// in plaintext.
type AggregateKeyStore struct {
	master *MasterKeyHolder

	mu     sync.RWMutex
	sealed map[string][]byte
}

// NewAggregateKeyStore wires a store to the process's master key holder.
func NewAggregateKeyStore(master *MasterKeyHolder) *AggregateKeyStore {
	return &AggregateKeyStore{master: master, sealed: make(map[string][]byte)}
}

// OwnerKey derives the aggregate's owner key as
// derive_key(master, "keyring:"+aggregateID).
func (s *AggregateKeyStore) OwnerKey(aggregateID string) ([]byte, error) {
	master, err := s.master.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(master, "keyring:"+aggregateID)
	if err != nil {
		return nil, fmt.Errorf("derive owner key for %q: %w", aggregateID, err)
	}
	return key, nil
}

// Put seals dek at rest under a key derived from the master key and
// stores it for aggregateID, overwriting any previous entry.
func (s *AggregateKeyStore) Put(aggregateID string, dek []byte) error {
	key, err := s.sealingKey(aggregateID)
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(key, dek, []byte(aggregateID))
	if err != nil {
		return fmt.Errorf("seal aggregate dek for %q: %w", aggregateID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[aggregateID] = sealed
	return nil
}

// Get returns the plaintext DEK stored for aggregateID, or
// moerrors.ErrMissingKey if none has been put.
func (s *AggregateKeyStore) Get(aggregateID string) ([]byte, error) {
	s.mu.RLock()
	sealed, ok := s.sealed[aggregateID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no aggregate key for %q", moerrors.ErrMissingKey, aggregateID)
	}
	key, err := s.sealingKey(aggregateID)
	if err != nil {
		return nil, err
	}
	dek, err := crypto.Open(key, sealed, []byte(aggregateID))
	if err != nil {
		return nil, err
	}
	return dek, nil
}

func (s *AggregateKeyStore) sealingKey(aggregateID string) ([]byte, error) {
	master, err := s.master.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(master, "aggregate-dek:"+aggregateID)
	if err != nil {
		return nil, fmt.Errorf("derive aggregate seal key for %q: %w", aggregateID, err)
	}
	return key, nil
}
