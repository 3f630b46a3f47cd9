// Package keyring manages the epoch-based data-encryption-key hierarchy
// for each aggregate: an owner-key-sealed keyring distributed in-band on
// events, an in-memory cache of (aggregate, epoch) -> DEK, and a legacy
// flat fallback for aggregates that predate any keyring. The cache map +
// mutex shape mirrors the keyring held by a HashiCorp Nomad-style
// encrypter: rotating key material behind a single mutex-guarded map,
// looked up by an opaque epoch identifier.
package keyring

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/keystore"
	"github.com/chronologion/mo-local/internal/moerrors"
)

// StateStore persists each aggregate's keyring as the deterministic JSON
// shape the manager serializes it to, unaltered. A SQL-backed
// implementation lives alongside the event store, which already owns the
// database connection; this package depends only on the interface.
type StateStore interface {
	// SaveKeyring persists the serialized keyring state for aggregateID.
	SaveKeyring(aggregateID string, keyringJSON []byte) error
	// LoadKeyring returns the serialized keyring state for aggregateID,
	// or (nil, false, nil) if none has been saved yet.
	LoadKeyring(aggregateID string) ([]byte, bool, error)
}

// EventRef is the minimal view of an event resolve_key_for_event needs:
// its epoch and any in-band keyring update it carries.
type EventRef struct {
	AggregateID   string
	Epoch         int
	KeyringUpdate []byte
}

// InitialUpdate is the result of establishing a brand new keyring: the
// epoch it starts at (always 0) and the owner-key-sealed bytes to attach
// to the aggregate's first event for distribution to other devices.
type InitialUpdate struct {
	Epoch              int
	KeyringUpdateBytes []byte
}

// keyringEpoch is one entry in a keyring's epoch history.
type keyringEpoch struct {
	EpochID            int      `json:"epoch_id"`
	CreatedAtMillis    int64    `json:"created_at"`
	OwnerEnvelope      []byte   `json:"owner_envelope"`
	RecipientEnvelopes [][]byte `json:"recipient_envelopes,omitempty"`
}

// keyringState is the deterministic JSON shape persisted by StateStore
// and distributed, owner-key-sealed, as a keyring update.
type keyringState struct {
	AggregateID  string         `json:"aggregate_id"`
	CurrentEpoch int            `json:"current_epoch"`
	Epochs       []keyringEpoch `json:"epochs"`
}

// aggregateRing is the in-memory state for one aggregate's keyring: its
// last-ingested/created state (nil until a keyring exists) and every
// epoch's DEK unsealed so far.
type aggregateRing struct {
	mu    sync.Mutex
	state *keyringState
	cache map[int][]byte
}

// Manager implements the keyring protocol: owner-key symmetric envelopes
// distributed in-band on events, cached per epoch in memory, with a flat
// aggregate key store as the epoch-0 fallback for aggregates that never
// received an explicit keyring.
type Manager struct {
	mu    sync.RWMutex
	rings map[string]*aggregateRing
	keys  *keystore.AggregateKeyStore
	state StateStore
}

// NewManager wires a keyring manager to the aggregate owner-key
// derivation/legacy fallback store and a (optionally nil) durable state
// store.
func NewManager(keys *keystore.AggregateKeyStore, state StateStore) *Manager {
	return &Manager{
		rings: make(map[string]*aggregateRing),
		keys:  keys,
		state: state,
	}
}

func (m *Manager) ringFor(aggregateID string) *aggregateRing {
	m.mu.RLock()
	r, ok := m.rings[aggregateID]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rings[aggregateID]; ok {
		return r
	}
	r = &aggregateRing{cache: make(map[int][]byte)}
	m.rings[aggregateID] = r
	return r
}

// ownerEnvelopeAAD binds an epoch's owner envelope to the aggregate and
// epoch it belongs to.
func ownerEnvelopeAAD(aggregateID string, epoch int) []byte {
	return []byte(fmt.Sprintf("%s:keyring-epoch:%d", aggregateID, epoch))
}

// keyringUpdateAAD binds a whole-keyring update envelope to the
// aggregate it describes.
func keyringUpdateAAD(aggregateID string) []byte {
	return []byte(fmt.Sprintf("%s:keyring-update", aggregateID))
}

// CreateInitialUpdate establishes aggregateID's keyring at epoch 0 with
// dek, if one does not already exist. It returns nil if a keyring was
// already established — the caller should not attach a keyring update to
// its event in that case.
func (m *Manager) CreateInitialUpdate(aggregateID string, dek []byte, createdAt time.Time) (*InitialUpdate, error) {
	r := m.ringFor(aggregateID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := m.ensureLoadedLocked(r, aggregateID); err != nil {
		return nil, err
	}
	if r.state != nil {
		return nil, nil
	}

	ownerKey, err := m.keys.OwnerKey(aggregateID)
	if err != nil {
		return nil, err
	}

	ownerEnvelope, err := crypto.Seal(ownerKey, dek, ownerEnvelopeAAD(aggregateID, 0))
	if err != nil {
		return nil, fmt.Errorf("seal owner envelope: %w", err)
	}

	ks := &keyringState{
		AggregateID:  aggregateID,
		CurrentEpoch: 0,
		Epochs: []keyringEpoch{{
			EpochID:         0,
			CreatedAtMillis: createdAt.UnixMilli(),
			OwnerEnvelope:   ownerEnvelope,
		}},
	}

	if err := m.keys.Put(aggregateID, dek); err != nil {
		return nil, err
	}
	r.cache[0] = append([]byte(nil), dek...)
	r.state = ks

	serialized, err := json.Marshal(ks)
	if err != nil {
		return nil, fmt.Errorf("serialize keyring: %w", err)
	}
	updateBytes, err := crypto.Seal(ownerKey, serialized, keyringUpdateAAD(aggregateID))
	if err != nil {
		return nil, fmt.Errorf("seal keyring update: %w", err)
	}

	if err := m.persist(aggregateID, ks); err != nil {
		return nil, err
	}

	return &InitialUpdate{Epoch: 0, KeyringUpdateBytes: updateBytes}, nil
}

// IngestKeyringUpdate decrypts updateBytes under aggregateID's owner key,
// parses the enclosed keyring, and rejects it with
// moerrors.ErrAggregateMismatch if the keyring's own aggregate_id does
// not match aggregateID. Every epoch's DEK is cached; if the ingested
// keyring's current epoch differs from what was previously known, its
// DEK is also saved to the legacy aggregate key store so callers that
// only ever resolve epoch 0 keep working.
func (m *Manager) IngestKeyringUpdate(aggregateID string, updateBytes []byte) error {
	ownerKey, err := m.keys.OwnerKey(aggregateID)
	if err != nil {
		return err
	}

	serialized, err := crypto.Open(ownerKey, updateBytes, keyringUpdateAAD(aggregateID))
	if err != nil {
		return fmt.Errorf("decrypt keyring update: %w", err)
	}

	var ks keyringState
	if err := json.Unmarshal(serialized, &ks); err != nil {
		return fmt.Errorf("%w: parse keyring update: %v", moerrors.ErrMalformedEnvelope, err)
	}
	if ks.AggregateID != aggregateID {
		return fmt.Errorf("%w: keyring update names aggregate %q, expected %q", moerrors.ErrAggregateMismatch, ks.AggregateID, aggregateID)
	}

	r := m.ringFor(aggregateID)
	r.mu.Lock()
	defer r.mu.Unlock()

	previousEpoch := -1
	if r.state != nil {
		previousEpoch = r.state.CurrentEpoch
	} else if loaded, err := m.loadState(aggregateID); err == nil && loaded != nil {
		previousEpoch = loaded.CurrentEpoch
	}

	if err := m.cacheEpochsLocked(r, aggregateID, ownerKey, &ks); err != nil {
		return err
	}
	r.state = &ks

	if previousEpoch != ks.CurrentEpoch {
		if dek, ok := r.cache[ks.CurrentEpoch]; ok {
			if err := m.keys.Put(aggregateID, dek); err != nil {
				return err
			}
		}
	}

	return m.persist(aggregateID, &ks)
}

// ResolveKeyForEvent returns the DEK event was encrypted under: if event
// carries an in-band keyring update, it is ingested first, then
// event.Epoch (defaulting to 0) is resolved from the (now current)
// keyring, falling back to the legacy aggregate key store only when no
// keyring exists at all for this aggregate.
func (m *Manager) ResolveKeyForEvent(event EventRef) ([]byte, error) {
	if len(event.KeyringUpdate) > 0 {
		if err := m.IngestKeyringUpdate(event.AggregateID, event.KeyringUpdate); err != nil {
			return nil, err
		}
	}
	return m.ResolveKeyForEpoch(event.AggregateID, event.Epoch)
}

// ResolveKeyForEpoch resolves aggregateID's DEK for epoch, loading and
// decrypting the persisted keyring on first use. If no keyring has ever
// been established for aggregateID and epoch is 0, it falls back to the
// legacy aggregate key store.
func (m *Manager) ResolveKeyForEpoch(aggregateID string, epoch int) ([]byte, error) {
	r := m.ringFor(aggregateID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := m.ensureLoadedLocked(r, aggregateID); err != nil {
		return nil, err
	}
	if dek, ok := r.cache[epoch]; ok {
		return append([]byte(nil), dek...), nil
	}
	if r.state == nil && epoch == 0 {
		return m.keys.Get(aggregateID)
	}
	return nil, moerrors.ErrMissingKey
}

// GetCurrentEpoch returns the current epoch recorded in aggregateID's
// keyring, or moerrors.ErrMissingKey if the aggregate has no keyring.
func (m *Manager) GetCurrentEpoch(aggregateID string) (int, error) {
	r := m.ringFor(aggregateID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := m.ensureLoadedLocked(r, aggregateID); err != nil {
		return 0, err
	}
	if r.state == nil {
		return 0, moerrors.ErrMissingKey
	}
	return r.state.CurrentEpoch, nil
}

// ensureLoadedLocked hydrates r from the state store on first use. r.mu
// must be held by the caller.
func (m *Manager) ensureLoadedLocked(r *aggregateRing, aggregateID string) error {
	if r.state != nil {
		return nil
	}
	ks, err := m.loadState(aggregateID)
	if err != nil {
		return err
	}
	if ks == nil {
		return nil
	}
	ownerKey, err := m.keys.OwnerKey(aggregateID)
	if err != nil {
		return err
	}
	if err := m.cacheEpochsLocked(r, aggregateID, ownerKey, ks); err != nil {
		return err
	}
	r.state = ks
	return nil
}

// cacheEpochsLocked unseals every not-yet-cached epoch in ks's owner
// envelopes into r.cache. r.mu must be held by the caller.
func (m *Manager) cacheEpochsLocked(r *aggregateRing, aggregateID string, ownerKey []byte, ks *keyringState) error {
	for _, e := range ks.Epochs {
		if _, ok := r.cache[e.EpochID]; ok {
			continue
		}
		dek, err := crypto.Open(ownerKey, e.OwnerEnvelope, ownerEnvelopeAAD(aggregateID, e.EpochID))
		if err != nil {
			return fmt.Errorf("unseal owner envelope for epoch %d: %w", e.EpochID, err)
		}
		r.cache[e.EpochID] = dek
	}
	return nil
}

func (m *Manager) loadState(aggregateID string) (*keyringState, error) {
	if m.state == nil {
		return nil, nil
	}
	raw, ok, err := m.state.LoadKeyring(aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load persisted keyring: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var ks keyringState
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("%w: parse persisted keyring: %v", moerrors.ErrMalformedEnvelope, err)
	}
	return &ks, nil
}

func (m *Manager) persist(aggregateID string, ks *keyringState) error {
	if m.state == nil {
		return nil
	}
	serialized, err := json.Marshal(ks)
	if err != nil {
		return fmt.Errorf("serialize keyring: %w", err)
	}
	if err := m.state.SaveKeyring(aggregateID, serialized); err != nil {
		return fmt.Errorf("persist keyring: %w", err)
	}
	return nil
}
