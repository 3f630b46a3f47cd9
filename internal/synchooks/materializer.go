// Package synchooks implements the two entry points the network sync
// transport (an external collaborator, not built here) calls into: the
// remote materializer, which turns a pulled record into a local event
// row without ever re-encrypting what the remote sent, and the pending
// version rewriter, which shifts locally pending versions out of the way
// when the sync engine assigns a server-anchored version at or below
// them. Both operations run inside a single event-log transaction, the
// same commit-or-rollback-whole-thing idiom the teacher's SQLite storage
// package uses for its multi-statement writes.
package synchooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/envelope"
	"github.com/chronologion/mo-local/internal/eventlog"
	"github.com/chronologion/mo-local/internal/keyring"
	"github.com/chronologion/mo-local/internal/moerrors"
)

// RemoteRecord is the wire shape the sync engine hands to the
// materializer: a ciphertext plus the cleartext identity fields needed
// to place it in the local event log without decrypting its payload for
// any purpose beyond validating the envelope. KeyringUpdate is the
// owner-key-sealed keyring update bytes carried in-band on events that
// establish or rotate the aggregate's keyring, nil otherwise.
type RemoteRecord struct {
	AggregateType     string `json:"aggregate_type"`
	AggregateID       string `json:"aggregate_id"`
	EventType         string `json:"event_type"`
	Version           int    `json:"version"`
	SchemaVersion     int    `json:"schema_version"`
	Epoch             int    `json:"epoch"`
	PayloadCiphertext []byte `json:"payload_ciphertext"`
	KeyringUpdate     []byte `json:"keyring_update,omitempty"`
}

// validatedMeta is the subset of an event's decrypted envelope needed to
// confirm the record the sync engine sent actually matches the event ID
// it claims to carry.
type validatedMeta struct {
	EventID string `json:"event_id"`
}

// Materializer ingests remote records into the local event log.
type Materializer struct {
	store *eventlog.Store
	keys  *keyring.Manager
}

// NewMaterializer wires a materializer to the event log and keyring it
// writes into and decrypts with.
func NewMaterializer(store *eventlog.Store, keys *keyring.Manager) *Materializer {
	return &Materializer{store: store, keys: keys}
}

// Materialize ingests one remote record: it resolves the DEK for the
// record's declared epoch (ingesting any in-band keyring update first),
// decrypts the envelope only to confirm meta.event_id matches eventID,
// and then writes a row whose ciphertext is exactly what the remote sent
// — never re-encrypted locally. The new row is linked to globalSequence
// in sync_event_map within the same transaction the row is inserted in.
func (m *Materializer) Materialize(ctx context.Context, eventID string, rec RemoteRecord, globalSequence int64) (*eventlog.Record, error) {
	dek, err := m.keys.ResolveKeyForEvent(keyring.EventRef{
		AggregateID:   rec.AggregateID,
		Epoch:         rec.Epoch,
		KeyringUpdate: rec.KeyringUpdate,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve DEK for remote record: %w", err)
	}

	aad := envelope.EventAAD(rec.AggregateType, rec.AggregateID, rec.Version)
	plaintext, err := crypto.Open(dek, rec.PayloadCiphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("validate remote record envelope: %w", err)
	}

	var meta validatedMeta
	if err := json.Unmarshal(plaintext, &meta); err != nil {
		return nil, fmt.Errorf("%w: parse validated envelope: %v", moerrors.ErrMalformedEnvelope, err)
	}
	if meta.EventID != "" && meta.EventID != eventID {
		return nil, fmt.Errorf("%w: record claims event_id %q, expected %q", moerrors.ErrDecryption, meta.EventID, eventID)
	}

	return m.store.InsertMaterializedEvent(ctx, eventID, rec.AggregateType, rec.AggregateID, rec.Version, rec.EventType, rec.SchemaVersion, rec.Epoch, rec.PayloadCiphertext, rec.KeyringUpdate, globalSequence)
}
