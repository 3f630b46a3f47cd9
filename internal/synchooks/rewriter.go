package synchooks

import (
	"context"
	"fmt"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/envelope"
	"github.com/chronologion/mo-local/internal/eventlog"
	"github.com/chronologion/mo-local/internal/keyring"
)

// Rewriter shifts pending local event versions out of the way when the
// sync engine assigns a server-anchored version that collides with them.
type Rewriter struct {
	store *eventlog.Store
	keys  *keyring.Manager
}

// NewRewriter wires a rewriter to the event log it rewrites and the
// keyring it re-seals ciphertext with.
func NewRewriter(store *eventlog.Store, keys *keyring.Manager) *Rewriter {
	return &Rewriter{store: store, keys: keys}
}

// Result mirrors the shifted_count/old_max_version/new_max_version
// triple a caller needs to know whether (and how far) a rewrite moved
// versions.
type Result struct {
	ShiftedCount  int
	OldMaxVersion int
	NewMaxVersion int
}

// Rewrite shifts every pending row for (aggregateType, aggregateID) at
// version >= fromVersionInclusive up by one: each row is decrypted under
// its old version's AAD and re-encrypted under its new version's AAD,
// highest version first, within a single event-log transaction. Every
// snapshot for the aggregate is deleted as part of the same transaction,
// since a snapshot's meaning is pinned to the version it was taken at.
func (r *Rewriter) Rewrite(ctx context.Context, aggregateType, aggregateID string, fromVersionInclusive int) (*Result, error) {
	reencrypt := func(rec *eventlog.Record, newVersion int) ([]byte, error) {
		dek, err := r.keys.ResolveKeyForEpoch(rec.AggregateID, rec.Epoch)
		if err != nil {
			return nil, fmt.Errorf("resolve DEK for rewrite: %w", err)
		}
		oldAAD := envelope.EventAAD(rec.AggregateType, rec.AggregateID, rec.Version)
		plaintext, err := crypto.Open(dek, rec.Ciphertext, oldAAD)
		if err != nil {
			return nil, fmt.Errorf("decrypt under old version AAD: %w", err)
		}
		newAAD := envelope.EventAAD(rec.AggregateType, rec.AggregateID, newVersion)
		ciphertext, err := crypto.Seal(dek, plaintext, newAAD)
		if err != nil {
			return nil, fmt.Errorf("re-encrypt under new version AAD: %w", err)
		}
		return ciphertext, nil
	}

	raw, err := r.store.RewritePendingVersions(ctx, aggregateType, aggregateID, fromVersionInclusive, reencrypt)
	if err != nil {
		return nil, err
	}
	return &Result{
		ShiftedCount:  raw.ShiftedCount,
		OldMaxVersion: raw.OldMaxVersion,
		NewMaxVersion: raw.NewMaxVersion,
	}, nil
}
