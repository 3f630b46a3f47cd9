package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/envelope"
	"github.com/chronologion/mo-local/internal/eventlog"
	"github.com/chronologion/mo-local/internal/keyring"
	"github.com/chronologion/mo-local/internal/moerrors"
)

// BatchSize bounds how many events a single Tick pulls off the log.
const BatchSize = 256

// Publisher walks the event log forward from a durable cursor, decrypts
// each committed event with the keyring, upgrades its payload through the
// envelope registry, and dispatches it to the bus. The cursor advances
// only after a full batch has been delivered, so a crash or subscriber
// failure mid-batch simply redelivers from the last committed position.
type Publisher struct {
	name     string
	store    *eventlog.Store
	keys     *keyring.Manager
	registry *envelope.Registry
	bus      *Bus
	cursor   *cursorStore
	log      *slog.Logger
	retry    func() backoff.BackOff
}

// New returns a Publisher named name (its identity in projection_meta),
// reading from store, decrypting with keys, upgrading payloads with
// registry, and dispatching to bus.
func New(name string, store *eventlog.Store, keys *keyring.Manager, registry *envelope.Registry, bus *Bus, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		name:     name,
		store:    store,
		keys:     keys,
		registry: registry,
		bus:      bus,
		cursor:   newCursorStore(store, name),
		log:      log,
		retry:    defaultRetryPolicy,
	}
}

func defaultRetryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return bo
}

// Name implements projection.Task so a Publisher can be driven by the
// same runtime that drives read-model projections.
func (p *Publisher) Name() string {
	return p.name
}

// Tick fetches one batch of events after the durable cursor and
// dispatches them in order. It returns early, without advancing the
// cursor past the blocking event, if a master key is not yet loaded
// (moerrors.ErrMasterKeyNotSet) — the whole batch is deferred rather than
// partially delivered out of order. An event whose specific keyring
// epoch has no DEK available (moerrors.ErrMissingKey, e.g. a keyring
// update for a later epoch hasn't arrived on this device yet) is skipped
// individually and the cursor advances past it; that event simply never
// reaches subscribers here.
func (p *Publisher) Tick(ctx context.Context) error {
	cursor, err := p.cursor.Load(ctx)
	if err != nil {
		return err
	}

	var records []*eventlog.Record
	err = backoff.Retry(func() error {
		batch, fetchErr := p.store.GetEventsSince(ctx, cursor, BatchSize)
		if fetchErr != nil {
			if errors.Is(fetchErr, moerrors.ErrPersistence) {
				return fetchErr
			}
			return backoff.Permanent(fetchErr)
		}
		records = batch
		return nil
	}, backoff.WithContext(p.retry(), ctx))
	if err != nil {
		return fmt.Errorf("publisher %s: fetch batch: %w", p.name, err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publisher %s: context canceled: %w", p.name, err)
		}

		event, ok, err := p.decrypt(rec)
		if err != nil {
			if errors.Is(err, moerrors.ErrMasterKeyNotSet) {
				p.log.Warn("publisher deferring batch: master key not set", "publisher", p.name, "commit_sequence", rec.CommitSequence)
				return nil
			}
			return fmt.Errorf("publisher %s: decrypt event at commit_sequence %d: %w", p.name, rec.CommitSequence, err)
		}
		if !ok {
			p.log.Warn("publisher skipping event: no key for epoch", "publisher", p.name, "aggregate_id", rec.AggregateID, "epoch", rec.Epoch, "commit_sequence", rec.CommitSequence)
			cursor = rec.CommitSequence
			continue
		}

		if err := p.bus.Dispatch(ctx, event); err != nil {
			return fmt.Errorf("publisher %s: dispatch commit_sequence %d: %w", p.name, rec.CommitSequence, err)
		}
		cursor = rec.CommitSequence
	}

	if err := p.cursor.Advance(ctx, cursor); err != nil {
		return fmt.Errorf("publisher %s: %w", p.name, err)
	}
	return nil
}

// decrypt authenticates and decodes rec into a dispatchable Event. The
// second return value is false (with a nil error) when the event's
// keyring epoch has no DEK available and should be skipped rather than
// treated as a fatal error.
func (p *Publisher) decrypt(rec *eventlog.Record) (*Event, bool, error) {
	dek, err := p.keys.ResolveKeyForEvent(keyring.EventRef{
		AggregateID:   rec.AggregateID,
		Epoch:         rec.Epoch,
		KeyringUpdate: rec.KeyringUpdate,
	})
	if err != nil {
		if errors.Is(err, moerrors.ErrMissingKey) {
			return nil, false, nil
		}
		return nil, false, err
	}

	aad := envelope.EventAAD(rec.AggregateType, rec.AggregateID, rec.Version)
	plaintext, err := crypto.Open(dek, rec.Ciphertext, aad)
	if err != nil {
		return nil, false, err
	}

	meta := envelope.Meta{
		EventType:     rec.EventType,
		SchemaVersion: rec.SchemaVersion,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		Version:       rec.Version,
		Epoch:         rec.Epoch,
	}
	upgraded, err := p.registry.Upgrade(meta, json.RawMessage(plaintext))
	if err != nil {
		return nil, false, err
	}

	seq := rec.CommitSequence
	if rec.GlobalSequence != nil {
		seq = *rec.GlobalSequence
	}

	return &Event{
		Meta:              meta,
		Payload:           upgraded,
		GlobalOrCommitSeq: seq,
		CommittedAt:       rec.CreatedAt,
	}, true, nil
}
