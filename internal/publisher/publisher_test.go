package publisher

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/envelope"
	"github.com/chronologion/mo-local/internal/eventlog"
	"github.com/chronologion/mo-local/internal/keyring"
	"github.com/chronologion/mo-local/internal/keystore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSubscriber struct {
	mu      sync.Mutex
	id      string
	types   []string
	events  []*Event
	failNth int // if > 0, the failNth call to Handle returns an error
	calls   int
}

func (s *recordingSubscriber) ID() string        { return s.id }
func (s *recordingSubscriber) Handles() []string { return s.types }
func (s *recordingSubscriber) Priority() int      { return 0 }
func (s *recordingSubscriber) Handle(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNth > 0 && s.calls == s.failNth {
		return assert.AnError
	}
	s.events = append(s.events, e)
	return nil
}

func appendEncrypted(t *testing.T, store *eventlog.Store, keys *keyring.Manager, aggregateType, aggregateID string, expectedVersion int, eventType string, payload string) *eventlog.Record {
	t.Helper()
	ctx := context.Background()

	var keyringUpdate []byte
	epoch, err := keys.GetCurrentEpoch(aggregateID)
	if err != nil {
		dek := make([]byte, crypto.KeySize)
		_, randErr := rand.Read(dek)
		require.NoError(t, randErr)
		update, createErr := keys.CreateInitialUpdate(aggregateID, dek, time.Now().UTC())
		require.NoError(t, createErr)
		epoch = 0
		if update != nil {
			keyringUpdate = update.KeyringUpdateBytes
		}
	}
	dek, err := keys.ResolveKeyForEpoch(aggregateID, epoch)
	require.NoError(t, err)

	aad := envelope.EventAAD(aggregateType, aggregateID, expectedVersion+1)
	ciphertext, err := crypto.Seal(dek, []byte(payload), aad)
	require.NoError(t, err)

	recs, err := store.Append(ctx, aggregateType, aggregateID, expectedVersion, []eventlog.AppendEvent{{
		EventType:     eventType,
		SchemaVersion: 1,
		Epoch:         epoch,
		Ciphertext:    ciphertext,
		KeyringUpdate: keyringUpdate,
		OccurredAt:    time.Now().UTC(),
	}})
	require.NoError(t, err)
	return recs[0]
}

func newTestPublisher(t *testing.T) (*Publisher, *eventlog.Store, *keyring.Manager, *Bus) {
	t.Helper()
	ctx := context.Background()
	store, err := eventlog.Open(ctx, t.TempDir()+"/events.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	master := keystore.NewMasterKeyHolder()
	require.NoError(t, master.Set(make([]byte, crypto.KeySize)))
	keys := keyring.NewManager(keystore.NewAggregateKeyStore(master), eventlog.NewKeyringStateStore(store))

	registry := envelope.NewRegistry()
	bus := NewBus()
	pub := New("test-publisher", store, keys, registry, bus, discardLogger())
	return pub, store, keys, bus
}

func TestPublisher_DeliversInOrderAndAdvancesCursor(t *testing.T) {
	pub, store, keys, bus := newTestPublisher(t)
	ctx := context.Background()

	sub := &recordingSubscriber{id: "sub-1", types: []string{"task.created", "task.updated"}}
	bus.Register(sub)

	appendEncrypted(t, store, keys, "task", "agg-1", 0, "task.created", `{"n":1}`)
	appendEncrypted(t, store, keys, "task", "agg-1", 1, "task.updated", `{"n":2}`)

	require.NoError(t, pub.Tick(ctx))

	require.Len(t, sub.events, 2)
	assert.Equal(t, json.RawMessage(`{"n":1}`), sub.events[0].Payload)
	assert.Equal(t, json.RawMessage(`{"n":2}`), sub.events[1].Payload)

	cursor, err := pub.cursor.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sub.events[1].GlobalOrCommitSeq, cursor)

	// A second tick with nothing new redelivers nothing.
	require.NoError(t, pub.Tick(ctx))
	assert.Len(t, sub.events, 2)
}

func TestPublisher_SubscriberFailureDoesNotAdvanceCursor(t *testing.T) {
	pub, store, keys, bus := newTestPublisher(t)
	ctx := context.Background()

	sub := &recordingSubscriber{id: "sub-1", types: []string{"task.created"}, failNth: 1}
	bus.Register(sub)

	appendEncrypted(t, store, keys, "task", "agg-1", 0, "task.created", `{"n":1}`)

	err := pub.Tick(ctx)
	require.Error(t, err)

	cursor, err := pub.cursor.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor, "cursor must not advance past an undelivered event")

	// Retrying (with the failure cleared) redelivers the same event.
	sub.failNth = 0
	require.NoError(t, pub.Tick(ctx))
	require.Len(t, sub.events, 1)
}

func TestPublisher_MissingKeySkipsAndAdvancesPastEvent(t *testing.T) {
	_, store, keys, bus := newTestPublisher(t)
	ctx := context.Background()

	sub := &recordingSubscriber{id: "sub-1", types: []string{"task.created"}}
	bus.Register(sub)

	rec1 := appendEncrypted(t, store, keys, "task", "agg-1", 0, "task.created", `{"n":1}`)
	// A second event on the same aggregate/epoch carries no in-band
	// keyring update (one was already attached to the first event), so a
	// cold reader that skips straight to it never learns the DEK.
	rec := appendEncrypted(t, store, keys, "task", "agg-1", 1, "task.created", `{"n":2}`)

	// Simulate the DEK for this epoch never having arrived on this device:
	// a keyring manager with no state store and a cold cache, whose
	// cursor starts past the event that carried the in-band update.
	master := keystore.NewMasterKeyHolder()
	require.NoError(t, master.Set(make([]byte, crypto.KeySize)))
	coldKeys := keyring.NewManager(keystore.NewAggregateKeyStore(master), nil)
	coldPub := New("test-publisher", store, coldKeys, envelope.NewRegistry(), bus, discardLogger())
	require.NoError(t, coldPub.cursor.Advance(ctx, rec1.CommitSequence))

	require.NoError(t, coldPub.Tick(ctx))
	assert.Empty(t, sub.events, "event should be skipped, not delivered")

	cursor, err := coldPub.cursor.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.CommitSequence, cursor, "cursor should advance past the skipped event")
}

func TestPublisher_MasterKeyNotSetDefersWholeBatch(t *testing.T) {
	_, store, keys, bus := newTestPublisher(t)
	ctx := context.Background()

	sub := &recordingSubscriber{id: "sub-1", types: []string{"task.created"}}
	bus.Register(sub)

	appendEncrypted(t, store, keys, "task", "agg-1", 0, "task.created", `{"n":1}`)

	lockedMaster := keystore.NewMasterKeyHolder()
	lockedKeys := keyring.NewManager(keystore.NewAggregateKeyStore(lockedMaster), eventlog.NewKeyringStateStore(store))
	lockedPub := New("test-publisher", store, lockedKeys, envelope.NewRegistry(), bus, discardLogger())

	require.NoError(t, lockedPub.Tick(ctx))
	assert.Empty(t, sub.events)

	cursor, err := lockedPub.cursor.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cursor, "cursor must not advance while the master key is unavailable")
}
