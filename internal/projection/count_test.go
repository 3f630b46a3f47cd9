package projection

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/internal/eventlog"
)

func fixedDEK(t *testing.T) dekResolver {
	t.Helper()
	dek := make([]byte, 32)
	_, err := rand.Read(dek)
	require.NoError(t, err)
	return func(aggregateID string, epoch int) ([]byte, error) {
		return dek, nil
	}
}

func openTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	ctx := context.Background()
	store, err := eventlog.Open(ctx, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCountTask_TalliesEventsAcrossTicks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	artifacts, err := NewArtifactStore(ctx, store.DB())
	require.NoError(t, err)

	task := NewCountTask("event-counts", store, artifacts, "projection:event-counts", 0, fixedDEK(t))

	counts, err := task.Counts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	_, err = store.Append(ctx, "task", "agg-1", 0, []eventlog.AppendEvent{
		{EventType: "task.created", SchemaVersion: 1, Ciphertext: []byte("ct-1")},
		{EventType: "task.completed", SchemaVersion: 1, Ciphertext: []byte("ct-2")},
	})
	require.NoError(t, err)

	require.NoError(t, task.Tick(ctx))

	counts, err = task.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"task.created": 1, "task.completed": 1}, counts)

	_, err = store.Append(ctx, "task", "agg-2", 0, []eventlog.AppendEvent{
		{EventType: "task.created", SchemaVersion: 1, Ciphertext: []byte("ct-3")},
	})
	require.NoError(t, err)
	require.NoError(t, task.Tick(ctx))

	counts, err = task.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"task.created": 2, "task.completed": 1}, counts)
}

func TestCountTask_TickWithNoNewEventsIsNoop(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	artifacts, err := NewArtifactStore(ctx, store.DB())
	require.NoError(t, err)

	task := NewCountTask("event-counts", store, artifacts, "projection:event-counts", 0, fixedDEK(t))
	require.NoError(t, task.Tick(ctx))

	counts, err := task.Counts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}
