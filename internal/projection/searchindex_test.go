package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchIndex_UpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenSearchIndex(ctx)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, "doc-1", "buy oat milk and eggs"))
	require.NoError(t, idx.Upsert(ctx, "doc-2", "finish the quarterly report"))

	ids, err := idx.Query(ctx, "milk")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, ids)
}

func TestSearchIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenSearchIndex(ctx)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, "doc-1", "original text"))
	require.NoError(t, idx.Upsert(ctx, "doc-1", "revised text about oranges"))

	ids, err := idx.Query(ctx, "original")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = idx.Query(ctx, "oranges")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, ids)
}

func TestSearchIndex_RemoveAndSnapshotRebuild(t *testing.T) {
	ctx := context.Background()
	idx, err := OpenSearchIndex(ctx)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Upsert(ctx, "doc-1", "alpha"))
	require.NoError(t, idx.Upsert(ctx, "doc-2", "beta"))
	require.NoError(t, idx.Remove(ctx, "doc-1"))

	snap, err := idx.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "doc-2", snap[0].ID)

	idx2, err := OpenSearchIndex(ctx)
	require.NoError(t, err)
	defer idx2.Close()
	require.NoError(t, idx2.Rebuild(ctx, snap))

	ids, err := idx2.Query(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-2"}, ids)
}
