package projection

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifacts.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestArtifactStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store, err := NewArtifactStore(ctx, db)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "tasks-by-status", KindSnapshot, "agg-1", 3, []byte("ciphertext-v3")))

	got, err := store.Load(ctx, "tasks-by-status", KindSnapshot, "agg-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, []byte("ciphertext-v3"), got.Ciphertext)

	require.NoError(t, store.Delete(ctx, "tasks-by-status", KindSnapshot, "agg-1"))
	got, err = store.Load(ctx, "tasks-by-status", KindSnapshot, "agg-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestArtifactStore_LoadMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store, err := NewArtifactStore(ctx, db)
	require.NoError(t, err)

	got, err := store.Load(ctx, "p", KindCache, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestArtifactStore_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store, err := NewArtifactStore(ctx, db)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "p", KindCache, "k1", 1, []byte("v1")))
	require.NoError(t, store.Save(ctx, "p", KindCache, "k1", 2, []byte("v2")))

	got, err := store.Load(ctx, "p", KindCache, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, []byte("v2"), got.Ciphertext)
}
