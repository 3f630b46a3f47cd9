package lockfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryDaemonLock_AcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	h, err := TryDaemonLock(dir, "events.db", "test-version")
	require.NoError(t, err)
	require.NotNil(t, h)

	info, err := ReadLockInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "events.db", info.Database)
	assert.Equal(t, "test-version", info.Version)

	require.NoError(t, h.Close())
}

func TestTryDaemonLock_SecondAcquireBusy(t *testing.T) {
	dir := t.TempDir()

	h1, err := TryDaemonLock(dir, "events.db", "v1")
	require.NoError(t, err)
	defer h1.Close()

	_, err = TryDaemonLock(dir, "events.db", "v1")
	require.Error(t, err)
	assert.True(t, IsLocked(err))
}

func TestTryDaemonLock_ReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	h1, err := TryDaemonLock(dir, "events.db", "v1")
	require.NoError(t, err)
	require.NoError(t, h1.Close())

	h2, err := TryDaemonLock(dir, "events.db", "v2")
	require.NoError(t, err)
	defer h2.Close()

	info, err := ReadLockInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, "v2", info.Version)
}

func TestReadLockInfo_Missing(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadLockInfo(dir)
	assert.Error(t, err)
}

func TestCheckPIDFile_NoLockFile(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, checkPIDFile(dir))
}
