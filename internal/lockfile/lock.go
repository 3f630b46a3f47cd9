// Package lockfile provides process-level exclusion for a directory shared
// by multiple mo-local processes (e.g. a projection runtime daemon and the
// CLI touching the same projection concurrently).
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds a conflicting lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// errDaemonLocked is returned by TryDaemonLock when the lock is held by a
// process that is still alive.
var errDaemonLocked = errors.New("lock already held by another live process")

// IsLocked reports whether err indicates the lock is held by another
// running process.
func IsLocked(err error) bool {
	return errors.Is(err, errDaemonLocked) || errors.Is(err, ErrLockBusy)
}

const lockFileName = "lock"

// LockInfo is the JSON metadata written into the lock file by the holder.
type LockInfo struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Handle represents a held lock. Close releases it.
type Handle struct {
	file *os.File
	path string
}

// Close releases the lock and closes the underlying file.
func (h *Handle) Close() error {
	if h == nil || h.file == nil {
		return nil
	}
	_ = FlockUnlock(h.file)
	err := h.file.Close()
	h.file = nil
	return err
}

// ReadLockInfo reads and parses the lock file metadata in dir, if present.
func ReadLockInfo(dir string) (*LockInfo, error) {
	// #nosec G304 - controlled path under the caller's data directory
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock info: %w", err)
	}
	return &info, nil
}

// checkPIDFile reports whether the lock file in dir names a PID that is
// still running. It treats a missing or unparseable file as "not locked".
func checkPIDFile(dir string) bool {
	info, err := ReadLockInfo(dir)
	if err != nil {
		return false
	}
	return isProcessRunning(info.PID)
}

// TryDaemonLock attempts to acquire the exclusive lock file in dir,
// writing PID/database/version metadata on success. It returns
// errDaemonLocked (checkable with IsLocked) if the lock is held by a
// process that is still alive, and also when the OS-level flock call
// itself would block: FlockExclusiveNonBlock's ErrLockBusy is reported as
// errDaemonLocked.
func TryDaemonLock(dir, database, version string) (*Handle, error) {
	if checkPIDFile(dir) {
		return nil, errDaemonLocked
	}

	path := filepath.Join(dir, lockFileName)
	// #nosec G304 - controlled path under the caller's data directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := FlockExclusiveNonBlock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, errDaemonLocked
		}
		return nil, fmt.Errorf("flock lock file: %w", err)
	}

	info := LockInfo{
		PID:       os.Getpid(),
		ParentPID: os.Getppid(),
		Database:  database,
		Version:   version,
		StartedAt: time.Now().UTC(),
	}
	if err := writeLockInfo(f, info); err != nil {
		_ = FlockUnlock(f)
		_ = f.Close()
		return nil, err
	}

	return &Handle{file: f, path: path}, nil
}

func writeLockInfo(f *os.File, info LockInfo) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		return fmt.Errorf("encode lock info: %w", err)
	}
	return f.Sync()
}
