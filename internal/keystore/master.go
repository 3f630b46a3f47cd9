// Package keystore holds the in-process master key and derives the
// per-aggregate owner keys the keyring manager uses to wrap and unwrap
// data-encryption keys.
package keystore

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/moerrors"
)

// MasterKeyHolder holds the process's master key in memory. It is never
// persisted by this package; callers load it once at startup from the
// location the deployment chooses (a file, a secret manager, a prompt).
type MasterKeyHolder struct {
	mu  sync.RWMutex
	key []byte
}

// NewMasterKeyHolder returns an empty holder. Get returns
// moerrors.ErrMasterKeyNotSet until Set or LoadFromFile succeeds.
func NewMasterKeyHolder() *MasterKeyHolder {
	return &MasterKeyHolder{}
}

// Set installs key as the master key. key must be crypto.KeySize bytes.
func (h *MasterKeyHolder) Set(key []byte) error {
	if len(key) != crypto.KeySize {
		return fmt.Errorf("master key must be %d bytes, got %d", crypto.KeySize, len(key))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.key = append([]byte(nil), key...)
	return nil
}

// LoadFromFile reads a base64-encoded master key from path and installs it.
func (h *MasterKeyHolder) LoadFromFile(path string) error {
	// #nosec G304 - controlled path from config
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read master key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("decode master key: %w", err)
	}
	return h.Set(key)
}

// Get returns a defensive copy of the master key, or
// moerrors.ErrMasterKeyNotSet if none has been loaded.
func (h *MasterKeyHolder) Get() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.key == nil {
		return nil, moerrors.ErrMasterKeyNotSet
	}
	return append([]byte(nil), h.key...), nil
}

// IsSet reports whether a master key has been loaded.
func (h *MasterKeyHolder) IsSet() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.key != nil
}

// Clear discards the master key, e.g. on logout.
func (h *MasterKeyHolder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.key = nil
}
