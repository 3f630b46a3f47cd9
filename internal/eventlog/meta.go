package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chronologion/mo-local/internal/moerrors"
)

// GetMeta reads a single projection_meta value, returning ("", false, nil)
// if the key does not exist.
func (s *Store) GetMeta(ctx context.Context, projectionName, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM projection_meta WHERE projection_name = ? AND key = ?`,
		projectionName, key,
	).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("%w: get meta: %v", moerrors.ErrPersistence, err)
	}
	return value, true, nil
}

// SetMeta upserts a projection_meta value, e.g. a publisher's durable
// per-stream cursor or a projection's rebuild watermark.
func (s *Store) SetMeta(ctx context.Context, projectionName, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projection_meta (projection_name, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(projection_name, key) DO UPDATE SET value = excluded.value`,
		projectionName, key, value,
	)
	if err != nil {
		return fmt.Errorf("%w: set meta: %v", moerrors.ErrPersistence, err)
	}
	return nil
}

// KeyringStateStore adapts the event store's keyrings table to the
// keyring package's StateStore interface: it persists the deterministic
// JSON shape the keyring manager serializes its state to, unaltered, in
// the same SQLite file as the events it protects.
type KeyringStateStore struct {
	db *sql.DB
}

// NewKeyringStateStore wraps store's connection pool for keyring
// persistence.
func NewKeyringStateStore(store *Store) *KeyringStateStore {
	return &KeyringStateStore{db: store.db}
}

// SaveKeyring upserts the serialized keyring state for aggregateID.
func (k *KeyringStateStore) SaveKeyring(aggregateID string, keyringJSON []byte) error {
	_, err := k.db.Exec(
		`INSERT INTO keyrings (aggregate_id, sealed_keyring, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(aggregate_id) DO UPDATE SET sealed_keyring = excluded.sealed_keyring, updated_at = excluded.updated_at`,
		aggregateID, keyringJSON,
	)
	if err != nil {
		return fmt.Errorf("%w: save keyring: %v", moerrors.ErrPersistence, err)
	}
	return nil
}

// LoadKeyring returns the persisted serialized keyring state for
// aggregateID, or (nil, false, nil) if none has been saved yet.
func (k *KeyringStateStore) LoadKeyring(aggregateID string) ([]byte, bool, error) {
	var keyringJSON []byte
	err := k.db.QueryRow(`SELECT sealed_keyring FROM keyrings WHERE aggregate_id = ?`, aggregateID).Scan(&keyringJSON)
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("%w: load keyring: %v", moerrors.ErrPersistence, err)
	}
	return keyringJSON, true, nil
}
