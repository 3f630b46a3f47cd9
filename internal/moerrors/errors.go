// Package moerrors defines the sentinel error values shared across the
// event log, keyring, projection, and publisher packages. Callers check
// them with errors.Is; call sites layer %w-wrapped context on top, the
// same pattern the daemon lock package uses for errDaemonLocked.
package moerrors

import "errors"

var (
	// ErrConcurrency is returned when an append's expected version does not
	// match the aggregate's current version (optimistic concurrency failure).
	ErrConcurrency = errors.New("concurrency error: expected version does not match aggregate head")

	// ErrMissingKey is returned when no DEK is available for the epoch an
	// event or artifact was encrypted under.
	ErrMissingKey = errors.New("missing key: no data-encryption key for this epoch")

	// ErrMasterKeyNotSet is returned when an operation needs the master key
	// but none has been loaded into the process.
	ErrMasterKeyNotSet = errors.New("master key not set")

	// ErrAggregateMismatch is returned when a keyring update names a
	// different aggregate than the one it was received for.
	ErrAggregateMismatch = errors.New("aggregate mismatch: ciphertext bound to a different identity")

	// ErrDecryption is returned when AEAD authentication fails.
	ErrDecryption = errors.New("decryption failed: authentication tag mismatch")

	// ErrMalformedEnvelope is returned when a ciphertext blob or JSON
	// envelope cannot be parsed into its expected framing.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrFutureVersion is returned when a payload's schema version is newer
	// than the latest schema version the registry knows for its event type.
	ErrFutureVersion = errors.New("future version: payload schema version newer than registry knows")

	// ErrMissingMigration is returned when a payload's schema version has
	// no registered migration path to the current schema version.
	ErrMissingMigration = errors.New("missing migration: no upgrade path for schema version")

	// ErrTimeout reports that a bounded wait exceeded its retry budget. No
	// code path in this module has such a wait or returns this error.
	ErrTimeout = errors.New("timeout waiting for condition")

	// ErrPersistence is returned for underlying storage failures that are
	// not one of the more specific categories above.
	ErrPersistence = errors.New("persistence error")
)
