package eventlog

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only schema change, applied at most once and
// tracked in the schema_migrations table so repeated Open calls are
// idempotent — the same shape as the teacher's numbered migration files
// under internal/storage/sqlite/migrations.
type migration struct {
	id    string
	apply func(db *sql.DB) error
}

var migrations = []migration{
	{id: "001_initial_schema", apply: applyInitialSchema},
}

func applyInitialSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			commit_sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			global_sequence INTEGER,
			event_type TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			epoch INTEGER NOT NULL DEFAULT 0,
			ciphertext BLOB NOT NULL,
			keyring_update BLOB,
			occurred_at TEXT NOT NULL,
			actor_id TEXT,
			causation_id TEXT,
			correlation_id TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(aggregate_type, aggregate_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_type, aggregate_id, version)`,
		`CREATE INDEX IF NOT EXISTS idx_events_global_sequence ON events(global_sequence)`,
		`CREATE TABLE IF NOT EXISTS sync_event_map (
			event_id TEXT PRIMARY KEY REFERENCES events(event_id),
			global_sequence INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projection_meta (
			projection_name TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (projection_name, key)
		)`,
		// keyrings holds one row per aggregate: the keyring manager's
		// serialized state (JSON listing each epoch with its DEK inside an
		// owner-key envelope), rewritten when a keyring is created or an
		// update is ingested. The legacy per-aggregate DEK fallback lives in
		// keystore.AggregateKeyStore instead, sealed under the master key
		// rather than the owner key.
		`CREATE TABLE IF NOT EXISTS keyrings (
			aggregate_id TEXT PRIMARY KEY,
			sealed_keyring BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		// Owned structurally by internal/projection.ArtifactStore, which also
		// creates it; declared here too so the pending-version rewriter can
		// delete invalidated snapshots even before any projection has run.
		`CREATE TABLE IF NOT EXISTS projection_artifacts (
			projection_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			artifact_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			ciphertext BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (projection_name, kind, artifact_key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// runMigrations applies every migration not yet recorded in
// schema_migrations, in declaration order.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (id TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE id = ?`, m.id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.id, err)
		}
		if exists > 0 {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.id, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (id, applied_at) VALUES (?, datetime('now'))`, m.id); err != nil {
			return fmt.Errorf("record migration %s: %w", m.id, err)
		}
	}
	return nil
}
