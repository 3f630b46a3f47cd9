// Package projection implements the single-writer projection runtime: a
// coalescing task runner and tick loop driving Task implementations,
// encrypted snapshot/cache/index artifact storage, a count projection, and
// an FTS5 search index. Task has only Name and Tick; the package has no
// bootstrap/apply_event/reset hooks and no rebuild-on-rebase step.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chronologion/mo-local/internal/moerrors"
)

// ArtifactKind distinguishes the three artifact shapes a projection may
// persist between ticks.
type ArtifactKind string

const (
	KindSnapshot ArtifactKind = "snapshot"
	KindCache    ArtifactKind = "cache"
	KindIndex    ArtifactKind = "index"
)

// ArtifactStore persists the encrypted state a projection keeps between
// runs, keyed by (projection, kind, key). The ciphertext is opaque to
// this store — sealing and opening it is the projection's job, using the
// composite cursor or snapshot AAD from internal/envelope.
type ArtifactStore struct {
	db *sql.DB
}

// NewArtifactStore applies the artifact schema to db (shared with the
// event log's SQLite file) and returns a store over it.
func NewArtifactStore(ctx context.Context, db *sql.DB) (*ArtifactStore, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS projection_artifacts (
		projection_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		artifact_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		ciphertext BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (projection_name, kind, artifact_key)
	)`)
	if err != nil {
		return nil, fmt.Errorf("create projection_artifacts: %w", err)
	}
	return &ArtifactStore{db: db}, nil
}

// Save upserts an artifact's ciphertext and version.
func (s *ArtifactStore) Save(ctx context.Context, projectionName string, kind ArtifactKind, key string, version int, ciphertext []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projection_artifacts (projection_name, kind, artifact_key, version, ciphertext, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(projection_name, kind, artifact_key) DO UPDATE SET
		   version = excluded.version, ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		projectionName, string(kind), key, version, ciphertext, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: save artifact: %v", moerrors.ErrPersistence, err)
	}
	return nil
}

// Artifact is a persisted projection artifact row.
type Artifact struct {
	Version    int
	Ciphertext []byte
	UpdatedAt  time.Time
}

// Load reads a single artifact, returning (nil, nil) if it doesn't exist.
func (s *ArtifactStore) Load(ctx context.Context, projectionName string, kind ArtifactKind, key string) (*Artifact, error) {
	var (
		a         Artifact
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, ciphertext, updated_at FROM projection_artifacts
		 WHERE projection_name = ? AND kind = ? AND artifact_key = ?`,
		projectionName, string(kind), key,
	).Scan(&a.Version, &a.Ciphertext, &updatedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: load artifact: %v", moerrors.ErrPersistence, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: parse artifact timestamp: %v", moerrors.ErrPersistence, err)
	}
	a.UpdatedAt = ts
	return &a, nil
}

// Delete removes an artifact, e.g. a snapshot invalidated by a rebase.
func (s *ArtifactStore) Delete(ctx context.Context, projectionName string, kind ArtifactKind, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM projection_artifacts WHERE projection_name = ? AND kind = ? AND artifact_key = ?`,
		projectionName, string(kind), key,
	)
	if err != nil {
		return fmt.Errorf("%w: delete artifact: %v", moerrors.ErrPersistence, err)
	}
	return nil
}

// DeleteAllForAggregate removes every snapshot-kind artifact keyed under
// aggregateID, the cleanup step a rebase triggers before a projection
// rebuilds from the event log.
func (s *ArtifactStore) DeleteAllForAggregate(ctx context.Context, projectionName, aggregateID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM projection_artifacts WHERE projection_name = ? AND kind = ? AND artifact_key = ?`,
		projectionName, string(KindSnapshot), aggregateID,
	)
	if err != nil {
		return fmt.Errorf("%w: delete aggregate snapshots: %v", moerrors.ErrPersistence, err)
	}
	return nil
}
