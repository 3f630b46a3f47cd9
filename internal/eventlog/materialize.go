package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chronologion/mo-local/internal/moerrors"
)

// InsertMaterializedEvent writes a row produced by the remote materializer:
// a record whose identity, version, and ciphertext were already decided by
// the sync engine, landing directly at globalSequence rather than NULL.
// It also links eventID to globalSequence in sync_event_map, within the
// same transaction, so a caller can tell a materialized row apart from a
// locally-appended one that has since been synced.
func (s *Store) InsertMaterializedEvent(ctx context.Context, eventID, aggregateType, aggregateID string, version int, eventType string, schemaVersion, epoch int, ciphertext, keyringUpdate []byte, globalSequence int64) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin materialize transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, aggregate_type, aggregate_id, version, global_sequence, event_type, schema_version, epoch, ciphertext, keyring_update, occurred_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eventID, aggregateType, aggregateID, version, globalSequence, eventType, schemaVersion, epoch, ciphertext, nullableBytes(keyringUpdate),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert materialized event: %v", moerrors.ErrPersistence, err)
	}
	commitSeq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: read commit sequence: %v", moerrors.ErrPersistence, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_event_map (event_id, global_sequence) VALUES (?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET global_sequence = excluded.global_sequence`,
		eventID, globalSequence,
	); err != nil {
		return nil, fmt.Errorf("%w: link sync_event_map: %v", moerrors.ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit materialize: %v", moerrors.ErrPersistence, err)
	}

	gs := globalSequence
	return &Record{
		CommitSequence: commitSeq,
		EventID:        eventID,
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		Version:        version,
		GlobalSequence: &gs,
		EventType:      eventType,
		SchemaVersion:  schemaVersion,
		Epoch:          epoch,
		Ciphertext:     ciphertext,
		KeyringUpdate:  keyringUpdate,
		OccurredAt:     now,
		CreatedAt:      now,
	}, nil
}

// GlobalSequenceForEvent looks up the global sequence a previously
// materialized event was linked to, reporting (0, false, nil) if the
// event has no mapping yet.
func (s *Store) GlobalSequenceForEvent(ctx context.Context, eventID string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT global_sequence FROM sync_event_map WHERE event_id = ?`, eventID).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("%w: lookup sync_event_map: %v", moerrors.ErrPersistence, err)
	}
	return seq, true, nil
}
