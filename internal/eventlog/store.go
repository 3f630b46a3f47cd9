// Package eventlog implements the append-only, per-aggregate event store:
// optimistic-concurrency appends, per-aggregate replay, and the
// effective-total-order scan projections fold over (synced rows ordered
// by global sequence, followed by pending rows ordered by commit
// sequence). It is built on database/sql against the pure-Go
// ncruces/go-sqlite3 driver, the same driver and TEXT-column time
// handling the teacher's SQLite storage layer uses.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/chronologion/mo-local/internal/moerrors"
)

const eventColumns = `commit_sequence, event_id, aggregate_type, aggregate_id, version, global_sequence, event_type, schema_version, epoch, ciphertext, keyring_update, occurred_at, actor_id, causation_id, correlation_id, created_at`

// Record is one row of the event log as read back from storage: the
// cleartext commit/version bookkeeping plus the opaque ciphertext the
// caller authenticates and decrypts with the keyring.
type Record struct {
	CommitSequence int64
	EventID        string
	AggregateType  string
	AggregateID    string
	Version        int
	GlobalSequence *int64
	EventType      string
	SchemaVersion  int
	Epoch          int
	Ciphertext     []byte
	// KeyringUpdate carries an in-band keyring-update envelope when this
	// event also rotated or introduced the aggregate's keyring, nil
	// otherwise.
	KeyringUpdate []byte
	OccurredAt    time.Time
	ActorID       *string
	CausationID   *string
	CorrelationID *string
	CreatedAt     time.Time
}

// AppendEvent is one event within a batch passed to Append: everything
// about it the caller has already decided (identity, ciphertext, in-band
// keyring update) except the version and commit sequence, which Append
// assigns atomically for the whole batch.
type AppendEvent struct {
	EventType     string
	SchemaVersion int
	Epoch         int
	Ciphertext    []byte
	KeyringUpdate []byte
	OccurredAt    time.Time
	ActorID       *string
	CausationID   *string
	CorrelationID *string
}

// Store is the SQL-backed event log for one database file. SQLite only
// supports a single writer at a time, so the pool is capped at one
// connection — the same constraint the teacher's sqlite storage package
// documents and works around with serialized writes.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// brings its schema up to date.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool, for components (projection
// runtime, sync hooks) that need to share the same SQLite file under a
// single-writer guarantee rather than opening a second handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// headVersion returns the current version of (aggregateType, aggregateID)
// within tx, or 0 if the aggregate has no events yet.
func headVersion(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID string) (int, error) {
	var version sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`,
		aggregateType, aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query head version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// Append writes a batch of new events for (aggregateType, aggregateID) in
// a single transaction: either every event lands or none does.
// expectedVersion must equal the aggregate's current head version before
// the batch; the events are assigned versions expectedVersion+1,
// expectedVersion+2, ... in order. Any mismatch between expectedVersion
// and the actual head — whether the batch is behind or ahead of the
// aggregate's real history — fails the whole batch with ErrConcurrency,
// since the caller's view of the aggregate was stale either way. An empty
// batch is a no-op.
func (s *Store) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events []AppendEvent) ([]*Record, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := headVersion(ctx, tx, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	if expectedVersion != head {
		return nil, fmt.Errorf("%w: expected %d, head is %d", moerrors.ErrConcurrency, expectedVersion, head)
	}

	records := make([]*Record, 0, len(events))
	for i, ev := range events {
		newVersion := expectedVersion + i + 1
		eventID, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate event id: %w", err)
		}

		occurredAt := ev.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}
		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (event_id, aggregate_type, aggregate_id, version, global_sequence, event_type, schema_version, epoch, ciphertext, keyring_update, occurred_at, actor_id, causation_id, correlation_id, created_at)
			 VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID.String(), aggregateType, aggregateID, newVersion, ev.EventType, ev.SchemaVersion, ev.Epoch, ev.Ciphertext, nullableBytes(ev.KeyringUpdate),
			occurredAt.Format(time.RFC3339Nano), ev.ActorID, ev.CausationID, ev.CorrelationID, now.Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return nil, fmt.Errorf("%w: concurrent append collided at version %d: %v", moerrors.ErrConcurrency, newVersion, err)
			}
			return nil, fmt.Errorf("%w: insert event: %v", moerrors.ErrPersistence, err)
		}
		commitSeq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("%w: read commit sequence: %v", moerrors.ErrPersistence, err)
		}

		records = append(records, &Record{
			CommitSequence: commitSeq,
			EventID:        eventID.String(),
			AggregateType:  aggregateType,
			AggregateID:    aggregateID,
			Version:        newVersion,
			GlobalSequence: nil,
			EventType:      ev.EventType,
			SchemaVersion:  ev.SchemaVersion,
			Epoch:          ev.Epoch,
			Ciphertext:     ev.Ciphertext,
			KeyringUpdate:  ev.KeyringUpdate,
			OccurredAt:     occurredAt,
			ActorID:        ev.ActorID,
			CausationID:    ev.CausationID,
			CorrelationID:  ev.CorrelationID,
			CreatedAt:      now,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit append: %v", moerrors.ErrPersistence, err)
	}
	return records, nil
}

// nullableBytes maps an empty or nil keyring-update envelope to a SQL
// NULL rather than a zero-length BLOB.
func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// isUniqueConstraintErr reports whether err is a SQLite UNIQUE constraint
// violation, which Append treats as a concurrent writer having already
// claimed the version this batch wanted.
func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

// GetEvents returns every event for (aggregateType, aggregateID) ordered
// by version ascending — the replay order for rebuilding aggregate state.
func (s *Store) GetEvents(ctx context.Context, aggregateType, aggregateID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_type = ? AND aggregate_id = ? ORDER BY version ASC`,
		aggregateType, aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", moerrors.ErrPersistence, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetAllEvents returns every event in the store ordered by commit
// sequence — used for global replay and diagnostics, not by projections.
func (s *Store) GetAllEvents(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY commit_sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: query all events: %v", moerrors.ErrPersistence, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetEventsSince returns up to limit events committed after
// afterCommitSequence, ordered by commit sequence — the feed a committed-
// event publisher walks forward from its durable cursor.
func (s *Store) GetEventsSince(ctx context.Context, afterCommitSequence int64, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE commit_sequence > ? ORDER BY commit_sequence ASC LIMIT ?`,
		afterCommitSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query events since cursor: %v", moerrors.ErrPersistence, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// EffectiveTotalOrder returns up to limit events for aggregateType, past
// both a synced watermark (sinceGlobalSequence) and a pending watermark
// (sincePendingCommitSequence), in the order projections must apply them:
// synced rows first (ordered by global_sequence), then still-pending rows
// (ordered by commit_sequence) — so a projection never observes a pending
// event before the synced history it will eventually be rebased against.
// It scopes by aggregate_type only, not aggregate_id, so one cursor
// covers every aggregate of that type a projection folds over.
func (s *Store) EffectiveTotalOrder(ctx context.Context, aggregateType string, sinceGlobalSequence, sincePendingCommitSequence int64, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_type = ?
		   AND (
		     (global_sequence > ? AND commit_sequence > ?)
		     OR (global_sequence IS NULL AND commit_sequence > ?)
		   )
		 ORDER BY (CASE WHEN global_sequence IS NULL THEN 1 ELSE 0 END), global_sequence ASC, commit_sequence ASC
		 LIMIT ?`,
		aggregateType, sinceGlobalSequence, sincePendingCommitSequence, sincePendingCommitSequence, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query effective total order: %v", moerrors.ErrPersistence, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkSynced assigns a global sequence number to a previously pending
// event, the transition a sync materializer makes once the remote has
// durably accepted the commit.
func (s *Store) MarkSynced(ctx context.Context, commitSequence, globalSequence int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET global_sequence = ? WHERE commit_sequence = ?`,
		globalSequence, commitSequence,
	)
	if err != nil {
		return fmt.Errorf("%w: mark synced: %v", moerrors.ErrPersistence, err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var (
			r             Record
			globalSeq     sql.NullInt64
			keyringUpdate []byte
			occurredAt    string
			actorID       sql.NullString
			causationID   sql.NullString
			correlationID sql.NullString
			createdAt     string
		)
		if err := rows.Scan(
			&r.CommitSequence, &r.EventID, &r.AggregateType, &r.AggregateID, &r.Version, &globalSeq,
			&r.EventType, &r.SchemaVersion, &r.Epoch, &r.Ciphertext, &keyringUpdate, &occurredAt,
			&actorID, &causationID, &correlationID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", moerrors.ErrPersistence, err)
		}
		if globalSeq.Valid {
			v := globalSeq.Int64
			r.GlobalSequence = &v
		}
		r.KeyringUpdate = keyringUpdate
		r.ActorID = nullStringPtr(actorID)
		r.CausationID = nullStringPtr(causationID)
		r.CorrelationID = nullStringPtr(correlationID)

		occurred, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("%w: parse occurred_at: %v", moerrors.ErrPersistence, err)
		}
		r.OccurredAt = occurred

		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("%w: parse created_at: %v", moerrors.ErrPersistence, err)
		}
		r.CreatedAt = ts
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate event rows: %v", moerrors.ErrPersistence, err)
	}
	return out, nil
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
