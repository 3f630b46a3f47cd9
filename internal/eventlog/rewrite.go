package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/chronologion/mo-local/internal/moerrors"
)

// RewriteResult reports the outcome of a pending-version rewrite.
type RewriteResult struct {
	ShiftedCount int
	OldMaxVersion int
	NewMaxVersion int
}

// ReencryptFunc re-seals a pending row's plaintext under the AAD for its
// new version, returning the replacement ciphertext. The caller supplies
// this so the event log itself never needs to know about keyring state.
type ReencryptFunc func(rec *Record, newVersion int) ([]byte, error)

// RewritePendingVersions shifts every pending (not yet synced) row for
// (aggregateType, aggregateID) at version >= fromVersionInclusive up by
// one, to make room for a server-assigned version landing at
// fromVersionInclusive. Rows are processed highest-version first so the
// UNIQUE(aggregate_type, aggregate_id, version) constraint is never
// violated mid-rewrite. Every touched row is re-encrypted (via reencrypt)
// under the new version's AAD, and every snapshot artifact for the
// aggregate is deleted, since they're keyed to versions that no longer
// mean what they meant. All of this happens in one transaction: any
// failure rolls back the whole rewrite.
func (s *Store) RewritePendingVersions(ctx context.Context, aggregateType, aggregateID string, fromVersionInclusive int, reencrypt ReencryptFunc) (*RewriteResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rewrite transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_type = ? AND aggregate_id = ? AND global_sequence IS NULL AND version >= ?
		 ORDER BY version DESC`,
		aggregateType, aggregateID, fromVersionInclusive,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query pending rows: %v", moerrors.ErrPersistence, err)
	}
	pending, scanErr := scanRecords(rows)
	if closeErr := rows.Close(); closeErr != nil {
		scanErr = errors.Join(scanErr, fmt.Errorf("close pending rows: %w", closeErr))
	}
	if scanErr != nil {
		return nil, scanErr
	}

	result := &RewriteResult{}
	for i, rec := range pending {
		newVersion := rec.Version + 1
		if i == 0 {
			result.OldMaxVersion = rec.Version
			result.NewMaxVersion = newVersion
		}

		ciphertext, err := reencrypt(rec, newVersion)
		if err != nil {
			return nil, fmt.Errorf("reencrypt event at commit_sequence %d: %w", rec.CommitSequence, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET version = ?, ciphertext = ? WHERE commit_sequence = ?`,
			newVersion, ciphertext, rec.CommitSequence,
		); err != nil {
			return nil, fmt.Errorf("%w: update rewritten version: %v", moerrors.ErrPersistence, err)
		}
		result.ShiftedCount++
	}

	if result.ShiftedCount > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM projection_artifacts WHERE kind = 'snapshot' AND artifact_key = ?`,
			aggregateID,
		); err != nil {
			return nil, fmt.Errorf("%w: delete invalidated snapshots: %v", moerrors.ErrPersistence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit rewrite: %v", moerrors.ErrPersistence, err)
	}
	return result, nil
}
