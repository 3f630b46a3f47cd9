package projection

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SearchIndex is a full-text index backed by SQLite FTS5 in a throwaway
// in-memory table, so queries run at native SQLite speed without sharing
// the event store's connection pool. Snapshot returns its (id, text) row
// set and Rebuild loads one; SearchIndex does not encrypt or persist that
// row set itself.
type SearchIndex struct {
	db *sql.DB
}

// OpenSearchIndex opens a private in-memory SQLite connection and creates
// its FTS5 virtual table.
func OpenSearchIndex(ctx context.Context) (*SearchIndex, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory search index: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE VIRTUAL TABLE documents USING fts5(id UNINDEXED, body)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create fts5 table: %w", err)
	}
	return &SearchIndex{db: db}, nil
}

// Close releases the in-memory connection.
func (s *SearchIndex) Close() error {
	return s.db.Close()
}

// IndexedDocument is one (id, body) pair persisted in a search artifact
// snapshot and rehydrated into the FTS5 table on load.
type IndexedDocument struct {
	ID   string
	Body string
}

// Rebuild replaces the entire index contents with docs — used when
// loading a persisted artifact or after a rebuild-on-rebase.
func (s *SearchIndex) Rebuild(ctx context.Context, docs []IndexedDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear fts5 table: %w", err)
	}
	for _, doc := range docs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO documents (id, body) VALUES (?, ?)`, doc.ID, doc.Body); err != nil {
			return fmt.Errorf("insert document %q: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// Upsert indexes or reindexes a single document.
func (s *SearchIndex) Upsert(ctx context.Context, id, body string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete existing document %q: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO documents (id, body) VALUES (?, ?)`, id, body); err != nil {
		return fmt.Errorf("insert document %q: %w", id, err)
	}
	return nil
}

// Remove deletes a document from the index.
func (s *SearchIndex) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document %q: %w", id, err)
	}
	return nil
}

// Query runs an FTS5 match query and returns matching document IDs
// ranked by relevance.
func (s *SearchIndex) Query(ctx context.Context, matchExpr string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE documents MATCH ? ORDER BY rank`, matchExpr)
	if err != nil {
		return nil, fmt.Errorf("fts5 query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Snapshot returns every document currently indexed, for serializing
// into an encrypted artifact.
func (s *SearchIndex) Snapshot(ctx context.Context) ([]IndexedDocument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("snapshot documents: %w", err)
	}
	defer rows.Close()

	var docs []IndexedDocument
	for rows.Next() {
		var d IndexedDocument
		if err := rows.Scan(&d.ID, &d.Body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
