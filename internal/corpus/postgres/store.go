// Package postgres stores the document corpus in PostgreSQL. Documents keep
// an explicit position column so All returns them in the same order on every
// call.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/gciqs/gciqs/internal/corpus"
	apperrors "github.com/gciqs/gciqs/pkg/errors"
	pkgpostgres "github.com/gciqs/gciqs/pkg/postgres"
)

// Schema creates the documents table.
const Schema = `CREATE TABLE IF NOT EXISTS documents (
    id         TEXT PRIMARY KEY,
    position   INTEGER NOT NULL,
    title      TEXT NOT NULL,
    doc_type   TEXT NOT NULL DEFAULT '',
    gene       TEXT NOT NULL DEFAULT '',
    content    TEXT NOT NULL,
    refs       TEXT[] NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const (
	selectAll = `SELECT id, title, doc_type, gene, content, refs FROM documents ORDER BY position, id`
	selectOne = `SELECT id, title, doc_type, gene, content, refs FROM documents WHERE id = $1`
	upsertDoc = `INSERT INTO documents (id, position, title, doc_type, gene, content, refs, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (id) DO UPDATE SET
    position = EXCLUDED.position,
    title = EXCLUDED.title,
    doc_type = EXCLUDED.doc_type,
    gene = EXCLUDED.gene,
    content = EXCLUDED.content,
    refs = EXCLUDED.refs,
    updated_at = NOW()`
	deleteStale = `DELETE FROM documents WHERE NOT (id = ANY($1))`
)

// Store is a corpus.Source backed by PostgreSQL.
type Store struct {
	db     *pkgpostgres.Client
	logger *slog.Logger
}

var _ corpus.Source = (*Store)(nil)

// NewStore creates a Store on an open client.
func NewStore(db *pkgpostgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "corpus-store"),
	}
}

// EnsureSchema creates the documents table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating documents table: %w", err)
	}
	return nil
}

// All returns every stored document ordered by position.
func (s *Store) All(ctx context.Context) ([]corpus.Document, error) {
	rows, err := s.db.DB.QueryContext(ctx, selectAll)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	docs := make([]corpus.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// Get returns the document with the given id.
func (s *Store) Get(ctx context.Context, id string) (corpus.Document, error) {
	d, err := scanDocument(s.db.DB.QueryRowContext(ctx, selectOne, id))
	if errors.Is(err, sql.ErrNoRows) {
		return corpus.Document{}, fmt.Errorf("document %s: %w", id, apperrors.ErrDocumentNotFound)
	}
	if err != nil {
		return corpus.Document{}, fmt.Errorf("loading document %s: %w", id, err)
	}
	return d, nil
}

// Seed makes the table hold exactly docs, in order, in one transaction.
func (s *Store) Seed(ctx context.Context, docs []corpus.Document) error {
	ids := make([]string, 0, len(docs))
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		for pos, d := range docs {
			refs := d.References
			if refs == nil {
				refs = []string{}
			}
			if _, err := tx.ExecContext(ctx, upsertDoc,
				d.ID, pos, d.Title, d.Type, d.Gene, d.Content, pq.Array(refs),
			); err != nil {
				return fmt.Errorf("upserting document %s: %w", d.ID, err)
			}
			ids = append(ids, d.ID)
		}
		res, err := tx.ExecContext(ctx, deleteStale, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("removing stale documents: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.logger.Info("removed stale documents", "count", n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("corpus seeded", "documents", len(docs))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (corpus.Document, error) {
	var (
		d    corpus.Document
		refs pq.StringArray
	)
	if err := row.Scan(&d.ID, &d.Title, &d.Type, &d.Gene, &d.Content, &refs); err != nil {
		return corpus.Document{}, err
	}
	d.References = []string(refs)
	if d.References == nil {
		d.References = []string{}
	}
	return d, nil
}
