// Package pgstore persists document logs in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/automerge-sync/pkg/persistence"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ persistence.Adapter = (*Store)(nil)
var _ persistence.Snapshotter = (*Store)(nil)
var _ persistence.Lister = (*Store)(nil)

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS doc_snapshots (
			doc_id text NOT NULL PRIMARY KEY,
			content bytea NOT NULL
		);
		CREATE TABLE IF NOT EXISTS doc_updates (
			id bigserial PRIMARY KEY,
			doc_id text NOT NULL,
			content bytea NOT NULL
		);
		CREATE INDEX IF NOT EXISTS doc_updates_doc_id ON doc_updates (doc_id, id);
	`); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *Store) LoadState(ctx context.Context, docID string) ([]byte, error) {
	var snapshot []byte
	found := true
	if err := s.pool.QueryRow(
		ctx, `SELECT content FROM doc_snapshots WHERE doc_id = $1`, docID,
	).Scan(&snapshot); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to query snapshot: %w", err)
		}
		found = false
	}
	rows, err := s.pool.Query(ctx, `SELECT content FROM doc_updates WHERE doc_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	updates, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan updates: %w", err)
	}
	if !found && len(updates) == 0 {
		return nil, persistence.ErrNotFound
	}
	return persistence.Concat(snapshot, updates), nil
}

func (s *Store) AppendUpdate(ctx context.Context, docID string, update []byte) error {
	if _, err := s.pool.Exec(
		ctx, `INSERT INTO doc_updates (doc_id, content) VALUES ($1, $2)`, docID, update,
	); err != nil {
		return fmt.Errorf("failed to append update: %w", err)
	}
	return nil
}

func (s *Store) StoreSnapshot(ctx context.Context, docID string, state []byte) error {
	if err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO doc_snapshots (doc_id, content) VALUES ($1, $2)
			ON CONFLICT (doc_id) DO UPDATE SET content = EXCLUDED.content`,
			docID, state,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM doc_updates WHERE doc_id = $1`, docID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func (s *Store) DocIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(
		ctx, `SELECT doc_id FROM doc_snapshots UNION SELECT doc_id FROM doc_updates ORDER BY doc_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return ids, nil
}

// Truncate removes every stored document. Used by tests against a shared database.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE doc_snapshots, doc_updates`)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
