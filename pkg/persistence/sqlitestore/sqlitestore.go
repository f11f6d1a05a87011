// Package sqlitestore persists document logs in a sqlite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-sync/pkg/persistence"
)

type Store struct {
	database *sql.DB
}

var _ persistence.Adapter = (*Store)(nil)
var _ persistence.Snapshotter = (*Store)(nil)
var _ persistence.Lister = (*Store)(nil)

// Open opens (creating if needed) the sqlite database at path and ensures the tables exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer, so queue writers in the pool rather than in sqlite
	db.SetMaxOpenConns(1)
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
		doc_id text not null primary key,
		content blob not null
		)`,
		`CREATE TABLE IF NOT EXISTS updates (
		id integer primary key autoincrement,
		doc_id text not null,
		content blob not null
		)`,
		`CREATE INDEX IF NOT EXISTS updates_doc_id ON updates (doc_id, id)`,
	} {
		if _, err := s.database.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	slog.Debug("Ensured sqlite tables exist")
	return nil
}

func (s *Store) LoadState(ctx context.Context, docID string) ([]byte, error) {
	var snapshot []byte
	found := true
	if err := s.database.QueryRowContext(
		ctx, `SELECT content FROM snapshots WHERE doc_id = ?`, docID,
	).Scan(&snapshot); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to query snapshot: %w", err)
		}
		found = false
	}

	res, err := s.database.QueryContext(ctx, `SELECT content FROM updates WHERE doc_id = ? ORDER BY id`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(res)
	var updates [][]byte
	for res.Next() {
		var content []byte
		if err := res.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		updates = append(updates, content)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate updates: %w", err)
	}
	if !found && len(updates) == 0 {
		return nil, persistence.ErrNotFound
	}
	return persistence.Concat(snapshot, updates), nil
}

func (s *Store) AppendUpdate(ctx context.Context, docID string, update []byte) error {
	if _, err := s.database.ExecContext(
		ctx, `INSERT INTO updates (doc_id, content) VALUES (?, ?)`, docID, update,
	); err != nil {
		return fmt.Errorf("failed to append update: %w", err)
	}
	return nil
}

func (s *Store) StoreSnapshot(ctx context.Context, docID string, state []byte) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO snapshots (doc_id, content) VALUES (?, ?)
		ON CONFLICT (doc_id) DO UPDATE SET content = excluded.content`,
		docID, state,
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to truncate updates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) DocIDs(ctx context.Context) ([]string, error) {
	res, err := s.database.QueryContext(
		ctx, `SELECT doc_id FROM snapshots UNION SELECT doc_id FROM updates ORDER BY doc_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer res.Close()
	var out []string
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, res.Err()
}

func (s *Store) Close() error {
	return s.database.Close()
}
