// Package boltstore persists document logs in a bbolt file.
//
// Each document gets a nested bucket under "logs" whose keys are big-endian sequence numbers,
// so iterating the bucket replays the updates in append order. Snapshots live in a flat
// "snapshots" bucket keyed by document id.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/astromechza/automerge-sync/pkg/persistence"
)

var (
	snapshotsBucket = []byte("snapshots")
	logsBucket      = []byte("logs")
)

type Store struct {
	db *bolt.DB
}

var _ persistence.Adapter = (*Store)(nil)
var _ persistence.Snapshotter = (*Store)(nil)
var _ persistence.Lister = (*Store)(nil)

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{snapshotsBucket, logsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) LoadState(_ context.Context, docID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		snapshot := tx.Bucket(snapshotsBucket).Get([]byte(docID))
		log := tx.Bucket(logsBucket).Bucket([]byte(docID))
		if snapshot == nil && log == nil {
			return persistence.ErrNotFound
		}
		// values are only valid inside the transaction, so copy them out
		var updates [][]byte
		if log != nil {
			if err := log.ForEach(func(_, v []byte) error {
				updates = append(updates, v)
				return nil
			}); err != nil {
				return err
			}
		}
		out = persistence.Concat(snapshot, updates)
		return nil
	})
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load %s: %w", docID, err)
	}
	return out, nil
}

func (s *Store) AppendUpdate(_ context.Context, docID string, update []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		log, err := tx.Bucket(logsBucket).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		seq, err := log.NextSequence()
		if err != nil {
			return err
		}
		return log.Put(sequenceKey(seq), bytes.Clone(update))
	}); err != nil {
		return fmt.Errorf("failed to append update: %w", err)
	}
	return nil
}

func (s *Store) StoreSnapshot(_ context.Context, docID string, state []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(snapshotsBucket).Put([]byte(docID), bytes.Clone(state)); err != nil {
			return err
		}
		if err := tx.Bucket(logsBucket).DeleteBucket([]byte(docID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

func (s *Store) DocIDs(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	if err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(snapshotsBucket).ForEach(func(k, _ []byte) error {
			seen[string(k)] = struct{}{}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(logsBucket).ForEach(func(k, _ []byte) error {
			seen[string(k)] = struct{}{}
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
