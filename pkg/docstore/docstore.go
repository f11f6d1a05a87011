// Package docstore owns the in-memory replica of every active document.
//
// Entries are created lazily from the persistence adapter and removed when their room
// empties. Every update that did not come from storage is appended to the adapter on a
// per-entry writer goroutine, so durable writes never sit on the edit path.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astromechza/automerge-sync/pkg/persistence"
	"github.com/astromechza/automerge-sync/pkg/replica"
)

type Options struct {
	// Adapter is optional; without one documents only live as long as their room.
	Adapter    persistence.Adapter
	NewReplica replica.Factory
	// SnapshotOnRemove compacts the update log into a snapshot when an entry is removed.
	SnapshotOnRemove bool
	Logger           *slog.Logger
}

type Store struct {
	adapter          persistence.Adapter
	newReplica       replica.Factory
	snapshotOnRemove bool
	logger           *slog.Logger

	mu       sync.Mutex
	entries  map[string]*Entry
	creating map[string]*creation
}

type creation struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Entry is the store's record of one active document.
type Entry struct {
	DocID   string
	Replica replica.Replica

	lastActivity atomic.Int64
	appended     atomic.Bool
	unsubscribe  func()
	writer       *writer
}

func (e *Entry) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

func (e *Entry) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

type EntryStats struct {
	DocID        string    `json:"docId"`
	LastActivity time.Time `json:"lastActivity"`
}

func New(opts Options) *Store {
	if opts.NewReplica == nil {
		opts.NewReplica = replica.NewAutomergeReplica
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		adapter:          opts.Adapter,
		newReplica:       opts.NewReplica,
		snapshotOnRemove: opts.SnapshotOnRemove,
		logger:           opts.Logger,
		entries:          make(map[string]*Entry),
		creating:         make(map[string]*creation),
	}
}

// GetOrCreate returns the entry for docID, loading it from the adapter when it is not active.
// Concurrent callers for the same docID share one load.
func (s *Store) GetOrCreate(ctx context.Context, docID string) (*Entry, error) {
	s.mu.Lock()
	if e, ok := s.entries[docID]; ok {
		s.mu.Unlock()
		return e, nil
	}
	if c, ok := s.creating[docID]; ok {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.entry, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &creation{done: make(chan struct{})}
	s.creating[docID] = c
	s.mu.Unlock()

	c.entry, c.err = s.create(ctx, docID)

	s.mu.Lock()
	delete(s.creating, docID)
	if c.err == nil {
		s.entries[docID] = c.entry
	}
	s.mu.Unlock()
	close(c.done)
	return c.entry, c.err
}

func (s *Store) create(ctx context.Context, docID string) (*Entry, error) {
	r, err := s.newReplica()
	if err != nil {
		return nil, fmt.Errorf("failed to create replica: %w", err)
	}
	e := &Entry{DocID: docID, Replica: r}
	e.touch()

	fresh := true
	if s.adapter != nil {
		state, err := s.adapter.LoadState(ctx, docID)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
		case err != nil:
			// start from empty rather than refusing the document
			fresh = false
			s.logger.Error("failed to load document from persistence", "doc", docID, "err", err)
		default:
			fresh = false
			if _, err := r.ApplyUpdate(state, replica.FromStorage); err != nil {
				s.logger.Error("failed to apply persisted state", "doc", docID, "err", err)
			} else {
				s.logger.Info("loaded document", "doc", docID, "bytes", len(state))
			}
		}
		e.writer = newWriter()
		go e.writer.run(s.adapter, docID, s.logger)
	}

	e.unsubscribe = r.Subscribe(func(u replica.Update) {
		e.touch()
		if u.Origin == replica.FromStorage || e.writer == nil {
			return
		}
		if e.writer.push(u.Bytes) {
			e.appended.Store(true)
		}
	})

	if seeder, ok := r.(replica.Seeder); ok && fresh {
		if err := seeder.Seed(); err != nil {
			e.close()
			return nil, fmt.Errorf("failed to seed replica: %w", err)
		}
	}
	return e, nil
}

func (e *Entry) close() {
	e.unsubscribe()
	if e.writer != nil {
		e.writer.close()
	}
}

// Get returns the active entry for docID.
func (s *Store) Get(docID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[docID]
	return e, ok
}

// Remove drops the entry for docID after flushing its pending writes. Updates applied to the
// replica afterwards are not persisted.
func (s *Store) Remove(ctx context.Context, docID string) error {
	s.mu.Lock()
	e, ok := s.entries[docID]
	delete(s.entries, docID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	e.close()
	if !s.snapshotOnRemove || !e.appended.Load() {
		return nil
	}
	snapshotter, ok := s.adapter.(persistence.Snapshotter)
	if !ok {
		return nil
	}
	state := e.Replica.EncodeFullState()
	if err := snapshotter.StoreSnapshot(ctx, docID, state); err != nil {
		return fmt.Errorf("failed to compact %s: %w", docID, err)
	}
	s.logger.Info("compacted document", "doc", docID, "bytes", len(state))
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// DocIDs returns the ids of every active document in order.
func (s *Store) DocIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Stats() []EntryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryStats, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, EntryStats{DocID: id, LastActivity: e.LastActivity()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// Close removes every remaining entry, flushing its writes, and closes the adapter.
func (s *Store) Close(ctx context.Context) error {
	var errs []error
	for _, id := range s.DocIDs() {
		if err := s.Remove(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if s.adapter != nil {
		if err := s.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close adapter: %w", err))
		}
	}
	return errors.Join(errs...)
}
