// Package persistence defines how document state is made durable.
//
// Adapters keep an append-only log of encoded updates per document, optionally compacted
// into a snapshot. LoadState returns the snapshot followed by every update appended after it
// as a single byte slice; the replica format guarantees such a concatenation loads as one update.
package persistence

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("document not found")

type Adapter interface {
	// LoadState returns the persisted encoding of the document or ErrNotFound.
	LoadState(ctx context.Context, docID string) ([]byte, error)
	// AppendUpdate durably appends one encoded update to the document's log.
	AppendUpdate(ctx context.Context, docID string, update []byte) error
	Close() error
}

// Snapshotter is implemented by adapters that can replace a document's log with a single
// full-state snapshot.
type Snapshotter interface {
	StoreSnapshot(ctx context.Context, docID string, state []byte) error
}

// Lister is implemented by adapters that can enumerate the documents they hold.
type Lister interface {
	DocIDs(ctx context.Context) ([]string, error)
}

// Memory is an in-process adapter. It is used in tests and when no durable store is configured.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	logs      map[string][][]byte
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string][]byte),
		logs:      make(map[string][][]byte),
	}
}

func (m *Memory) LoadState(_ context.Context, docID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, hasSnapshot := m.snapshots[docID]
	updates := m.logs[docID]
	if !hasSnapshot && len(updates) == 0 {
		return nil, ErrNotFound
	}
	return Concat(snapshot, updates), nil
}

func (m *Memory) AppendUpdate(_ context.Context, docID string, update []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[docID] = append(m.logs[docID], bytes.Clone(update))
	return nil
}

func (m *Memory) StoreSnapshot(_ context.Context, docID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[docID] = bytes.Clone(state)
	delete(m.logs, docID)
	return nil
}

func (m *Memory) DocIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(m.snapshots)+len(m.logs))
	for id := range m.snapshots {
		seen[id] = struct{}{}
	}
	for id := range m.logs {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// LogLen reports how many updates are pending compaction for docID.
func (m *Memory) LogLen(docID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[docID])
}

func (m *Memory) Close() error {
	return nil
}

// Concat joins a snapshot and the updates appended after it.
func Concat(snapshot []byte, updates [][]byte) []byte {
	size := len(snapshot)
	for _, u := range updates {
		size += len(u)
	}
	out := make([]byte, 0, size)
	out = append(out, snapshot...)
	for _, u := range updates {
		out = append(out, u...)
	}
	return out
}
