package docstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/persistence"
	"github.com/astromechza/automerge-sync/pkg/replica"
)

type flakyAdapter struct {
	*persistence.Memory
	loadErr   error
	appendErr error
}

func (f *flakyAdapter) LoadState(ctx context.Context, docID string) ([]byte, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.Memory.LoadState(ctx, docID)
}

func (f *flakyAdapter) AppendUpdate(ctx context.Context, docID string, update []byte) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.Memory.AppendUpdate(ctx, docID, update)
}

func automergeOf(t *testing.T, e *Entry) *replica.Automerge {
	t.Helper()
	am, ok := e.Replica.(*replica.Automerge)
	require.True(t, ok)
	return am
}

func TestGetOrCreate_PersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := persistence.NewMemory()
	s := New(Options{Adapter: adapter})

	e, err := s.GetOrCreate(ctx, "doc1")
	require.NoError(t, err)
	_, err = automergeOf(t, e).InsertText(0, "hello")
	require.NoError(t, err)
	before := e.Replica.EncodeFullState()
	heads := automergeOf(t, e).Heads()

	require.NoError(t, s.Remove(ctx, "doc1"))
	_, ok := s.Get("doc1")
	assert.False(t, ok)
	assert.Equal(t, 2, adapter.LogLen("doc1"))

	reloaded, err := s.GetOrCreate(ctx, "doc1")
	require.NoError(t, err)
	assert.NotSame(t, e, reloaded)
	assert.Equal(t, heads, automergeOf(t, reloaded).Heads())
	fromBefore, err := replica.LoadAutomerge(before)
	require.NoError(t, err)
	fromAfter, err := replica.LoadAutomerge(reloaded.Replica.EncodeFullState())
	require.NoError(t, err)
	assert.Equal(t, fromBefore.Heads(), fromAfter.Heads())
	text, err := automergeOf(t, reloaded).Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	// storage-origin updates are not appended again
	assert.Equal(t, 2, adapter.LogLen("doc1"))
}

func TestRemove_CompactsLog(t *testing.T) {
	ctx := context.Background()
	adapter := persistence.NewMemory()
	s := New(Options{Adapter: adapter, SnapshotOnRemove: true})

	e, err := s.GetOrCreate(ctx, "doc")
	require.NoError(t, err)
	for _, part := range []string{"a", "b", "c"} {
		_, err = automergeOf(t, e).AppendText(part)
		require.NoError(t, err)
	}
	require.NoError(t, s.Remove(ctx, "doc"))
	assert.Equal(t, 0, adapter.LogLen("doc"))

	e, err = s.GetOrCreate(ctx, "doc")
	require.NoError(t, err)
	text, err := automergeOf(t, e).Text()
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
}

func TestGetOrCreate_LoadFailureStartsEmpty(t *testing.T) {
	ctx := context.Background()
	adapter := &flakyAdapter{Memory: persistence.NewMemory(), loadErr: errors.New("disk on fire")}
	s := New(Options{Adapter: adapter})

	e, err := s.GetOrCreate(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, automergeOf(t, e).Heads())
	assert.Equal(t, []string{"doc"}, s.DocIDs())
}

func TestAppendFailureDoesNotBlockEdits(t *testing.T) {
	ctx := context.Background()
	adapter := &flakyAdapter{Memory: persistence.NewMemory(), appendErr: errors.New("read-only")}
	s := New(Options{Adapter: adapter})

	e, err := s.GetOrCreate(ctx, "doc")
	require.NoError(t, err)
	_, err = automergeOf(t, e).InsertText(0, "kept in memory")
	require.NoError(t, err)
	text, err := automergeOf(t, e).Text()
	require.NoError(t, err)
	assert.Equal(t, "kept in memory", text)
	require.NoError(t, s.Remove(ctx, "doc"))
	assert.Equal(t, 0, adapter.LogLen("doc"))
}

func TestGetOrCreate_ConcurrentCallersShareOneReplica(t *testing.T) {
	ctx := context.Background()
	var built atomic.Int32
	s := New(Options{
		Adapter: persistence.NewMemory(),
		NewReplica: func() (replica.Replica, error) {
			built.Add(1)
			return replica.NewAutomerge(), nil
		},
	})

	entries := make([]*Entry, 16)
	wg := new(sync.WaitGroup)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.GetOrCreate(ctx, "shared")
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), built.Load())
	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}
}

func TestGetOrCreate_FactoryErrorLeavesNothingRegistered(t *testing.T) {
	s := New(Options{NewReplica: func() (replica.Replica, error) {
		return nil, errors.New("no memory")
	}})
	_, err := s.GetOrCreate(context.Background(), "doc")
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestWithoutAdapter(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	e, err := s.GetOrCreate(ctx, "doc")
	require.NoError(t, err)
	_, err = automergeOf(t, e).InsertText(0, "x")
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "doc"))

	e, err = s.GetOrCreate(ctx, "doc")
	require.NoError(t, err)
	text, err := automergeOf(t, e).Text()
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestStatsAndClose(t *testing.T) {
	ctx := context.Background()
	adapter := persistence.NewMemory()
	s := New(Options{Adapter: adapter})
	for _, id := range []string{"b", "a"} {
		_, err := s.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}
	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].DocID)
	assert.False(t, stats[0].LastActivity.IsZero())

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, s.Len())
	ids, err := adapter.DocIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
