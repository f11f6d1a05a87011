// Package persistencetest holds the behaviour every persistence adapter must share.
package persistencetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/persistence"
)

// Run exercises an adapter. newAdapter must return an empty adapter; it is closed by Run.
func Run(t *testing.T, newAdapter func(t *testing.T) persistence.Adapter) {
	t.Run("missing document", func(t *testing.T) {
		a := newAdapter(t)
		defer a.Close()
		_, err := a.LoadState(context.Background(), "missing")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("append preserves order", func(t *testing.T) {
		a := newAdapter(t)
		defer a.Close()
		ctx := context.Background()
		for _, part := range []string{"one,", "two,", "three"} {
			require.NoError(t, a.AppendUpdate(ctx, "doc", []byte(part)))
		}
		require.NoError(t, a.AppendUpdate(ctx, "other", []byte("x")))
		state, err := a.LoadState(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, "one,two,three", string(state))
	})

	t.Run("snapshot replaces log", func(t *testing.T) {
		a := newAdapter(t)
		defer a.Close()
		snapshotter, ok := a.(persistence.Snapshotter)
		if !ok {
			t.Skip("adapter does not snapshot")
		}
		ctx := context.Background()
		require.NoError(t, a.AppendUpdate(ctx, "doc", []byte("old")))
		require.NoError(t, snapshotter.StoreSnapshot(ctx, "doc", []byte("SNAP")))
		require.NoError(t, a.AppendUpdate(ctx, "doc", []byte("+1")))
		state, err := a.LoadState(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, "SNAP+1", string(state))

		require.NoError(t, snapshotter.StoreSnapshot(ctx, "doc", []byte("NEW")))
		state, err = a.LoadState(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, "NEW", string(state))
	})

	t.Run("lists documents", func(t *testing.T) {
		a := newAdapter(t)
		defer a.Close()
		lister, ok := a.(persistence.Lister)
		if !ok {
			t.Skip("adapter does not list")
		}
		ctx := context.Background()
		require.NoError(t, a.AppendUpdate(ctx, "b", []byte("x")))
		require.NoError(t, a.AppendUpdate(ctx, "a", []byte("x")))
		ids, err := lister.DocIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
	})

	t.Run("concurrent appends", func(t *testing.T) {
		a := newAdapter(t)
		defer a.Close()
		ctx := context.Background()
		wg := new(sync.WaitGroup)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, a.AppendUpdate(ctx, fmt.Sprintf("doc-%d", i%2), []byte{byte('a' + i)}))
			}(i)
		}
		wg.Wait()
		even, err := a.LoadState(ctx, "doc-0")
		require.NoError(t, err)
		odd, err := a.LoadState(ctx, "doc-1")
		require.NoError(t, err)
		assert.Len(t, even, 4)
		assert.Len(t, odd, 4)
	})
}
