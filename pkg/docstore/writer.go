package docstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-sync/pkg/persistence"
)

const appendTimeout = 10 * time.Second

// writer appends updates for one document in arrival order. The queue is unbounded so a slow
// adapter delays durability without ever blocking the room that produced the update.
type writer struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newWriter() *writer {
	return &writer{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push queues an update and reports whether it was accepted.
func (w *writer) push(update []byte) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, update)
	w.mu.Unlock()
	w.wake()
	return true
}

func (w *writer) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// close stops accepting updates and waits for the queue to drain.
func (w *writer) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wake()
	<-w.done
}

func (w *writer) run(adapter persistence.Adapter, docID string, logger *slog.Logger) {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.mu.Unlock()
			<-w.signal
			w.mu.Lock()
		}
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, update := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
			if err := adapter.AppendUpdate(ctx, docID, update); err != nil {
				logger.Error("failed to persist update", "doc", docID, "bytes", len(update), "err", err)
			}
			cancel()
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}
