// Package replica defines the mergeable document abstraction the sync server is built around.
//
// A Replica is one process-local copy of a document. Merging updates into it must be
// idempotent and commutative: applying the same update twice, or a set of updates in any
// order, converges on an equivalent state. The server never looks inside update bytes.
package replica

import (
	"sync"
)

// Origin tags where an update came from. Connections use themselves as the origin so
// the update hooks can tell local edits, peers and storage apart.
type Origin any

type storageOrigin struct{}

// FromStorage marks updates loaded from the persistence adapter. They are never persisted again.
var FromStorage Origin = storageOrigin{}

// Update is the event raised whenever a replica's state changes.
type Update struct {
	Bytes  []byte
	Origin Origin
}

type UpdateHandler func(Update)

type Replica interface {
	// EncodeFullState returns the whole document state as a single update.
	EncodeFullState() []byte
	// EncodeStateSummary returns a compact digest a peer can pass to Diff.
	EncodeStateSummary() []byte
	// Diff returns the minimal update that brings a peer with the given summary up to date.
	Diff(summary []byte) ([]byte, error)
	// ApplyUpdate merges the update into the replica and reports whether it carried anything
	// the replica had not seen, including changes held back until their dependencies arrive.
	ApplyUpdate(update []byte, origin Origin) (bool, error)
	// Subscribe registers a handler for update events and returns a function removing it.
	Subscribe(fn UpdateHandler) func()
}

// Seeder is implemented by replicas that need initial structure before clients can edit.
type Seeder interface {
	Seed() error
}

// Factory builds a new, empty replica.
type Factory func() (Replica, error)

// emitter delivers update events to subscribers. Events raised from inside a handler are
// queued and delivered once the current delivery finishes, so handlers never nest.
type emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]UpdateHandler
	pending  []Update
	emitting bool
}

func (e *emitter) subscribe(fn UpdateHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]UpdateHandler)
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

func (e *emitter) emit(u Update) {
	e.mu.Lock()
	e.pending = append(e.pending, u)
	if e.emitting {
		e.mu.Unlock()
		return
	}
	e.emitting = true
	for len(e.pending) > 0 {
		next := e.pending[0]
		e.pending = e.pending[1:]
		handlers := make([]UpdateHandler, 0, len(e.handlers))
		for _, h := range e.handlers {
			handlers = append(handlers, h)
		}
		e.mu.Unlock()
		for _, h := range handlers {
			h(next)
		}
		e.mu.Lock()
	}
	e.emitting = false
	e.mu.Unlock()
}
