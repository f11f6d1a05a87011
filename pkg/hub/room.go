package hub

import (
	"sync"
	"time"

	"github.com/astromechza/automerge-sync/pkg/awareness"
	"github.com/astromechza/automerge-sync/pkg/docstore"
	"github.com/astromechza/automerge-sync/pkg/protocol"
)

// Room is the set of connections and shared awareness for one document. Its mutex
// serializes every change to the replica, the awareness table and the membership.
type Room struct {
	docID string

	// ready is closed once the replica is loaded; err is set before that if loading failed
	ready chan struct{}
	err   error
	// guarded by Registry.mu
	refs int

	mu               sync.Mutex
	entry            *docstore.Entry
	conns            map[*Connection]struct{}
	awareness        *awareness.Table
	destroyed        bool
	unsubscribeRelay func()
}

func newRoom(docID string) *Room {
	return &Room{
		docID:     docID,
		ready:     make(chan struct{}),
		conns:     make(map[*Connection]struct{}),
		awareness: awareness.NewTable(),
	}
}

type RoomStats struct {
	DocID           string    `json:"docId"`
	Connections     int       `json:"connections"`
	AwarenessStates int       `json:"awarenessStates"`
	LastActivity    time.Time `json:"lastActivity"`
}

func (r *Room) stats() RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return RoomStats{DocID: r.docID}
	}
	return RoomStats{
		DocID:           r.docID,
		Connections:     len(r.conns),
		AwarenessStates: r.awareness.Len(),
		LastActivity:    r.entry.LastActivity(),
	}
}

// fanOut sends frame verbatim to every open member except sender and returns the members
// whose send failed. Must be called with r.mu held; the caller drops the failures after
// releasing it.
func (r *Room) fanOut(sender *Connection, frame []byte) []*Connection {
	var failed []*Connection
	for c := range r.conns {
		if c == sender || c.closed.Load() {
			continue
		}
		if err := c.transport.Send(frame); err != nil {
			c.closed.Store(true)
			failed = append(failed, c)
		}
	}
	return failed
}

func (r *Room) awarenessSnapshotFrame() []byte {
	return protocol.EncodeAwareness(awareness.EncodeUpdate(r.awareness.Snapshot()))
}

func (r *Room) members() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}
