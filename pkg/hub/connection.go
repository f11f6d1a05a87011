package hub

import (
	"sync/atomic"
)

type SyncState int

const (
	// Handshaking until the peer has answered our sync-step-1.
	Handshaking SyncState = iota
	Synchronized
)

func (s SyncState) String() string {
	if s == Synchronized {
		return "synchronized"
	}
	return "handshaking"
}

// Connection is one client attached to a room. It lives from a successful handshake until
// its transport closes.
type Connection struct {
	id        string
	docID     string
	transport Transport
	room      *Room

	// guarded by room.mu
	clientID    uint64
	hasClientID bool
	state       SyncState

	closed atomic.Bool
	left   atomic.Bool
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) DocID() string {
	return c.docID
}

func (c *Connection) State() SyncState {
	c.room.mu.Lock()
	defer c.room.mu.Unlock()
	return c.state
}

// ClientID returns the awareness client id announced by this connection, if any.
func (c *Connection) ClientID() (uint64, bool) {
	c.room.mu.Lock()
	defer c.room.mu.Unlock()
	return c.clientID, c.hasClientID
}

func (c *Connection) send(msg []byte) error {
	if c.closed.Load() {
		return ErrTransportClosed
	}
	return c.transport.Send(msg)
}
