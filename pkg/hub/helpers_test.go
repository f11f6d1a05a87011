package hub

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/awareness"
	"github.com/astromechza/automerge-sync/pkg/docstore"
	"github.com/astromechza/automerge-sync/pkg/persistence"
	"github.com/astromechza/automerge-sync/pkg/protocol"
	"github.com/astromechza/automerge-sync/pkg/replica"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	fail   bool
}

func (f *fakeTransport) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.fail {
		return ErrSlowConsumer
	}
	f.frames = append(f.frames, bytes.Clone(msg))
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed, f.code = true, code
	}
	return nil
}

// take returns and clears the frames received so far.
func (f *fakeTransport) take() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func (f *fakeTransport) closeCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.closed
}

func newTestRegistry(t *testing.T) (*Registry, *persistence.Memory) {
	t.Helper()
	adapter := persistence.NewMemory()
	store := docstore.New(docstore.Options{Adapter: adapter})
	return NewRegistry(Options{Store: store}), adapter
}

// peer is a client replica driven directly against a registry.
type peer struct {
	t         *testing.T
	g         *Registry
	transport *fakeTransport
	conn      *Connection
	replica   *replica.Automerge
}

func join(t *testing.T, g *Registry, docID string) *peer {
	t.Helper()
	ft := &fakeTransport{}
	c, err := g.Join(context.Background(), docID, ft)
	require.NoError(t, err)
	return &peer{t: t, g: g, transport: ft, conn: c, replica: replica.NewAutomerge()}
}

func (p *peer) send(frame []byte) {
	p.t.Helper()
	require.NoError(p.t, p.g.HandleMessage(p.conn, frame))
}

// process handles every frame the server has sent so far the way a client would.
func (p *peer) process() {
	p.t.Helper()
	for _, frame := range p.transport.take() {
		mt, payload, err := protocol.ReadMessageType(frame)
		require.NoError(p.t, err)
		if mt != protocol.MessageSync {
			continue
		}
		st, body, err := protocol.DecodeSync(payload)
		require.NoError(p.t, err)
		switch st {
		case protocol.SyncStep1:
			diff, err := p.replica.Diff(body)
			require.NoError(p.t, err)
			p.send(protocol.EncodeSyncStep2(diff))
		default:
			_, err := p.replica.ApplyUpdate(body, "server")
			require.NoError(p.t, err)
		}
	}
}

// handshake completes both directions of the initial sync.
func (p *peer) handshake() {
	p.t.Helper()
	p.process()
	p.send(protocol.EncodeSyncStep1(p.replica.EncodeStateSummary()))
	p.process()
}

func (p *peer) insert(pos int, s string) []byte {
	p.t.Helper()
	update, err := p.replica.InsertText(pos, s)
	require.NoError(p.t, err)
	frame := protocol.EncodeSyncUpdate(update)
	p.send(frame)
	return frame
}

func (p *peer) text() string {
	p.t.Helper()
	text, err := p.replica.Text()
	require.NoError(p.t, err)
	return text
}

func (p *peer) announce(clientID, clock uint64, state string) []byte {
	p.t.Helper()
	entry := awareness.Entry{ClientID: clientID, Clock: clock}
	if state != "" {
		entry.State = []byte(state)
	}
	frame := encodeAwarenessFrame([]awareness.Entry{entry})
	p.send(frame)
	return frame
}

func (p *peer) leave() {
	p.g.Leave(p.conn)
}

func awarenessEntries(t *testing.T, frame []byte) []awareness.Entry {
	t.Helper()
	mt, payload, err := protocol.ReadMessageType(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageAwareness, mt)
	update, err := protocol.DecodeAwareness(payload)
	require.NoError(t, err)
	entries, err := awareness.DecodeUpdate(update)
	require.NoError(t, err)
	return entries
}
