// Package hub runs the per-document rooms that keep client replicas in sync.
//
// A Registry owns every active room. Joining a document creates its room on first use,
// loading the replica through the document store; the last connection to leave destroys the
// room and flushes the replica's pending writes. Rooms never share locks, so documents are
// processed fully in parallel.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/automerge-sync/pkg/docstore"
	"github.com/astromechza/automerge-sync/pkg/protocol"
	"github.com/astromechza/automerge-sync/pkg/replica"
)

var (
	ErrShuttingDown = errors.New("registry is shutting down")
	ErrRoomNotFound = errors.New("room not found")
)

// Relay carries frames between server processes hosting the same document.
type Relay interface {
	Publish(ctx context.Context, docID string, frame []byte) error
	// Subscribe delivers frames published by other processes for docID until the returned
	// function is called.
	Subscribe(docID string, fn func(frame []byte)) (func(), error)
}

type Options struct {
	Store *docstore.Store
	// Relay is optional.
	Relay        Relay
	SetupTimeout time.Duration
	Logger       *slog.Logger
}

type Registry struct {
	store        *docstore.Store
	relay        Relay
	setupTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	rooms    map[string]*Room
	closing  map[string]chan struct{}
	shutdown bool
	live     sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = docstore.New(docstore.Options{Logger: opts.Logger})
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		store:        opts.Store,
		relay:        opts.Relay,
		setupTimeout: opts.SetupTimeout,
		logger:       opts.Logger,
		rooms:        make(map[string]*Room),
		closing:      make(map[string]chan struct{}),
	}
}

// Join attaches a transport to the room for docID, creating the room if needed, and sends
// the opening sync-step-1 plus any known awareness states.
func (g *Registry) Join(ctx context.Context, docID string, t Transport) (*Connection, error) {
	r, err := g.acquire(docID)
	if err != nil {
		return nil, err
	}
	c := &Connection{id: uuid.NewString(), docID: docID, transport: t, room: r}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	err = c.send(protocol.EncodeSyncStep1(r.entry.Replica.EncodeStateSummary()))
	if err == nil && r.awareness.Len() > 0 {
		err = c.send(r.awarenessSnapshotFrame())
	}
	members := len(r.conns)
	r.mu.Unlock()

	if err != nil {
		g.Leave(c)
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}
	g.logger.InfoContext(ctx, "joined", "doc", docID, "conn", c.id, "members", members)
	return c, nil
}

// acquire returns the ready room for docID holding a reference on it.
func (g *Registry) acquire(docID string) (*Room, error) {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r, exists := g.rooms[docID]
	var previous chan struct{}
	if !exists {
		r = newRoom(docID)
		g.rooms[docID] = r
		previous = g.closing[docID]
		g.live.Add(1)
	}
	r.refs++
	g.mu.Unlock()

	if !exists {
		g.open(r, previous)
	}
	<-r.ready
	if r.err != nil {
		g.release(r)
		return nil, r.err
	}
	return r, nil
}

func (g *Registry) open(r *Room, previous chan struct{}) {
	defer close(r.ready)
	// a room for the same document may still be flushing; loading now would miss its writes
	if previous != nil {
		<-previous
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.setupTimeout)
	defer cancel()

	entry, err := g.store.GetOrCreate(ctx, r.docID)
	if err != nil {
		g.mu.Lock()
		r.err = fmt.Errorf("failed to open %s: %w", r.docID, err)
		if g.rooms[r.docID] == r {
			delete(g.rooms, r.docID)
		}
		g.mu.Unlock()
		g.live.Done()
		g.logger.Error("failed to open room", "doc", r.docID, "err", err)
		return
	}
	r.entry = entry

	if g.relay != nil {
		unsubscribe, err := g.relay.Subscribe(r.docID, func(frame []byte) { g.handleRemote(r, frame) })
		if err != nil {
			g.logger.Error("failed to subscribe to relay, room stays local", "doc", r.docID, "err", err)
		} else {
			r.unsubscribeRelay = unsubscribe
		}
	}
}

// release drops a reference on r and destroys it when it was the last one.
func (g *Registry) release(r *Room) {
	g.mu.Lock()
	r.refs--
	if r.refs > 0 || r.err != nil {
		g.mu.Unlock()
		return
	}
	if g.rooms[r.docID] == r {
		delete(g.rooms, r.docID)
	}
	done := make(chan struct{})
	g.closing[r.docID] = done
	g.mu.Unlock()

	g.destroy(r)
	close(done)

	g.mu.Lock()
	if g.closing[r.docID] == done {
		delete(g.closing, r.docID)
	}
	g.mu.Unlock()
	g.live.Done()
}

func (g *Registry) destroy(r *Room) {
	r.mu.Lock()
	r.destroyed = true
	r.awareness = nil
	unsubscribe := r.unsubscribeRelay
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.setupTimeout)
	defer cancel()
	if err := g.store.Remove(ctx, r.docID); err != nil {
		g.logger.Error("failed to flush document", "doc", r.docID, "err", err)
	}
	g.logger.Info("destroyed room", "doc", r.docID)
}

// Leave detaches c from its room. It is safe to call more than once and from any goroutine.
func (g *Registry) Leave(c *Connection) {
	if !c.left.CompareAndSwap(false, true) {
		return
	}
	c.closed.Store(true)
	r := c.room

	r.mu.Lock()
	delete(r.conns, c)
	var failed []*Connection
	var removal []byte
	if removed := r.awareness.RemoveOwner(c); len(removed) > 0 {
		removal = encodeAwarenessFrame(removed)
		failed = r.fanOut(nil, removal)
	}
	members := len(r.conns)
	r.mu.Unlock()

	g.logger.Info("left", "doc", c.docID, "conn", c.id, "members", members)
	if removal != nil {
		g.publish(c.docID, removal)
	}
	g.drop(failed)
	g.release(r)
}

// HandleMessage processes one inbound frame from c. A returned error is a protocol
// violation; the caller should close the connection.
func (g *Registry) HandleMessage(c *Connection, frame []byte) error {
	if c.left.Load() {
		return ErrTransportClosed
	}
	res, err := c.room.handle(c, frame)
	if res.relay != nil {
		g.publish(c.docID, res.relay)
	}
	g.drop(res.failed)
	return err
}

func (g *Registry) handleRemote(r *Room, frame []byte) {
	failed, err := r.handleRemote(frame)
	if err != nil {
		g.logger.Warn("dropped relayed frame", "doc", r.docID, "err", err)
	}
	g.drop(failed)
}

func (g *Registry) publish(docID string, frame []byte) {
	if g.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.relay.Publish(ctx, docID, frame); err != nil {
		g.logger.Error("failed to publish to relay", "doc", docID, "err", err)
	}
}

// drop disconnects peers whose sends failed.
func (g *Registry) drop(failed []*Connection) {
	for _, c := range failed {
		g.logger.Warn("dropping slow connection", "doc", c.docID, "conn", c.id)
		_ = c.transport.Close(CloseSlowConsumer, "Slow consumer")
		g.Leave(c)
	}
}

// Shutdown disconnects every connection and waits until every room has flushed.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shutdown = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	for _, r := range rooms {
		<-r.ready
		if r.err != nil {
			continue
		}
		for _, c := range r.members() {
			_ = c.transport.Close(CloseShutdown, "Server shutting down")
			g.Leave(c)
		}
	}

	done := make(chan struct{})
	go func() {
		g.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of active rooms.
func (g *Registry) Len() int {
	return len(g.ActiveDocuments())
}

// ActiveDocuments returns the ids of every document with a live room.
func (g *Registry) ActiveDocuments() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.rooms))
	for id, r := range g.rooms {
		select {
		case <-r.ready:
			if r.err == nil {
				out = append(out, id)
			}
		default:
		}
	}
	sort.Strings(out)
	return out
}

func (g *Registry) Stats() []RoomStats {
	var out []RoomStats
	for _, id := range g.ActiveDocuments() {
		if r := g.room(id); r != nil {
			out = append(out, r.stats())
		}
	}
	return out
}

// WithReplica runs fn against the live replica of docID while holding the room.
func (g *Registry) WithReplica(docID string, fn func(replica.Replica) error) error {
	r := g.room(docID)
	if r == nil {
		return ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrRoomNotFound
	}
	return fn(r.entry.Replica)
}

func (g *Registry) room(docID string) *Room {
	g.mu.Lock()
	r := g.rooms[docID]
	g.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.ready:
	default:
		return nil
	}
	if r.err != nil {
		return nil
	}
	return r
}
