// Package client connects a local replica to a sync server over a websocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-sync/pkg/awareness"
	"github.com/astromechza/automerge-sync/pkg/protocol"
	"github.com/astromechza/automerge-sync/pkg/replica"
)

var ErrClosed = errors.New("client is closed")

type remoteOrigin struct{}

// Remote is the replica origin of updates received from the server.
var Remote replica.Origin = remoteOrigin{}

type Options struct {
	Token string
	// ClientID identifies this client in awareness updates; a random one is chosen when zero.
	ClientID     uint64
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

type Client struct {
	conn         *websocket.Conn
	replica      *replica.Automerge
	clientID     uint64
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	clock     uint64
	state     json.RawMessage
	peers     *awareness.Table
	listeners []func(text string)

	synced     chan struct{}
	syncedOnce sync.Once
	done       chan struct{}
	err        error
	closeOnce  sync.Once
}

// Dial opens a connection to the document docID on the server at baseURL (a ws:// or
// wss:// url) and starts the sync handshake.
func Dial(ctx context.Context, baseURL, docID string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	u = u.JoinPath(docID)
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ClientID == 0 {
		opts.ClientID = uint64(rand.Uint32()) + 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, _, err := opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	c := &Client{
		conn:         conn,
		replica:      replica.NewAutomerge(),
		clientID:     opts.ClientID,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With("doc", docID),
		peers:        awareness.NewTable(),
		synced:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.replica.Subscribe(c.notify)
	if err := c.write(protocol.EncodeSyncStep1(c.replica.EncodeStateSummary())); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) ClientID() uint64 {
	return c.clientID
}

// WaitSynced blocks until the server has sent its full state. Edits made before that may
// create a second copy of the shared text.
func (c *Client) WaitSynced(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended; it is nil while the connection is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// OnChange registers fn to be called with the new text whenever a remote update changes it.
func (c *Client) OnChange(fn func(text string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) Text() (string, error) {
	return c.replica.Text()
}

func (c *Client) Replica() *replica.Automerge {
	return c.replica
}

func (c *Client) InsertText(pos int, s string) error {
	update, err := c.replica.InsertText(pos, s)
	if err != nil {
		return err
	}
	return c.write(protocol.EncodeSyncUpdate(update))
}

func (c *Client) AppendText(s string) error {
	update, err := c.replica.AppendText(s)
	if err != nil {
		return err
	}
	return c.write(protocol.EncodeSyncUpdate(update))
}

// SetAwareness publishes state as this client's presence. A nil state withdraws it.
func (c *Client) SetAwareness(state any) error {
	var raw json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to marshal awareness state: %w", err)
		}
		raw = b
	}
	c.mu.Lock()
	c.clock++
	c.state = raw
	entry := awareness.Entry{ClientID: c.clientID, Clock: c.clock, State: raw}
	c.mu.Unlock()
	return c.write(protocol.EncodeAwareness(awareness.EncodeUpdate([]awareness.Entry{entry})))
}

// Peers returns the awareness states of the other clients on the document.
func (c *Client) Peers() map[uint64]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]json.RawMessage)
	for _, e := range c.peers.Snapshot() {
		if e.ClientID != c.clientID {
			out[e.ClientID] = e.State
		}
	}
	return out
}

// Close withdraws this client's awareness state and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	announced := c.clock > 0
	c.mu.Unlock()
	if announced {
		_ = c.SetAwareness(nil)
	}
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout),
		)
		c.writeMu.Unlock()
	})
	select {
	case <-c.done:
	case <-time.After(c.writeTimeout):
	}
	return c.conn.Close()
}

func (c *Client) write(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) notify(u replica.Update) {
	if u.Origin != Remote {
		return
	}
	text, err := c.replica.Text()
	if err != nil {
		return
	}
	c.mu.Lock()
	listeners := append([]func(string){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(text)
	}
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
			err = nil
		}
		c.err = err
		close(c.done)
	}()
	for {
		var frame []byte
		if _, frame, err = c.conn.ReadMessage(); err != nil {
			return
		}
		if err = c.handle(frame); err != nil {
			c.logger.Error("failed to handle message", "err", err)
			return
		}
	}
}

func (c *Client) handle(frame []byte) error {
	mt, payload, err := protocol.ReadMessageType(frame)
	if err != nil {
		return err
	}
	switch mt {
	case protocol.MessageSync:
		st, body, err := protocol.DecodeSync(payload)
		if err != nil {
			return err
		}
		switch st {
		case protocol.SyncStep1:
			diff, err := c.replica.Diff(body)
			if err != nil {
				return err
			}
			return c.write(protocol.EncodeSyncStep2(diff))
		case protocol.SyncStep2:
			if _, err := c.replica.ApplyUpdate(body, Remote); err != nil {
				return err
			}
			c.syncedOnce.Do(func() { close(c.synced) })
		case protocol.SyncUpdate:
			if _, err := c.replica.ApplyUpdate(body, Remote); err != nil {
				return err
			}
		}
	case protocol.MessageAwareness:
		update, err := protocol.DecodeAwareness(payload)
		if err != nil {
			return err
		}
		entries, err := awareness.DecodeUpdate(update)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.peers.Apply(nil, entries)
		c.mu.Unlock()
	case protocol.MessageQueryAwareness:
		c.mu.Lock()
		entry := awareness.Entry{ClientID: c.clientID, Clock: c.clock, State: c.state}
		announced := c.clock > 0
		c.mu.Unlock()
		if announced {
			return c.write(protocol.EncodeAwareness(awareness.EncodeUpdate([]awareness.Entry{entry})))
		}
	}
	return nil
}
