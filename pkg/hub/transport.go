package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	CloseUnauthorized     = 4003
	CloseInvalidDocument  = websocket.ClosePolicyViolation
	CloseMalformedMessage = websocket.ClosePolicyViolation
	CloseServerError      = websocket.CloseInternalServerErr
	CloseSlowConsumer     = websocket.CloseTryAgainLater
	CloseShutdown         = websocket.CloseGoingAway
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSlowConsumer    = errors.New("outbound queue full")
)

// Transport is the outbound half of a client connection as seen by a room.
type Transport interface {
	// Send queues msg without blocking. An error means the peer is gone or cannot keep up.
	Send(msg []byte) error
	// Close tells the peer why it is being disconnected and releases the transport. Only the
	// first call has any effect.
	Close(code int, reason string) error
}

type TransportOptions struct {
	// SendBuffer is how many outbound messages may queue before the peer is dropped.
	SendBuffer   int
	WriteTimeout time.Duration
	// PingInterval enables keepalive pings; a peer that does not answer within PongTimeout is dropped.
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (o TransportOptions) withDefaults() TransportOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval > 0 && o.PongTimeout <= o.PingInterval {
		o.PongTimeout = o.PingInterval * 2
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16 << 20
	}
	return o
}

// wsTransport pumps queued messages to a websocket from its own goroutine so a slow peer
// only ever stalls itself.
type wsTransport struct {
	conn      *websocket.Conn
	opts      TransportOptions
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, opts TransportOptions) *wsTransport {
	opts = opts.withDefaults()
	t := &wsTransport{
		conn: conn,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(opts.MaxMessageSize)
	if opts.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		})
	}
	go t.writePump()
	return t
}

func (t *wsTransport) Send(msg []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrSlowConsumer
	}
}

// Read blocks for the next data message.
func (t *wsTransport) Read() ([]byte, error) {
	_, p, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if t.opts.PingInterval > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.PongTimeout))
	}
	return p, nil
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(t.opts.WriteTimeout),
		)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) writePump() {
	var ping <-chan time.Time
	if t.opts.PingInterval > 0 {
		ticker := time.NewTicker(t.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case msg := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				_ = t.Close(CloseSlowConsumer, "write failed")
				return
			}
		case <-ping:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout)); err != nil {
				_ = t.Close(CloseSlowConsumer, "ping failed")
				return
			}
		case <-t.done:
			return
		}
	}
}
