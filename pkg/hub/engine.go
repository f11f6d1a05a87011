package hub

import (
	"errors"
	"fmt"

	"github.com/astromechza/automerge-sync/pkg/awareness"
	"github.com/astromechza/automerge-sync/pkg/protocol"
)

var ErrUnknownMessageType = errors.New("unknown message type")

type relayedOrigin struct{}

// fromRelay is the replica origin of updates received from another server process.
var fromRelay = relayedOrigin{}

type handleResult struct {
	// failed members must be dropped once the room lock is released
	failed []*Connection
	// relay is the frame to publish to other processes, if any
	relay []byte
}

// handle applies one frame from c. Content updates are relayed as the original frame bytes
// rather than re-encoded per recipient; nothing is reordered or held back.
func (r *Room) handle(c *Connection, frame []byte) (handleResult, error) {
	var res handleResult
	mt, payload, err := protocol.ReadMessageType(frame)
	if err != nil {
		return res, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Leave may have run between the caller's check and the lock, tearing the room down
	if r.destroyed || c.left.Load() {
		return res, ErrTransportClosed
	}

	switch mt {
	case protocol.MessageSync:
		st, body, err := protocol.DecodeSync(payload)
		if err != nil {
			return res, err
		}
		switch st {
		case protocol.SyncStep1:
			diff, err := r.entry.Replica.Diff(body)
			if err != nil {
				return res, fmt.Errorf("failed to diff against peer summary: %w", err)
			}
			if err := c.send(protocol.EncodeSyncStep2(diff)); err != nil {
				c.closed.Store(true)
				res.failed = append(res.failed, c)
			}
		case protocol.SyncStep2, protocol.SyncUpdate:
			changed, err := r.entry.Replica.ApplyUpdate(body, c)
			if err != nil {
				return res, fmt.Errorf("failed to apply %s: %w", st, err)
			}
			if st == protocol.SyncStep2 {
				c.state = Synchronized
			}
			if changed {
				res.failed = append(res.failed, r.fanOut(c, frame)...)
				res.relay = frame
			}
		}

	case protocol.MessageAwareness:
		update, err := protocol.DecodeAwareness(payload)
		if err != nil {
			return res, err
		}
		entries, err := awareness.DecodeUpdate(update)
		if err != nil {
			return res, err
		}
		applied := r.awareness.Apply(c, entries)
		if !c.hasClientID && len(applied) > 0 {
			c.clientID, c.hasClientID = applied[0].ClientID, true
		}
		res.failed = append(res.failed, r.fanOut(c, frame)...)
		res.relay = frame

	case protocol.MessageAuth:

	case protocol.MessageQueryAwareness:
		if err := c.send(r.awarenessSnapshotFrame()); err != nil {
			c.closed.Store(true)
			res.failed = append(res.failed, c)
		}

	default:
		return res, fmt.Errorf("%w: %s", ErrUnknownMessageType, mt)
	}
	return res, nil
}

// handleRemote applies a frame published by another process and forwards it to every local
// member. Remote awareness clients have no local owner; their own process announces removal.
func (r *Room) handleRemote(frame []byte) ([]*Connection, error) {
	mt, payload, err := protocol.ReadMessageType(frame)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, nil
	}

	switch mt {
	case protocol.MessageSync:
		st, body, err := protocol.DecodeSync(payload)
		if err != nil {
			return nil, err
		}
		if st == protocol.SyncStep1 {
			return nil, nil
		}
		changed, err := r.entry.Replica.ApplyUpdate(body, fromRelay)
		if err != nil || !changed {
			return nil, err
		}
		return r.fanOut(nil, frame), nil

	case protocol.MessageAwareness:
		update, err := protocol.DecodeAwareness(payload)
		if err != nil {
			return nil, err
		}
		entries, err := awareness.DecodeUpdate(update)
		if err != nil {
			return nil, err
		}
		r.awareness.Apply(nil, entries)
		return r.fanOut(nil, frame), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, mt)
}

func encodeAwarenessFrame(entries []awareness.Entry) []byte {
	return protocol.EncodeAwareness(awareness.EncodeUpdate(entries))
}
