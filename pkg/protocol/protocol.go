// Package protocol implements the binary framing spoken over a document connection.
//
// Every frame starts with a varint message type. Sync frames carry a varint sub-type and a
// length-prefixed body; awareness frames carry a length-prefixed awareness update; auth frames
// are reserved; awareness-query frames have no payload.
package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType uint64

const (
	MessageSync           MessageType = 0
	MessageAwareness      MessageType = 1
	MessageAuth           MessageType = 2
	MessageQueryAwareness MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	case MessageQueryAwareness:
		return "query-awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

type SyncType uint64

const (
	SyncStep1  SyncType = 0
	SyncStep2  SyncType = 1
	SyncUpdate SyncType = 2
)

func (t SyncType) String() string {
	switch t {
	case SyncStep1:
		return "sync-step-1"
	case SyncStep2:
		return "sync-step-2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

var ErrMalformed = errors.New("malformed message")

// ReadMessageType splits a frame into its message type and the remaining payload.
func ReadMessageType(frame []byte) (MessageType, []byte, error) {
	v, n := protowire.ConsumeVarint(frame)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: bad message type", ErrMalformed)
	}
	return MessageType(v), frame[n:], nil
}

// DecodeSync reads the sub-type and body of a sync payload.
func DecodeSync(payload []byte) (SyncType, []byte, error) {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: bad sync type", ErrMalformed)
	}
	st := SyncType(v)
	if st > SyncUpdate {
		return 0, nil, fmt.Errorf("%w: unknown sync type %d", ErrMalformed, v)
	}
	body, m := protowire.ConsumeBytes(payload[n:])
	if m < 0 {
		return 0, nil, fmt.Errorf("%w: truncated %s", ErrMalformed, st)
	}
	return st, body, nil
}

// DecodeAwareness reads the awareness update out of an awareness payload.
func DecodeAwareness(payload []byte) ([]byte, error) {
	body, n := protowire.ConsumeBytes(payload)
	if n < 0 {
		return nil, fmt.Errorf("%w: truncated awareness", ErrMalformed)
	}
	return body, nil
}

func EncodeSyncStep1(summary []byte) []byte {
	return encodeSync(SyncStep1, summary)
}

func EncodeSyncStep2(diff []byte) []byte {
	return encodeSync(SyncStep2, diff)
}

func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func EncodeAwareness(update []byte) []byte {
	out := protowire.AppendVarint(make([]byte, 0, len(update)+8), uint64(MessageAwareness))
	return protowire.AppendBytes(out, update)
}

func EncodeQueryAwareness() []byte {
	return protowire.AppendVarint(nil, uint64(MessageQueryAwareness))
}

func encodeSync(st SyncType, body []byte) []byte {
	out := make([]byte, 0, len(body)+12)
	out = protowire.AppendVarint(out, uint64(MessageSync))
	out = protowire.AppendVarint(out, uint64(st))
	return protowire.AppendBytes(out, body)
}
