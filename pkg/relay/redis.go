// Package relay links server processes that host the same documents through Redis pub/sub.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChannelPrefix namespaces the per-document channels.
const ChannelPrefix = "docsync:"

var ErrClosed = errors.New("relay is closed")

// Redis publishes frames on one channel per document. Every message is prefixed with the
// publishing node's id so a node never handles its own frames.
type Redis struct {
	client *redis.Client
	nodeID uuid.UUID
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*redis.PubSub]struct{}
}

func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		nodeID: uuid.New(),
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Dial connects to addr and checks it answers a ping.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return NewRedis(client, logger), nil
}

func (r *Redis) NodeID() uuid.UUID {
	return r.nodeID
}

func channel(docID string) string {
	return ChannelPrefix + docID
}

func (r *Redis) Publish(ctx context.Context, docID string, frame []byte) error {
	msg := make([]byte, 0, len(r.nodeID)+len(frame))
	msg = append(msg, r.nodeID[:]...)
	msg = append(msg, frame...)
	if err := r.client.Publish(ctx, channel(docID), msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel(docID), err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server. fn is called from a
// single goroutine in publish order and may itself unsubscribe.
func (r *Redis) Subscribe(docID string, fn func(frame []byte)) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ctx := context.Background()
	ps := r.client.Subscribe(ctx, channel(docID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel(docID), err)
	}

	r.mu.Lock()
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			payload := []byte(msg.Payload)
			if len(payload) < len(r.nodeID) {
				r.logger.Warn("ignoring short relay message", "channel", msg.Channel)
				continue
			}
			if uuid.UUID(payload[:len(r.nodeID)]) == r.nodeID {
				continue
			}
			fn(payload[len(r.nodeID):])
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			if err := ps.Close(); err != nil {
				r.logger.Warn("failed to close subscription", "doc", docID, "err", err)
			}
		})
	}, nil
}

// Close ends every subscription and the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()
	for ps := range subs {
		_ = ps.Close()
	}
	return r.client.Close()
}
