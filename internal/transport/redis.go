package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisTransport carries the same event contract over a session-scoped
// redis pub/sub channel. Store-channel clients run inside pharmacy branches
// where the support backend already fans chat events out through redis.
type RedisTransport struct {
	client *redis.Client
	events registry

	mu        sync.Mutex
	connected bool
	closed    bool
	sessionID string
	pubsub    *redis.PubSub
	refs      int
}

func NewRedisTransport(addr, password string) *RedisTransport {
	return &RedisTransport{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
	}
}

func channelFor(sessionID string) string {
	return "chat:" + sessionID
}

func (t *RedisTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	t.events.notifyState(StateConnecting)

	if err := t.client.Ping(ctx).Err(); err != nil {
		t.events.notifyState(StateOffline)
		return fmt.Errorf("transport: redis ping: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	incConnections()
	t.events.notifyState(StateOnline)
	return nil
}

func (t *RedisTransport) JoinSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrOffline
	}
	if t.sessionID == sessionID {
		t.mu.Unlock()
		return nil
	}
	if t.pubsub != nil {
		t.pubsub.Close()
	}
	t.sessionID = sessionID
	pubsub := t.client.Subscribe(ctx, channelFor(sessionID))
	t.pubsub = pubsub
	t.mu.Unlock()

	go t.consume(pubsub)

	return t.Publish(ctx, EventJoinChat, JoinChatPayload{SessionID: sessionID})
}

func (t *RedisTransport) Publish(ctx context.Context, event EventType, payload interface{}) error {
	t.mu.Lock()
	connected := t.connected
	sessionID := t.sessionID
	t.mu.Unlock()

	if !connected {
		return ErrOffline
	}
	if sessionID == "" {
		return ErrSessionRequired
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("transport: marshal %s envelope: %w", event, err)
	}

	if err := t.client.Publish(ctx, channelFor(sessionID), string(data)).Err(); err != nil {
		return fmt.Errorf("transport: redis publish %s: %w", event, err)
	}
	incPublished()
	return nil
}

// consume dispatches envelopes from the session channel. go-redis recovers
// dropped connections under the hood, so the channel only closes on an
// explicit unsubscribe or Disconnect.
func (t *RedisTransport) consume(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("transport: dropping malformed frame on %s: %v", msg.Channel, err)
			continue
		}
		t.events.dispatch(env)
	}

	t.mu.Lock()
	closed := t.closed || t.pubsub != pubsub
	t.mu.Unlock()
	if !closed {
		t.events.notifyState(StateOffline)
	}
}

func (t *RedisTransport) OnEvent(event EventType, h Handler) error {
	return t.events.on(event, h)
}

func (t *RedisTransport) OnConnectionState(fn func(ConnState)) {
	t.events.onState(fn)
}

func (t *RedisTransport) Acquire() func() {
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.refs--
			last := t.refs <= 0
			t.mu.Unlock()
			if last {
				t.Disconnect()
			}
		})
	}
}

func (t *RedisTransport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	wasConnected := t.connected
	t.connected = false
	t.sessionID = ""
	pubsub := t.pubsub
	t.pubsub = nil
	t.mu.Unlock()

	if pubsub != nil {
		pubsub.Close()
	}
	if err := t.client.Close(); err != nil {
		log.Printf("transport: redis close: %v", err)
	}
	if wasConnected {
		decConnections()
	}
	t.events.notifyState(StateOffline)
	t.events.clear()
	return nil
}
