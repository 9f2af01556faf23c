package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 30 * time.Second
	maxFrameSize     = 512 * 1024
	initialReconnect = time.Second
	maxReconnect     = 30 * time.Second
)

// WSTransport is the websocket implementation of Transport used by the
// website channel. One instance owns at most one live connection; the
// controller shares it across UI mounts via Acquire.
type WSTransport struct {
	url    string
	dialer *websocket.Dialer
	events registry

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	sessionID string
	done      chan struct{}
	refs      int
}

func NewWSTransport(url string) *WSTransport {
	return &WSTransport{
		url:    url,
		dialer: websocket.DefaultDialer,
	}
}

func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closed = false
	t.mu.Unlock()

	t.events.notifyState(StateConnecting)

	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.events.notifyState(StateOffline)
		return fmt.Errorf("transport: dial %s: %w", t.url, err)
	}

	t.startConn(conn)
	t.events.notifyState(StateOnline)
	return nil
}

func (t *WSTransport) startConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	incConnections()
	go t.keepAlive(conn, done)
	go t.readLoop(conn, done)
}

func (t *WSTransport) JoinSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}

	t.mu.Lock()
	if t.sessionID == sessionID {
		t.mu.Unlock()
		return nil
	}
	t.sessionID = sessionID
	t.mu.Unlock()

	return t.Publish(ctx, EventJoinChat, JoinChatPayload{SessionID: sessionID})
}

func (t *WSTransport) Publish(ctx context.Context, event EventType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", event, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || t.conn == nil {
		return ErrOffline
	}
	if err := t.conn.WriteJSON(Envelope{Event: event, Payload: raw}); err != nil {
		return fmt.Errorf("transport: write %s: %w", event, err)
	}
	incPublished()
	return nil
}

func (t *WSTransport) OnEvent(event EventType, h Handler) error {
	return t.events.on(event, h)
}

func (t *WSTransport) OnConnectionState(fn func(ConnState)) {
	t.events.onState(fn)
}

func (t *WSTransport) Acquire() func() {
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

func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.sessionID = ""
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.events.notifyState(StateOffline)
	t.events.clear()
	return nil
}

func (t *WSTransport) keepAlive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.conn != conn {
				t.mu.Unlock()
				return
			}
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()

			if err != nil {
				log.Printf("transport: ping failed: %v", err)
				return
			}
		}
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("transport: recovered from panic in readLoop: %v", r)
		}
		close(done)
		decConnections()
	}()

	conn.SetReadLimit(maxFrameSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); !ok ||
				(closeErr.Code != websocket.CloseNormalClosure &&
					closeErr.Code != websocket.CloseGoingAway &&
					closeErr.Code != websocket.CloseNoStatusReceived) {
				log.Printf("transport: read error: %v", err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// A malformed frame is never fatal to the session.
			log.Printf("transport: dropping malformed frame: %v", err)
			continue
		}
		t.events.dispatch(env)
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.connected = false
	}
	wasClosed := t.closed
	t.mu.Unlock()

	if wasClosed {
		return
	}

	t.events.notifyState(StateOffline)
	go t.reconnect()
}

// reconnect redials with backoff until the connection is re-established or
// the transport is explicitly disconnected. The active session is re-joined
// before dispatch resumes; message gaps during the outage are the
// controller's to backfill via the history fetch.
func (t *WSTransport) reconnect() {
	wait := initialReconnect

	for {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		t.events.notifyState(StateConnecting)
		incReconnects()

		conn, _, err := t.dialer.Dial(t.url, nil)
		if err != nil {
			log.Printf("transport: reconnect failed: %v", err)
			time.Sleep(wait)
			if wait < maxReconnect {
				wait *= 2
			}
			continue
		}

		t.startConn(conn)

		t.mu.Lock()
		sessionID := t.sessionID
		t.mu.Unlock()
		if sessionID != "" {
			if err := t.Publish(context.Background(), EventJoinChat, JoinChatPayload{SessionID: sessionID}); err != nil {
				log.Printf("transport: re-join after reconnect failed: %v", err)
			}
		}

		t.events.notifyState(StateOnline)
		return
	}
}
