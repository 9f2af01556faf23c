package transport

import (
	"context"
	"encoding/json"
	"errors"

	"pharmacy-chat-client/internal/model"
)

type EventType string

// Server to client events. These are the only types OnEvent accepts.
const (
	EventNewMessage    EventType = "new-message"
	EventAgentAssigned EventType = "agent-assigned"
	EventUserTyping    EventType = "user-typing"
	EventStatusUpdated EventType = "chat-status-updated"
)

// Client to server events.
const (
	EventJoinChat    EventType = "join-chat"
	EventSendMessage EventType = "send-message"
	EventTypingStart EventType = "typing-start"
	EventTypingStop  EventType = "typing-stop"
)

type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOnline     ConnState = "online"
	StateOffline    ConnState = "offline"
)

const StatusClosed = "closed"

var (
	ErrOffline         = errors.New("transport: not connected")
	ErrSessionRequired = errors.New("transport: session id required")
	ErrUnknownEvent    = errors.New("transport: unknown inbound event type")
)

// Envelope is the wire frame for every event in either direction.
type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SenderInfo struct {
	Role model.Sender `json:"role"`
	ID   string       `json:"id,omitempty"`
	Name string       `json:"name,omitempty"`
}

type JoinChatPayload struct {
	SessionID string `json:"sessionId"`
}

type SendMessagePayload struct {
	SessionID  string     `json:"sessionId"`
	Content    string     `json:"content"`
	Type       string     `json:"type"`
	SenderInfo SenderInfo `json:"senderInfo"`
}

type TypingPayload struct {
	SessionID  string     `json:"sessionId"`
	SenderInfo SenderInfo `json:"senderInfo"`
}

type AgentAssignedPayload struct {
	AgentInfo     model.Agent   `json:"agentInfo"`
	SystemMessage model.Message `json:"systemMessage"`
}

type StatusUpdatedPayload struct {
	Status        string        `json:"status"`
	SystemMessage model.Message `json:"systemMessage"`
}

type UserTypingPayload struct {
	SenderInfo SenderInfo `json:"senderInfo"`
}

// Handler receives a decoded envelope. Payloads are accessed through the
// Decode helpers so a malformed event degrades to zero values instead of
// breaking dispatch.
type Handler func(Envelope)

// Transport owns one live connection to the support backend and translates
// push events into typed local events. Duplicate deliveries are tolerated
// downstream by the message store, not here.
type Transport interface {
	// Connect is idempotent; observers see connecting then online/offline.
	Connect(ctx context.Context) error
	// JoinSession scopes the connection to one session's events. No-op when
	// already joined to the same id.
	JoinSession(ctx context.Context, sessionID string) error
	// Publish is fire and forget; it never waits for acknowledgment.
	Publish(ctx context.Context, event EventType, payload interface{}) error
	// OnEvent registers a handler for a server-to-client event type.
	// Handlers run in registration order.
	OnEvent(event EventType, h Handler) error
	OnConnectionState(fn func(ConnState))
	// Acquire reference-counts the connection by UI mount. The returned
	// release closes the connection only when the last holder is gone.
	Acquire() (release func())
	// Disconnect releases the connection; safe to call repeatedly.
	Disconnect() error
}

func DecodeNewMessage(env Envelope) model.Message {
	var msg model.Message
	_ = json.Unmarshal(env.Payload, &msg)
	return msg
}

func DecodeAgentAssigned(env Envelope) AgentAssignedPayload {
	var p AgentAssignedPayload
	_ = json.Unmarshal(env.Payload, &p)
	return p
}

func DecodeStatusUpdated(env Envelope) StatusUpdatedPayload {
	var p StatusUpdatedPayload
	_ = json.Unmarshal(env.Payload, &p)
	return p
}

func DecodeUserTyping(env Envelope) UserTypingPayload {
	var p UserTypingPayload
	_ = json.Unmarshal(env.Payload, &p)
	return p
}

func isInboundEvent(event EventType) bool {
	switch event {
	case EventNewMessage, EventAgentAssigned, EventUserTyping, EventStatusUpdated:
		return true
	}
	return false
}
