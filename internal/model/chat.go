package model

import "time"

type Stage string

const (
	StageForm      Stage = "form"
	StageWaiting   Stage = "waiting"
	StageConnected Stage = "connected"
	StageEnded     Stage = "ended"
)

type Origin string

const (
	OriginWebsite Origin = "website"
	OriginStore   Origin = "store"
)

type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatSession holds the client-side view of one support conversation.
// Agent is nil until the backend assigns one; it stays set once the
// session ends.
type ChatSession struct {
	ID        string    `json:"sessionId"`
	Stage     Stage     `json:"stage"`
	Customer  Customer  `json:"customer"`
	Subject   string    `json:"subject,omitempty"`
	Agent     *Agent    `json:"agent,omitempty"`
	StartTime time.Time `json:"startTime"`
	Origin    Origin    `json:"originChannel"`
}

type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Sender     Sender    `json:"sender"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// TypingIndicator is ephemeral presence state. There is no explicit stop
// event on the wire; readers compare ExpiresAt against their clock.
type TypingIndicator struct {
	SessionID string    `json:"sessionId"`
	Role      Sender    `json:"senderRole"`
	ExpiresAt time.Time `json:"-"`
}

func (t TypingIndicator) ActiveAt(now time.Time) bool {
	return t.SessionID != "" && now.Before(t.ExpiresAt)
}
