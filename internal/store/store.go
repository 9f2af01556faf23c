package store

import (
	"sync"

	"pharmacy-chat-client/internal/model"
)

// MessageStore is the ordered, append-only log of messages for one session.
// Ordering is arrival order of authoritative events, not client send order.
// Duplicate ids collapse to the first-seen entry.
type MessageStore struct {
	mu       sync.Mutex
	messages []model.Message
	byID     map[string]struct{}
	frozen   bool
}

func New() *MessageStore {
	return &MessageStore{
		byID: make(map[string]struct{}),
	}
}

// Append inserts a message at the tail. Messages without an id or with an
// id already stored are ignored, which makes replayed and duplicated
// transport deliveries harmless.
func (s *MessageStore) Append(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append(msg)
}

// LoadHistory bulk-seeds the store from the history fetch, deduplicating
// against anything already appended from live events.
func (s *MessageStore) LoadHistory(messages []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range messages {
		s.append(msg)
	}
}

func (s *MessageStore) append(msg model.Message) {
	if s.frozen || msg.ID == "" {
		return
	}
	if _, exists := s.byID[msg.ID]; exists {
		return
	}
	s.byID[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
}

// List returns a copy of the stored messages in arrival order. Safe to call
// repeatedly; never mutates the store.
func (s *MessageStore) List() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Freeze stops further writes. Called when the session ends; the transcript
// stays readable.
func (s *MessageStore) Freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}
