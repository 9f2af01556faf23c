package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pharmacy-chat-client/internal/intake"
	"pharmacy-chat-client/internal/model"
	"pharmacy-chat-client/internal/queue"
	"pharmacy-chat-client/internal/supportapi"
	"pharmacy-chat-client/internal/transport"
)

type publishRecord struct {
	Event   transport.EventType
	Payload interface{}
}

type fakeTransport struct {
	mu         sync.Mutex
	handlers   map[transport.EventType][]transport.Handler
	observers  []func(transport.ConnState)
	published  []publishRecord
	joined     []string
	connected  bool
	refs       int
	publishErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[transport.EventType][]transport.Handler),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.setState(transport.StateOnline)
	return nil
}

func (f *fakeTransport) JoinSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return transport.ErrSessionRequired
	}
	f.mu.Lock()
	f.joined = append(f.joined, sessionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, event transport.EventType, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishRecord{Event: event, Payload: payload})
	return nil
}

func (f *fakeTransport) OnEvent(event transport.EventType, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	return nil
}

func (f *fakeTransport) OnConnectionState(fn func(transport.ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

func (f *fakeTransport) Acquire() func() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.refs--
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) emit(t *testing.T, event transport.EventType, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handlers := make([]transport.Handler, len(f.handlers[event]))
	copy(handlers, f.handlers[event])
	f.mu.Unlock()
	for _, h := range handlers {
		h(transport.Envelope{Event: event, Payload: raw})
	}
}

func (f *fakeTransport) setState(state transport.ConnState) {
	f.mu.Lock()
	observers := make([]func(transport.ConnState), len(f.observers))
	copy(observers, f.observers)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}

func (f *fakeTransport) publishedEvents() []transport.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.EventType, 0, len(f.published))
	for _, rec := range f.published {
		out = append(out, rec.Event)
	}
	return out
}

func (f *fakeTransport) countPublished(event transport.EventType) int {
	count := 0
	for _, e := range f.publishedEvents() {
		if e == event {
			count++
		}
	}
	return count
}

type postRecord struct {
	SessionID string
	Content   string
	Type      string
}

type fakeAPI struct {
	mu          sync.Mutex
	createRes   supportapi.CreateSessionResponse
	createErr   error
	createCalls int
	history     []model.Message
	listErr     error
	posted      []postRecord
	postErr     error
}

func (f *fakeAPI) CreateSession(ctx context.Context, req supportapi.CreateSessionRequest) (supportapi.CreateSessionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return supportapi.CreateSessionResponse{}, f.createErr
	}
	return f.createRes, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.history, nil
}

func (f *fakeAPI) PostMessage(ctx context.Context, sessionID, content, msgType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, postRecord{SessionID: sessionID, Content: content, Type: msgType})
	return nil
}

type virtualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newVirtualClock() *virtualClock {
	return &virtualClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func validForm() intake.Form {
	return intake.Form{
		Name:    "Dana",
		Email:   "dana@pharmacy.example",
		Phone:   "5551234567",
		Message: "refill question",
	}
}

func newTestController(t *testing.T) (*Controller, *fakeTransport, *fakeAPI, *virtualClock) {
	t.Helper()
	ft := newFakeTransport()
	api := &fakeAPI{
		createRes: supportapi.CreateSessionResponse{SessionID: "session-1"},
	}
	clock := newVirtualClock()
	c := NewController(Config{
		Transport: ft,
		API:       api,
		Now:       clock.Now,
	})
	t.Cleanup(c.Close)
	return c, ft, api, clock
}

func startConnected(t *testing.T, c *Controller, ft *fakeTransport) {
	t.Helper()
	if err := c.Start(context.Background(), validForm()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	ft.emit(t, transport.EventAgentAssigned, transport.AgentAssignedPayload{
		AgentInfo: model.Agent{ID: "agent-1", Name: "Sam"},
		SystemMessage: model.Message{
			ID:      "sys-1",
			Sender:  model.SenderSystem,
			Content: "Sam joined the chat",
		},
	})
	if c.Stage() != model.StageConnected {
		t.Fatalf("expected connected stage, got %s", c.Stage())
	}
}

func TestStartRejectsInvalidIntake(t *testing.T) {
	c, _, api, _ := newTestController(t)

	err := c.Start(context.Background(), intake.Form{Email: "bad"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if sessErr.Code != ErrorCodeValidation {
		t.Fatalf("expected validation code, got %s", sessErr.Code)
	}
	if len(sessErr.Fields) == 0 {
		t.Fatal("expected field errors")
	}
	if c.Stage() != model.StageForm {
		t.Fatalf("stage changed on validation failure: %s", c.Stage())
	}
	if api.createCalls != 0 {
		t.Fatalf("expected no session-creation call, got %d", api.createCalls)
	}
}

func TestStartCreatesSessionAndLoadsHistory(t *testing.T) {
	c, ft, api, _ := newTestController(t)
	api.history = []model.Message{
		{ID: "h1", Sender: model.SenderUser, Content: "refill question"},
		{ID: "h2", Sender: model.SenderSystem, Content: "waiting for an agent"},
	}

	if err := c.Start(context.Background(), validForm()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	if c.Stage() != model.StageWaiting {
		t.Fatalf("expected waiting stage, got %s", c.Stage())
	}
	session := c.Session()
	if session.ID != "session-1" {
		t.Fatalf("unexpected session id %s", session.ID)
	}
	if session.Agent != nil {
		t.Fatal("agent must be nil before assignment")
	}
	if len(ft.joined) != 1 || ft.joined[0] != "session-1" {
		t.Fatalf("expected join for session-1, got %v", ft.joined)
	}
	if got := len(c.Messages()); got != 2 {
		t.Fatalf("expected 2 history messages, got %d", got)
	}
}

func TestStartFailureIsRetryableAndKeepsFormStage(t *testing.T) {
	c, _, api, _ := newTestController(t)
	api.createErr = errors.New("connection refused")

	err := c.Start(context.Background(), validForm())
	if err == nil {
		t.Fatal("expected session-creation error")
	}
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if sessErr.Code != ErrorCodeSessionCreate {
		t.Fatalf("expected session_create_failed, got %s", sessErr.Code)
	}
	if !sessErr.Retryable {
		t.Fatal("expected retryable error")
	}
	if c.Stage() != model.StageForm {
		t.Fatalf("stage must stay at form for retry, got %s", c.Stage())
	}

	// Retry succeeds once the backend recovers.
	api.mu.Lock()
	api.createErr = nil
	api.mu.Unlock()
	if err := c.Start(context.Background(), validForm()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if c.Stage() != model.StageWaiting {
		t.Fatalf("expected waiting after retry, got %s", c.Stage())
	}
}

func TestSendMessageRejectedOutsideConnected(t *testing.T) {
	c, ft, api, _ := newTestController(t)

	if err := c.Start(context.Background(), validForm()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	err := c.SendMessage(context.Background(), "hello")
	var sessErr *Error
	if !errors.As(err, &sessErr) || sessErr.Code != ErrorCodeStage {
		t.Fatalf("expected invalid_stage error, got %v", err)
	}
	if n := ft.countPublished(transport.EventSendMessage); n != 0 {
		t.Fatalf("expected no send-message publish, got %d", n)
	}
	api.mu.Lock()
	posted := len(api.posted)
	api.mu.Unlock()
	if posted != 0 {
		t.Fatalf("expected no durability post, got %d", posted)
	}
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	c, ft, _, _ := newTestController(t)
	startConnected(t, c, ft)

	err := c.SendMessage(context.Background(), "   ")
	var sessErr *Error
	if !errors.As(err, &sessErr) || sessErr.Code != ErrorCodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSendMessageRejectedWhileReconnecting(t *testing.T) {
	c, ft, _, _ := newTestController(t)
	startConnected(t, c, ft)

	ft.setState(transport.StateOffline)
	err := c.SendMessage(context.Background(), "hello")
	var sessErr *Error
	if !errors.As(err, &sessErr) || sessErr.Code != ErrorCodeOffline {
		t.Fatalf("expected transport_offline error, got %v", err)
	}
	if n := ft.countPublished(transport.EventSendMessage); n != 0 {
		t.Fatalf("expected no publish while offline, got %d", n)
	}
	if len(c.PendingSends()) != 0 {
		t.Fatal("rejected send must not leave a pending marker")
	}
	if c.Stage() != model.StageConnected {
		t.Fatalf("disconnect must not change stage, got %s", c.Stage())
	}
}

func TestAgentAssignedReplayIsNoOp(t *testing.T) {
	c, ft, _, _ := newTestController(t)
	startConnected(t, c, ft)

	session := c.Session()
	ft.emit(t, transport.EventAgentAssigned, transport.AgentAssignedPayload{
		AgentInfo: model.Agent{ID: "agent-2", Name: "Other"},
		SystemMessage: model.Message{
			ID:      "sys-dup",
			Sender:  model.SenderSystem,
			Content: "Other joined the chat",
		},
	})

	after := c.Session()
	if after.Agent == nil || after.Agent.ID != session.Agent.ID {
		t.Fatalf("replayed agent-assigned changed agent: %+v", after.Agent)
	}
	if after.Stage != model.StageConnected {
		t.Fatalf("unexpected stage after replay: %s", after.Stage)
	}
}

func TestNewMessageAppendsInAnyStage(t *testing.T) {
	c, ft, _, _ := newTestController(t)

	if err := c.Start(context.Background(), validForm()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	// Still waiting; message delivery is decoupled from stage transitions.
	ft.emit(t, transport.EventNewMessage, model.Message{
		ID:      "m1",
		Sender:  model.SenderSystem,
		Content: "an agent will be with you shortly",
	})

	if got := len(c.Messages()); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
	if c.Stage() != model.StageWaiting {
		t.Fatalf("new-message changed stage: %s", c.Stage())
	}
}

func TestPeerTypingAutoExpires(t *testing.T) {
	c, ft, _, clock := newTestController(t)
	startConnected(t, c, ft)

	ft.emit(t, transport.EventUserTyping, transport.UserTypingPayload{
		SenderInfo: transport.SenderInfo{Role: model.SenderAgent, Name: "Sam"},
	})
	if !c.PeerTyping() {
		t.Fatal("expected peer typing active")
	}

	clock.Advance(2 * time.Second)
	if !c.PeerTyping() {
		t.Fatal("indicator expired too early")
	}

	clock.Advance(2 * time.Second)
	if c.PeerTyping() {
		t.Fatal("indicator must expire without an explicit stop event")
	}
}

func TestTypingAutoStopAfterIdle(t *testing.T) {
	c, ft, _, _ := newTestController(t)
	startConnected(t, c, ft)
	c.typingIdle = 10 * time.Millisecond

	c.StartTyping(context.Background())

	deadline := time.Now().Add(time.Second)
	for ft.countPublished(transport.EventTypingStop) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("typing-stop was never auto-published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := ft.countPublished(transport.EventTypingStart); n != 1 {
		t.Fatalf("expected 1 typing-start, got %d", n)
	}
}

func TestEndChatWaitsForServerEcho(t *testing.T) {
	c, ft, _, _ := newTestController(t)
	startConnected(t, c, ft)

	if err := c.EndChat(context.Background()); err != nil {
		t.Fatalf("EndChat error: %v", err)
	}
	if c.Stage() != model.StageConnected {
		t.Fatalf("stage flipped before server echo: %s", c.Stage())
	}
	if n := ft.countPublished(transport.EventStatusUpdated); n != 1 {
		t.Fatalf("expected 1 close request, got %d", n)
	}

	ft.emit(t, transport.EventStatusUpdated, transport.StatusUpdatedPayload{
		Status: transport.StatusClosed,
		SystemMessage: model.Message{
			ID:      "sys-end",
			Sender:  model.SenderSystem,
			Content: "chat ended",
		},
	})
	if c.Stage() != model.StageEnded {
		t.Fatalf("expected ended stage, got %s", c.Stage())
	}
}

func TestStoreOriginHandshake(t *testing.T) {
	c, ft, _, _ := newTestController(t)

	if err := c.StartStore(context.Background(), "store-42", "Main Street Pharmacy"); err != nil {
		t.Fatalf("StartStore error: %v", err)
	}
	session := c.Session()
	if session.Origin != model.OriginStore {
		t.Fatalf("expected store origin, got %s", session.Origin)
	}
	if session.Stage != model.StageWaiting {
		t.Fatalf("expected waiting stage, got %s", session.Stage)
	}
	if len(ft.joined) != 1 {
		t.Fatalf("expected join after handshake, got %v", ft.joined)
	}
}

func TestEndToEndWebsiteSession(t *testing.T) {
	ft := newFakeTransport()
	api := &fakeAPI{createRes: supportapi.CreateSessionResponse{SessionID: "session-1"}}
	workers := queue.NewWorkers(4, 1)
	clock := newVirtualClock()
	c := NewController(Config{
		Transport: ft,
		API:       api,
		Workers:   workers,
		Now:       clock.Now,
	})
	t.Cleanup(c.Close)

	if err := c.Start(context.Background(), validForm()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	ft.emit(t, transport.EventAgentAssigned, transport.AgentAssignedPayload{
		AgentInfo: model.Agent{ID: "agent-1", Name: "Sam"},
		SystemMessage: model.Message{
			ID:      "sys-1",
			Sender:  model.SenderSystem,
			Content: "Sam joined the chat",
		},
	})
	if c.Stage() != model.StageConnected {
		t.Fatalf("expected connected, got %s", c.Stage())
	}
	if agent := c.Session().Agent; agent == nil || agent.Name != "Sam" {
		t.Fatalf("agent metadata not set: %+v", agent)
	}

	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if len(c.PendingSends()) != 1 {
		t.Fatal("expected a pending marker before the echo")
	}
	// The optimistic marker never reaches the store.
	for _, msg := range c.Messages() {
		if msg.Content == "hello" {
			t.Fatal("message stored before server echo")
		}
	}

	ft.emit(t, transport.EventNewMessage, model.Message{
		ID:      "m-hello",
		Sender:  model.SenderUser,
		Content: "hello",
	})

	count := 0
	for _, msg := range c.Messages() {
		if msg.Content == "hello" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one hello entry, got %d", count)
	}
	if len(c.PendingSends()) != 0 {
		t.Fatal("echo must clear the pending marker")
	}

	// Duplicate echo collapses on id.
	ft.emit(t, transport.EventNewMessage, model.Message{
		ID:      "m-hello",
		Sender:  model.SenderUser,
		Content: "hello",
	})
	if got := len(c.Messages()); got != 2 {
		t.Fatalf("expected 2 messages (system + hello), got %d", got)
	}

	ft.emit(t, transport.EventStatusUpdated, transport.StatusUpdatedPayload{
		Status: transport.StatusClosed,
		SystemMessage: model.Message{
			ID:      "sys-end",
			Sender:  model.SenderSystem,
			Content: "chat ended",
		},
	})
	if c.Stage() != model.StageEnded {
		t.Fatalf("expected ended, got %s", c.Stage())
	}

	err := c.SendMessage(context.Background(), "anyone there?")
	var sessErr *Error
	if !errors.As(err, &sessErr) || sessErr.Code != ErrorCodeStage {
		t.Fatalf("expected invalid_stage after end, got %v", err)
	}

	workers.Shutdown()
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.posted) != 1 || api.posted[0].Content != "hello" {
		t.Fatalf("expected one durability post for hello, got %+v", api.posted)
	}
	if api.posted[0].SessionID != "session-1" {
		t.Fatalf("durability post for wrong session: %s", api.posted[0].SessionID)
	}
}

func TestReconnectBackfillsHistory(t *testing.T) {
	ft := newFakeTransport()
	api := &fakeAPI{createRes: supportapi.CreateSessionResponse{SessionID: "session-1"}}
	workers := queue.NewWorkers(4, 1)
	c := NewController(Config{
		Transport: ft,
		API:       api,
		Workers:   workers,
	})
	t.Cleanup(c.Close)
	startConnected(t, c, ft)

	// Messages landed server-side while the transport was down.
	api.mu.Lock()
	api.history = []model.Message{
		{ID: "gap-1", Sender: model.SenderAgent, SenderName: "Sam", Content: "are you still there?"},
	}
	api.mu.Unlock()

	ft.setState(transport.StateOffline)
	ft.setState(transport.StateConnecting)
	ft.setState(transport.StateOnline)
	workers.Shutdown()

	found := false
	for _, msg := range c.Messages() {
		if msg.ID == "gap-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("gap message was not backfilled after reconnect")
	}
}

func TestDurabilityFailureFlagsPendingMarker(t *testing.T) {
	ft := newFakeTransport()
	api := &fakeAPI{
		createRes: supportapi.CreateSessionResponse{SessionID: "session-1"},
		postErr:   errors.New("backend unavailable"),
	}
	workers := queue.NewWorkers(4, 1)
	c := NewController(Config{
		Transport: ft,
		API:       api,
		Workers:   workers,
	})
	t.Cleanup(c.Close)
	startConnected(t, c, ft)

	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	workers.Shutdown()

	pending := c.PendingSends()
	if len(pending) != 1 || !pending[0].Failed {
		t.Fatalf("expected a failed pending marker, got %+v", pending)
	}
}
