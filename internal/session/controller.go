package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmacy-chat-client/internal/intake"
	"pharmacy-chat-client/internal/model"
	"pharmacy-chat-client/internal/queue"
	"pharmacy-chat-client/internal/store"
	"pharmacy-chat-client/internal/supportapi"
	"pharmacy-chat-client/internal/transport"
)

const (
	// A typing-stop is auto-published after this much keystroke silence.
	typingIdleTimeout = time.Second
	// A peer typing indicator expires after this long with no refresh.
	peerTypingTimeout = 3 * time.Second
)

// SupportAPI is the REST collaborator contract consumed by the controller.
// *supportapi.Client satisfies it; tests use an in-memory fake.
type SupportAPI interface {
	CreateSession(ctx context.Context, req supportapi.CreateSessionRequest) (supportapi.CreateSessionResponse, error)
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)
	PostMessage(ctx context.Context, sessionID, content, msgType string) error
}

// PendingSend is the transient optimistic marker for a message the visitor
// sent that the server has not echoed yet. It never enters the message
// store; the authoritative entry arrives as a new-message event.
type PendingSend struct {
	RefID   string
	Content string
	At      time.Time
	Failed  bool
}

type Config struct {
	Transport transport.Transport
	API       SupportAPI
	Store     *store.MessageStore
	Workers   *queue.Workers
	Now       func() time.Time
}

// Controller owns the session state machine and mediates between the
// transport and the message store.
type Controller struct {
	transport  transport.Transport
	api        SupportAPI
	store      *store.MessageStore
	workers    *queue.Workers
	now        func() time.Time
	typingIdle time.Duration
	release    func()

	mu          sync.Mutex
	session     model.ChatSession
	connState   transport.ConnState
	pending     []PendingSend
	peerTyping  model.TypingIndicator
	typingTimer *time.Timer
}

func NewController(cfg Config) *Controller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	st := cfg.Store
	if st == nil {
		st = store.New()
	}

	c := &Controller{
		transport:  cfg.Transport,
		api:        cfg.API,
		store:      st,
		workers:    cfg.Workers,
		now:        now,
		typingIdle: typingIdleTimeout,
		session: model.ChatSession{
			Stage:  model.StageForm,
			Origin: model.OriginWebsite,
		},
	}
	c.release = cfg.Transport.Acquire()
	c.registerHandlers()
	return c
}

func (c *Controller) registerHandlers() {
	// The event set is closed; registration of these four cannot fail.
	_ = c.transport.OnEvent(transport.EventNewMessage, c.handleNewMessage)
	_ = c.transport.OnEvent(transport.EventAgentAssigned, c.handleAgentAssigned)
	_ = c.transport.OnEvent(transport.EventStatusUpdated, c.handleStatusUpdated)
	_ = c.transport.OnEvent(transport.EventUserTyping, c.handleUserTyping)
	c.transport.OnConnectionState(c.handleConnState)
}

// Start validates the intake form and requests a website-origin session.
// On failure the stage stays at form so the visitor can retry.
func (c *Controller) Start(ctx context.Context, form intake.Form) error {
	c.mu.Lock()
	if c.session.Stage != model.StageForm {
		c.mu.Unlock()
		return newError(ErrorCodeStage, "session already started", nil)
	}
	c.mu.Unlock()

	if errs := intake.Validate(form); len(errs) > 0 {
		return &Error{
			Code:    ErrorCodeValidation,
			Message: "intake form is invalid",
			Fields:  errs,
		}
	}

	customer := model.Customer{
		Name:  strings.TrimSpace(form.Name),
		Email: strings.ToLower(strings.TrimSpace(form.Email)),
		Phone: intake.NormalizePhone(form.Phone),
	}

	return c.beginSession(ctx, supportapi.CreateSessionRequest{
		Type:           model.OriginWebsite,
		Customer:       customer,
		Subject:        strings.TrimSpace(form.Message),
		InitialMessage: strings.TrimSpace(form.Message),
	}, model.OriginWebsite)
}

// StartStore runs the automatic handshake for the in-store channel: no
// intake form, the branch identity stands in for the customer.
func (c *Controller) StartStore(ctx context.Context, storeID, storeName string) error {
	c.mu.Lock()
	if c.session.Stage != model.StageForm {
		c.mu.Unlock()
		return newError(ErrorCodeStage, "session already started", nil)
	}
	c.mu.Unlock()

	if strings.TrimSpace(storeID) == "" {
		return newError(ErrorCodeValidation, "store id is required", nil)
	}
	name := strings.TrimSpace(storeName)
	if name == "" {
		name = "Store " + storeID
	}

	return c.beginSession(ctx, supportapi.CreateSessionRequest{
		Type:           model.OriginStore,
		Customer:       model.Customer{Name: name},
		Subject:        "In-store support",
		InitialMessage: "Store front desk requested support",
	}, model.OriginStore)
}

func (c *Controller) beginSession(ctx context.Context, req supportapi.CreateSessionRequest, origin model.Origin) error {
	if err := c.transport.Connect(ctx); err != nil {
		return &Error{
			Code:      ErrorCodeOffline,
			Message:   "could not reach the support service",
			Retryable: true,
			Err:       err,
		}
	}

	res, err := c.api.CreateSession(ctx, req)
	if err != nil {
		return &Error{
			Code:      ErrorCodeSessionCreate,
			Message:   "could not start the chat session",
			Retryable: supportapi.IsRetryable(err),
			Err:       err,
		}
	}

	startTime := res.StartTime
	if startTime.IsZero() {
		startTime = c.now()
	}

	c.mu.Lock()
	c.session = model.ChatSession{
		ID:        res.SessionID,
		Stage:     model.StageWaiting,
		Customer:  req.Customer,
		Subject:   req.Subject,
		StartTime: startTime,
		Origin:    origin,
	}
	if res.Agent != nil {
		// Backend matched an agent during creation; skip straight past
		// waiting so the agent invariant holds.
		agent := *res.Agent
		c.session.Agent = &agent
		c.session.Stage = model.StageConnected
	}
	c.mu.Unlock()
	sessionsStarted.WithLabelValues(string(origin)).Inc()

	if err := c.transport.JoinSession(ctx, res.SessionID); err != nil {
		log.Printf("session: join %s failed, relying on reconnect: %v", res.SessionID, err)
	}

	history, err := c.api.ListMessages(ctx, res.SessionID)
	if err != nil {
		// The session is live without history; new events still append.
		log.Printf("session: history fetch for %s failed: %v", res.SessionID, err)
	} else {
		c.store.LoadHistory(history)
	}

	return nil
}

// SendMessage publishes the text and schedules the durability POST. The
// input can be cleared as soon as this returns; the store is populated only
// by the server echo so ordering and dedup stay authoritative.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return newError(ErrorCodeValidation, "message is empty", nil)
	}

	c.mu.Lock()
	if c.session.Stage != model.StageConnected {
		c.mu.Unlock()
		return newError(ErrorCodeStage, "chat is not connected", nil)
	}
	if c.connState == transport.StateOffline || c.connState == transport.StateConnecting {
		c.mu.Unlock()
		return &Error{
			Code:      ErrorCodeOffline,
			Message:   "message not sent: connection lost",
			Retryable: true,
			Err:       transport.ErrOffline,
		}
	}
	sessionID := c.session.ID
	sender := transport.SenderInfo{
		Role: model.SenderUser,
		Name: c.session.Customer.Name,
	}
	marker := PendingSend{
		RefID:   uuid.NewString(),
		Content: text,
		At:      c.now(),
	}
	c.pending = append(c.pending, marker)
	c.mu.Unlock()

	if err := c.transport.Publish(ctx, transport.EventSendMessage, transport.SendMessagePayload{
		SessionID:  sessionID,
		Content:    text,
		Type:       string(model.SenderUser),
		SenderInfo: sender,
	}); err != nil {
		c.markPendingFailed(marker.RefID)
		return newError(ErrorCodeTransport, "message not sent", err)
	}
	messagesSent.Inc()

	refID := marker.RefID
	c.enqueue(func() error {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.api.PostMessage(persistCtx, sessionID, text, string(model.SenderUser))
		if err != nil {
			log.Printf("session: durability post failed: %v", err)
			c.markPendingFailed(refID)
		}
		return err
	})

	return nil
}

func (c *Controller) enqueue(fn func() error) {
	if c.workers != nil {
		c.workers.Enqueue(queue.Job{Fn: fn})
		return
	}
	go func() {
		_ = fn()
	}()
}

func (c *Controller) markPendingFailed(refID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.pending {
		if c.pending[i].RefID == refID {
			c.pending[i].Failed = true
			return
		}
	}
}

// StartTyping publishes a typing-start and arms the idle timer that emits
// the matching typing-stop if the visitor goes quiet.
func (c *Controller) StartTyping(ctx context.Context) {
	c.mu.Lock()
	if c.session.Stage != model.StageConnected {
		c.mu.Unlock()
		return
	}
	payload := c.typingPayloadLocked()
	if c.typingTimer == nil {
		c.typingTimer = time.AfterFunc(c.typingIdle, func() {
			c.StopTyping(context.Background())
		})
	} else {
		c.typingTimer.Reset(c.typingIdle)
	}
	c.mu.Unlock()

	if err := c.transport.Publish(ctx, transport.EventTypingStart, payload); err != nil {
		log.Printf("session: typing-start publish failed: %v", err)
	}
}

func (c *Controller) StopTyping(ctx context.Context) {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if c.session.Stage != model.StageConnected {
		c.mu.Unlock()
		return
	}
	payload := c.typingPayloadLocked()
	c.mu.Unlock()

	if err := c.transport.Publish(ctx, transport.EventTypingStop, payload); err != nil {
		log.Printf("session: typing-stop publish failed: %v", err)
	}
}

func (c *Controller) typingPayloadLocked() transport.TypingPayload {
	return transport.TypingPayload{
		SessionID: c.session.ID,
		SenderInfo: transport.SenderInfo{
			Role: model.SenderUser,
			Name: c.session.Customer.Name,
		},
	}
}

// EndChat requests a close over the session channel. The stage moves to
// ended only when the server echoes the authoritative chat-status-updated,
// keeping client and server state consistent.
func (c *Controller) EndChat(ctx context.Context) error {
	c.mu.Lock()
	if c.session.Stage != model.StageConnected {
		c.mu.Unlock()
		return newError(ErrorCodeStage, "chat is not connected", nil)
	}
	c.mu.Unlock()

	err := c.transport.Publish(ctx, transport.EventStatusUpdated, transport.StatusUpdatedPayload{
		Status: transport.StatusClosed,
	})
	if err != nil {
		return newError(ErrorCodeTransport, "could not end the chat", err)
	}
	return nil
}

// Close releases this controller's hold on the shared transport connection.
// The session itself persists server-side.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()
	if c.release != nil {
		c.release()
	}
}

func (c *Controller) handleNewMessage(env transport.Envelope) {
	msg := transport.DecodeNewMessage(env)
	if msg.Sender == "" {
		msg.Sender = model.SenderSystem
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}

	c.store.Append(msg)

	if msg.Sender == model.SenderUser {
		c.clearPending(msg.Content)
	}
}

func (c *Controller) handleAgentAssigned(env transport.Envelope) {
	p := transport.DecodeAgentAssigned(env)

	c.mu.Lock()
	if c.session.Stage != model.StageWaiting {
		// Replays and late duplicates are no-ops.
		c.mu.Unlock()
		return
	}
	agent := p.AgentInfo
	c.session.Agent = &agent
	c.session.Stage = model.StageConnected
	c.mu.Unlock()

	c.appendSystemMessage(p.SystemMessage)
}

func (c *Controller) handleStatusUpdated(env transport.Envelope) {
	p := transport.DecodeStatusUpdated(env)
	if p.Status != transport.StatusClosed {
		return
	}

	c.mu.Lock()
	if c.session.Stage != model.StageConnected {
		c.mu.Unlock()
		return
	}
	c.session.Stage = model.StageEnded
	c.mu.Unlock()
	sessionsEnded.Inc()

	c.appendSystemMessage(p.SystemMessage)
	c.store.Freeze()
}

func (c *Controller) handleUserTyping(env transport.Envelope) {
	p := transport.DecodeUserTyping(env)
	role := p.SenderInfo.Role
	if role == "" {
		role = model.SenderAgent
	}

	c.mu.Lock()
	// Last write wins; expiry is checked against the clock on read.
	c.peerTyping = model.TypingIndicator{
		SessionID: c.session.ID,
		Role:      role,
		ExpiresAt: c.now().Add(peerTypingTimeout),
	}
	c.mu.Unlock()
}

func (c *Controller) handleConnState(state transport.ConnState) {
	c.mu.Lock()
	prev := c.connState
	c.connState = state
	sessionID := c.session.ID
	stage := c.session.Stage
	c.mu.Unlock()

	// The transport guarantees no replay across a reconnect; any gap is
	// closed by refetching history, which the store deduplicates.
	if state == transport.StateOnline && prev != transport.StateOnline &&
		sessionID != "" && stage != model.StageEnded {
		c.enqueue(func() error {
			fetchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			history, err := c.api.ListMessages(fetchCtx, sessionID)
			if err != nil {
				log.Printf("session: backfill for %s failed: %v", sessionID, err)
				return err
			}
			c.store.LoadHistory(history)
			return nil
		})
	}
}

func (c *Controller) appendSystemMessage(msg model.Message) {
	if msg.Content == "" && msg.ID == "" {
		return
	}
	if msg.Sender == "" {
		msg.Sender = model.SenderSystem
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}
	c.store.Append(msg)
}

func (c *Controller) clearPending(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.pending {
		if c.pending[i].Content == content {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Session returns a snapshot of the session metadata.
func (c *Controller) Session() model.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.session
	if c.session.Agent != nil {
		agent := *c.session.Agent
		snapshot.Agent = &agent
	}
	return snapshot
}

func (c *Controller) Stage() model.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Stage
}

func (c *Controller) Messages() []model.Message {
	return c.store.List()
}

func (c *Controller) PendingSends() []PendingSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingSend, len(c.pending))
	copy(out, c.pending)
	return out
}

// PeerTyping reports whether the other party's typing indicator is still
// live. The indicator auto-expires; no stop event is required.
func (c *Controller) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping.ActiveAt(c.now())
}

// Reconnecting reports whether the transport is between connections. The
// stage is untouched by disconnects; the session is durable server-side.
func (c *Controller) Reconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState == transport.StateConnecting
}

func (c *Controller) ConnState() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}
