package transport

import "sync"

// registry holds event handlers and connection-state observers shared by
// every transport implementation.
type registry struct {
	mu             sync.Mutex
	handlers       map[EventType][]Handler
	stateObservers []func(ConnState)
}

func (r *registry) on(event EventType, h Handler) error {
	if !isInboundEvent(event) {
		return ErrUnknownEvent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[EventType][]Handler)
	}
	r.handlers[event] = append(r.handlers[event], h)
	return nil
}

func (r *registry) onState(fn func(ConnState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateObservers = append(r.stateObservers, fn)
}

// dispatch delivers the envelope to handlers in registration order. Events
// without a registered handler, including client-to-server echoes seen on a
// shared channel, are dropped.
func (r *registry) dispatch(env Envelope) {
	r.mu.Lock()
	handlers := make([]Handler, len(r.handlers[env.Event]))
	copy(handlers, r.handlers[env.Event])
	r.mu.Unlock()

	if len(handlers) > 0 {
		addDelivered(string(env.Event))
	}
	for _, h := range handlers {
		h(env)
	}
}

func (r *registry) notifyState(state ConnState) {
	r.mu.Lock()
	observers := make([]func(ConnState), len(r.stateObservers))
	copy(observers, r.stateObservers)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = nil
	r.stateObservers = nil
}
