package evalgraph

import (
	"sync"

	"github.com/evalgraph/evalgraph/dag"
	"github.com/google/uuid"
)

// EventKind classifies subscription events.
type EventKind int

const (
	// EventChanged fires when an output completed with a value whose hash
	// differs from the last one delivered to the subscriber.
	EventChanged EventKind = iota
	// EventResolved fires on a Pending-to-Completed transition.
	EventResolved
	// EventInvalidated fires when the subscribed output's node is removed.
	EventInvalidated
	// EventPendingWarning fires once per async task outstanding longer
	// than the configured threshold. Advisory only.
	EventPendingWarning
)

func (k EventKind) String() string {
	switch k {
	case EventChanged:
		return "changed"
	case EventResolved:
		return "resolved"
	case EventInvalidated:
		return "invalidated"
	case EventPendingWarning:
		return "pending-warning"
	default:
		return "unknown"
	}
}

// Event is a change notification for one output address.
type Event struct {
	Kind  EventKind
	Port  dag.OutputPort
	Value dag.Value
	Err   error
}

// Observer receives events for one subscribed output. Delivery is ordered
// per subscriber and at-least-once relative to execution completion. Each
// subscriber has a 128-event queue; a blocking observer stalls only its
// own queue until that queue is full, after which publishing to every
// subscriber blocks until the observer drains it.
type Observer func(Event)

// Token identifies one subscription.
type Token uuid.UUID

func (t Token) String() string { return uuid.UUID(t).String() }

type subscriber struct {
	token Token
	port  dag.OutputPort
	ch    chan Event

	// Delivery bookkeeping, accessed under hub.mu.
	lastHash    uint64
	hasLast     bool
	lastPending bool
}

type hub struct {
	mu      sync.Mutex
	byPort  map[dag.OutputPort]map[Token]*subscriber
	byToken map[Token]*subscriber
	wg      sync.WaitGroup
	closed  bool
}

func newHub() *hub {
	return &hub{
		byPort:  make(map[dag.OutputPort]map[Token]*subscriber),
		byToken: make(map[Token]*subscriber),
	}
}

func (h *hub) subscribe(port dag.OutputPort, fn Observer) Token {
	sub := &subscriber{
		token: Token(uuid.New()),
		port:  port,
		ch:    make(chan Event, 128),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return sub.token
	}
	if h.byPort[port] == nil {
		h.byPort[port] = make(map[Token]*subscriber)
	}
	h.byPort[port][sub.token] = sub
	h.byToken[sub.token] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		for ev := range sub.ch {
			fn(ev)
		}
	}()
	return sub.token
}

func (h *hub) unsubscribe(tok Token) {
	h.mu.Lock()
	sub, ok := h.byToken[tok]
	if ok {
		delete(h.byToken, tok)
		delete(h.byPort[sub.port], tok)
		if len(h.byPort[sub.port]) == 0 {
			delete(h.byPort, sub.port)
		}
	}
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// publishOutput routes one produced output value to its subscribers,
// applying the hash-dedup and Pending/Resolved transition rules.
func (h *hub) publishOutput(port dag.OutputPort, v dag.Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.byPort[port] {
		h.deliverLocked(sub, v)
	}
}

func (h *hub) deliverLocked(sub *subscriber, v dag.Value) {
	switch {
	case v.IsPending():
		// No event for pending results; the stale view travels through
		// Await. Remember the transition so completion fires Resolved.
		sub.lastPending = true
		return
	case v.IsError():
		// Errors always fire; they are never swallowed silently.
		sub.lastPending = false
		sub.hasLast = false
		sub.ch <- Event{Kind: EventChanged, Port: sub.port, Value: v, Err: v.Err()}
		return
	}

	hash, hashable := v.Hash()
	kind := EventChanged
	if sub.lastPending {
		kind = EventResolved
	} else if sub.hasLast && hashable && hash == sub.lastHash {
		return
	}
	sub.lastPending = false
	sub.lastHash, sub.hasLast = hash, hashable
	sub.ch <- Event{Kind: kind, Port: sub.port, Value: v}
}

func (h *hub) invalidate(port dag.OutputPort) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.byPort[port] {
		sub.hasLast = false
		sub.lastPending = false
		sub.ch <- Event{Kind: EventInvalidated, Port: sub.port}
	}
}

func (h *hub) pendingWarning(ports []dag.OutputPort) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, port := range ports {
		for _, sub := range h.byPort[port] {
			sub.ch <- Event{Kind: EventPendingWarning, Port: sub.port}
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.byToken))
	for _, sub := range h.byToken {
		subs = append(subs, sub)
	}
	h.byToken = make(map[Token]*subscriber)
	h.byPort = make(map[dag.OutputPort]map[Token]*subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	h.wg.Wait()
}
