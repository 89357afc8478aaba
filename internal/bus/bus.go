// Package bus implements C14: the single inbound command surface and
// outbound event stream the embedding host talks to. It does not know
// what a Host or a TransferJob is — it carries tagged command/event
// envelopes and dispatches/delivers them; the orchestrator (internal/app)
// is what gives the payloads meaning.
package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// EventKind tags an outbound event's payload shape (spec §6 outbound
// event set).
type EventKind string

const (
	EventDataUpdate              EventKind = "DataUpdate"
	EventSessionUpdate           EventKind = "SessionUpdate"
	EventHostStatusUpdate        EventKind = "HostStatusUpdate"
	EventTransferUpdate          EventKind = "TransferUpdate"
	EventTransferQueueState      EventKind = "TransferQueueState"
	EventTransferConflict        EventKind = "TransferConflict"
	EventHostKeyCheck            EventKind = "HostKeyCheck"
	EventHostKeyDecisionRequired EventKind = "HostKeyDecisionRequired"
	EventAgentStatus             EventKind = "AgentStatus"
	EventTerminalData            EventKind = "TerminalData"
	EventTerminalStatus          EventKind = "TerminalStatus"
	EventError                   EventKind = "Error"
)

// Event is one outbound envelope. Payload is whatever struct the
// producing component built (e.g. a transfer.Job for TransferUpdate);
// callers type-assert or the transport layer marshals it directly.
type Event struct {
	Kind    EventKind `json:"kind"`
	Payload any       `json:"payload"`
}

// ErrorPayload is the Payload shape for EventError (spec §6: "Error{code,
// component, message, cause?}").
type ErrorPayload struct {
	Code      string `json:"code"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Cause     string `json:"cause,omitempty"`
}

// Command is one inbound envelope (spec §6: "each carries a correlation
// id"). Name identifies the operation (e.g. "Sftp.List",
// "Transfer.ResolveConflict"); Payload is the operation's typed argument.
type Command struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Result is what a Handler returns for a given Command, correlated back
// to it by ID.
type Result struct {
	ID     string `json:"id"`
	Value  any    `json:"value,omitempty"`
	ErrMsg string `json:"error,omitempty"`
}

// Handler executes one named inbound command and returns its result
// value (or an error, reported back as Result.ErrMsg).
type Handler func(ctx context.Context, payload any) (any, error)

const subscriberBuffer = 256

type subscriber struct {
	ch     chan Event
	closed bool
}

// Hub is the C14 implementation: a command dispatcher plus an ordered,
// per-subscriber event fan-out. No event is deduplicated or coalesced —
// every Publish call reaches every subscriber, in the order it was
// published (spec §4.13: "delivery is ordered per subscriber; no dedup").
type Hub struct {
	log *logrus.Entry

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	handlersMu sync.RWMutex
	handlers   map[string]Handler
}

// New constructs an empty Hub.
func New(log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "bus")
	}
	return &Hub{
		log:         log,
		subscribers: make(map[string]*subscriber),
		handlers:    make(map[string]Handler),
	}
}

// RegisterHandler binds a command name to its Handler. Registering the
// same name twice replaces the previous handler.
func (h *Hub) RegisterHandler(name string, handler Handler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[name] = handler
}

// Dispatch executes the Handler registered for cmd.Name and returns a
// Result correlated by cmd.ID. An unknown command name is itself a
// Result carrying an error, not a panic or a dropped command.
func (h *Hub) Dispatch(ctx context.Context, cmd Command) Result {
	h.handlersMu.RLock()
	handler, ok := h.handlers[cmd.Name]
	h.handlersMu.RUnlock()

	if !ok {
		return Result{ID: cmd.ID, ErrMsg: trace.NotFound("no handler registered for %q", cmd.Name).Error()}
	}

	value, err := handler(ctx, cmd.Payload)
	if err != nil {
		return Result{ID: cmd.ID, ErrMsg: err.Error()}
	}
	return Result{ID: cmd.ID, Value: value}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. The channel is buffered (256 events); a subscriber that falls
// behind that far is disconnected by Publish rather than stalling every
// other subscriber or the publisher.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if ok {
		closeSubscriber(sub)
	}
}

// Publish delivers event to every current subscriber. Each subscriber
// receives events in publish order; a subscriber whose buffer is full is
// dropped (its channel closed) rather than blocking this call, so one
// slow consumer cannot stall delivery to the rest.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	subs := make(map[string]*subscriber, len(h.subscribers))
	for id, s := range h.subscribers {
		subs[id] = s
	}
	h.mu.RUnlock()

	var stale []string
	for id, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			h.log.WithField("subscriber", id).Warn("event subscriber buffer full, disconnecting")
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		h.Unsubscribe(id)
	}
}

func closeSubscriber(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
