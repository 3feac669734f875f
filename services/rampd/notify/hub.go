package notify

import (
	"context"
	"sync"
	"time"

	"cryptoramp/observability"
	"cryptoramp/services/rampd/models"
)

const hubSink = "hub"

// Message types delivered to hub subscribers.
const (
	MessageStatus    = "status"
	MessageCountdown = "countdown"
	MessageReset     = "reset"
)

// Message is one item on a session stream.
type Message struct {
	Type          string        `json:"type"`
	Event         *Event        `json:"event,omitempty"`
	Remaining     time.Duration `json:"remaining_ns,omitempty"`
	Display       string        `json:"display,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
}

type subscriber struct {
	ch chan Message
}

// Hub fans session scoped messages out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
}

// NewHub constructs a hub whose subscriptions buffer the given number of messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers interest in a session. The returned cancel function
// removes the subscription and closes the channel; it is safe to call twice.
func (h *Hub) Subscribe(sessionKey string) (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	set, ok := h.subs[sessionKey]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionKey] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[sessionKey]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, sessionKey)
				}
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of live subscriptions for a session.
func (h *Hub) Subscribers(sessionKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionKey])
}

// Notify publishes a status event to the event's session. An EXPIRED event is
// followed by a reset, whichever path expired the transaction.
func (h *Hub) Notify(_ context.Context, ev Event) {
	if ev.SessionKey == "" {
		return
	}
	copied := ev
	h.publish(ev.SessionKey, Message{Type: MessageStatus, Event: &copied})
	if ev.Status == models.StatusExpired {
		h.Reset(ev.SessionKey, ev.TransactionID)
	}
}

// Countdown publishes the remaining time of a session's pending transaction.
func (h *Hub) Countdown(sessionKey string, remaining time.Duration, display string) {
	if sessionKey == "" {
		return
	}
	h.publish(sessionKey, Message{Type: MessageCountdown, Remaining: remaining, Display: display})
}

// Reset tells a session's subscribers that its pending transaction expired and
// the conversation starts over.
func (h *Hub) Reset(sessionKey, transactionID string) {
	if sessionKey == "" {
		return
	}
	h.publish(sessionKey, Message{Type: MessageReset, TransactionID: transactionID})
}

func (h *Hub) publish(sessionKey string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionKey] {
		select {
		case sub.ch <- msg:
			observability.Events().RecordDelivered(hubSink, msg.Type)
		default:
			observability.Events().RecordDropped(hubSink)
		}
	}
}
