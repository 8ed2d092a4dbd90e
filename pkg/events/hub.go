// Package events fans authorization outcomes out to live websocket
// subscribers and to the Kafka outcome topic consumed by settlement.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the hub and the outcome topic.
const (
	TypeAuthorized = "payment.authorized"
	TypeDeclined   = "payment.declined"
	TypeRejected   = "payment.rejected"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// OutcomePayload is the data member of authorization outcome events. It
// carries no account identifiers.
type OutcomePayload struct {
	ReferenceID   string `json:"referenceId"`
	PayeeID       string `json:"payeeId"`
	PaymentMethod string `json:"paymentMethod"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	TestMode      bool   `json:"testMode,omitempty"`
}

// Hub is a lossy broadcast: a slow subscriber drops events instead of
// blocking publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
