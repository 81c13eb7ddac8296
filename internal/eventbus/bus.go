// Package eventbus defines the bridge's internal session events and a fan-out
// pub/sub bus connecting the session controller to its subscribers (the
// realtime gateway and the message recorder).
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Wire event names. These are the names delivered verbatim to front-end
// realtime subscribers, so they double as the bus event types.
const (
	EventQR            = "whatsapp:qr"
	EventAuthenticated = "whatsapp:authenticated"
	EventReady         = "whatsapp:ready"
	EventAuthFailure   = "whatsapp:auth_failure"
	EventDisconnected  = "whatsapp:disconnected"
	EventMessage       = "whatsapp:message"
)

// Event is a single tenant-scoped message on the bus.
type Event struct {
	TenantID  string          `json:"tenantId"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QRPayload carries a freshly encoded pairing challenge.
type QRPayload struct {
	QRCode string `json:"qrCode"`
}

// ReadyPayload announces a fully connected session.
type ReadyPayload struct {
	Status         string    `json:"status"`
	PhoneNumber    string    `json:"phoneNumber"`
	ConnectionTime time.Time `json:"connectionTime"`
}

// AuthFailurePayload reports a terminal pairing rejection.
type AuthFailurePayload struct {
	Message string `json:"message"`
}

// DisconnectedPayload reports session loss with its cause.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// ChatInfo identifies the chat an incoming message belongs to.
type ChatInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessagePayload is a normalized incoming message notification.
type MessagePayload struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	From      string    `json:"from"`
	FromName  string    `json:"fromName"`
	Timestamp time.Time `json:"timestamp"`
	HasMedia  bool      `json:"hasMedia"`
	IsGroup   bool      `json:"isGroup"`
	Chat      ChatInfo  `json:"chat"`
}

// Bus is a fan-out pub/sub event bus. Subscribers receive events on a buffered
// channel. Slow subscribers are dropped (non-blocking publish).
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // channel → set of subscribed event types (nil = all)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]map[string]bool),
	}
}

// Subscribe returns a channel that receives events matching the given types.
// If no types are given, all events are received. The channel is buffered (64).
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.subs[ch] = nil // nil = all events
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends an event to all matching subscribers. Non-blocking: if a
// subscriber's buffer is full the event is dropped for that subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// PublishType marshals data and publishes it as an event scoped to a tenant.
func (b *Bus) PublishType(tenantID, eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{
		TenantID:  tenantID,
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

// Close unsubscribes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
