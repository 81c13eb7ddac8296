// Package gateway fans per-tenant session events out to the front-end's
// realtime connections, grouped into one room per tenant.
package gateway

import "encoding/json"

// Client → server events.
const (
	EventJoin      = "join"
	EventRequestQR = "whatsapp:requestQR"
)

// Envelope is the wire frame for both directions. Server → client frames use
// the event names from the eventbus package (whatsapp:qr, whatsapp:ready, …).
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload subscribes the connection to a tenant's room.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// RequestQRPayload asks for the last-known pairing challenge, delivered to
// the requesting connection only.
type RequestQRPayload struct {
	UserID string `json:"userId"`
}
