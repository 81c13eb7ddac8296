// Package store defines the persistence interface for the bridge and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Store is the persistence interface for the bridge.
type Store interface {
	// Messages
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	ListMessages(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]Message, error)

	// Session events
	LogSessionEvent(ctx context.Context, event *SessionEvent) error
	ListSessionEvents(ctx context.Context, tenantID string, limit, offset int) ([]SessionEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldSessionEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Message is a stored chat message. Seq is assigned per tenant on append.
type Message struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Seq       int64     `json:"seq"`
	Direction string    `json:"direction"` // "in" or "out"
	Body      string    `json:"body"`
	From      string    `json:"from"`
	FromName  string    `json:"from_name,omitempty"`
	ChatID    string    `json:"chat_id"`
	ChatName  string    `json:"chat_name,omitempty"`
	HasMedia  bool      `json:"has_media"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionEvent is a stored lifecycle transition for a tenant session.
type SessionEvent struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
