package bridge

import (
	"context"
	"time"
)

// SendReceipt is the provider-assigned id and timestamp for a sent message.
// Recipient is the normalized address the message actually went to, so stored
// history keys inbound and outbound rows on the same chat id.
type SendReceipt struct {
	MessageID string
	Timestamp time.Time
	Recipient string
}

// IncomingMessage is a raw inbound message from the automation backend,
// already reduced to the fields the bridge relays.
type IncomingMessage struct {
	ID        string
	Body      string
	From      string
	FromName  string
	Timestamp time.Time
	HasMedia  bool
	IsGroup   bool
	ChatID    string
	ChatName  string
}

// Hooks are the lifecycle callbacks an AutomationClient raises. All callbacks
// are optional from the client's point of view; the controller always wires
// the full set.
type Hooks struct {
	OnQR            func(code string)
	OnAuthenticated func()
	OnAuthFailure   func(reason string)
	OnReady         func(phoneNumber string)
	OnMessage       func(msg IncomingMessage)
	OnDisconnected  func(reason string)
}

// AutomationClient is one live connection to the messaging platform on behalf
// of one tenant. Implementations own a persistent tenant-scoped credential
// store so restarts do not force re-pairing.
type AutomationClient interface {
	// Start registers hooks and begins the connect sequence. It returns once
	// the sequence is underway; pairing and readiness arrive via hooks.
	Start(ctx context.Context, hooks Hooks) error
	// SendText delivers a text message to an already-normalized recipient
	// (digits@c.us or a group jid).
	SendText(ctx context.Context, recipient, body string) (SendReceipt, error)
	// Close tears the connection down. Credentials are kept so a later
	// session can resume without re-pairing. Safe to call mid-initialization.
	Close(ctx context.Context) error
}

// ClientFactory builds a fresh AutomationClient for a tenant. Terminal
// sessions never reuse handles; every init goes through the factory.
type ClientFactory func(tenantID string) (AutomationClient, error)
