package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zapcrm/wabridge/internal/eventbus"
)

// Controller owns the state machine driving each tenant's automation session
// from creation to termination, and publishes lifecycle events on the bus.
// The realtime gateway and the message recorder subscribe; the controller
// never talks to a front-end connection directly.
type Controller struct {
	registry           *Registry
	factory            ClientFactory
	bus                *eventbus.Bus
	logger             *slog.Logger
	defaultCountryCode string
}

// NewController creates a controller.
func NewController(registry *Registry, factory ClientFactory, bus *eventbus.Bus, defaultCountryCode string, logger *slog.Logger) *Controller {
	return &Controller{
		registry:           registry,
		factory:            factory,
		bus:                bus,
		logger:             logger.With("component", "controller"),
		defaultCountryCode: defaultCountryCode,
	}
}

// Start creates and starts an automation session for the tenant.
//
// Idempotent for non-terminal sessions: a second init while one is live
// returns ErrAlreadyActive without constructing a second handle. A session in
// a terminal state is torn down and replaced with a fresh handle; stale
// handles are never reused.
func (c *Controller) Start(ctx context.Context, tenantID string) error {
	sess, stale, err := c.registry.create(tenantID)
	if err != nil {
		return err
	}
	if stale != nil {
		if old := stale.releaseClient(); old != nil {
			c.logger.Info("tearing down stale handle before re-init", "tenant_id", tenantID)
			if cerr := old.Close(ctx); cerr != nil {
				c.logger.Warn("stale handle close failed", "tenant_id", tenantID, "error", cerr)
			}
		}
	}

	client, err := c.factory(tenantID)
	if err != nil {
		c.registry.discard(tenantID, sess)
		c.logger.Error("automation client construction failed", "tenant_id", tenantID, "error", err)
		return fmt.Errorf("create automation client: %w", err)
	}
	sess.setClient(client)

	c.logger.Info("session initializing", "tenant_id", tenantID)

	if err := client.Start(ctx, c.hooksFor(sess)); err != nil {
		// Partially created entry is discarded; the tenant must retry init.
		c.registry.discard(tenantID, sess)
		if cerr := client.Close(ctx); cerr != nil {
			c.logger.Warn("closing failed handle", "tenant_id", tenantID, "error", cerr)
		}
		c.logger.Error("automation session start failed", "tenant_id", tenantID, "error", err)
		return fmt.Errorf("start automation session: %w", err)
	}
	return nil
}

// hooksFor binds lifecycle callbacks to one session record. Every callback
// checks that the record is still the registered one, so events from a
// replaced handle cannot corrupt its successor's state.
func (c *Controller) hooksFor(sess *TenantSession) Hooks {
	return Hooks{
		OnQR:            func(code string) { c.onQRChallenge(sess, code) },
		OnAuthenticated: func() { c.onAuthenticated(sess) },
		OnAuthFailure:   func(reason string) { c.onAuthFailure(sess, reason) },
		OnReady:         func(phone string) { c.onReady(sess, phone) },
		OnMessage:       func(msg IncomingMessage) { c.onIncomingMessage(sess, msg) },
		OnDisconnected:  func(reason string) { c.onDisconnected(sess, reason) },
	}
}

func (c *Controller) onQRChallenge(sess *TenantSession, code string) {
	if !c.registry.current(sess) {
		return
	}
	dataURL, err := encodeQRDataURL(code)
	if err != nil {
		c.logger.Error("qr encoding failed", "tenant_id", sess.TenantID, "error", err)
		return
	}
	sess.setQRReady(dataURL)
	c.logger.Info("pairing challenge ready", "tenant_id", sess.TenantID)
	c.bus.PublishType(sess.TenantID, eventbus.EventQR, eventbus.QRPayload{QRCode: dataURL})
}

func (c *Controller) onAuthenticated(sess *TenantSession) {
	if !c.registry.current(sess) {
		return
	}
	sess.setAuthenticated()
	c.logger.Info("session authenticated", "tenant_id", sess.TenantID)
	c.bus.PublishType(sess.TenantID, eventbus.EventAuthenticated, nil)
}

func (c *Controller) onAuthFailure(sess *TenantSession, reason string) {
	if !c.registry.current(sess) {
		return
	}
	// The entry stays in the registry so a status check still reports the
	// failure until the next init.
	if !sess.setTerminal(StatusAuthFailure) {
		return
	}
	c.logger.Warn("authentication failed", "tenant_id", sess.TenantID, "reason", reason)
	c.bus.PublishType(sess.TenantID, eventbus.EventAuthFailure, eventbus.AuthFailurePayload{Message: reason})
}

func (c *Controller) onReady(sess *TenantSession, phoneNumber string) {
	if !c.registry.current(sess) {
		return
	}
	connectedAt := sess.setConnected(phoneNumber)
	c.logger.Info("session connected", "tenant_id", sess.TenantID, "phone_number", phoneNumber)
	c.bus.PublishType(sess.TenantID, eventbus.EventReady, eventbus.ReadyPayload{
		Status:         string(StatusConnected),
		PhoneNumber:    phoneNumber,
		ConnectionTime: connectedAt,
	})
}

func (c *Controller) onIncomingMessage(sess *TenantSession, msg IncomingMessage) {
	if !c.registry.current(sess) {
		return
	}
	// Pass-through notification; the recorder subscriber persists it.
	c.bus.PublishType(sess.TenantID, eventbus.EventMessage, eventbus.MessagePayload{
		ID:        msg.ID,
		Body:      msg.Body,
		From:      msg.From,
		FromName:  msg.FromName,
		Timestamp: msg.Timestamp,
		HasMedia:  msg.HasMedia,
		IsGroup:   msg.IsGroup,
		Chat:      eventbus.ChatInfo{ID: msg.ChatID, Name: msg.ChatName},
	})
}

func (c *Controller) onDisconnected(sess *TenantSession, reason string) {
	if !c.registry.current(sess) {
		return
	}
	if !sess.setTerminal(StatusDisconnected) {
		return
	}
	c.logger.Info("session disconnected", "tenant_id", sess.TenantID, "reason", reason)
	c.bus.PublishType(sess.TenantID, eventbus.EventDisconnected, eventbus.DisconnectedPayload{Reason: reason})
}

// Send normalizes the recipient and delegates to the tenant's automation
// handle. Fails with ErrNotConnected unless the session is connected.
func (c *Controller) Send(ctx context.Context, tenantID, to, body string) (SendReceipt, error) {
	sess := c.registry.Get(tenantID)
	if sess == nil || sess.Status() != StatusConnected {
		return SendReceipt{}, ErrNotConnected
	}
	client := sess.Client()
	if client == nil {
		return SendReceipt{}, ErrNotConnected
	}

	recipient, err := NormalizeRecipient(to, c.defaultCountryCode)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	receipt, err := client.SendText(ctx, recipient, body)
	if err != nil {
		c.logger.Error("message send failed", "tenant_id", tenantID, "error", err)
		return SendReceipt{}, fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	receipt.Recipient = recipient
	return receipt, nil
}

// Stop requests graceful teardown of the tenant's automation handle. The
// session record remains, in the disconnected state, so status checks keep
// working; the next init replaces it with a fresh handle. Safe to call while
// the handle is still mid-initialization.
func (c *Controller) Stop(ctx context.Context, tenantID string) error {
	sess := c.registry.Get(tenantID)
	if sess == nil {
		return ErrNotFound
	}

	client := sess.releaseClient()
	if client != nil {
		if err := client.Close(ctx); err != nil {
			c.logger.Warn("automation handle close failed", "tenant_id", tenantID, "error", err)
		}
	}
	c.onDisconnected(sess, "disconnected by user")
	return nil
}
