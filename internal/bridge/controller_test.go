package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zapcrm/wabridge/internal/eventbus"
)

// fakeClient is a scriptable AutomationClient. Tests drive lifecycle
// transitions through the hooks captured at Start.
type fakeClient struct {
	mu       sync.Mutex
	hooks    Hooks
	started  bool
	closed   bool
	sentTo   []string
	sentBody []string
	sendErr  error
	startErr error
}

func (f *fakeClient) Start(ctx context.Context, hooks Hooks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.hooks = hooks
	f.started = true
	return nil
}

func (f *fakeClient) SendText(ctx context.Context, recipient, body string) (SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return SendReceipt{}, f.sendErr
	}
	f.sentTo = append(f.sentTo, recipient)
	f.sentBody = append(f.sentBody, body)
	return SendReceipt{MessageID: "3EB0F0D1A2B3C4D5E6F7", Timestamp: time.Now()}, nil
}

func (f *fakeClient) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentTo)
}

type testHarness struct {
	registry   *Registry
	controller *Controller
	bus        *eventbus.Bus
	events     chan eventbus.Event

	mu      sync.Mutex
	clients []*fakeClient
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{bus: eventbus.New()}
	h.events = h.bus.Subscribe()
	t.Cleanup(h.bus.Close)

	h.registry = NewRegistry(slog.Default())
	factory := func(tenantID string) (AutomationClient, error) {
		fc := &fakeClient{}
		h.mu.Lock()
		h.clients = append(h.clients, fc)
		h.mu.Unlock()
		return fc, nil
	}
	h.controller = NewController(h.registry, factory, h.bus, "55", slog.Default())
	return h
}

func (h *testHarness) client(i int) *fakeClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[i]
}

func (h *testHarness) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *testHarness) waitEvent(t *testing.T, eventType string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", eventType)
		}
	}
}

func TestStartIsIdempotentForLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := h.registry.Get("u1")
	if first == nil {
		t.Fatal("expected session in registry")
	}

	err := h.controller.Start(ctx, "u1")
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start: got %v, want ErrAlreadyActive", err)
	}
	if h.clientCount() != 1 {
		t.Errorf("expected 1 constructed handle, got %d", h.clientCount())
	}
	if got := h.registry.Get("u1"); got != first {
		t.Error("re-init replaced a live session")
	}
	if got := h.registry.Get("u1").CreatedAt; !got.Equal(first.CreatedAt) {
		t.Error("re-init changed the session creation timestamp")
	}
	if h.registry.ActiveCount() != 1 {
		t.Errorf("ActiveCount: got %d, want 1", h.registry.ActiveCount())
	}
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := h.registry.Get("u1")
	if snap := sess.Snapshot(); snap.Status != StatusInitializing {
		t.Fatalf("initial status: got %q, want %q", snap.Status, StatusInitializing)
	}
	if snap := sess.Snapshot(); snap.QRChallenge != "" || snap.PhoneNumber != "" || !snap.ConnectedAt.IsZero() {
		t.Error("qr/phone/connectedAt must be empty before their states")
	}

	fc := h.client(0)
	fc.hooks.OnQR("2@abc123,def456,ghi789")
	e := h.waitEvent(t, eventbus.EventQR)
	if e.TenantID != "u1" {
		t.Errorf("qr event tenant: got %q, want u1", e.TenantID)
	}

	snap := sess.Snapshot()
	if snap.Status != StatusQRReady {
		t.Fatalf("status after qr: got %q, want %q", snap.Status, StatusQRReady)
	}
	if !strings.HasPrefix(snap.QRChallenge, "data:image/png;base64,") {
		t.Errorf("qr challenge not an image data URL: %q", snap.QRChallenge)
	}

	fc.hooks.OnAuthenticated()
	h.waitEvent(t, eventbus.EventAuthenticated)
	snap = sess.Snapshot()
	if snap.Status != StatusAuthenticated {
		t.Fatalf("status after auth: got %q, want %q", snap.Status, StatusAuthenticated)
	}
	if snap.QRChallenge != "" {
		t.Error("qr challenge must be cleared on authentication")
	}
	if snap.PhoneNumber != "" || !snap.ConnectedAt.IsZero() {
		t.Error("phone/connectedAt must stay empty until connected")
	}

	fc.hooks.OnReady("+5511999990000")
	h.waitEvent(t, eventbus.EventReady)
	snap = sess.Snapshot()
	if snap.Status != StatusConnected {
		t.Fatalf("status after ready: got %q, want %q", snap.Status, StatusConnected)
	}
	if snap.PhoneNumber != "+5511999990000" || snap.ConnectedAt.IsZero() {
		t.Error("phone/connectedAt must be set when connected")
	}

	fc.hooks.OnDisconnected("transport closed")
	h.waitEvent(t, eventbus.EventDisconnected)
	snap = sess.Snapshot()
	if snap.Status != StatusDisconnected {
		t.Fatalf("status after disconnect: got %q, want %q", snap.Status, StatusDisconnected)
	}
	if snap.QRChallenge != "" || snap.PhoneNumber != "" || !snap.ConnectedAt.IsZero() {
		t.Error("terminal state must clear qr/phone/connectedAt")
	}
}

func TestSendRequiresConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Unknown tenant.
	if _, err := h.controller.Send(ctx, "nobody", "11988887777", "oi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send to unknown tenant: got %v, want ErrNotConnected", err)
	}

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc := h.client(0)

	// Still initializing.
	if _, err := h.controller.Send(ctx, "u1", "11988887777", "oi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send while initializing: got %v, want ErrNotConnected", err)
	}
	if fc.sendCount() != 0 {
		t.Error("failed send must not touch the automation handle")
	}

	fc.hooks.OnReady("+5511999990000")
	h.waitEvent(t, eventbus.EventReady)

	receipt, err := h.controller.Send(ctx, "u1", "11988887777", "oi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.MessageID == "" {
		t.Error("expected a provider message id")
	}
	if fc.sentTo[0] != "5511988887777@c.us" {
		t.Errorf("normalized recipient: got %q, want %q", fc.sentTo[0], "5511988887777@c.us")
	}
	if receipt.Recipient != "5511988887777@c.us" {
		t.Errorf("receipt recipient: got %q, want %q", receipt.Recipient, "5511988887777@c.us")
	}
}

func TestSendRejectsInvalidRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc := h.client(0)
	fc.hooks.OnReady("+5511999990000")
	h.waitEvent(t, eventbus.EventReady)

	_, err := h.controller.Send(ctx, "u1", "---", "oi")
	if !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("got %v, want ErrInvalidRecipient", err)
	}
	if errors.Is(err, ErrSendFailure) {
		t.Error("a malformed recipient is caller input, not a transport failure")
	}
	if fc.sendCount() != 0 {
		t.Error("invalid recipient must not touch the automation handle")
	}
}

func TestSendWrapsTransportErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc := h.client(0)
	fc.hooks.OnReady("+5511999990000")
	h.waitEvent(t, eventbus.EventReady)

	fc.mu.Lock()
	fc.sendErr = errors.New("socket hang up")
	fc.mu.Unlock()

	_, err := h.controller.Send(ctx, "u1", "11988887777", "oi")
	if !errors.Is(err, ErrSendFailure) {
		t.Errorf("got %v, want ErrSendFailure", err)
	}
}

func TestStopUnknownTenant(t *testing.T) {
	h := newHarness(t)
	if err := h.controller.Stop(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStopThenReinitBuildsFreshHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc := h.client(0)
	fc.hooks.OnReady("+5511999990000")
	h.waitEvent(t, eventbus.EventReady)

	if err := h.controller.Stop(ctx, "u1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h.waitEvent(t, eventbus.EventDisconnected)

	if !fc.closed {
		t.Error("stop must close the automation handle")
	}
	sess := h.registry.Get("u1")
	if sess == nil {
		t.Fatal("session record must survive disconnect for status checks")
	}
	if sess.Status() != StatusDisconnected {
		t.Fatalf("status after stop: got %q, want %q", sess.Status(), StatusDisconnected)
	}

	// Re-init starts over with a brand-new handle.
	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if h.clientCount() != 2 {
		t.Fatalf("expected a second handle after re-init, got %d", h.clientCount())
	}
	fresh := h.registry.Get("u1")
	if fresh == sess {
		t.Error("re-init must replace the terminal session record")
	}
	if fresh.Status() != StatusInitializing {
		t.Errorf("re-init status: got %q, want %q", fresh.Status(), StatusInitializing)
	}
}

func TestAuthFailureStaysVisibleUntilReinit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc := h.client(0)
	fc.hooks.OnAuthFailure("pairing rejected")
	e := h.waitEvent(t, eventbus.EventAuthFailure)
	if e.TenantID != "u1" {
		t.Errorf("auth_failure tenant: got %q", e.TenantID)
	}

	sess := h.registry.Get("u1")
	if sess == nil || sess.Status() != StatusAuthFailure {
		t.Fatal("auth failure must remain queryable until the next init")
	}

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("re-init after auth failure: %v", err)
	}
	if h.clientCount() != 2 {
		t.Errorf("expected fresh handle after auth failure, got %d handles", h.clientCount())
	}
	if !fc.closed {
		t.Error("stale handle must be torn down before re-init")
	}
}

func TestStartFactoryFailureDiscardsEntry(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	registry := NewRegistry(slog.Default())
	factory := func(tenantID string) (AutomationClient, error) {
		return nil, errors.New("chromium not found")
	}
	c := NewController(registry, factory, bus, "55", slog.Default())

	if err := c.Start(context.Background(), "u1"); err == nil {
		t.Fatal("expected start error")
	}
	if registry.Get("u1") != nil {
		t.Error("failed start must discard the registry entry")
	}
}

func TestStartClientFailureDiscardsEntry(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	registry := NewRegistry(slog.Default())
	fc := &fakeClient{startErr: errors.New("runtime launch failed")}
	factory := func(tenantID string) (AutomationClient, error) { return fc, nil }
	c := NewController(registry, factory, bus, "55", slog.Default())

	if err := c.Start(context.Background(), "u1"); err == nil {
		t.Fatal("expected start error")
	}
	if registry.Get("u1") != nil {
		t.Error("failed start must discard the registry entry")
	}
	if !fc.closed {
		t.Error("failed handle must be closed")
	}
}

func TestIncomingMessagePassthrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.controller.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc := h.client(0)
	fc.hooks.OnMessage(IncomingMessage{
		ID:        "msg-1",
		Body:      "bom dia",
		From:      "5511988887777@c.us",
		FromName:  "Maria",
		Timestamp: time.Now(),
		ChatID:    "5511988887777@c.us",
		ChatName:  "Maria",
	})

	e := h.waitEvent(t, eventbus.EventMessage)
	if e.TenantID != "u1" {
		t.Errorf("message event tenant: got %q, want u1", e.TenantID)
	}
}
