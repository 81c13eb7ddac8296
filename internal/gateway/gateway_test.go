package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zapcrm/wabridge/internal/bridge"
	"github.com/zapcrm/wabridge/internal/eventbus"
)

type stubClient struct {
	hooks bridge.Hooks
}

func (s *stubClient) Start(_ context.Context, hooks bridge.Hooks) error {
	s.hooks = hooks
	return nil
}

func (s *stubClient) SendText(context.Context, string, string) (bridge.SendReceipt, error) {
	return bridge.SendReceipt{}, nil
}

func (s *stubClient) Close(context.Context) error { return nil }

type wsHarness struct {
	t          *testing.T
	bus        *eventbus.Bus
	registry   *bridge.Registry
	controller *bridge.Controller
	gateway    *Gateway
	server     *httptest.Server
	clients    map[string]*stubClient
	cancel     context.CancelFunc
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New()
	registry := bridge.NewRegistry(logger)

	h := &wsHarness{t: t, bus: bus, registry: registry, clients: make(map[string]*stubClient)}

	factory := func(tenantID string) (bridge.AutomationClient, error) {
		c := &stubClient{}
		h.clients[tenantID] = c
		return c, nil
	}
	h.controller = bridge.NewController(registry, factory, bus, "55", logger)

	h.gateway = New(registry, bus, logger, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.gateway.Run(ctx)

	h.server = httptest.NewServer(http.HandlerFunc(h.gateway.HandleWS))

	t.Cleanup(func() {
		cancel()
		h.server.Close()
		bus.Close()
	})
	return h
}

func (h *wsHarness) dial() *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *wsHarness) send(conn *websocket.Conn, event string, payload any) {
	h.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		h.t.Fatalf("write frame: %v", err)
	}
}

func (h *wsHarness) readFrame(conn *websocket.Conn) Envelope {
	h.t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		h.t.Fatalf("read frame: %v", err)
	}
	return env
}

func (h *wsHarness) waitRoom(tenantID string, want int) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.gateway.RoomSize(tenantID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("room %q never reached %d members", tenantID, want)
}

func TestJoinReceivesTenantEvents(t *testing.T) {
	h := newWSHarness(t)

	conn := h.dial()
	h.send(conn, EventJoin, JoinPayload{UserID: "tenant-a"})
	h.waitRoom("tenant-a", 1)

	h.bus.PublishType("tenant-a", eventbus.EventAuthenticated, nil)

	env := h.readFrame(conn)
	if env.Event != eventbus.EventAuthenticated {
		t.Fatalf("event = %q, want %q", env.Event, eventbus.EventAuthenticated)
	}
}

func TestEventsAreScopedToRoom(t *testing.T) {
	h := newWSHarness(t)

	connA := h.dial()
	h.send(connA, EventJoin, JoinPayload{UserID: "tenant-a"})
	connB := h.dial()
	h.send(connB, EventJoin, JoinPayload{UserID: "tenant-b"})
	h.waitRoom("tenant-a", 1)
	h.waitRoom("tenant-b", 1)

	h.bus.PublishType("tenant-b", eventbus.EventReady, eventbus.ReadyPayload{Status: "connected"})

	env := h.readFrame(connB)
	if env.Event != eventbus.EventReady {
		t.Fatalf("event = %q, want %q", env.Event, eventbus.EventReady)
	}

	_ = connA.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var stray Envelope
	if err := connA.ReadJSON(&stray); err == nil {
		t.Fatalf("tenant-a received tenant-b event %q", stray.Event)
	}
}

func TestRequestQRReplaysCurrentChallenge(t *testing.T) {
	h := newWSHarness(t)

	if err := h.controller.Start(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	h.clients["tenant-a"].hooks.OnQR("pairing-code")

	conn := h.dial()
	h.send(conn, EventJoin, JoinPayload{UserID: "tenant-a"})
	peer := h.dial()
	h.send(peer, EventJoin, JoinPayload{UserID: "tenant-a"})
	other := h.dial()
	h.send(other, EventJoin, JoinPayload{UserID: "tenant-b"})
	h.waitRoom("tenant-a", 2)
	h.waitRoom("tenant-b", 1)

	h.send(conn, EventRequestQR, RequestQRPayload{UserID: "tenant-a"})

	env := h.readFrame(conn)
	if env.Event != eventbus.EventQR {
		t.Fatalf("event = %q, want %q", env.Event, eventbus.EventQR)
	}
	var qr eventbus.QRPayload
	if err := json.Unmarshal(env.Data, &qr); err != nil {
		t.Fatalf("decode qr payload: %v", err)
	}
	if !strings.HasPrefix(qr.QRCode, "data:image/png;base64,") {
		t.Fatalf("qrCode = %q, want png data url", qr.QRCode)
	}

	// The replay targets the requesting connection, not the room.
	for name, c := range map[string]*websocket.Conn{"room peer": peer, "other room": other} {
		_ = c.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		var stray Envelope
		if err := c.ReadJSON(&stray); err == nil {
			t.Fatalf("%s received replayed challenge %q", name, stray.Event)
		}
	}
}

func TestRequestQRWithoutSessionIsSilent(t *testing.T) {
	h := newWSHarness(t)

	conn := h.dial()
	h.send(conn, EventJoin, JoinPayload{UserID: "tenant-a"})
	h.waitRoom("tenant-a", 1)
	h.send(conn, EventRequestQR, RequestQRPayload{UserID: "tenant-a"})

	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var env Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected no reply, got %q", env.Event)
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	h := newWSHarness(t)

	conn := h.dial()
	h.send(conn, EventJoin, JoinPayload{UserID: "tenant-a"})
	h.waitRoom("tenant-a", 1)

	_ = conn.Close()
	h.waitRoom("tenant-a", 0)
}
