package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zapcrm/wabridge/internal/bridge"
	"github.com/zapcrm/wabridge/internal/eventbus"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Gateway.
type Options struct {
	AllowedOrigins  []string // for WebSocket origin check
	MaxMessageBytes int64    // max inbound frame size (default 16KB)
}

// Gateway manages front-end realtime connections and routes bus events into
// per-tenant rooms. Delivery is best-effort: a client offline at emit time
// recovers state through the status endpoint, not queued redelivery.
type Gateway struct {
	registry *bridge.Registry
	bus      *eventbus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxMessageBytes int64

	mu    sync.RWMutex
	rooms map[string]map[string]*clientConn // tenant_id -> conn_id -> conn
}

type clientConn struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Gateway.
func New(registry *bridge.Registry, bus *eventbus.Bus, logger *slog.Logger, opts Options) *Gateway {
	limit := opts.MaxMessageBytes
	if limit == 0 {
		limit = 16 * 1024
	}
	return &Gateway{
		registry:        registry,
		bus:             bus,
		logger:          logger.With("component", "gateway"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: limit,
		rooms:           make(map[string]map[string]*clientConn),
	}
}

// Run subscribes to the event bus and relays every session event to the
// owning tenant's room until the context is canceled.
func (g *Gateway) Run(ctx context.Context) {
	events := g.bus.Subscribe()
	defer g.bus.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			g.broadcast(e.TenantID, e.Type, e.Data)
		}
	}
}

// HandleWS handles WebSocket connections from front-end clients.
func (g *Gateway) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(g.maxMessageBytes)

	connID := uuid.New().String()
	cc := &clientConn{id: connID, conn: conn}

	g.logger.Info("client connected", "conn_id", connID)

	defer func() {
		g.mu.Lock()
		for tenantID, room := range g.rooms {
			delete(room, connID)
			if len(room) == 0 {
				delete(g.rooms, tenantID)
			}
		}
		g.mu.Unlock()
		g.logger.Info("client disconnected", "conn_id", connID)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "conn_id", connID, "error", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			g.logger.Warn("invalid frame from client", "conn_id", connID, "error", err)
			continue
		}

		g.handleClientEvent(cc, env)
	}
}

func (g *Gateway) handleClientEvent(cc *clientConn, env Envelope) {
	switch env.Event {
	case EventJoin:
		var join JoinPayload
		if err := json.Unmarshal(env.Data, &join); err != nil || join.UserID == "" {
			g.logger.Warn("join without userId", "conn_id", cc.id)
			return
		}
		g.join(cc, join.UserID)

	case EventRequestQR:
		var req RequestQRPayload
		if err := json.Unmarshal(env.Data, &req); err != nil || req.UserID == "" {
			g.logger.Warn("requestQR without userId", "conn_id", cc.id)
			return
		}
		g.resendChallenge(cc, req.UserID)

	default:
		g.logger.Warn("unknown client event", "event", env.Event, "conn_id", cc.id)
	}
}

// join adds the connection to the tenant's room. A connection may join more
// than one room over its lifetime (reconnect flows); membership is dropped
// passively when the transport closes.
func (g *Gateway) join(cc *clientConn, tenantID string) {
	g.mu.Lock()
	if g.rooms[tenantID] == nil {
		g.rooms[tenantID] = make(map[string]*clientConn)
	}
	g.rooms[tenantID][cc.id] = cc
	g.mu.Unlock()
	g.logger.Debug("client joined room", "conn_id", cc.id, "tenant_id", tenantID)
}

// resendChallenge re-emits the current pairing challenge, if any, to the
// requesting connection only. Recovers a dropped first emission without
// waiting for a new challenge cycle.
func (g *Gateway) resendChallenge(cc *clientConn, tenantID string) {
	sess := g.registry.Get(tenantID)
	if sess == nil {
		return
	}
	snap := sess.Snapshot()
	if snap.QRChallenge == "" {
		return
	}
	data, _ := json.Marshal(eventbus.QRPayload{QRCode: snap.QRChallenge})
	g.sendToConn(cc, eventbus.EventQR, data)
}

// broadcast delivers an event to every connection in the tenant's room.
func (g *Gateway) broadcast(tenantID, event string, data json.RawMessage) {
	g.mu.RLock()
	room := g.rooms[tenantID]
	conns := make([]*clientConn, 0, len(room))
	for _, cc := range room {
		conns = append(conns, cc)
	}
	g.mu.RUnlock()

	for _, cc := range conns {
		g.sendToConn(cc, event, data)
	}
}

func (g *Gateway) sendToConn(cc *clientConn, event string, data json.RawMessage) {
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if err := cc.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		g.logger.Debug("write to client failed", "conn_id", cc.id, "error", err)
	}
}

// RoomSize returns the number of connections in a tenant's room.
func (g *Gateway) RoomSize(tenantID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[tenantID])
}
