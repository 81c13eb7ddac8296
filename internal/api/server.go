// Package api provides the HTTP control surface and middleware for the bridge.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/zapcrm/wabridge/internal/bridge"
	"github.com/zapcrm/wabridge/internal/config"
	"github.com/zapcrm/wabridge/internal/gateway"
	"github.com/zapcrm/wabridge/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	controller   *bridge.Controller
	registry     *bridge.Registry
	store        store.Store
	gateway      *gateway.Gateway
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(controller *bridge.Controller, registry *bridge.Registry, st store.Store, gw *gateway.Gateway, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		controller:   controller,
		registry:     registry,
		store:        st,
		gateway:      gw,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes
	mux.Get("/health", srv.handleHealth)
	mux.Get("/readyz", srv.handleReadyz)

	// Realtime gateway
	mux.Get("/ws", gw.HandleWS)

	// Control API, rate-limited by client IP.
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))

		r.Post("/api/whatsapp/init", srv.handleInit)
		r.Get("/api/whatsapp/status/{userID}", srv.handleStatus)
		r.Post("/api/whatsapp/send", srv.handleSend)
		r.Post("/api/whatsapp/disconnect/{userID}", srv.handleDisconnect)
		r.Get("/api/whatsapp/messages/{userID}", srv.handleListMessages)
		r.Get("/api/whatsapp/events/{userID}", srv.handleListEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup for the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Session handlers ---

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	err := s.controller.Start(r.Context(), req.UserID)
	if errors.Is(err, bridge.ErrAlreadyActive) {
		// Idempotent: the session is already initializing or connected.
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "session already active",
		})
		return
	}
	if err != nil {
		s.logger.Warn("session init failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to initialize session")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "initialization started",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	sess := s.registry.Get(userID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "no session for this user")
		return
	}
	snap := sess.Snapshot()

	resp := map[string]any{
		"success": true,
		"status":  string(snap.Status),
	}
	if snap.QRChallenge != "" {
		resp["qrCode"] = snap.QRChallenge
	}
	if snap.PhoneNumber != "" {
		resp["phoneNumber"] = snap.PhoneNumber
	}
	if !snap.ConnectedAt.IsZero() {
		resp["connectionTime"] = snap.ConnectedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		UserID  string `json:"userId"`
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "userId, to and message are required")
		return
	}

	receipt, err := s.controller.Send(r.Context(), req.UserID, req.To, req.Message)
	switch {
	case errors.Is(err, bridge.ErrNotConnected):
		writeError(w, http.StatusConflict, "WhatsApp is not connected for this user")
		return
	case errors.Is(err, bridge.ErrInvalidRecipient):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, bridge.ErrSendFailure):
		// The transport error may carry chat internals; keep the response generic.
		s.logger.Warn("send failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to send message")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Record the outbound message; delivery already succeeded, so a storage
	// failure only loses history.
	if _, err := s.store.AppendMessage(r.Context(), &store.Message{
		ID:        receipt.MessageID,
		TenantID:  req.UserID,
		Direction: store.DirectionOut,
		Body:      req.Message,
		ChatID:    receipt.Recipient,
		CreatedAt: receipt.Timestamp,
	}); err != nil {
		s.logger.Warn("failed to record outbound message", "user_id", req.UserID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": receipt.MessageID,
		"timestamp": receipt.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	err := s.controller.Stop(r.Context(), userID)
	if errors.Is(err, bridge.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no session for this user")
		return
	}
	if err != nil {
		s.logger.Warn("disconnect failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "session disconnected",
	})
}

// --- History handlers ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			afterSeq = n
		}
	}

	messages, err := s.store.ListMessages(r.Context(), userID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListSessionEvents(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list session events")
		return
	}
	if events == nil {
		events = []store.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
