// Package service is the main orchestrator that ties all bridge components together.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/zapcrm/wabridge/internal/api"
	"github.com/zapcrm/wabridge/internal/bridge"
	"github.com/zapcrm/wabridge/internal/config"
	"github.com/zapcrm/wabridge/internal/eventbus"
	"github.com/zapcrm/wabridge/internal/gateway"
	"github.com/zapcrm/wabridge/internal/store"
)

// Service is the main bridge process.
type Service struct {
	cfg      *config.Config
	store    store.Store
	bus      *eventbus.Bus
	registry *bridge.Registry
	gateway  *gateway.Gateway
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new bridge service from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	bus := eventbus.New()
	registry := bridge.NewRegistry(logger)

	factory := bridge.NewWhatsmeowFactory(bridge.WhatsmeowOptions{
		SessionDir: cfg.WhatsApp.SessionDir,
		ClientName: cfg.WhatsApp.ClientName,
		Logger:     logger,
	})
	controller := bridge.NewController(registry, factory, bus, cfg.WhatsApp.DefaultCountryCode, logger)

	gw := gateway.New(registry, bus, logger, gateway.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	apiSrv := api.NewServer(controller, registry, db, gw, cfg, logger)

	s := &Service{
		cfg:      cfg,
		store:    db,
		bus:      bus,
		registry: registry,
		gateway:  gw,
		api:      apiSrv,
		logger:   logger.With("component", "service"),
	}

	// Startup validation warnings.
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return s, nil
}

// Run starts the bridge HTTP server and blocks until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	// Relay bus events to client rooms.
	go s.gateway.Run(ctx)

	// Persist inbound messages and lifecycle transitions.
	go s.runRecorder(ctx)

	// Start rate limiter cleanup tasks.
	s.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if s.cfg.Storage.Retention.Duration > 0 {
		go s.runRetentionPurger(ctx, s.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down bridge gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		// Disconnect live WhatsApp handles; credentials stay on disk so the
		// next start resumes without re-pairing.
		s.registry.CloseAll(shutdownCtx)

		s.bus.Close()
		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		s.registry.CloseAll(context.Background())
		s.bus.Close()
		_ = s.store.Close()
		return err
	}
}

// runRecorder consumes the event bus and persists chat messages and session
// lifecycle transitions. Pairing challenges are logged without their payload;
// the encoded image is transient and large.
func (s *Service) runRecorder(ctx context.Context) {
	events := s.bus.Subscribe()
	defer s.bus.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.record(ctx, e)
		}
	}
}

func (s *Service) record(ctx context.Context, e eventbus.Event) {
	if e.Type == eventbus.EventMessage {
		var p eventbus.MessagePayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			s.logger.Warn("recorder: bad message payload", "tenant_id", e.TenantID, "error", err)
			return
		}
		if _, err := s.store.AppendMessage(ctx, &store.Message{
			ID:        p.ID,
			TenantID:  e.TenantID,
			Direction: store.DirectionIn,
			Body:      p.Body,
			From:      p.From,
			FromName:  p.FromName,
			ChatID:    p.Chat.ID,
			ChatName:  p.Chat.Name,
			HasMedia:  p.HasMedia,
			IsGroup:   p.IsGroup,
			CreatedAt: e.Timestamp,
		}); err != nil {
			s.logger.Warn("recorder: append message failed", "tenant_id", e.TenantID, "error", err)
		}
		return
	}

	detail := e.Data
	if e.Type == eventbus.EventQR {
		detail = nil
	}
	if err := s.store.LogSessionEvent(ctx, &store.SessionEvent{
		ID:        uuid.New().String(),
		TenantID:  e.TenantID,
		EventType: e.Type,
		Detail:    detail,
		CreatedAt: e.Timestamp,
	}); err != nil {
		s.logger.Warn("recorder: log session event failed", "tenant_id", e.TenantID, "error", err)
	}
}

func (s *Service) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := s.store.PurgeOldMessages(ctx, cutoff); err != nil {
				s.logger.Warn("retention purge: messages failed", "error", err)
			} else if n > 0 {
				s.logger.Info("retention purge: deleted old messages", "count", n)
			}
			if n, err := s.store.PurgeOldSessionEvents(ctx, cutoff); err != nil {
				s.logger.Warn("retention purge: session events failed", "error", err)
			} else if n > 0 {
				s.logger.Info("retention purge: deleted old session events", "count", n)
			}
		}
	}
}
