package bridge

import (
	"context"
	"log/slog"
	"sync"
)

// Registry is the single source of truth for tenant → session mapping. It is
// constructor-injected and torn down at shutdown via CloseAll, never a
// package-level global.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*TenantSession
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]*TenantSession),
	}
}

// Get returns the session for a tenant, or nil if none exists.
func (r *Registry) Get(tenantID string) *TenantSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tenantID]
}

// create registers a fresh initializing session for the tenant. If a
// non-terminal session exists it is returned with ErrAlreadyActive. If a
// terminal session exists it is replaced; the stale record is returned so the
// caller can release its handle outside the lock.
func (r *Registry) create(tenantID string) (sess, stale *TenantSession, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[tenantID]; ok {
		if !existing.Status().Terminal() {
			return existing, nil, ErrAlreadyActive
		}
		stale = existing
	}

	sess = newTenantSession(tenantID)
	r.sessions[tenantID] = sess
	return sess, stale, nil
}

// discard removes the entry only if it still maps to the given session.
// Used when a start sequence fails after registration.
func (r *Registry) discard(tenantID string, sess *TenantSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[tenantID] == sess {
		delete(r.sessions, tenantID)
	}
}

// current reports whether sess is still the registered session for its
// tenant. Lifecycle callbacks from replaced handles check this before
// mutating anything.
func (r *Registry) current(sess *TenantSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sess.TenantID] == sess
}

// Remove releases the tenant's automation handle and deletes the entry.
// No-op for unknown tenants.
func (r *Registry) Remove(ctx context.Context, tenantID string) {
	r.mu.Lock()
	sess, ok := r.sessions[tenantID]
	if ok {
		delete(r.sessions, tenantID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if c := sess.releaseClient(); c != nil {
		if err := c.Close(ctx); err != nil {
			r.logger.Warn("closing automation handle failed", "tenant_id", tenantID, "error", err)
		}
	}
}

// ActiveCount returns the number of registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll releases every automation handle and empties the registry. Called
// once at service shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*TenantSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*TenantSession)
	r.mu.Unlock()

	for _, s := range sessions {
		if c := s.releaseClient(); c != nil {
			if err := c.Close(ctx); err != nil {
				r.logger.Warn("closing automation handle failed", "tenant_id", s.TenantID, "error", err)
			}
		}
	}
}
