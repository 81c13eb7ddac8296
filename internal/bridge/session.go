// Package bridge manages per-tenant WhatsApp automation sessions: the
// registry holding them, the controller driving their lifecycle, and the
// whatsmeow-backed client doing the actual work.
package bridge

import (
	"errors"
	"sync"
	"time"
)

// Status is the lifecycle state of a tenant session.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusQRReady       Status = "qr_ready"
	StatusAuthenticated Status = "authenticated"
	StatusConnected     Status = "connected"
	StatusDisconnected  Status = "disconnected"
	StatusAuthFailure   Status = "auth_failure"
)

// Terminal reports whether the status requires a fresh init to leave.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusAuthFailure
}

var (
	// ErrAlreadyActive means init was called for a tenant with a live session.
	// Callers treat it as idempotent success, not a failure.
	ErrAlreadyActive = errors.New("session already active")
	// ErrNotFound means no session record exists for the tenant.
	ErrNotFound = errors.New("session not found")
	// ErrNotConnected means the session is not in the connected state.
	ErrNotConnected = errors.New("session not connected")
	// ErrInvalidRecipient means the recipient could not be normalized.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrSendFailure wraps transport errors from the automation backend.
	ErrSendFailure = errors.New("send failed")
)

// TenantSession is the registry record for one tenant's automation session.
// All field access goes through the mutex; lifecycle callbacks and HTTP
// handlers touch the same record from different goroutines.
type TenantSession struct {
	TenantID  string
	CreatedAt time.Time

	mu          sync.Mutex
	status      Status
	qrChallenge string
	phoneNumber string
	connectedAt time.Time
	client      AutomationClient
}

func newTenantSession(tenantID string) *TenantSession {
	return &TenantSession{
		TenantID:  tenantID,
		CreatedAt: time.Now(),
		status:    StatusInitializing,
	}
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	TenantID    string
	Status      Status
	QRChallenge string
	PhoneNumber string
	ConnectedAt time.Time
	CreatedAt   time.Time
}

// Snapshot returns the session's current observable state.
func (s *TenantSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TenantID:    s.TenantID,
		Status:      s.status,
		QRChallenge: s.qrChallenge,
		PhoneNumber: s.phoneNumber,
		ConnectedAt: s.connectedAt,
		CreatedAt:   s.CreatedAt,
	}
}

// Status returns the current lifecycle state.
func (s *TenantSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Client returns the automation handle, which may be nil after teardown.
func (s *TenantSession) Client() AutomationClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *TenantSession) setClient(c AutomationClient) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

// setQRReady stores a fresh challenge. A new challenge simply overwrites the
// previous one; expiry is the platform's own schedule.
func (s *TenantSession) setQRReady(challenge string) {
	s.mu.Lock()
	s.status = StatusQRReady
	s.qrChallenge = challenge
	s.mu.Unlock()
}

func (s *TenantSession) setAuthenticated() {
	s.mu.Lock()
	s.status = StatusAuthenticated
	s.qrChallenge = ""
	s.mu.Unlock()
}

func (s *TenantSession) setConnected(phoneNumber string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusConnected
	s.qrChallenge = ""
	s.phoneNumber = phoneNumber
	s.connectedAt = time.Now()
	return s.connectedAt
}

// setTerminal moves the session to a terminal state and clears everything the
// qr_ready/connected invariants tie to non-terminal states. Returns false if
// the session was already terminal, so callers can suppress duplicate events.
func (s *TenantSession) setTerminal(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.qrChallenge = ""
	s.phoneNumber = ""
	s.connectedAt = time.Time{}
	return true
}

// releaseClient detaches and returns the automation handle for teardown.
func (s *TenantSession) releaseClient() AutomationClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.client
	s.client = nil
	return c
}
