// Package refresh implements the Token Refresh Manager (§4.5): for
// each authenticated connection, schedule a check every refreshInterval
// and drive an in-band refresh exchange before the access token
// expires.
//
// Grounded on control_plane/coordination/janitor.go's periodic
// scan-then-act ticker loop shape, repurposed from lock cleanup to
// refresh-due scanning, combined with the auth package's Validate/
// Refresh.
package refresh

import (
	"sync"
	"time"

	"github.com/agentbridge/conductor/auth"
	"github.com/agentbridge/conductor/protocol"
	"github.com/agentbridge/conductor/registry"
)

// Config controls the refresh schedule (§4.5 defaults).
type Config struct {
	CheckInterval    time.Duration
	RefreshThreshold time.Duration
	ReplyTimeout     time.Duration
	MaxAttempts      int
}

type pending struct {
	deadline time.Time
	attempts int
}

// Manager drives in-band token rotation for every tracked connection.
type Manager struct {
	cfg      Config
	verifier *auth.Verifier

	mu       sync.Mutex
	expiry   map[string]time.Time
	inFlight map[string]*pending

	stop chan struct{}
}

func New(cfg Config, verifier *auth.Verifier) *Manager {
	return &Manager{
		cfg:      cfg,
		verifier: verifier,
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]*pending),
		stop:     make(chan struct{}),
	}
}

// Track registers a connection's current access-token expiry.
func (m *Manager) Track(connID string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry[connID] = expiresAt
}

// Forget stops tracking a connection, called on disconnect.
func (m *Manager) Forget(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expiry, connID)
	delete(m.inFlight, connID)
}

// Run drives the periodic scan until ctx/stop is signalled. registry
// supplies the live Sender to deliver auth:refresh-needed, and
// onClose is called (with the wire close code) when a refresh
// ultimately fails.
func (m *Manager) Run(reg *registry.Registry, onClose func(connID string, code int, reason string)) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.scan(reg, onClose)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) Stop() { close(m.stop) }

func (m *Manager) scan(reg *registry.Registry, onClose func(connID string, code int, reason string)) {
	now := time.Now()

	type due struct {
		connID string
	}
	var dueList []due
	var timedOut []string

	m.mu.Lock()
	for connID, exp := range m.expiry {
		if p, ok := m.inFlight[connID]; ok {
			if now.After(p.deadline) {
				timedOut = append(timedOut, connID)
			}
			continue
		}
		if exp.Sub(now) < m.cfg.RefreshThreshold {
			dueList = append(dueList, due{connID: connID})
		}
	}
	m.mu.Unlock()

	for _, t := range timedOut {
		m.failAttempt(t, reg, onClose)
	}
	for _, d := range dueList {
		m.beginRefresh(d.connID, reg)
	}
}

func (m *Manager) beginRefresh(connID string, reg *registry.Registry) {
	conn, ok := reg.ByID(connID)
	if !ok {
		m.Forget(connID)
		return
	}
	m.mu.Lock()
	m.inFlight[connID] = &pending{deadline: time.Now().Add(m.cfg.ReplyTimeout)}
	m.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeAuthRefreshNeeded, map[string]any{})
	if err != nil {
		return
	}
	_ = conn.Sender.Send(env)
}

func (m *Manager) failAttempt(connID string, reg *registry.Registry, onClose func(connID string, code int, reason string)) {
	m.mu.Lock()
	p, ok := m.inFlight[connID]
	if ok {
		p.attempts++
		delete(m.inFlight, connID)
	}
	attempts := 0
	if ok {
		attempts = p.attempts
	}
	m.mu.Unlock()

	if attempts >= m.cfg.MaxAttempts {
		m.Forget(connID)
		if onClose != nil {
			onClose(connID, protocol.CloseTokenExpired, "token refresh failed")
		}
	}
}

// HandleAccessToken processes a client reply carrying a new access
// token directly (§4.5: "With access token: verify -> replace session
// principal -> send auth:refresh-success").
func (m *Manager) HandleAccessToken(connID string, conn *registry.Connection, token string) error {
	principal, err := m.verifier.Validate(token)
	if err != nil {
		return err
	}
	conn.SetPrincipal(*principal)
	m.Track(connID, principal.ExpiresAt)
	m.clearPending(connID)

	env, err := protocol.NewEnvelope(protocol.TypeAuthRefreshSuccess, map[string]any{})
	if err != nil {
		return err
	}
	return conn.Sender.Send(env)
}

// HandleRefreshToken processes a client reply carrying a refresh token
// (§4.5: "With refresh token: exchange via Auth Verifier -> send
// auth:new-token -> replace principal").
func (m *Manager) HandleRefreshToken(connID string, conn *registry.Connection, refreshToken string) error {
	access, expiresIn, err := m.verifier.Refresh(refreshToken)
	if err != nil {
		return err
	}
	principal, err := m.verifier.Validate(access)
	if err != nil {
		return err
	}
	conn.SetPrincipal(*principal)
	m.Track(connID, principal.ExpiresAt)
	m.clearPending(connID)

	env, err := protocol.NewEnvelope(protocol.TypeAuthNewToken, protocol.TokenRefreshPayload{
		AccessToken: access,
		ExpiresIn:   expiresIn,
	})
	if err != nil {
		return err
	}
	return conn.Sender.Send(env)
}

func (m *Manager) clearPending(connID string) {
	m.mu.Lock()
	delete(m.inFlight, connID)
	m.mu.Unlock()
}
