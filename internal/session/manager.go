// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/protocol"
	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// Config configures a session manager.
type Config struct {
	// MaxSessions caps concurrent live sessions.
	MaxSessions int

	// SessionTimeout is the idle duration after which a session expires.
	SessionTimeout time.Duration

	// SweepInterval is how often the background sweeper runs. Zero
	// disables the sweeper; expiry is still enforced lazily on reads.
	SweepInterval time.Duration

	// SupportedVersions lists the protocol versions Initialize accepts.
	// A client version must match an entry exactly.
	SupportedVersions []protocol.Version

	// DefaultVersion is assigned to new sessions before negotiation.
	DefaultVersion protocol.Version

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:    100,
		SessionTimeout: 30 * time.Minute,
		SweepInterval:  time.Minute,
		SupportedVersions: []protocol.Version{
			{Major: 2, Minor: 0, Patch: 0},
		},
		DefaultVersion: protocol.Version{Major: 2, Minor: 0, Patch: 0},
	}
}

// Manager owns the session table. A single mutex protects the map;
// expiry is enforced both lazily on reads and by a periodic sweep.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	expired  int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates a session manager. Zero config fields fall back to
// DefaultConfig values.
func NewManager(cfg Config) *Manager {
	defaults := DefaultConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaults.MaxSessions
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaults.SessionTimeout
	}
	if len(cfg.SupportedVersions) == 0 {
		cfg.SupportedVersions = defaults.SupportedVersions
	}
	if cfg.DefaultVersion == (protocol.Version{}) {
		cfg.DefaultVersion = defaults.DefaultVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic expiry sweeper. No-op when SweepInterval
// is zero.
func (m *Manager) Start() {
	if m.cfg.SweepInterval <= 0 {
		close(m.doneCh)
		return
	}
	go m.sweeper()
}

// Stop halts the sweeper and waits for it to exit. Sessions remain
// readable; Stop does not close them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Manager) sweeper() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Debug("swept expired sessions", "removed", removed)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Create allocates a new session for a transport kind. At capacity it
// sweeps expired sessions first; if the table is still full, it fails
// with a capacity error.
func (m *Manager) Create(transportKind string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.sweepLocked(time.Now())
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, &pkgerrors.CapacityError{
			Resource: "sessions",
			Limit:    m.cfg.MaxSessions,
			Message:  "session limit reached",
		}
	}

	now := time.Now()
	s := &Session{
		ID:              uuid.NewString(),
		TransportKind:   transportKind,
		ProtocolVersion: m.cfg.DefaultVersion,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	m.sessions[s.ID] = s

	m.logger.Debug("session created", "session_id", s.ID, "transport", transportKind)
	return s.clone(), nil
}

// Get returns a copy of the session, or false if it does not exist.
// An expired session is removed on the spot and reported as absent.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if s.expired(m.cfg.SessionTimeout, time.Now()) {
		delete(m.sessions, id)
		m.expired++
		m.logger.Debug("session expired on read", "session_id", id)
		return nil, false
	}
	return s.clone(), true
}

// Initialize negotiates a session's protocol version and stores the
// client's identity and capabilities. The requested version must match a
// supported version exactly (major, minor, and patch). Negotiation
// happens at most once per session: a second initialize is rejected so
// the negotiated version cannot change mid-session.
func (m *Manager) Initialize(id string, params protocol.InitializeParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.liveLocked(id)
	if !ok {
		return &pkgerrors.NotFoundError{Resource: "session", ID: id}
	}
	if s.IsInitialized {
		return &pkgerrors.ValidationError{
			Field:      "session",
			Message:    fmt.Sprintf("session %s is already initialized", id),
			Suggestion: "create a new session to negotiate a different protocol version",
		}
	}

	supported := false
	for _, v := range m.cfg.SupportedVersions {
		if params.ProtocolVersion.Equal(v) {
			supported = true
			break
		}
	}
	if !supported {
		return &pkgerrors.ValidationError{
			Field:      "protocolVersion",
			Message:    fmt.Sprintf("unsupported protocol version %s", params.ProtocolVersion),
			Suggestion: fmt.Sprintf("use one of %v", m.cfg.SupportedVersions),
		}
	}

	s.ProtocolVersion = params.ProtocolVersion
	s.ClientInfo = params.ClientInfo
	s.Capabilities = params.Capabilities
	s.IsInitialized = true
	s.LastActivityAt = time.Now()

	m.logger.Info("session initialized", "session_id", id,
		"client", params.ClientInfo.Name, "protocol_version", params.ProtocolVersion.String())
	return nil
}

// Authenticate marks a session authenticated. Any credential-shaped
// payload (a token or a username) is accepted, and an empty payload
// succeeds too: with no authenticator configured the absence of an auth
// requirement means automatic success. Refreshes activity.
func (m *Manager) Authenticate(id string, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.liveLocked(id)
	if !ok {
		return &pkgerrors.NotFoundError{Resource: "session", ID: id}
	}

	s.Authenticated = true
	s.LastActivityAt = time.Now()

	m.logger.Debug("session authenticated", "session_id", id,
		"with_token", creds.Token != "", "username", creds.Username)
	return nil
}

// Touch refreshes a session's activity clock, resetting its idle timer.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.liveLocked(id)
	if !ok {
		return false
	}
	s.LastActivityAt = time.Now()
	return true
}

// Close removes a session.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	m.logger.Debug("session closed", "session_id", id)
	return true
}

// Sweep removes every expired session and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(time.Now())
}

func (m *Manager) sweepLocked(now time.Time) int {
	removed := 0
	for id, s := range m.sessions {
		if s.expired(m.cfg.SessionTimeout, now) {
			delete(m.sessions, id)
			m.expired++
			removed++
		}
	}
	return removed
}

// liveLocked returns the session if present and not expired, removing it
// when expired. Callers must hold m.mu.
func (m *Manager) liveLocked(id string) (*Session, bool) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if s.expired(m.cfg.SessionTimeout, time.Now()) {
		delete(m.sessions, id)
		m.expired++
		return nil, false
	}
	return s, true
}

// Metrics computes session counts on demand. Sessions that are present
// but past their idle timeout count as expired, not active.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := Metrics{Expired: int(m.expired)}
	for _, s := range m.sessions {
		out.Total++
		if s.expired(m.cfg.SessionTimeout, now) {
			out.Expired++
			continue
		}
		out.Active++
		if s.Authenticated {
			out.Authenticated++
		}
	}
	return out
}
