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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/protocol"
	pkgerrors "github.com/tombee/relay/pkg/errors"
)

func testConfig() Config {
	return Config{
		MaxSessions:    3,
		SessionTimeout: time.Minute,
		SupportedVersions: []protocol.Version{
			{Major: 2, Minor: 0, Patch: 0},
			{Major: 2, Minor: 1, Patch: 0},
		},
		DefaultVersion: protocol.Version{Major: 2, Minor: 0, Patch: 0},
	}
}

// backdate moves a session's activity clock into the past.
func backdate(m *Manager, id string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = s.LastActivityAt.Add(-by)
	}
}

func TestCreateAndGet(t *testing.T) {
	m := NewManager(testConfig())

	s, err := m.Create("stdio")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "stdio", s.TransportKind)
	assert.False(t, s.IsInitialized)
	assert.False(t, s.Authenticated)
	assert.Equal(t, protocol.Version{Major: 2, Minor: 0, Patch: 0}, s.ProtocolVersion)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewManager(testConfig())
	s, err := m.Create("stdio")
	require.NoError(t, err)

	got, _ := m.Get(s.ID)
	got.Authenticated = true

	fresh, _ := m.Get(s.ID)
	assert.False(t, fresh.Authenticated, "mutating a returned session must not affect the manager")
}

func TestCapacitySweepsBeforeFailing(t *testing.T) {
	m := NewManager(testConfig())

	var first *Session
	for i := 0; i < 3; i++ {
		s, err := m.Create("stdio")
		require.NoError(t, err)
		if first == nil {
			first = s
		}
	}

	// At capacity with nothing expired: capacity error.
	_, err := m.Create("stdio")
	require.Error(t, err)
	assert.Equal(t, "capacity", pkgerrors.ErrorType(err))

	// Expire one; the next create sweeps it and succeeds.
	backdate(m, first.ID, 2*time.Minute)
	s, err := m.Create("stdio")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, s.ID)
}

func TestLazyExpiryOnGet(t *testing.T) {
	m := NewManager(testConfig())
	s, err := m.Create("stdio")
	require.NoError(t, err)

	backdate(m, s.ID, 2*time.Minute)

	_, ok := m.Get(s.ID)
	assert.False(t, ok)

	metrics := m.Metrics()
	assert.Equal(t, 0, metrics.Active)
	assert.Equal(t, 1, metrics.Expired)
}

func TestTouchPreventsExpiry(t *testing.T) {
	m := NewManager(testConfig())
	s, err := m.Create("stdio")
	require.NoError(t, err)

	backdate(m, s.ID, 50*time.Second)
	require.True(t, m.Touch(s.ID), "session near expiry should still be touchable")

	backdate(m, s.ID, 50*time.Second)
	_, ok := m.Get(s.ID)
	assert.True(t, ok, "touch must reset the idle clock")
}

func TestInitializeVersionNegotiation(t *testing.T) {
	m := NewManager(testConfig())
	s, err := m.Create("stdio")
	require.NoError(t, err)

	params := protocol.InitializeParams{
		ClientInfo:      protocol.ClientInfo{Name: "relay-test", Version: "0.1.0"},
		ProtocolVersion: protocol.Version{Major: 2, Minor: 1, Patch: 0},
		Capabilities:    map[string]any{"tools": true},
	}
	require.NoError(t, m.Initialize(s.ID, params))

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.True(t, got.IsInitialized)
	assert.Equal(t, "relay-test", got.ClientInfo.Name)
	assert.Equal(t, params.ProtocolVersion, got.ProtocolVersion)
}

func TestInitializeNegotiatesAtMostOnce(t *testing.T) {
	m := NewManager(testConfig())
	s, err := m.Create("stdio")
	require.NoError(t, err)

	first := protocol.Version{Major: 2, Minor: 0, Patch: 0}
	require.NoError(t, m.Initialize(s.ID, protocol.InitializeParams{
		ClientInfo:      protocol.ClientInfo{Name: "relay-test"},
		ProtocolVersion: first,
	}))

	// A second initialize must not renegotiate the version, even to
	// another supported one.
	err = m.Initialize(s.ID, protocol.InitializeParams{
		ProtocolVersion: protocol.Version{Major: 2, Minor: 1, Patch: 0},
	})
	require.Error(t, err)
	assert.Equal(t, "validation", pkgerrors.ErrorType(err))

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, first, got.ProtocolVersion)
	assert.Equal(t, "relay-test", got.ClientInfo.Name)
}

func TestInitializeRejectsUnsupportedVersion(t *testing.T) {
	m := NewManager(testConfig())
	s, err := m.Create("stdio")
	require.NoError(t, err)

	tests := []protocol.Version{
		{Major: 1, Minor: 0, Patch: 0},
		{Major: 2, Minor: 2, Patch: 0},
		{Major: 2, Minor: 1, Patch: 1}, // patch must match too
	}
	for _, v := range tests {
		err := m.Initialize(s.ID, protocol.InitializeParams{ProtocolVersion: v})
		require.Error(t, err, "version %s", v)
		assert.Equal(t, "validation", pkgerrors.ErrorType(err))
	}

	got, _ := m.Get(s.ID)
	assert.False(t, got.IsInitialized)
}

func TestInitializeUnknownSession(t *testing.T) {
	m := NewManager(testConfig())
	err := m.Initialize("missing", protocol.InitializeParams{
		ProtocolVersion: protocol.Version{Major: 2, Minor: 0, Patch: 0},
	})
	require.Error(t, err)
	assert.Equal(t, "not_found", pkgerrors.ErrorType(err))
}

func TestAuthenticateFailOpen(t *testing.T) {
	m := NewManager(testConfig())
	s, err := m.Create("stdio")
	require.NoError(t, err)

	// Token, username, and even empty credentials all succeed.
	require.NoError(t, m.Authenticate(s.ID, Credentials{Token: "abc"}))
	require.NoError(t, m.Authenticate(s.ID, Credentials{Username: "alice"}))
	require.NoError(t, m.Authenticate(s.ID, Credentials{}))

	got, _ := m.Get(s.ID)
	assert.True(t, got.Authenticated)
}

func TestCloseAndSweep(t *testing.T) {
	m := NewManager(testConfig())
	a, _ := m.Create("stdio")
	b, _ := m.Create("http")

	assert.True(t, m.Close(a.ID))
	assert.False(t, m.Close(a.ID))

	backdate(m, b.ID, 2*time.Minute)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Metrics().Total)
}

func TestMetricsCounts(t *testing.T) {
	m := NewManager(testConfig())
	a, _ := m.Create("stdio")
	b, _ := m.Create("stdio")
	require.NoError(t, m.Authenticate(a.ID, Credentials{Token: "t"}))

	backdate(m, b.ID, 2*time.Minute)

	got := m.Metrics()
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 1, got.Active)
	assert.Equal(t, 1, got.Authenticated)
	assert.Equal(t, 1, got.Expired)
}

func TestSweeperLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTimeout = 10 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	m := NewManager(cfg)
	m.Start()

	s, err := m.Create("stdio")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return m.Metrics().Total == 0
	}, time.Second, 5*time.Millisecond, "sweeper should remove session %s", s.ID)

	m.Stop()
}
