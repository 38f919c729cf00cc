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

package breaker

import (
	"sync"
)

// Manager is a name-keyed breaker factory. Unrelated dependencies never
// share failure state; the manager hands out one breaker per name and
// keeps it for the manager's lifetime (or until removed).
//
// Managers are constructed and injected by the composing application;
// there is no process-wide instance.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Config
}

// NewManager creates a breaker manager. cfg supplies the defaults applied
// when GetOrCreate is called with a zero Config.
func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		defaults: cfg,
	}
}

// GetOrCreate returns the breaker for name, creating it on first use.
// cfg is only consulted at creation time; later calls for the same name
// return the existing breaker unchanged.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}

	if cfg.FailureThreshold == 0 && cfg.ResetTimeout == 0 &&
		cfg.SuccessThreshold == 0 && cfg.MonitoringWindow == 0 {
		cfg = m.defaults
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = m.defaults.OnStateChange
	}

	b := New(name, cfg)
	m.breakers[name] = b
	return b
}

// Get returns the breaker for name, or nil if none exists.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakers[name]
}

// Remove discards the breaker for name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

// Status returns snapshots for every known breaker keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	status := make(map[string]Status, len(breakers))
	for _, b := range breakers {
		status[b.Name()] = b.Status()
	}
	return status
}
