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

package client

import (
	"sync"
	"time"

	"github.com/tombee/relay/internal/resilience/breaker"
)

// Health is the client's coarse health status, derived from the breaker
// state guarding the transport.
type Health string

const (
	// HealthHealthy means requests flow normally.
	HealthHealthy Health = "healthy"

	// HealthDegraded means the client is probing recovery.
	HealthDegraded Health = "degraded"

	// HealthUnhealthy means requests fail fast.
	HealthUnhealthy Health = "unhealthy"
)

func healthFor(state breaker.State) Health {
	switch state {
	case breaker.StateOpen:
		return HealthUnhealthy
	case breaker.StateHalfOpen:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Event is implemented by every event the client surfaces toward a
// recovery orchestrator.
type Event interface {
	eventName() string
}

// RecoveryStart is emitted when a recovery attempt begins.
type RecoveryStart struct {
	// Trigger names what initiated recovery ("manual", "breaker_open").
	Trigger string
}

func (RecoveryStart) eventName() string { return "recoveryStart" }

// RecoveryComplete is emitted when a recovery attempt finishes.
type RecoveryComplete struct {
	Success  bool
	Duration time.Duration
}

func (RecoveryComplete) eventName() string { return "recoveryComplete" }

// FallbackActivated is emitted when the breaker opens and the client
// starts failing fast.
type FallbackActivated struct {
	State breaker.State
}

func (FallbackActivated) eventName() string { return "fallbackActivated" }

// HealthChange is emitted whenever the derived health status changes.
type HealthChange struct {
	New Health
	Old Health
}

func (HealthChange) eventName() string { return "healthChange" }

// Listener receives client events. Listeners must not block; they are
// invoked synchronously on the emitting goroutine.
type Listener func(Event)

// emitter fans events out to registered listeners.
type emitter struct {
	mu        sync.Mutex
	listeners []Listener
}

func (e *emitter) add(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
