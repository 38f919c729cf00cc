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

// Package breaker implements a per-dependency circuit breaker with
// CLOSED/OPEN/HALF_OPEN states and a time-bounded failure window.
//
// The breaker decides whether a call should be attempted at all; it never
// retries internally. Retry budgets belong to the timeout manager.
package breaker

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// State represents the circuit breaker state.
type State string

const (
	// StateClosed means the dependency is healthy and calls pass through.
	StateClosed State = "closed"
	// StateOpen means the dependency is presumed unhealthy and calls fail fast.
	StateOpen State = "open"
	// StateHalfOpen means the breaker is probing for recovery.
	StateHalfOpen State = "half_open"
)

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of failures within MonitoringWindow
	// that opens the breaker.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before admitting
	// a probe call.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker.
	SuccessThreshold int

	// MonitoringWindow bounds the sliding window of recent operations.
	MonitoringWindow time.Duration

	// OnStateChange is invoked after every state transition (optional).
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
		MonitoringWindow: 60 * time.Second,
	}
}

// Status is a point-in-time snapshot of a breaker.
type Status struct {
	State             State     `json:"state"`
	WindowFailures    int       `json:"window_failures"`
	WindowSuccesses   int       `json:"window_successes"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	LastFailureAt     time.Time `json:"last_failure_at"`
	LastSuccessAt     time.Time `json:"last_success_at"`
	StateChanges      int       `json:"state_changes"`
}

// record is one observed operation outcome in the sliding window.
type record struct {
	at      time.Time
	success bool
}

// Breaker guards calls to a single named dependency.
type Breaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	window            []record
	halfOpenSuccesses int
	probeInFlight     bool
	lastFailureAt     time.Time
	lastSuccessAt     time.Time
	stateChanges      int
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = DefaultConfig().MonitoringWindow
	}

	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op through the breaker. If the breaker is open and the reset
// timeout has not elapsed, op is not invoked and a BreakerOpenError is
// returned. The first call after the reset timeout moves the breaker to
// half-open and is admitted as a probe; while a probe is in flight, other
// callers fail fast.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err == nil)
	return err
}

// Wrap returns op guarded by the breaker, for composing guard chains at
// the call site.
func (b *Breaker) Wrap(op func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return b.Execute(ctx, op)
	}
}

// ExecuteWithTimeout runs op through the breaker racing a timer. A fired
// timer counts as a failure against the breaker.
func (b *Breaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	return b.Execute(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- op(opCtx)
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case err := <-done:
			return err
		case <-timer.C:
			cancel()
			return &pkgerrors.TimeoutError{Operation: b.name, Duration: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// admit decides whether a call may proceed, applying the lazy OPEN →
// HALF_OPEN transition.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailureAt) <= b.cfg.ResetTimeout {
			return &pkgerrors.BreakerOpenError{
				Name:        b.name,
				LastFailure: b.lastFailureAt,
				RetryAfter:  b.cfg.ResetTimeout - now.Sub(b.lastFailureAt),
			}
		}
		// Reset timeout elapsed; this call becomes the probe.
		b.transition(StateHalfOpen)
		b.halfOpenSuccesses = 0
		b.probeInFlight = true
	case StateHalfOpen:
		if b.probeInFlight {
			return &pkgerrors.BreakerOpenError{
				Name:        b.name,
				LastFailure: b.lastFailureAt,
			}
		}
		b.probeInFlight = true
	}

	return nil
}

// record applies an operation outcome to the breaker state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.window = append(b.window, record{at: now, success: success})
	b.prune(now)

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}

	if success {
		b.lastSuccessAt = now
		if b.state == StateHalfOpen {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.transition(StateClosed)
				b.halfOpenSuccesses = 0
				b.window = nil
			}
		}
		return
	}

	b.lastFailureAt = now
	switch b.state {
	case StateClosed:
		if b.windowFailures() >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing reopens immediately.
		b.transition(StateOpen)
		b.halfOpenSuccesses = 0
	}
}

// prune drops window entries strictly older than the monitoring window.
// Callers must hold b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	drop := 0
	for _, r := range b.window {
		if !r.at.Before(cutoff) {
			break
		}
		drop++
	}
	if drop > 0 {
		b.window = b.window[drop:]
	}
}

// windowFailures counts failures in the pruned window. Callers must hold b.mu.
func (b *Breaker) windowFailures() int {
	n := 0
	for _, r := range b.window {
		if !r.success {
			n++
		}
	}
	return n
}

// transition moves the breaker to a new state. Callers must hold b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.stateChanges++

	if b.cfg.OnStateChange != nil {
		// Callback runs outside the lock to keep reentrant status reads safe.
		go b.cfg.OnStateChange(b.name, from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(time.Now())

	successes := 0
	for _, r := range b.window {
		if r.success {
			successes++
		}
	}

	return Status{
		State:             b.state,
		WindowFailures:    len(b.window) - successes,
		WindowSuccesses:   successes,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		LastFailureAt:     b.lastFailureAt,
		LastSuccessAt:     b.lastSuccessAt,
		StateChanges:      b.stateChanges,
	}
}

// Reset forces the breaker back to closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(StateClosed)
	b.window = nil
	b.halfOpenSuccesses = 0
	b.probeInFlight = false
}
