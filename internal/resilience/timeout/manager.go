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

// Package timeout wraps callables with deadlines and bounded, backed-off
// retries. It owns the retry budget: circuit breakers and pools composed
// underneath it never retry on their own.
package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// Op is a callable guarded by the manager. The supplied context is
// cancelled when the operation's timer fires or the caller cancels.
type Op func(ctx context.Context) (any, error)

// Options configures one guarded execution.
type Options struct {
	// Timeout bounds each individual attempt. Zero means no deadline.
	Timeout time.Duration

	// Retries is how many times a retryable failure is re-attempted.
	// Total attempts = Retries + 1.
	Retries int

	// RetryDelay is slept between attempts. Default: 1s.
	RetryDelay time.Duration

	// OnTimeout is invoked when an attempt's timer fires, before the
	// retry decision (optional).
	OnTimeout func(name string, attempt int)

	// OnRetry is invoked before each re-attempt (optional).
	OnRetry func(name string, attempt int, err error)
}

// PendingOperation describes one in-flight guarded execution.
type PendingOperation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

// Metrics aggregates outcomes per operation name.
type Metrics struct {
	Count        int64         `json:"count"`
	Timeouts     int64         `json:"timeouts"`
	Failures     int64         `json:"failures"`
	MeanDuration time.Duration `json:"mean_duration"`
}

// opMetrics is the mutable per-name aggregate.
type opMetrics struct {
	count         int64
	timeouts      int64
	failures      int64
	totalDuration time.Duration
}

// Manager tracks in-flight operations and per-name aggregates.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]PendingOperation
	cancels map[string]context.CancelFunc
	metrics map[string]*opMetrics
}

// NewManager creates a timeout manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		pending: make(map[string]PendingOperation),
		cancels: make(map[string]context.CancelFunc),
		metrics: make(map[string]*opMetrics),
	}
}

// Execute runs op under a per-attempt deadline with bounded retries.
// Retryable failures (per the pkg/errors classifier and the
// timeout/connection/network/rate-limit message heuristic) are re-attempted
// up to opts.Retries times with opts.RetryDelay between attempts.
// Validation and not-found errors are attempted exactly once.
func (m *Manager) Execute(ctx context.Context, name string, op Op, opts Options) (any, error) {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		value, err := m.attempt(ctx, name, op, opts.Timeout)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if pkgerrors.IsTimeout(err) && opts.OnTimeout != nil {
			opts.OnTimeout(name, attempt)
		}

		if attempt >= opts.Retries || !pkgerrors.IsRetryable(err) {
			return nil, err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(name, attempt, err)
		}
		m.logger.Debug("retrying operation",
			"operation", name, "attempt", attempt+1, "error", err)

		if err := sleepCtx(ctx, opts.RetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Wrap returns op guarded by the manager with the given options, for
// composing guard chains at the call site.
func (m *Manager) Wrap(name string, opts Options, op Op) Op {
	return func(ctx context.Context) (any, error) {
		return m.Execute(ctx, name, op, opts)
	}
}

// attempt runs a single guarded attempt, racing op against its timer.
func (m *Manager) attempt(ctx context.Context, name string, op Op, timeout time.Duration) (any, error) {
	opCtx, cancel := context.WithCancel(ctx)
	id := m.track(name, cancel)
	start := time.Now()

	defer func() {
		cancel()
		m.untrack(id)
	}()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := op(opCtx)
		done <- outcome{value, err}
	}()

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case out := <-done:
		m.record(name, time.Since(start), out.err)
		return out.value, out.err

	case <-timerC:
		cancel()
		err := &pkgerrors.TimeoutError{Operation: name, Duration: timeout}
		m.record(name, time.Since(start), err)
		return nil, err

	case <-ctx.Done():
		m.record(name, time.Since(start), ctx.Err())
		return nil, ctx.Err()
	}
}

// ExecuteWithAbort runs op with a cancellation context instead of racing a
// second goroutine: when the timer fires the context is cancelled so op can
// observe it and unwind cooperatively. The call then fails with a timeout
// error.
func (m *Manager) ExecuteWithAbort(ctx context.Context, name string, timeout time.Duration, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := m.track(name, cancel)
	defer m.untrack(id)

	timedOut := false
	var timer *time.Timer
	var timerMu sync.Mutex
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timerMu.Lock()
			timedOut = true
			timerMu.Unlock()
			cancel()
		})
		defer timer.Stop()
	}

	start := time.Now()
	err := op(opCtx)

	timerMu.Lock()
	fired := timedOut
	timerMu.Unlock()

	if fired {
		err = &pkgerrors.TimeoutError{Operation: name, Duration: timeout, Cause: err}
	}
	m.record(name, time.Since(start), err)
	return err
}

// track registers an in-flight operation and returns its id.
func (m *Manager) track(name string, cancel context.CancelFunc) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.pending[id] = PendingOperation{ID: id, Name: name, StartedAt: time.Now()}
	m.cancels[id] = cancel
	m.mu.Unlock()
	return id
}

// untrack removes a completed operation.
func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	delete(m.cancels, id)
	m.mu.Unlock()
}

// record folds one attempt outcome into the per-name aggregate.
func (m *Manager) record(name string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.metrics[name]
	if !ok {
		agg = &opMetrics{}
		m.metrics[name] = agg
	}
	agg.count++
	agg.totalDuration += d
	if err != nil {
		agg.failures++
		if pkgerrors.IsTimeout(err) {
			agg.timeouts++
		}
	}
}

// Cancel aborts the in-flight operation with the given id. It returns
// false if no such operation is pending.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll aborts every in-flight operation and returns how many were
// cancelled.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, cancel := range m.cancels {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// PendingOperations lists in-flight operations for introspection.
func (m *Manager) PendingOperations() []PendingOperation {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := make([]PendingOperation, 0, len(m.pending))
	for _, op := range m.pending {
		ops = append(ops, op)
	}
	return ops
}

// MetricsFor returns the aggregate for one operation name.
func (m *Manager) MetricsFor(name string) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.metrics[name]
	if !ok {
		return Metrics{}
	}
	return snapshot(agg)
}

// AllMetrics returns aggregates for every operation name seen so far.
func (m *Manager) AllMetrics() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Metrics, len(m.metrics))
	for name, agg := range m.metrics {
		out[name] = snapshot(agg)
	}
	return out
}

func snapshot(agg *opMetrics) Metrics {
	mean := time.Duration(0)
	if agg.count > 0 {
		mean = agg.totalDuration / time.Duration(agg.count)
	}
	return Metrics{
		Count:        agg.count,
		Timeouts:     agg.timeouts,
		Failures:     agg.failures,
		MeanDuration: mean,
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
