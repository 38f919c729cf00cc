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

// Package client wraps a protocol transport with the resilience stack:
// a circuit breaker guarding the dependency, a timeout/retry manager
// bounding each request, and a connection pool owning the transports.
// It is the hook point for an external recovery orchestrator and
// surfaces health and recovery events toward it.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/protocol"
	"github.com/tombee/relay/internal/resilience/breaker"
	"github.com/tombee/relay/internal/resilience/pool"
	"github.com/tombee/relay/internal/resilience/timeout"
	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// TransportFactory dials fresh transports for the pool.
type TransportFactory func(ctx context.Context) (protocol.Transport, error)

// transportConn adapts a protocol.Transport to the pool's connection
// interface. Ping reuses the protocol-level ping method.
type transportConn struct {
	transport protocol.Transport
}

func (c *transportConn) Ping(ctx context.Context) error {
	req, err := protocol.NewRequest("ping", protocol.MethodPing, nil)
	if err != nil {
		return err
	}
	resp, err := c.transport.SendRequest(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

func (c *transportConn) Close() error {
	return c.transport.Disconnect()
}

// PoolMetrics receives connection pool observations: acquire latency,
// acquire timeouts, and borrowed-connection occupancy.
type PoolMetrics interface {
	RecordPoolAcquire(ctx context.Context, wait time.Duration, timedOut bool)
	SetPoolInUse(n int)
}

// Config configures a resilient client.
type Config struct {
	// Breaker configures the circuit breaker guarding the transport.
	Breaker breaker.Config

	// Pool configures the transport connection pool.
	Pool pool.Config

	// Metrics receives pool observations (optional). Satisfied by the
	// metrics package's Collector.
	Metrics PoolMetrics

	// RequestTimeout bounds each request attempt.
	RequestTimeout time.Duration

	// Retries is how many times a retryable failure is reattempted.
	Retries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// DefaultConfig returns client defaults.
func DefaultConfig() Config {
	return Config{
		Breaker:        breaker.DefaultConfig(),
		Pool:           pool.DefaultConfig(),
		RequestTimeout: 30 * time.Second,
		Retries:        2,
		RetryDelay:     time.Second,
	}
}

// Client sends requests through the resilience stack. The guard order is
// timeout(breaker(pool(send))): the timeout manager owns retries, the
// breaker decides whether an attempt is allowed at all, and the pool
// hands the attempt a transport.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	factory TransportFactory

	brk      *breaker.Breaker
	timeouts *timeout.Manager
	events   emitter

	mu      sync.Mutex
	pool    *pool.Pool
	health  Health
	started bool
}

// New creates a client. The pool is not dialed until Start.
func New(factory TransportFactory, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "client")

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		factory:  factory,
		timeouts: timeout.NewManager(logger),
		health:   HealthHealthy,
	}

	brkCfg := cfg.Breaker
	prev := brkCfg.OnStateChange
	brkCfg.OnStateChange = func(name string, from, to breaker.State) {
		c.onBreakerChange(from, to)
		if prev != nil {
			prev(name, from, to)
		}
	}
	c.brk = breaker.New("transport", brkCfg)
	return c
}

// Subscribe registers a listener for recovery and health events.
func (c *Client) Subscribe(l Listener) {
	c.events.add(l)
}

// Start dials the transport pool. Idempotent.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	factory := pool.FactoryFunc(func(ctx context.Context) (pool.Conn, error) {
		transport, err := c.factory(ctx)
		if err != nil {
			return nil, err
		}
		if err := transport.Connect(ctx); err != nil {
			return nil, err
		}
		return &transportConn{transport: transport}, nil
	})

	p, err := pool.New(ctx, factory, c.cfg.Pool)
	if err != nil {
		return err
	}
	c.pool = p
	c.started = true
	c.logger.Info("client started")
	return nil
}

// Stop cancels in-flight operations and drains the pool.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	p := c.pool
	c.pool = nil
	c.mu.Unlock()

	c.timeouts.CancelAll()
	err := p.Drain(ctx)
	c.logger.Info("client stopped")
	return err
}

// Status is the client's current health snapshot.
type Status struct {
	Health  Health         `json:"health"`
	Started bool           `json:"started"`
	Breaker breaker.Status `json:"breaker"`
}

// Status returns the current health snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Health:  c.health,
		Started: c.started,
		Breaker: c.brk.Status(),
	}
}

// HandleRequest sends one request through the guard chain and returns
// the response. A response carrying a JSON-RPC error member is returned
// as-is; only transport-level failures feed the breaker.
func (c *Client) HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	p := c.pool
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil, &pkgerrors.HandlerError{
			Operation: "handle_request",
			Message:   "client not started",
		}
	}

	result, err := c.timeouts.Execute(ctx, req.Method, func(ctx context.Context) (any, error) {
		var resp *protocol.Response
		err := c.brk.Execute(ctx, func(ctx context.Context) error {
			pc, acquireErr := c.acquire(ctx, p)
			if acquireErr != nil {
				return acquireErr
			}
			defer c.release(p, pc)

			transport := pc.Conn().(*transportConn).transport
			var sendErr error
			resp, sendErr = transport.SendRequest(ctx, req)
			return sendErr
		})
		return resp, err
	}, timeout.Options{
		Timeout:    c.cfg.RequestTimeout,
		Retries:    c.cfg.Retries,
		RetryDelay: c.cfg.RetryDelay,
		OnRetry: func(name string, attempt int, err error) {
			c.logger.Warn("retrying request", "method", name,
				"attempt", attempt, "error", err)
		},
	})
	if err != nil {
		return nil, err
	}
	return result.(*protocol.Response), nil
}

// ForceRecovery resets the breaker and probes the transport with a ping,
// reporting whether the probe succeeded. The recovery orchestrator calls
// this when it decides the dependency should be retried now rather than
// after the reset timeout.
func (c *Client) ForceRecovery(ctx context.Context) bool {
	c.mu.Lock()
	p := c.pool
	started := c.started
	c.mu.Unlock()
	if !started {
		return false
	}

	start := time.Now()
	c.events.emit(RecoveryStart{Trigger: "manual"})
	c.logger.Info("recovery started", "trigger", "manual")

	c.brk.Reset()

	success := false
	pc, err := c.acquire(ctx, p)
	if err == nil {
		success = pc.Conn().Ping(ctx) == nil
		c.release(p, pc)
	}

	duration := time.Since(start)
	c.events.emit(RecoveryComplete{Success: success, Duration: duration})
	c.logger.Info("recovery finished", "success", success,
		"duration_ms", duration.Milliseconds())
	return success
}

// acquire borrows a pooled transport, reporting the wait to the metrics
// sink when one is configured.
func (c *Client) acquire(ctx context.Context, p *pool.Pool) (*pool.PooledConn, error) {
	start := time.Now()
	pc, err := p.Acquire(ctx)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordPoolAcquire(ctx, time.Since(start), pkgerrors.IsTimeout(err))
		if err == nil {
			c.cfg.Metrics.SetPoolInUse(p.Stats().InUse)
		}
	}
	return pc, err
}

// release returns a pooled transport and refreshes the occupancy gauge.
func (c *Client) release(p *pool.Pool, pc *pool.PooledConn) {
	p.Release(pc)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SetPoolInUse(p.Stats().InUse)
	}
}

// onBreakerChange translates breaker transitions into orchestrator
// events. Runs on the breaker's callback goroutine.
func (c *Client) onBreakerChange(from, to breaker.State) {
	oldHealth := healthFor(from)
	newHealth := healthFor(to)

	c.mu.Lock()
	c.health = newHealth
	c.mu.Unlock()

	if to == breaker.StateOpen {
		c.events.emit(FallbackActivated{State: to})
	}
	if newHealth != oldHealth {
		c.events.emit(HealthChange{New: newHealth, Old: oldHealth})
	}
}
