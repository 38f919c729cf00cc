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

// Package pool implements a bounded, adaptively-resized pool of reusable
// connection handles to a single downstream dependency.
//
// Contended acquires wait in a strict FIFO queue: every release hands the
// connection to the longest-waiting caller before considering the idle set,
// which prevents starvation under sustained load.
package pool

import (
	"container/list"
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// Conn is a transport-agnostic connection handle managed by the pool.
type Conn interface {
	// Ping checks connection health. Called on borrow when TestOnBorrow
	// is set, and by operators via health endpoints.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// Factory dials new connections for the pool.
type Factory interface {
	Dial(ctx context.Context) (Conn, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Conn, error)

// Dial implements Factory.
func (f FactoryFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Config configures a connection pool.
type Config struct {
	// Min is the number of connections created eagerly and kept alive.
	Min int

	// Max bounds the total number of connections.
	Max int

	// AcquireTimeout bounds how long an Acquire waits in the queue.
	AcquireTimeout time.Duration

	// IdleTimeout is how long an idle connection survives before eviction.
	IdleTimeout time.Duration

	// EvictionInterval is how often the idle sweep runs.
	EvictionInterval time.Duration

	// TestOnBorrow health-checks idle connections before handing them out.
	TestOnBorrow bool

	// AdaptiveResize enables load-driven pool resizing.
	AdaptiveResize bool

	// LoadThresholdHigh is the mean load above which the pool scales up.
	LoadThresholdHigh float64

	// LoadThresholdLow is the mean load below which the pool scales down.
	LoadThresholdLow float64

	// ResizeInterval is how often load is sampled and resize considered.
	ResizeInterval time.Duration

	// MaxAutoResize bounds how many connections one scale-up may add.
	MaxAutoResize int

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// DefaultConfig returns sensible default pool settings.
func DefaultConfig() Config {
	return Config{
		Min:               2,
		Max:               10,
		AcquireTimeout:    30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		EvictionInterval:  time.Minute,
		TestOnBorrow:      true,
		AdaptiveResize:    false,
		LoadThresholdHigh: 0.8,
		LoadThresholdLow:  0.3,
		ResizeInterval:    10 * time.Second,
		MaxAutoResize:     5,
	}
}

// PooledConn is a connection handle owned exclusively by one borrower
// while in use.
type PooledConn struct {
	// ID uniquely identifies this pooled connection.
	ID string

	conn       Conn
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
	inUse      bool
}

// Conn returns the underlying connection handle.
func (pc *PooledConn) Conn() Conn {
	return pc.conn
}

// UseCount returns how many times this connection has been borrowed.
func (pc *PooledConn) UseCount() int64 {
	return pc.useCount
}

// waiter is one queued Acquire call. grant is buffered so a releaser
// holding the pool lock can hand off without blocking.
type waiter struct {
	grant      chan *PooledConn
	enqueuedAt time.Time
}

// Pool manages a bounded set of reusable connections.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	conns    map[string]*PooledConn
	idle     []*PooledConn
	waiters  *list.List
	pending  int // dials in flight, counted against Max
	draining bool

	loadHistory  []float64
	lastResizeAt time.Time

	stats statsState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool and eagerly dials Min connections. Dial failures
// during warm-up are returned; the pool is unusable on error.
func New(ctx context.Context, factory Factory, cfg Config) (*Pool, error) {
	if factory == nil {
		return nil, &pkgerrors.ConfigError{Key: "pool.factory", Reason: "factory is required"}
	}
	if cfg.Min < 0 || cfg.Max <= 0 || cfg.Min > cfg.Max {
		return nil, &pkgerrors.ConfigError{Key: "pool.min/max", Reason: "require 0 <= min <= max and max > 0"}
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = DefaultConfig().EvictionInterval
	}
	if cfg.ResizeInterval <= 0 {
		cfg.ResizeInterval = DefaultConfig().ResizeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		conns:   make(map[string]*PooledConn),
		waiters: list.New(),
		stopCh:  make(chan struct{}),
	}
	p.stats.startedAt = time.Now()

	for i := 0; i < cfg.Min; i++ {
		pc, err := p.dial(ctx)
		if err != nil {
			p.closeAll()
			return nil, err
		}
		p.mu.Lock()
		p.conns[pc.ID] = pc
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.evictionLoop()

	if cfg.AdaptiveResize {
		p.wg.Add(1)
		go p.resizeLoop()
	}

	return p, nil
}

// dial creates a new pooled connection. The pending counter reserves a
// slot against Max while the dial is in flight.
func (p *Pool) dial(ctx context.Context) (*PooledConn, error) {
	conn, err := p.factory.Dial(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.mu.Lock()
	p.stats.created++
	p.mu.Unlock()
	return &PooledConn{
		ID:         uuid.NewString(),
		conn:       conn,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// Acquire returns an exclusive connection handle, waiting in FIFO order
// when the pool is exhausted. It fails with a TimeoutError if no
// connection becomes available within AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()

	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, &pkgerrors.CapacityError{Resource: "connections", Limit: p.cfg.Max, Message: "pool is draining"}
		}

		// Idle connection available.
		if len(p.idle) > 0 {
			pc := p.idle[0]
			p.idle = p.idle[1:]

			if p.cfg.TestOnBorrow {
				p.mu.Unlock()
				if err := pc.conn.Ping(ctx); err != nil {
					p.destroy(pc)
					p.logger.Debug("destroyed unhealthy connection on borrow",
						"conn_id", pc.ID, "error", err)
					p.topUp()
					continue
				}
				p.mu.Lock()
				if p.draining || p.conns[pc.ID] == nil {
					delete(p.conns, pc.ID)
					p.mu.Unlock()
					_ = pc.conn.Close()
					return nil, &pkgerrors.CapacityError{Resource: "connections", Limit: p.cfg.Max, Message: "pool is draining"}
				}
			}

			p.borrowLocked(pc, start)
			p.mu.Unlock()
			return pc, nil
		}

		// Room to grow.
		if len(p.conns)+p.pending < p.cfg.Max {
			p.pending++
			p.mu.Unlock()

			pc, err := p.dial(ctx)

			p.mu.Lock()
			p.pending--
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.conns[pc.ID] = pc
			p.borrowLocked(pc, start)
			p.mu.Unlock()
			return pc, nil
		}

		// Exhausted: join the FIFO queue.
		w := &waiter{
			grant:      make(chan *PooledConn, 1),
			enqueuedAt: time.Now(),
		}
		elem := p.waiters.PushBack(w)
		p.mu.Unlock()

		timer := time.NewTimer(p.cfg.AcquireTimeout)
		select {
		case pc, ok := <-w.grant:
			timer.Stop()
			if !ok {
				return nil, &pkgerrors.CapacityError{Resource: "connections", Limit: p.cfg.Max, Message: "pool is draining"}
			}
			p.mu.Lock()
			p.stats.recordAcquire(time.Since(start))
			p.mu.Unlock()
			return pc, nil

		case <-timer.C:
			if pc := p.abandonWaiter(elem, w); pc != nil {
				// A grant raced the timer; route the connection onward.
				p.Release(pc)
			}
			p.mu.Lock()
			p.stats.timeouts++
			p.mu.Unlock()
			return nil, &pkgerrors.TimeoutError{Operation: "pool acquire", Duration: p.cfg.AcquireTimeout}

		case <-ctx.Done():
			timer.Stop()
			if pc := p.abandonWaiter(elem, w); pc != nil {
				p.Release(pc)
			}
			return nil, ctx.Err()
		}
	}
}

// Wrap returns a function that borrows a connection for the duration of
// op, for composing guard chains at the call site.
func (p *Pool) Wrap(op func(ctx context.Context, conn Conn) error) func(context.Context) error {
	return func(ctx context.Context) error {
		pc, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		defer p.Release(pc)
		return op(ctx, pc.conn)
	}
}

// abandonWaiter removes a timed-out or cancelled waiter from the queue.
// If the waiter was already served, the in-flight grant is drained and
// returned so the caller can hand it back; otherwise nil.
func (p *Pool) abandonWaiter(elem *list.Element, w *waiter) *PooledConn {
	p.mu.Lock()
	removed := false
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			removed = true
			break
		}
	}
	p.mu.Unlock()

	if removed {
		return nil
	}

	// Not in the queue means a releaser popped us; the grant is either
	// already buffered or the channel was closed by Drain.
	if pc, ok := <-w.grant; ok {
		return pc
	}
	return nil
}

// borrowLocked marks pc as in use and records acquire latency.
// Callers must hold p.mu.
func (p *Pool) borrowLocked(pc *PooledConn, start time.Time) {
	pc.inUse = true
	pc.useCount++
	pc.lastUsedAt = time.Now()
	p.stats.recordAcquire(time.Since(start))
}

// Release returns a connection to the pool. If anyone is waiting, the
// connection goes straight to the longest-waiting caller and never touches
// the idle set.
func (p *Pool) Release(pc *PooledConn) {
	p.mu.Lock()

	if _, ok := p.conns[pc.ID]; !ok {
		// Already destroyed (drain or eviction race).
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}

	pc.inUse = false
	pc.lastUsedAt = time.Now()

	if elem := p.waiters.Front(); elem != nil {
		w := p.waiters.Remove(elem).(*waiter)
		pc.inUse = true
		pc.useCount++
		p.stats.recordQueueWait(time.Since(w.enqueuedAt))
		w.grant <- pc
		p.mu.Unlock()
		return
	}

	if p.draining {
		delete(p.conns, pc.ID)
		p.stats.destroyed++
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}

	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// destroy removes a connection from the pool and closes it.
func (p *Pool) destroy(pc *PooledConn) {
	p.mu.Lock()
	delete(p.conns, pc.ID)
	for i, idle := range p.idle {
		if idle.ID == pc.ID {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.stats.destroyed++
	p.mu.Unlock()
	_ = pc.conn.Close()
}

// topUp restores the Min floor in the background after a connection was
// destroyed on a failed borrow health check.
func (p *Pool) topUp() {
	p.mu.Lock()
	if p.draining || len(p.conns)+p.pending >= p.cfg.Min {
		p.mu.Unlock()
		return
	}
	p.pending++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		defer cancel()

		pc, err := p.dial(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("pool top-up dial failed", "error", err)
			return
		}
		if p.draining {
			p.mu.Unlock()
			_ = pc.conn.Close()
			return
		}
		p.conns[pc.ID] = pc
		p.handOffOrParkLocked(pc)
		p.mu.Unlock()
	}()
}

// handOffOrParkLocked gives a fresh connection to the oldest waiter, or
// parks it in the idle set. Callers must hold p.mu.
func (p *Pool) handOffOrParkLocked(pc *PooledConn) {
	if elem := p.waiters.Front(); elem != nil {
		w := p.waiters.Remove(elem).(*waiter)
		pc.inUse = true
		pc.useCount++
		p.stats.recordQueueWait(time.Since(w.enqueuedAt))
		w.grant <- pc
		return
	}
	p.idle = append(p.idle, pc)
}

// evictionLoop destroys idle connections past IdleTimeout, never shrinking
// below Min.
func (p *Pool) evictionLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle()
		case <-p.stopCh:
			return
		}
	}
}

// evictIdle performs one idle-eviction sweep.
func (p *Pool) evictIdle() {
	now := time.Now()
	var victims []*PooledConn

	p.mu.Lock()
	for i := 0; i < len(p.idle); {
		pc := p.idle[i]
		if len(p.conns)-len(victims) <= p.cfg.Min {
			break
		}
		if now.Sub(pc.lastUsedAt) > p.cfg.IdleTimeout {
			victims = append(victims, pc)
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			continue
		}
		i++
	}
	for _, pc := range victims {
		delete(p.conns, pc.ID)
		p.stats.destroyed++
	}
	p.mu.Unlock()

	for _, pc := range victims {
		_ = pc.conn.Close()
	}
	if len(victims) > 0 {
		p.logger.Debug("evicted idle connections", "count", len(victims))
	}
}

// resizeLoop samples pool load and resizes when the rolling mean crosses
// the configured thresholds. Resize actions are throttled to at most one
// per ResizeInterval.
func (p *Pool) resizeLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ResizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sampleAndResize()
		case <-p.stopCh:
			return
		}
	}
}

// sampleAndResize takes one load sample and applies scale-up/scale-down
// decisions.
func (p *Pool) sampleAndResize() {
	p.mu.Lock()

	total := len(p.conns)
	inUse := total - len(p.idle)
	queueLen := p.waiters.Len()

	utilization := 0.0
	if total > 0 {
		utilization = float64(inUse) / float64(total)
	}
	load := utilization + math.Min(1, float64(queueLen)/10)

	p.loadHistory = append(p.loadHistory, load)
	if len(p.loadHistory) > 20 {
		p.loadHistory = p.loadHistory[len(p.loadHistory)-20:]
	}
	mean := 0.0
	for _, l := range p.loadHistory {
		mean += l
	}
	mean /= float64(len(p.loadHistory))

	if time.Since(p.lastResizeAt) < p.cfg.ResizeInterval {
		p.mu.Unlock()
		return
	}

	switch {
	case mean > p.cfg.LoadThresholdHigh && queueLen > 0:
		grow := int(math.Ceil(float64(queueLen) / 2))
		if room := p.cfg.Max - total - p.pending; grow > room {
			grow = room
		}
		if grow > p.cfg.MaxAutoResize {
			grow = p.cfg.MaxAutoResize
		}
		if grow <= 0 {
			p.mu.Unlock()
			return
		}
		p.pending += grow
		p.lastResizeAt = time.Now()
		p.mu.Unlock()

		p.logger.Info("pool scaling up", "add", grow, "mean_load", mean)
		for i := 0; i < grow; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()

				ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
				defer cancel()

				pc, err := p.dial(ctx)

				p.mu.Lock()
				p.pending--
				if err != nil {
					p.mu.Unlock()
					p.logger.Warn("pool scale-up dial failed", "error", err)
					return
				}
				if p.draining {
					p.mu.Unlock()
					_ = pc.conn.Close()
					return
				}
				p.conns[pc.ID] = pc
				p.handOffOrParkLocked(pc)
				p.mu.Unlock()
			}()
		}

	case mean < p.cfg.LoadThresholdLow && total > p.cfg.Min:
		// Scale down removes idle connections only.
		shrink := (total - p.cfg.Min) / 2
		if shrink > len(p.idle) {
			shrink = len(p.idle)
		}
		if shrink <= 0 {
			p.mu.Unlock()
			return
		}
		victims := make([]*PooledConn, shrink)
		copy(victims, p.idle[:shrink])
		p.idle = p.idle[shrink:]
		for _, pc := range victims {
			delete(p.conns, pc.ID)
			p.stats.destroyed++
		}
		p.lastResizeAt = time.Now()
		p.mu.Unlock()

		p.logger.Info("pool scaling down", "remove", shrink, "mean_load", mean)
		for _, pc := range victims {
			_ = pc.conn.Close()
		}

	default:
		p.mu.Unlock()
	}
}

// Drain stops the background timers, rejects all queued waiters, waits
// (bounded by ctx) for in-use connections to come back, then destroys
// everything.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	close(p.stopCh)

	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		close(elem.Value.(*waiter).grant)
	}
	p.waiters.Init()
	p.mu.Unlock()

	// Wait for borrowers to release, bounded by the caller's context.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		busy := len(p.conns) - len(p.idle)
		p.mu.Unlock()
		if busy == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.closeAll()
			p.wg.Wait()
			return ctx.Err()
		}
	}

	p.closeAll()
	p.wg.Wait()
	return nil
}

// closeAll closes every tracked connection. It takes the lock itself.
func (p *Pool) closeAll() {
	p.mu.Lock()
	victims := make([]*PooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		victims = append(victims, pc)
	}
	p.conns = make(map[string]*PooledConn)
	p.idle = nil
	p.stats.destroyed += int64(len(victims))
	p.mu.Unlock()

	for _, pc := range victims {
		_ = pc.conn.Close()
	}
}
