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

package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// fakeConn is a controllable connection handle.
type fakeConn struct {
	mu      sync.Mutex
	pingErr error
	closed  bool
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// fakeFactory counts dials and remembers every connection it produced.
type fakeFactory struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
}

func (f *fakeFactory) Dial(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	c := &fakeConn{}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Min = 1
	cfg.Max = 4
	cfg.AcquireTimeout = time.Second
	cfg.TestOnBorrow = false
	return cfg
}

func TestNew_CreatesMinEagerly(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Min = 3

	p, err := New(context.Background(), factory, cfg)
	require.NoError(t, err)
	defer p.Drain(context.Background())

	assert.Equal(t, 3, factory.dialCount())
	st := p.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Idle)
}

func TestAcquireRelease_Invariants(t *testing.T) {
	factory := &fakeFactory{}
	p, err := New(context.Background(), factory, testConfig())
	require.NoError(t, err)
	defer p.Drain(context.Background())

	var held []*PooledConn
	for i := 0; i < 4; i++ {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, pc)

		st := p.Stats()
		assert.Equal(t, st.Total, st.Idle+st.InUse, "idle + inUse must equal total")
		assert.LessOrEqual(t, st.Total, 4)
		assert.GreaterOrEqual(t, st.Total, 1)
	}

	for _, pc := range held {
		p.Release(pc)
	}

	st := p.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 4, st.Idle)
	assert.Equal(t, 0, st.InUse)
}

func TestAcquire_TimesOutWhenExhausted(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 2
	cfg.AcquireTimeout = 50 * time.Millisecond

	p, err := New(context.Background(), factory, cfg)
	require.NoError(t, err)
	defer p.Drain(context.Background())

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, pkgerrors.IsTimeout(err), "expected timeout error, got %v", err)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	p.Release(a)
	p.Release(b)
}

func TestRelease_ServesWaitersInFIFOOrder(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 1
	cfg.AcquireTimeout = 5 * time.Second

	p, err := New(context.Background(), factory, cfg)
	require.NoError(t, err)
	defer p.Drain(context.Background())

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			p.Release(pc)
		}()

		// Wait until this goroutine is queued before starting the next,
		// so enqueue order is deterministic.
		require.Eventually(t, func() bool {
			return p.Stats().Waiters == i
		}, time.Second, time.Millisecond)
	}

	p.Release(first)
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{1, 2, 3}, got, "longest-waiting caller must be served first")
}

func TestAcquire_TestOnBorrowDestroysUnhealthy(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 2
	cfg.TestOnBorrow = true

	p, err := New(context.Background(), factory, cfg)
	require.NoError(t, err)
	defer p.Drain(context.Background())

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	sick := pc.Conn().(*fakeConn)
	p.Release(pc)

	sick.setPingErr(assert.AnError)

	replacement, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(replacement)

	assert.NotSame(t, sick, replacement.Conn(), "unhealthy connection must not be handed out")
	sick.mu.Lock()
	closed := sick.closed
	sick.mu.Unlock()
	assert.True(t, closed, "unhealthy connection must be destroyed")
	assert.GreaterOrEqual(t, factory.dialCount(), 2)
}

func TestEvictIdle_RespectsMinAndIdleTimeout(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 4
	cfg.IdleTimeout = 10 * time.Millisecond
	cfg.EvictionInterval = time.Hour // drive the sweep manually

	p, err := New(context.Background(), factory, cfg)
	require.NoError(t, err)
	defer p.Drain(context.Background())

	var held []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, pc)
	}
	for _, pc := range held {
		p.Release(pc)
	}
	require.Equal(t, 3, p.Stats().Total)

	time.Sleep(20 * time.Millisecond)
	p.evictIdle()

	st := p.Stats()
	assert.Equal(t, 1, st.Total, "eviction must not shrink below min")
	assert.Equal(t, 1, st.Idle)
}

func TestSampleAndResize_ScaleDownRemovesIdleOnly(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 6
	cfg.AdaptiveResize = true
	cfg.LoadThresholdHigh = 2.0 // never scale up
	cfg.LoadThresholdLow = 0.9
	cfg.ResizeInterval = time.Hour // drive sampling manually

	p, err := New(context.Background(), factory, cfg)
	require.NoError(t, err)
	defer p.Drain(context.Background())

	var held []*PooledConn
	for i := 0; i < 5; i++ {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, pc)
	}
	// Keep one in use; idle the rest.
	for _, pc := range held[1:] {
		p.Release(pc)
	}
	require.Equal(t, 5, p.Stats().Total)

	p.sampleAndResize()

	st := p.Stats()
	// (5 - 1) / 2 = 2 idle connections removed.
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.InUse, "in-use connections must never be removed")
	assert.GreaterOrEqual(t, st.Total, cfg.Min)

	// A second sample inside the same interval is throttled.
	p.sampleAndResize()
	assert.Equal(t, 3, p.Stats().Total, "resize must be throttled to once per interval")

	p.Release(held[0])
}

func TestSampleAndResize_ScaleUpNeverExceedsMax(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 2
	cfg.AcquireTimeout = 300 * time.Millisecond
	cfg.AdaptiveResize = true
	cfg.LoadThresholdHigh = 0.5
	cfg.LoadThresholdLow = 0.0
	cfg.ResizeInterval = time.Hour
	cfg.MaxAutoResize = 10

	p, err := New(context.Background(), factory, cfg)
	require.NoError(t, err)
	defer p.Drain(context.Background())

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Queued waiter; will time out.
		_, _ = p.Acquire(context.Background())
	}()
	require.Eventually(t, func() bool {
		return p.Stats().Waiters == 1
	}, time.Second, time.Millisecond)

	p.sampleAndResize()

	assert.LessOrEqual(t, p.Stats().Total, cfg.Max, "scale-up must never exceed max")

	wg.Wait()
	p.Release(a)
	p.Release(b)
}

func TestDrain_RejectsWaitersAndClosesConns(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Min = 1
	cfg.Max = 1
	cfg.AcquireTimeout = 5 * time.Second

	p, err := New(context.Background(), factory, cfg)
	require.NoError(t, err)

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waiterErr <- err
	}()
	require.Eventually(t, func() bool {
		return p.Stats().Waiters == 1
	}, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- p.Drain(context.Background())
	}()

	select {
	case err := <-waiterErr:
		require.Error(t, err)
		assert.True(t, pkgerrors.IsCapacity(err), "drained waiter should see capacity error, got %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not rejected by drain")
	}

	p.Release(pc)
	require.NoError(t, <-done)

	for _, c := range factory.conns {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		assert.True(t, closed, "all connections must be closed after drain")
	}

	_, err = p.Acquire(context.Background())
	assert.Error(t, err, "acquire after drain must fail")
}

func TestStats_LatencySummaries(t *testing.T) {
	factory := &fakeFactory{}
	p, err := New(context.Background(), factory, testConfig())
	require.NoError(t, err)
	defer p.Drain(context.Background())

	for i := 0; i < 10; i++ {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		p.Release(pc)
	}

	st := p.Stats()
	assert.Equal(t, int64(10), st.Acquired)
	assert.GreaterOrEqual(t, st.AcquireLatencyP95, st.AcquireLatencyMean/2)
	assert.Greater(t, st.ThroughputPerSec, 0.0)
}
