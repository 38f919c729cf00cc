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

// Package metrics exports relay operational metrics through OpenTelemetry
// with a Prometheus exporter.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector records tool call, breaker, pool, and session metrics.
type Collector struct {
	meter metric.Meter

	toolCallsTotal   metric.Int64Counter
	toolCallDuration metric.Float64Histogram
	breakerTrips     metric.Int64Counter
	poolAcquireWait  metric.Float64Histogram
	poolTimeouts     metric.Int64Counter

	activeSessions   int64
	activeSessionsMu sync.RWMutex
	poolInUse        int64
	poolInUseMu      sync.RWMutex
}

// NewCollector creates a collector using the given meter provider.
func NewCollector(meterProvider metric.MeterProvider) (*Collector, error) {
	meter := meterProvider.Meter("relay")

	c := &Collector{meter: meter}

	var err error

	c.toolCallsTotal, err = meter.Int64Counter(
		"relay_tool_calls_total",
		metric.WithDescription("Total number of tool invocations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	c.toolCallDuration, err = meter.Float64Histogram(
		"relay_tool_call_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.breakerTrips, err = meter.Int64Counter(
		"relay_breaker_transitions_total",
		metric.WithDescription("Total number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	c.poolAcquireWait, err = meter.Float64Histogram(
		"relay_pool_acquire_wait_seconds",
		metric.WithDescription("Time spent waiting to acquire a pooled connection"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.poolTimeouts, err = meter.Int64Counter(
		"relay_pool_acquire_timeouts_total",
		metric.WithDescription("Total number of pool acquire timeouts"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"relay_active_sessions",
		metric.WithDescription("Number of live protocol sessions"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.activeSessionsMu.RLock()
			count := c.activeSessions
			c.activeSessionsMu.RUnlock()
			observer.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"relay_pool_in_use",
		metric.WithDescription("Number of pooled connections currently borrowed"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.poolInUseMu.RLock()
			count := c.poolInUse
			c.poolInUseMu.RUnlock()
			observer.Observe(count)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordToolCall records one tool invocation outcome.
func (c *Collector) RecordToolCall(ctx context.Context, tool, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("status", status),
	}
	c.toolCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.toolCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBreakerTransition records a circuit breaker state change.
func (c *Collector) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	c.breakerTrips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordPoolAcquire records an acquire wait, and whether it timed out.
func (c *Collector) RecordPoolAcquire(ctx context.Context, wait time.Duration, timedOut bool) {
	c.poolAcquireWait.Record(ctx, wait.Seconds())
	if timedOut {
		c.poolTimeouts.Add(ctx, 1)
	}
}

// SetActiveSessions updates the live session gauge.
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessionsMu.Lock()
	c.activeSessions = int64(n)
	c.activeSessionsMu.Unlock()
}

// SetPoolInUse updates the borrowed-connection gauge.
func (c *Collector) SetPoolInUse(n int) {
	c.poolInUseMu.Lock()
	c.poolInUse = int64(n)
	c.poolInUseMu.Unlock()
}
