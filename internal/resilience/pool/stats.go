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
	"sort"
	"time"
)

// maxLatencySamples bounds the rolling latency sample buffers.
const maxLatencySamples = 256

// statsState is the pool's internal bookkeeping. All fields are protected
// by the pool mutex.
type statsState struct {
	startedAt time.Time

	created   int64
	destroyed int64
	acquired  int64
	timeouts  int64

	acquireSamples   []time.Duration
	queueWaitSamples []time.Duration
}

func (s *statsState) recordAcquire(d time.Duration) {
	s.acquired++
	s.acquireSamples = append(s.acquireSamples, d)
	if len(s.acquireSamples) > maxLatencySamples {
		s.acquireSamples = s.acquireSamples[len(s.acquireSamples)-maxLatencySamples:]
	}
}

func (s *statsState) recordQueueWait(d time.Duration) {
	s.queueWaitSamples = append(s.queueWaitSamples, d)
	if len(s.queueWaitSamples) > maxLatencySamples {
		s.queueWaitSamples = s.queueWaitSamples[len(s.queueWaitSamples)-maxLatencySamples:]
	}
}

// Stats is a point-in-time snapshot of pool health.
type Stats struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiters int `json:"waiters"`

	Utilization float64 `json:"utilization"`

	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Acquired  int64 `json:"acquired"`
	Timeouts  int64 `json:"timeouts"`

	AcquireLatencyMean time.Duration `json:"acquire_latency_mean"`
	AcquireLatencyP95  time.Duration `json:"acquire_latency_p95"`
	QueueWaitMean      time.Duration `json:"queue_wait_mean"`
	QueueWaitP95       time.Duration `json:"queue_wait_p95"`

	// ThroughputPerSec estimates successful acquires per second since the
	// pool started.
	ThroughputPerSec float64 `json:"throughput_per_sec"`
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.conns)
	idle := len(p.idle)
	inUse := total - idle

	utilization := 0.0
	if total > 0 {
		utilization = float64(inUse) / float64(total)
	}

	elapsed := time.Since(p.stats.startedAt).Seconds()
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(p.stats.acquired) / elapsed
	}

	acquireMean, acquireP95 := summarize(p.stats.acquireSamples)
	queueMean, queueP95 := summarize(p.stats.queueWaitSamples)

	return Stats{
		Total:              total,
		Idle:               idle,
		InUse:              inUse,
		Waiters:            p.waiters.Len(),
		Utilization:        utilization,
		Created:            p.stats.created,
		Destroyed:          p.stats.destroyed,
		Acquired:           p.stats.acquired,
		Timeouts:           p.stats.timeouts,
		AcquireLatencyMean: acquireMean,
		AcquireLatencyP95:  acquireP95,
		QueueWaitMean:      queueMean,
		QueueWaitP95:       queueP95,
		ThroughputPerSec:   throughput,
	}
}

// summarize computes the mean and 95th percentile of a sample buffer.
func summarize(samples []time.Duration) (mean, p95 time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, s := range sorted {
		sum += s
	}
	mean = sum / time.Duration(len(sorted))

	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 = sorted[idx]
	return mean, p95
}
