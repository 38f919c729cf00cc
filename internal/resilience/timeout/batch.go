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

package timeout

import (
	"context"
	"sync"
	"time"
)

// BatchMode selects how a batch is executed.
type BatchMode string

const (
	// ModeParallel runs all operations concurrently.
	ModeParallel BatchMode = "parallel"
	// ModeSequential runs operations one at a time in order.
	ModeSequential BatchMode = "sequential"
)

// BatchOp is one operation in a batch.
type BatchOp struct {
	// Name labels the operation for metrics and results.
	Name string

	// Timeout bounds this operation. Zero means no deadline.
	Timeout time.Duration

	// Op is the callable to run.
	Op Op
}

// BatchOptions configures ExecuteBatch.
type BatchOptions struct {
	// Mode selects parallel or sequential execution. Default: parallel.
	Mode BatchMode

	// FailFast stops (sequential) or cancels (parallel) the batch on the
	// first error. Without it, all outcomes are collected.
	FailFast bool
}

// BatchResult is one operation's outcome.
type BatchResult struct {
	Name     string        `json:"name"`
	Value    any           `json:"value,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// ExecuteBatch runs a set of guarded operations. In parallel mode all
// operations start concurrently; with FailFast the remaining operations
// are cancelled on the first error. In sequential mode operations run in
// order; with FailFast the batch stops at the first error, otherwise it
// continues and accumulates every outcome.
//
// The returned slice always has one entry per input operation, in input
// order; entries never started (sequential fail-fast) carry a nil Value
// and the context error if any. The returned error is the first failure
// when FailFast is set, nil otherwise.
func (m *Manager) ExecuteBatch(ctx context.Context, ops []BatchOp, opts BatchOptions) ([]BatchResult, error) {
	if opts.Mode == "" {
		opts.Mode = ModeParallel
	}

	switch opts.Mode {
	case ModeSequential:
		return m.batchSequential(ctx, ops, opts.FailFast)
	default:
		return m.batchParallel(ctx, ops, opts.FailFast)
	}
}

func (m *Manager) batchParallel(ctx context.Context, ops []BatchOp, failFast bool) ([]BatchResult, error) {
	batchCtx := ctx
	var cancel context.CancelFunc
	if failFast {
		batchCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	results := make([]BatchResult, len(ops))
	var wg sync.WaitGroup

	var firstErrMu sync.Mutex
	var firstErr error

	for i, bop := range ops {
		i, bop := i, bop
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			value, err := m.Execute(batchCtx, bop.Name, bop.Op, Options{Timeout: bop.Timeout})
			results[i] = BatchResult{
				Name:     bop.Name,
				Value:    value,
				Err:      err,
				Duration: time.Since(start),
			}

			if err != nil && failFast {
				firstErrMu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				firstErrMu.Unlock()
			}
		}()
	}

	wg.Wait()

	if failFast && firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

func (m *Manager) batchSequential(ctx context.Context, ops []BatchOp, failFast bool) ([]BatchResult, error) {
	results := make([]BatchResult, len(ops))
	var firstErr error

	for i, bop := range ops {
		if firstErr != nil && failFast {
			results[i] = BatchResult{Name: bop.Name, Err: ctx.Err()}
			continue
		}

		start := time.Now()
		value, err := m.Execute(ctx, bop.Name, bop.Op, Options{Timeout: bop.Timeout})
		results[i] = BatchResult{
			Name:     bop.Name,
			Value:    value,
			Err:      err,
			Duration: time.Since(start),
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if failFast {
		return results, firstErr
	}
	return results, nil
}
