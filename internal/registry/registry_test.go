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

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

func echoSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":   map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer"},
		},
		"required": []any{"key"},
	}
}

// countingHandler records invocations so tests can assert a validation
// failure never reached the handler.
type countingHandler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *countingHandler) handle(_ context.Context, input map[string]any) (any, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return input["key"], nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestRegisterAndExecute(t *testing.T) {
	r := New(Config{})
	h := &countingHandler{}

	require.NoError(t, r.Register(Tool{
		Name:        "memory/get",
		Description: "Fetch a value from shared memory",
		InputSchema: echoSchema(),
		Handler:     h.handle,
	}, nil))

	result, err := r.Execute(context.Background(), "memory/get",
		map[string]any{"key": "alpha"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", result)
	assert.Equal(t, 1, h.count())

	m, ok := r.Metrics("memory/get")
	require.True(t, ok)
	assert.Equal(t, int64(1), m.TotalCalls)
	assert.Equal(t, int64(1), m.SuccessfulCalls)
	assert.Empty(t, m.RecentErrors)
}

func TestRegisterValidation(t *testing.T) {
	r := New(Config{})
	h := &countingHandler{}

	tests := []struct {
		name string
		tool Tool
	}{
		{"missing namespace", Tool{Name: "get", Description: "d", InputSchema: echoSchema(), Handler: h.handle}},
		{"empty namespace", Tool{Name: "/get", Description: "d", InputSchema: echoSchema(), Handler: h.handle}},
		{"trailing slash", Tool{Name: "memory/", Description: "d", InputSchema: echoSchema(), Handler: h.handle}},
		{"no description", Tool{Name: "memory/get", InputSchema: echoSchema(), Handler: h.handle}},
		{"no handler", Tool{Name: "memory/get", Description: "d", InputSchema: echoSchema()}},
		{"no schema", Tool{Name: "memory/get", Description: "d", Handler: h.handle}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.tool, nil)
			require.Error(t, err)
			assert.Equal(t, "validation", pkgerrors.ErrorType(err))
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(Config{})
	h := &countingHandler{}
	tool := Tool{Name: "memory/get", Description: "d", InputSchema: echoSchema(), Handler: h.handle}

	require.NoError(t, r.Register(tool, nil))
	err := r.Register(tool, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestExecuteValidationNeverReachesHandler(t *testing.T) {
	r := New(Config{})
	h := &countingHandler{}
	require.NoError(t, r.Register(Tool{
		Name:        "memory/get",
		Description: "Fetch a value from shared memory",
		InputSchema: echoSchema(),
		Handler:     h.handle,
	}, nil))

	// Missing required key.
	_, err := r.Execute(context.Background(), "memory/get", map[string]any{}, nil)
	require.Error(t, err)
	assert.Equal(t, "validation", pkgerrors.ErrorType(err))

	// Wrong type.
	_, err = r.Execute(context.Background(), "memory/get",
		map[string]any{"key": "alpha", "count": "three"}, nil)
	require.Error(t, err)
	assert.Equal(t, "validation", pkgerrors.ErrorType(err))

	assert.Equal(t, 0, h.count(), "handler must not run on invalid input")

	m, _ := r.Metrics("memory/get")
	assert.Equal(t, int64(0), m.TotalCalls, "validation failures are not invocations")
}

func TestExecuteUnknownTool(t *testing.T) {
	r := New(Config{})
	_, err := r.Execute(context.Background(), "memory/missing", map[string]any{}, nil)
	require.Error(t, err)
	assert.Equal(t, "not_found", pkgerrors.ErrorType(err))
}

func TestErrorRingBounded(t *testing.T) {
	r := New(Config{})
	h := &countingHandler{err: errors.New("backend unavailable")}
	require.NoError(t, r.Register(Tool{
		Name:        "memory/get",
		Description: "Fetch a value from shared memory",
		InputSchema: echoSchema(),
		Handler:     h.handle,
	}, nil))

	for i := 0; i < maxRecentErrors+5; i++ {
		_, err := r.Execute(context.Background(), "memory/get",
			map[string]any{"key": fmt.Sprintf("k%d", i)}, nil)
		require.Error(t, err)
	}

	m, ok := r.Metrics("memory/get")
	require.True(t, ok)
	assert.Equal(t, int64(maxRecentErrors+5), m.FailedCalls)
	require.Len(t, m.RecentErrors, maxRecentErrors)
	// Oldest entries were dropped.
	assert.Equal(t, map[string]any{"key": "k5"}, m.RecentErrors[0].Input)
	assert.Equal(t, map[string]any{"key": fmt.Sprintf("k%d", maxRecentErrors+4)},
		m.RecentErrors[maxRecentErrors-1].Input)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (s *recordingSink) Record(entry AuditEntry) {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
}

func TestAuditSinkReceivesOutcomes(t *testing.T) {
	sink := &recordingSink{}
	r := New(Config{Audit: sink})
	h := &countingHandler{}
	require.NoError(t, r.Register(Tool{
		Name:        "memory/get",
		Description: "Fetch a value from shared memory",
		InputSchema: echoSchema(),
		Handler:     h.handle,
	}, nil))

	_, err := r.Execute(context.Background(), "memory/get",
		map[string]any{"key": "alpha"}, &CallContext{SessionID: "sess-1"})
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "memory/get", sink.entries[0].Tool)
	assert.Equal(t, "sess-1", sink.entries[0].SessionID)
	assert.True(t, sink.entries[0].Success)
}

func TestDeriveCategoryAndTags(t *testing.T) {
	r := New(Config{})
	h := &countingHandler{}
	require.NoError(t, r.Register(Tool{
		Name:        "memory/search",
		Description: "Search shared memory entries",
		InputSchema: echoSchema(),
		Handler:     h.handle,
	}, nil))

	_, c, ok := r.Get("memory/search")
	require.True(t, ok)
	assert.Equal(t, "memory", c.Category)
	assert.ElementsMatch(t, []string{"search", "memory"}, c.Tags)
}

func TestListExcludesDeprecated(t *testing.T) {
	r := New(Config{})
	h := &countingHandler{}
	require.NoError(t, r.Register(Tool{
		Name: "memory/get", Description: "Fetch a value", InputSchema: echoSchema(), Handler: h.handle,
	}, nil))
	require.NoError(t, r.Register(Tool{
		Name: "memory/old", Description: "Old fetch", InputSchema: echoSchema(), Handler: h.handle,
	}, &Capability{Deprecated: true, DeprecationMessage: "use memory/get"}))

	visible := r.List(false)
	require.Len(t, visible, 1)
	assert.Equal(t, "memory/get", visible[0].Name)

	all := r.List(true)
	assert.Len(t, all, 2)
}
